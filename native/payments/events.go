package payments

import (
	"encoding/hex"
	"strconv"

	"paychain/core/types"
	"paychain/crypto"
)

const (
	TypePaymentInitialized = "payments.initialized"
	TypePaymentCompleted   = "payments.completed"
	TypePaymentCancelled   = "payments.cancelled"
)

// Initialized is emitted when a payment record is created and funded.
type Initialized struct {
	Address   [32]byte
	Payer     [32]byte
	Recipient [32]byte
	Amount    uint64
	PaymentID string
	Timestamp int64
}

func (Initialized) EventType() string { return TypePaymentInitialized }

func (e Initialized) Event() *types.Event {
	return &types.Event{
		Type: TypePaymentInitialized,
		Attributes: map[string]string{
			"address":   hex.EncodeToString(e.Address[:]),
			"payer":     crypto.MustNewAddress(crypto.PayPrefix, e.Payer[:]).String(),
			"recipient": crypto.MustNewAddress(crypto.PayPrefix, e.Recipient[:]).String(),
			"amount":    strconv.FormatUint(e.Amount, 10),
			"paymentId": e.PaymentID,
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

// Completed is emitted when escrowed funds reach the recorded recipient.
type Completed struct {
	Address   [32]byte
	Payer     [32]byte
	Recipient [32]byte
	Amount    uint64
	PaymentID string
}

func (Completed) EventType() string { return TypePaymentCompleted }

func (e Completed) Event() *types.Event {
	return &types.Event{
		Type: TypePaymentCompleted,
		Attributes: map[string]string{
			"address":   hex.EncodeToString(e.Address[:]),
			"payer":     crypto.MustNewAddress(crypto.PayPrefix, e.Payer[:]).String(),
			"recipient": crypto.MustNewAddress(crypto.PayPrefix, e.Recipient[:]).String(),
			"amount":    strconv.FormatUint(e.Amount, 10),
			"paymentId": e.PaymentID,
		},
	}
}

// Cancelled is emitted when escrowed funds return to the payer.
type Cancelled struct {
	Address   [32]byte
	Payer     [32]byte
	Amount    uint64
	PaymentID string
}

func (Cancelled) EventType() string { return TypePaymentCancelled }

func (e Cancelled) Event() *types.Event {
	return &types.Event{
		Type: TypePaymentCancelled,
		Attributes: map[string]string{
			"address":   hex.EncodeToString(e.Address[:]),
			"payer":     crypto.MustNewAddress(crypto.PayPrefix, e.Payer[:]).String(),
			"amount":    strconv.FormatUint(e.Amount, 10),
			"paymentId": e.PaymentID,
		},
	}
}
