package payments

import "errors"

// Status tracks the lifecycle of a payment. Pending is the only state funds
// sit in escrow; Completed and Cancelled are terminal.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	ErrUnauthorized              = errors.New("payments: payer signature required")
	ErrInvalidAmount             = errors.New("payments: amount must be positive")
	ErrInvalidPaymentID          = errors.New("payments: payment id must be non-empty")
	ErrPaymentAlreadyExists      = errors.New("payments: payment already exists")
	ErrInsufficientFunds         = errors.New("payments: insufficient payer funds")
	ErrPaymentNotFound           = errors.New("payments: payment not found")
	ErrRecipientMismatch         = errors.New("payments: recipient does not match payment record")
	ErrInvalidStateTransition    = errors.New("payments: payment is not pending")
	ErrInsufficientEscrowBalance = errors.New("payments: escrow balance below payment amount")
	ErrMalformedAccount          = errors.New("payments: malformed payment record")
	ErrAddressDerivation         = errors.New("payments: no valid derived address for input")
	ErrAddressInUse              = errors.New("payments: derived address already allocated")
	ErrAccountMismatch           = errors.New("payments: account does not match derived address")
)

// Payment is the sole persistent entity of the escrow core: one record per
// (payer, payment id) pair, stored at its derived address, which also
// custodies the reserved funds until resolution. Payer, recipient, amount,
// payment id and timestamp are fixed at creation; only Status ever changes.
type Payment struct {
	Payer     [32]byte
	Recipient [32]byte
	Amount    uint64
	PaymentID string
	Status    Status
	Timestamp int64
}

// Clone returns a copy callers can mutate without affecting the original.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
