package payments

import (
	"errors"
	"fmt"
	"time"

	"paychain/core/events"
	"paychain/core/types"
)

// State is the ledger surface a single transition runs against. The hosting
// node passes a journaled view, so everything the engine does inside one call
// commits together or not at all.
type State interface {
	GetAccount(addr [32]byte) (*types.Account, error)
	PutAccount(addr [32]byte, acc *types.Account) error
	Transfer(from, to [32]byte, amount uint64) error
	Allocate(addr [32]byte, size uint32) error
	GetRecord(addr [32]byte) ([]byte, bool, error)
	PutRecord(addr [32]byte, data []byte) error
}

// Engine validates and applies the three payment transitions. It is a pure
// state machine over (record, instruction, account references): every
// precondition is checked before the first mutation, every failure is
// terminal for that attempt, and there is no retry or partial application.
type Engine struct {
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a payment engine with a no-op emitter and wall-clock
// time. Timestamps always come from the engine's clock, never from callers.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Dispatch decodes an instruction payload and routes it to the matching
// transition. This is the program entrypoint the hosting node calls.
func (e *Engine) Dispatch(st State, data []byte, accounts []AccountRef) (*Payment, error) {
	inst, err := ParseInstruction(data)
	if err != nil {
		return nil, err
	}
	switch inst.Op {
	case OpInitialize:
		return e.Initialize(st, accounts, inst.Amount, inst.PaymentID)
	case OpComplete:
		return e.Complete(st, accounts)
	case OpCancel:
		return e.Cancel(st, accounts)
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedInstruction, inst.Op)
	}
}

// Initialize creates the payment record at its derived address and moves the
// reserved amount from the payer into escrow at that same address.
func (e *Engine) Initialize(st State, accounts []AccountRef, amount uint64, paymentID string) (*Payment, error) {
	if st == nil {
		return nil, errors.New("payments: engine state not configured")
	}
	if len(accounts) != initializeAccountLen {
		return nil, fmt.Errorf("%w: initialize requires %d accounts, got %d", ErrMalformedInstruction, initializeAccountLen, len(accounts))
	}
	payer := accounts[idxPayer]
	if !payer.Signer {
		return nil, ErrUnauthorized
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if paymentID == "" {
		return nil, ErrInvalidPaymentID
	}
	if len(paymentID) > MaxPaymentIDLength {
		return nil, fmt.Errorf("%w: length %d exceeds maximum %d", ErrInvalidPaymentID, len(paymentID), MaxPaymentIDLength)
	}

	witness, err := deriveWitness(payer.Address, paymentID)
	if err != nil {
		return nil, err
	}
	escrowAddr := witness.Address()
	if accounts[idxPayment].Address != escrowAddr {
		return nil, fmt.Errorf("%w: payment account is not the derived address", ErrAccountMismatch)
	}

	if _, exists, err := st.GetRecord(escrowAddr); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrPaymentAlreadyExists
	}
	escrowAcc, err := st.GetAccount(escrowAddr)
	if err != nil {
		return nil, err
	}
	if escrowAcc.StorageSize > 0 {
		return nil, ErrPaymentAlreadyExists
	}

	payerAcc, err := st.GetAccount(payer.Address)
	if err != nil {
		return nil, err
	}
	if payerAcc.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	payment := &Payment{
		Payer:     payer.Address,
		Recipient: accounts[idxRecipient].Address,
		Amount:    amount,
		PaymentID: paymentID,
		Status:    StatusPending,
		Timestamp: e.now(),
	}
	encoded := EncodePayment(payment)

	if err := st.Allocate(escrowAddr, uint32(len(encoded))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInUse, err)
	}
	if err := st.Transfer(payer.Address, escrowAddr, amount); err != nil {
		return nil, fmt.Errorf("payments: fund escrow: %w", err)
	}
	if err := st.PutRecord(escrowAddr, encoded); err != nil {
		return nil, fmt.Errorf("payments: write record: %w", err)
	}

	e.emit(Initialized{
		Address:   escrowAddr,
		Payer:     payment.Payer,
		Recipient: payment.Recipient,
		Amount:    payment.Amount,
		PaymentID: payment.PaymentID,
		Timestamp: payment.Timestamp,
	})
	return payment.Clone(), nil
}

// Complete settles a pending payment: the escrowed amount moves from the
// derived address to the recorded recipient under the derivation witness, and
// the record becomes terminal.
func (e *Engine) Complete(st State, accounts []AccountRef) (*Payment, error) {
	if st == nil {
		return nil, errors.New("payments: engine state not configured")
	}
	if len(accounts) != completeAccountLen {
		return nil, fmt.Errorf("%w: complete requires %d accounts, got %d", ErrMalformedInstruction, completeAccountLen, len(accounts))
	}
	payer := accounts[idxPayer]
	if !payer.Signer {
		return nil, ErrUnauthorized
	}
	escrowAddr := accounts[idxPayment].Address

	payment, err := e.loadPayment(st, escrowAddr)
	if err != nil {
		return nil, err
	}
	if payment.Payer != payer.Address {
		return nil, ErrUnauthorized
	}
	// The escrow address holds no key, so any syntactically valid Complete
	// could try to name an arbitrary destination. The instruction-time
	// recipient must equal the one fixed at creation, checked before any
	// value moves.
	if accounts[idxRecipient].Address != payment.Recipient {
		return nil, ErrRecipientMismatch
	}
	if payment.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStateTransition, payment.Status)
	}
	escrowAcc, err := st.GetAccount(escrowAddr)
	if err != nil {
		return nil, err
	}
	if escrowAcc.Balance < payment.Amount {
		return nil, ErrInsufficientEscrowBalance
	}

	if err := e.payoutFromEscrow(st, payment, escrowAddr, payment.Recipient); err != nil {
		return nil, err
	}
	payment.Status = StatusCompleted
	if err := st.PutRecord(escrowAddr, EncodePayment(payment)); err != nil {
		return nil, fmt.Errorf("payments: write record: %w", err)
	}

	e.emit(Completed{
		Address:   escrowAddr,
		Payer:     payment.Payer,
		Recipient: payment.Recipient,
		Amount:    payment.Amount,
		PaymentID: payment.PaymentID,
	})
	return payment.Clone(), nil
}

// Cancel resolves a pending payment in the payer's favour: the escrowed
// amount moves back to the payer and the record becomes terminal.
func (e *Engine) Cancel(st State, accounts []AccountRef) (*Payment, error) {
	if st == nil {
		return nil, errors.New("payments: engine state not configured")
	}
	if len(accounts) != cancelAccountLen {
		return nil, fmt.Errorf("%w: cancel requires %d accounts, got %d", ErrMalformedInstruction, cancelAccountLen, len(accounts))
	}
	payer := accounts[idxPayer]
	if !payer.Signer {
		return nil, ErrUnauthorized
	}
	escrowAddr := accounts[idxPayment].Address

	payment, err := e.loadPayment(st, escrowAddr)
	if err != nil {
		return nil, err
	}
	if payment.Payer != payer.Address {
		return nil, ErrUnauthorized
	}
	if payment.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStateTransition, payment.Status)
	}

	if err := e.payoutFromEscrow(st, payment, escrowAddr, payment.Payer); err != nil {
		return nil, err
	}
	payment.Status = StatusCancelled
	if err := st.PutRecord(escrowAddr, EncodePayment(payment)); err != nil {
		return nil, fmt.Errorf("payments: write record: %w", err)
	}

	e.emit(Cancelled{
		Address:   escrowAddr,
		Payer:     payment.Payer,
		Amount:    payment.Amount,
		PaymentID: payment.PaymentID,
	})
	return payment.Clone(), nil
}

func (e *Engine) loadPayment(st State, addr [32]byte) (*Payment, error) {
	raw, ok, err := st.GetRecord(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return DecodePayment(raw)
}

// payoutFromEscrow moves the payment amount out of the derived address. The
// address has no signing key; authority comes from re-deriving the witness
// from the record's own (payer, payment id) seeds and proving it names the
// address funds are leaving.
func (e *Engine) payoutFromEscrow(st State, payment *Payment, escrowAddr, to [32]byte) error {
	witness, err := deriveWitness(payment.Payer, payment.PaymentID)
	if err != nil {
		return err
	}
	if witness.Address() != escrowAddr || !witness.valid() {
		return fmt.Errorf("%w: record is not stored at its derived address", ErrAccountMismatch)
	}
	if err := st.Transfer(witness.Address(), to, payment.Amount); err != nil {
		return fmt.Errorf("payments: release escrow: %w", err)
	}
	return nil
}
