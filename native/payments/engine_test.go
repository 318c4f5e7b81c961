package payments

import (
	"errors"
	"fmt"
	"testing"

	"paychain/core/events"
	"paychain/core/types"
)

type mockState struct {
	accounts map[[32]byte]*types.Account
	records  map[[32]byte][]byte
}

func newMockState() *mockState {
	return &mockState{
		accounts: make(map[[32]byte]*types.Account),
		records:  make(map[[32]byte][]byte),
	}
}

func (m *mockState) GetAccount(addr [32]byte) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{}, nil
}

func (m *mockState) PutAccount(addr [32]byte, acc *types.Account) error {
	m.accounts[addr] = acc.Clone()
	return nil
}

func (m *mockState) Transfer(from, to [32]byte, amount uint64) error {
	fromAcc, _ := m.GetAccount(from)
	if fromAcc.Balance < amount {
		return fmt.Errorf("mock: insufficient balance")
	}
	toAcc, _ := m.GetAccount(to)
	fromAcc.Balance -= amount
	toAcc.Balance += amount
	m.accounts[from] = fromAcc
	m.accounts[to] = toAcc
	return nil
}

func (m *mockState) Allocate(addr [32]byte, size uint32) error {
	acc, _ := m.GetAccount(addr)
	if acc.StorageSize > 0 {
		return fmt.Errorf("mock: address in use")
	}
	acc.StorageSize = size
	m.accounts[addr] = acc
	return nil
}

func (m *mockState) GetRecord(addr [32]byte) ([]byte, bool, error) {
	rec, ok := m.records[addr]
	return rec, ok, nil
}

func (m *mockState) PutRecord(addr [32]byte, data []byte) error {
	acc, _ := m.GetAccount(addr)
	if uint32(len(data)) != acc.StorageSize {
		return fmt.Errorf("mock: record size mismatch")
	}
	m.records[addr] = append([]byte(nil), data...)
	return nil
}

func (m *mockState) balance(addr [32]byte) uint64 {
	acc, _ := m.GetAccount(addr)
	return acc.Balance
}

func (m *mockState) fund(addr [32]byte, amount uint64) {
	acc, _ := m.GetAccount(addr)
	acc.Balance += amount
	m.accounts[addr] = acc
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(e events.Event) { c.events = append(c.events, e) }

func testEngine(t *testing.T) (*Engine, *captureEmitter) {
	t.Helper()
	e := NewEngine()
	e.SetNowFunc(func() int64 { return 1_700_000_000 })
	sink := &captureEmitter{}
	e.SetEmitter(sink)
	return e, sink
}

func mustDerive(t *testing.T, payer [32]byte, id string) [32]byte {
	t.Helper()
	addr, err := DeriveAddress(payer, id)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return addr
}

func initialize(t *testing.T, e *Engine, st *mockState, payer, recipient [32]byte, amount uint64, id string) (*Payment, error) {
	t.Helper()
	escrow := mustDerive(t, payer, id)
	return e.Initialize(st, AccountsInitialize(payer, escrow, recipient), amount, id)
}

func TestInitializeHappyPath(t *testing.T) {
	e, sink := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 1_000_000)

	p, err := initialize(t, e, st, payer, recipient, 500_000, "P-1")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")

	if p.Status != StatusPending || p.Timestamp != 1_700_000_000 {
		t.Fatalf("unexpected record: %+v", p)
	}
	if got := st.balance(payer); got != 500_000 {
		t.Fatalf("payer balance %d, want 500000", got)
	}
	if got := st.balance(escrow); got != 500_000 {
		t.Fatalf("escrow balance %d, want 500000", got)
	}

	raw, ok, _ := st.GetRecord(escrow)
	if !ok {
		t.Fatal("record not written")
	}
	stored, err := DecodePayment(raw)
	if err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	if *stored != *p {
		t.Fatalf("stored record %+v differs from returned %+v", stored, p)
	}

	if len(sink.events) != 1 || sink.events[0].EventType() != TypePaymentInitialized {
		t.Fatalf("unexpected events: %+v", sink.events)
	}
}

func TestInitializeDuplicateMovesNoFunds(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 1_000_000)

	if _, err := initialize(t, e, st, payer, recipient, 400_000, "P-1"); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	payerBefore := st.balance(payer)
	escrowBefore := st.balance(mustDerive(t, payer, "P-1"))

	_, err := initialize(t, e, st, payer, recipient, 400_000, "P-1")
	if !errors.Is(err, ErrPaymentAlreadyExists) {
		t.Fatalf("got %v, want ErrPaymentAlreadyExists", err)
	}
	if st.balance(payer) != payerBefore || st.balance(mustDerive(t, payer, "P-1")) != escrowBefore {
		t.Fatal("balances changed on rejected duplicate")
	}
}

func TestInitializeRejections(t *testing.T) {
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	escrow := func(id string) [32]byte {
		addr, _ := DeriveAddress(payer, id)
		return addr
	}

	cases := []struct {
		name     string
		fund     uint64
		accounts []AccountRef
		amount   uint64
		id       string
		want     error
	}{
		{
			name:     "zero amount",
			fund:     1_000_000,
			accounts: AccountsInitialize(payer, escrow("P-1"), recipient),
			amount:   0,
			id:       "P-1",
			want:     ErrInvalidAmount,
		},
		{
			name:     "empty payment id",
			fund:     1_000_000,
			accounts: AccountsInitialize(payer, escrow(""), recipient),
			amount:   100,
			id:       "",
			want:     ErrInvalidPaymentID,
		},
		{
			name: "missing signer",
			fund: 1_000_000,
			accounts: []AccountRef{
				{Address: payer, Writable: true},
				{Address: escrow("P-1"), Writable: true},
				{Address: recipient},
				{Address: SystemAccountID},
			},
			amount: 100,
			id:     "P-1",
			want:   ErrUnauthorized,
		},
		{
			name:     "insufficient funds",
			fund:     50,
			accounts: AccountsInitialize(payer, escrow("P-1"), recipient),
			amount:   100,
			id:       "P-1",
			want:     ErrInsufficientFunds,
		},
		{
			name:     "payment account is not the derived address",
			fund:     1_000_000,
			accounts: AccountsInitialize(payer, testIdentity(0x77), recipient),
			amount:   100,
			id:       "P-1",
			want:     ErrAccountMismatch,
		},
		{
			name:     "wrong account count",
			fund:     1_000_000,
			accounts: AccountsCancel(payer, escrow("P-1")),
			amount:   100,
			id:       "P-1",
			want:     ErrMalformedInstruction,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, sink := testEngine(t)
			st := newMockState()
			st.fund(payer, tc.fund)

			_, err := e.Initialize(st, tc.accounts, tc.amount, tc.id)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if st.balance(payer) != tc.fund {
				t.Fatal("payer balance changed on rejection")
			}
			if _, ok, _ := st.GetRecord(escrow(tc.id)); ok {
				t.Fatal("record created on rejection")
			}
			if len(sink.events) != 0 {
				t.Fatal("event emitted on rejection")
			}
		})
	}
}

func TestCompleteHappyPath(t *testing.T) {
	e, sink := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 1_000_000)

	if _, err := initialize(t, e, st, payer, recipient, 500_000, "P-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")

	p, err := e.Complete(st, AccountsComplete(payer, escrow, recipient))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("status %v, want completed", p.Status)
	}
	if got := st.balance(payer); got != 500_000 {
		t.Fatalf("payer balance %d, want 500000", got)
	}
	if got := st.balance(recipient); got != 500_000 {
		t.Fatalf("recipient balance %d, want 500000", got)
	}
	if got := st.balance(escrow); got != 0 {
		t.Fatalf("escrow balance %d, want 0", got)
	}

	stored, err := DecodePayment(mustRecord(t, st, escrow))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatal("stored record not completed")
	}
	if stored.Timestamp != 1_700_000_000 {
		t.Fatal("timestamp must not change after creation")
	}
	if last := sink.events[len(sink.events)-1]; last.EventType() != TypePaymentCompleted {
		t.Fatalf("last event %s", last.EventType())
	}
}

func TestCompleteRecipientMismatch(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	other := testIdentity(0x03)
	st.fund(payer, 1_000_000)

	if _, err := initialize(t, e, st, payer, recipient, 500_000, "P-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")

	_, err := e.Complete(st, AccountsComplete(payer, escrow, other))
	if !errors.Is(err, ErrRecipientMismatch) {
		t.Fatalf("got %v, want ErrRecipientMismatch", err)
	}
	if st.balance(escrow) != 500_000 || st.balance(other) != 0 || st.balance(recipient) != 0 {
		t.Fatal("balances changed on recipient mismatch")
	}
	stored, _ := DecodePayment(mustRecord(t, st, escrow))
	if stored.Status != StatusPending {
		t.Fatal("status changed on recipient mismatch")
	}
}

func TestCancelHappyPath(t *testing.T) {
	e, sink := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 800_000)

	if _, err := initialize(t, e, st, payer, recipient, 300_000, "P-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")

	p, err := e.Cancel(st, AccountsCancel(payer, escrow))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if p.Status != StatusCancelled {
		t.Fatalf("status %v, want cancelled", p.Status)
	}
	if st.balance(payer) != 800_000 || st.balance(escrow) != 0 {
		t.Fatal("refund did not restore balances")
	}
	if last := sink.events[len(sink.events)-1]; last.EventType() != TypePaymentCancelled {
		t.Fatalf("last event %s", last.EventType())
	}
}

func TestCompleteAfterCancelFails(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 1_000_000)

	if _, err := initialize(t, e, st, payer, recipient, 500_000, "P-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")
	if _, err := e.Cancel(st, AccountsCancel(payer, escrow)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	payerBefore := st.balance(payer)
	recipientBefore := st.balance(recipient)

	_, err := e.Complete(st, AccountsComplete(payer, escrow, recipient))
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("got %v, want ErrInvalidStateTransition", err)
	}
	if st.balance(payer) != payerBefore || st.balance(recipient) != recipientBefore {
		t.Fatal("balances changed by rejected complete")
	}
}

func TestResolveUnknownPayment(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	escrow := mustDerive(t, payer, "never-initialized")

	if _, err := e.Complete(st, AccountsComplete(payer, escrow, recipient)); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("complete: got %v, want ErrPaymentNotFound", err)
	}
	if _, err := e.Cancel(st, AccountsCancel(payer, escrow)); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("cancel: got %v, want ErrPaymentNotFound", err)
	}
}

func TestResolveByNonPayerFails(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	intruder := testIdentity(0x0F)
	st.fund(payer, 1_000_000)

	if _, err := initialize(t, e, st, payer, recipient, 500_000, "P-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")

	if _, err := e.Complete(st, AccountsComplete(intruder, escrow, recipient)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("complete: got %v, want ErrUnauthorized", err)
	}
	if _, err := e.Cancel(st, AccountsCancel(intruder, escrow)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cancel: got %v, want ErrUnauthorized", err)
	}
	if st.balance(escrow) != 500_000 {
		t.Fatal("escrow drained by unauthorized caller")
	}
}

func TestCompleteInsufficientEscrowBalance(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 1_000_000)

	if _, err := initialize(t, e, st, payer, recipient, 500_000, "P-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	escrow := mustDerive(t, payer, "P-1")

	// Simulate external corruption of the custodial balance.
	acc, _ := st.GetAccount(escrow)
	acc.Balance = 1
	st.accounts[escrow] = acc

	_, err := e.Complete(st, AccountsComplete(payer, escrow, recipient))
	if !errors.Is(err, ErrInsufficientEscrowBalance) {
		t.Fatalf("got %v, want ErrInsufficientEscrowBalance", err)
	}
	stored, _ := DecodePayment(mustRecord(t, st, escrow))
	if stored.Status != StatusPending {
		t.Fatal("status changed despite rejected transfer")
	}
}

func TestDispatchRoutesOpcodes(t *testing.T) {
	e, _ := testEngine(t)
	st := newMockState()
	payer := testIdentity(0x01)
	recipient := testIdentity(0x02)
	st.fund(payer, 1_000_000)
	escrow := mustDerive(t, payer, "P-1")

	p, err := e.Dispatch(st, BuildInitialize(250_000, "P-1"), AccountsInitialize(payer, escrow, recipient))
	if err != nil {
		t.Fatalf("dispatch initialize: %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("status %v", p.Status)
	}

	p, err = e.Dispatch(st, BuildComplete(), AccountsComplete(payer, escrow, recipient))
	if err != nil {
		t.Fatalf("dispatch complete: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("status %v", p.Status)
	}

	if _, err := e.Dispatch(st, []byte{0x09}, nil); !errors.Is(err, ErrMalformedInstruction) {
		t.Fatalf("got %v, want ErrMalformedInstruction", err)
	}
}

func mustRecord(t *testing.T, st *mockState, addr [32]byte) []byte {
	t.Helper()
	raw, ok, _ := st.GetRecord(addr)
	if !ok {
		t.Fatal("record missing")
	}
	return raw
}
