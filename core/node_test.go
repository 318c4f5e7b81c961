package core

import (
	"errors"
	"testing"

	"paychain/core/state"
	"paychain/crypto"
	"paychain/native/payments"
	"paychain/storage"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n := NewNode(state.NewManager(storage.NewMemDB()))
	n.Engine().SetNowFunc(func() int64 { return 1_700_000_000 })
	return n
}

func newSigner(t *testing.T) (*crypto.PrivateKey, [32]byte) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, key.PubKey().Address().Raw()
}

func signedEnvelope(t *testing.T, key *crypto.PrivateKey, data []byte, refs []payments.AccountRef, nonce uint64) *InstructionEnvelope {
	t.Helper()
	accounts := make([][32]byte, len(refs))
	for i, ref := range refs {
		accounts[i] = ref.Address
	}
	env := &InstructionEnvelope{Data: data, Accounts: accounts, Nonce: nonce}
	digest := env.SigningDigest()
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Sig = sig
	return env
}

func TestSubmitFullLifecycle(t *testing.T) {
	n := newTestNode(t)
	key, payer := newSigner(t)
	_, recipient := newSigner(t)

	if err := n.Credit(payer, 1_000_000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	escrow, err := payments.DeriveAddress(payer, "P-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	p, err := n.Submit(signedEnvelope(t, key,
		payments.BuildInitialize(500_000, "P-1"),
		payments.AccountsInitialize(payer, escrow, recipient), 0))
	if err != nil {
		t.Fatalf("submit initialize: %v", err)
	}
	if p.Status != payments.StatusPending {
		t.Fatalf("status %v", p.Status)
	}

	got, addr, err := n.GetPayment(payer, "P-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if addr != escrow || got.Amount != 500_000 {
		t.Fatalf("unexpected query result: %+v at %x", got, addr)
	}

	escrowAcc, _ := n.GetAccount(escrow)
	if escrowAcc.Balance != 500_000 {
		t.Fatalf("escrow balance %d", escrowAcc.Balance)
	}

	p, err = n.Submit(signedEnvelope(t, key,
		payments.BuildComplete(),
		payments.AccountsComplete(payer, escrow, recipient), 1))
	if err != nil {
		t.Fatalf("submit complete: %v", err)
	}
	if p.Status != payments.StatusCompleted {
		t.Fatalf("status %v", p.Status)
	}

	recipientAcc, _ := n.GetAccount(recipient)
	if recipientAcc.Balance != 500_000 {
		t.Fatalf("recipient balance %d", recipientAcc.Balance)
	}
	escrowAcc, _ = n.GetAccount(escrow)
	if escrowAcc.Balance != 0 {
		t.Fatalf("escrow balance %d after completion", escrowAcc.Balance)
	}

	if events := n.RecentEvents(); len(events) != 2 ||
		events[0].Type != payments.TypePaymentInitialized ||
		events[1].Type != payments.TypePaymentCompleted {
		t.Fatalf("unexpected event window: %+v", events)
	}
}

func TestSubmitRejectsBadNonce(t *testing.T) {
	n := newTestNode(t)
	key, payer := newSigner(t)
	_, recipient := newSigner(t)
	if err := n.Credit(payer, 1_000_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	escrow, _ := payments.DeriveAddress(payer, "P-1")

	_, err := n.Submit(signedEnvelope(t, key,
		payments.BuildInitialize(100, "P-1"),
		payments.AccountsInitialize(payer, escrow, recipient), 7))
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("got %v, want ErrInvalidNonce", err)
	}
	if _, _, err := n.GetPayment(payer, "P-1"); !errors.Is(err, payments.ErrPaymentNotFound) {
		t.Fatal("payment created despite nonce rejection")
	}
}

func TestSubmitRejectsForeignSigner(t *testing.T) {
	n := newTestNode(t)
	_, payer := newSigner(t)
	intruderKey, _ := newSigner(t)
	_, recipient := newSigner(t)
	if err := n.Credit(payer, 1_000_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	escrow, _ := payments.DeriveAddress(payer, "P-1")

	// The intruder signs an envelope whose account list names only the payer:
	// recovery succeeds but matches no listed account.
	_, err := n.Submit(signedEnvelope(t, intruderKey,
		payments.BuildInitialize(100, "P-1"),
		payments.AccountsInitialize(payer, escrow, recipient), 0))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

// commitFailDB lets a fixed number of batched commits through, then refuses
// them, standing in for a store that dies at flush time.
type commitFailDB struct {
	*storage.MemDB
	allow int
}

func (db *commitFailDB) WriteBatch(entries []storage.Entry) error {
	if db.allow > 0 {
		db.allow--
		return db.MemDB.WriteBatch(entries)
	}
	return errors.New("disk full")
}

func TestSubmitCommitFailureEmitsNoEvents(t *testing.T) {
	// One commit is allowed so the funding credit lands; the initialize
	// transition then succeeds in the journal and fails at flush.
	n := NewNode(state.NewManager(&commitFailDB{MemDB: storage.NewMemDB(), allow: 1}))
	n.Engine().SetNowFunc(func() int64 { return 1_700_000_000 })
	key, payer := newSigner(t)
	_, recipient := newSigner(t)
	escrow, _ := payments.DeriveAddress(payer, "P-1")

	if err := n.Credit(payer, 1_000_000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := n.Submit(signedEnvelope(t, key,
		payments.BuildInitialize(100, "P-1"),
		payments.AccountsInitialize(payer, escrow, recipient), 0))
	if err == nil {
		t.Fatal("submit succeeded against a store that cannot commit")
	}
	if events := n.RecentEvents(); len(events) != 0 {
		t.Fatalf("events reported for an uncommitted transition: %+v", events)
	}
	if _, _, err := n.GetPayment(payer, "P-1"); !errors.Is(err, payments.ErrPaymentNotFound) {
		t.Fatal("record visible despite failed commit")
	}
}

func TestSubmitFailedTransitionLeavesNoTrace(t *testing.T) {
	n := newTestNode(t)
	key, payer := newSigner(t)
	_, recipient := newSigner(t)
	// No credit: initialize must fail on funds.
	escrow, _ := payments.DeriveAddress(payer, "P-1")

	_, err := n.Submit(signedEnvelope(t, key,
		payments.BuildInitialize(100, "P-1"),
		payments.AccountsInitialize(payer, escrow, recipient), 0))
	if !errors.Is(err, payments.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	acc, _ := n.GetAccount(payer)
	if acc.Nonce != 0 {
		t.Fatal("nonce consumed by rejected transition")
	}
	escrowAcc, _ := n.GetAccount(escrow)
	if escrowAcc.StorageSize != 0 || escrowAcc.Balance != 0 {
		t.Fatal("rejected transition left allocation or funds behind")
	}
}
