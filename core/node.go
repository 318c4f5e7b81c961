package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"paychain/core/events"
	"paychain/core/state"
	"paychain/core/types"
	"paychain/crypto"
	"paychain/native/payments"
)

var (
	// ErrInvalidSignature is returned when an envelope signature does not
	// recover to any account in the reference list.
	ErrInvalidSignature = errors.New("core: envelope signature does not match an instruction account")
	// ErrInvalidNonce is returned when the envelope nonce does not match the
	// signer's account nonce.
	ErrInvalidNonce = errors.New("core: invalid nonce")
)

const recentEventLimit = 256

// InstructionEnvelope is the submission wrapper around a raw instruction: the
// payload bytes, the positional account list, the signer's account nonce and
// a recoverable secp256k1 signature over the whole thing. Signer flags are
// never taken from the wire; the node recovers the signer itself.
type InstructionEnvelope struct {
	Data     []byte
	Accounts [][32]byte
	Nonce    uint64
	Sig      []byte
}

// SigningDigest returns the keccak256 digest the envelope must be signed
// over: instruction bytes, then each account in order, then the nonce.
func (env *InstructionEnvelope) SigningDigest() [32]byte {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], env.Nonce)
	parts := make([][]byte, 0, len(env.Accounts)+2)
	parts = append(parts, env.Data)
	for i := range env.Accounts {
		parts = append(parts, env.Accounts[i][:])
	}
	parts = append(parts, nonce[:])
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(parts...))
	return digest
}

// Node hosts the payment engine: it verifies submission envelopes, provides
// the serialized execution the engine assumes (one instruction commits at a
// time), and answers read queries. It also collects emitted events for RPC
// consumers.
type Node struct {
	mu     sync.Mutex
	state  *state.Manager
	engine *payments.Engine

	eventMu sync.RWMutex
	recent  []types.Event
	staged  []types.Event
}

// NewNode wires a node over the given ledger state manager.
func NewNode(manager *state.Manager) *Node {
	n := &Node{state: manager, engine: payments.NewEngine()}
	n.engine.SetEmitter(n)
	return n
}

// Engine exposes the underlying engine for test clocks.
func (n *Node) Engine() *payments.Engine { return n.engine }

// Emit implements events.Emitter. Events fire inside a transition, before
// its journal commits, so they are staged here and only enter the retained
// window once the surrounding Submit has persisted the state change.
func (n *Node) Emit(evt events.Event) {
	type payloader interface{ Event() *types.Event }
	p, ok := evt.(payloader)
	if !ok {
		return
	}
	wire := p.Event()
	if wire == nil {
		return
	}
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	n.staged = append(n.staged, *wire)
}

// settleEvents publishes or drops the staged events depending on whether the
// transition that produced them committed.
func (n *Node) settleEvents(committed bool) {
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	if committed {
		n.recent = append(n.recent, n.staged...)
		if len(n.recent) > recentEventLimit {
			n.recent = n.recent[len(n.recent)-recentEventLimit:]
		}
	}
	n.staged = nil
}

// RecentEvents returns a copy of the retained event window.
func (n *Node) RecentEvents() []types.Event {
	n.eventMu.RLock()
	defer n.eventMu.RUnlock()
	out := make([]types.Event, len(n.recent))
	copy(out, n.recent)
	return out
}

// Submit verifies an envelope and applies its instruction atomically. The
// node lock serializes submissions, which provides the per-address
// serialization the engine is written against.
func (n *Node) Submit(env *InstructionEnvelope) (*payments.Payment, error) {
	if env == nil {
		return nil, errors.New("core: nil envelope")
	}
	digest := env.SigningDigest()
	signer, err := recoverSigner(digest[:], env.Sig)
	if err != nil {
		return nil, err
	}

	refs := make([]payments.AccountRef, len(env.Accounts))
	signerListed := false
	for i, addr := range env.Accounts {
		refs[i] = payments.AccountRef{Address: addr}
		if addr == signer {
			refs[i].Signer = true
			refs[i].Writable = true
			signerListed = true
		}
	}
	if !signerListed {
		return nil, ErrInvalidSignature
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	signerAcc, err := n.state.GetAccount(signer)
	if err != nil {
		return nil, err
	}
	if env.Nonce != signerAcc.Nonce {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrInvalidNonce, env.Nonce, signerAcc.Nonce)
	}

	var applied *payments.Payment
	err = n.state.Apply(func(l *state.Ledger) error {
		acc, err := l.GetAccount(signer)
		if err != nil {
			return err
		}
		acc.Nonce++
		if err := l.PutAccount(signer, acc); err != nil {
			return err
		}
		applied, err = n.engine.Dispatch(l, env.Data, refs)
		return err
	})
	n.settleEvents(err == nil)
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// GetPayment derives the storage address for (payer, paymentID) and decodes
// the record there, if one exists.
func (n *Node) GetPayment(payer [32]byte, paymentID string) (*payments.Payment, [32]byte, error) {
	addr, err := payments.DeriveAddress(payer, paymentID)
	if err != nil {
		return nil, [32]byte{}, err
	}
	p, err := n.GetPaymentByAddress(addr)
	return p, addr, err
}

// GetPaymentByAddress decodes the record stored at a derived address.
func (n *Node) GetPaymentByAddress(addr [32]byte) (*payments.Payment, error) {
	raw, ok, err := n.state.GetRecord(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, payments.ErrPaymentNotFound
	}
	return payments.DecodePayment(raw)
}

// GetAccount returns the ledger account at addr.
func (n *Node) GetAccount(addr [32]byte) (*types.Account, error) {
	return n.state.GetAccount(addr)
}

// Credit mints balance onto an address. Exposed for local networks and tests;
// production ledgers receive balances from the hosting environment.
func (n *Node) Credit(addr [32]byte, amount uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Apply(func(l *state.Ledger) error {
		acc, err := l.GetAccount(addr)
		if err != nil {
			return err
		}
		acc.Balance += amount
		return l.PutAccount(addr, acc)
	})
}

func recoverSigner(digest, sig []byte) ([32]byte, error) {
	if len(sig) != 65 {
		return [32]byte{}, fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidSignature)
	}
	addr, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return addr.Raw(), nil
}
