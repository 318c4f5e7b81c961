package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"paychain/core/types"
	"paychain/storage"
)

var (
	// ErrInsufficientBalance is returned by Transfer when the source account
	// cannot cover the amount.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrAddressInUse is returned by Allocate when record storage already
	// exists at the address.
	ErrAddressInUse = errors.New("state: address in use")
	// ErrNotAllocated is returned by PutRecord when no storage was allocated
	// at the address.
	ErrNotAllocated = errors.New("state: address not allocated")
	// ErrRecordSize is returned by PutRecord when the record does not fit the
	// allocation exactly.
	ErrRecordSize = errors.New("state: record size mismatch")
)

const encodedAccountSize = 8 + 8 + 4

// Manager owns ledger state on top of a key-value Database. Mutations run
// through Apply so a transition either commits in full or leaves the store
// untouched.
type Manager struct {
	db storage.Database
}

func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Apply runs fn against a journaled view of the ledger and flushes the
// journal only if fn succeeds. The hosting process serializes calls, so no
// two transitions ever race on the same address.
func (m *Manager) Apply(fn func(*Ledger) error) error {
	l := &Ledger{
		db:       m.db,
		accounts: make(map[[32]byte]*types.Account),
		records:  make(map[[32]byte][]byte),
	}
	if err := fn(l); err != nil {
		return err
	}
	return l.commit()
}

// GetAccount returns the committed account at addr. Unknown addresses read as
// empty accounts rather than errors.
func (m *Manager) GetAccount(addr [32]byte) (*types.Account, error) {
	return readAccount(m.db, addr)
}

// GetRecord returns the committed record bytes at addr, if any.
func (m *Manager) GetRecord(addr [32]byte) ([]byte, bool, error) {
	return readRecord(m.db, addr)
}

// Ledger is the mutable view a single transition runs against. Reads fall
// through to the backing store; writes stay in the journal until commit.
type Ledger struct {
	db       storage.Database
	accounts map[[32]byte]*types.Account
	records  map[[32]byte][]byte
}

func (l *Ledger) GetAccount(addr [32]byte) (*types.Account, error) {
	if acc, ok := l.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return readAccount(l.db, addr)
}

func (l *Ledger) PutAccount(addr [32]byte, acc *types.Account) error {
	if acc == nil {
		return errors.New("state: nil account")
	}
	l.accounts[addr] = acc.Clone()
	return nil
}

// Transfer moves amount from one address to another. It fails without side
// effects when the source balance is short.
func (l *Ledger) Transfer(from, to [32]byte, amount uint64) error {
	if amount == 0 {
		return nil
	}
	fromAcc, err := l.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance < amount {
		return ErrInsufficientBalance
	}
	toAcc, err := l.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance -= amount
	toAcc.Balance += amount
	if err := l.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return l.PutAccount(to, toAcc)
}

// Allocate reserves record storage of exactly size bytes at addr. An address
// that already carries storage cannot be allocated again.
func (l *Ledger) Allocate(addr [32]byte, size uint32) error {
	acc, err := l.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.StorageSize > 0 {
		return ErrAddressInUse
	}
	if _, ok, err := l.GetRecord(addr); err != nil {
		return err
	} else if ok {
		return ErrAddressInUse
	}
	acc.StorageSize = size
	return l.PutAccount(addr, acc)
}

func (l *Ledger) GetRecord(addr [32]byte) ([]byte, bool, error) {
	if rec, ok := l.records[addr]; ok {
		return append([]byte(nil), rec...), true, nil
	}
	return readRecord(l.db, addr)
}

// PutRecord writes record bytes into previously allocated storage. The bytes
// must fill the allocation exactly; record layouts here are fixed-size per
// record, not growable.
func (l *Ledger) PutRecord(addr [32]byte, data []byte) error {
	acc, err := l.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.StorageSize == 0 {
		return ErrNotAllocated
	}
	if uint32(len(data)) != acc.StorageSize {
		return fmt.Errorf("%w: have %d bytes, allocation is %d", ErrRecordSize, len(data), acc.StorageSize)
	}
	l.records[addr] = append([]byte(nil), data...)
	return nil
}

// commit flushes the whole journal in a single batched write. A crash must
// never persist a record update without its balance movements, so the journal
// is never drained key by key.
func (l *Ledger) commit() error {
	if len(l.accounts) == 0 && len(l.records) == 0 {
		return nil
	}
	entries := make([]storage.Entry, 0, len(l.accounts)+len(l.records))
	for addr, acc := range l.accounts {
		entries = append(entries, storage.Entry{Key: accountKey(addr), Value: encodeAccount(acc)})
	}
	for addr, rec := range l.records {
		entries = append(entries, storage.Entry{Key: recordKey(addr), Value: rec})
	}
	return l.db.WriteBatch(entries)
}

func readAccount(db storage.Database, addr [32]byte) (*types.Account, error) {
	raw, err := db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(raw)
}

func readRecord(db storage.Database, addr [32]byte) ([]byte, bool, error) {
	raw, err := db.Get(recordKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func encodeAccount(acc *types.Account) []byte {
	buf := make([]byte, encodedAccountSize)
	binary.LittleEndian.PutUint64(buf[0:8], acc.Balance)
	binary.LittleEndian.PutUint64(buf[8:16], acc.Nonce)
	binary.LittleEndian.PutUint32(buf[16:20], acc.StorageSize)
	return buf
}

func decodeAccount(raw []byte) (*types.Account, error) {
	if len(raw) != encodedAccountSize {
		return nil, fmt.Errorf("state: corrupt account entry of %d bytes", len(raw))
	}
	return &types.Account{
		Balance:     binary.LittleEndian.Uint64(raw[0:8]),
		Nonce:       binary.LittleEndian.Uint64(raw[8:16]),
		StorageSize: binary.LittleEndian.Uint32(raw[16:20]),
	}, nil
}
