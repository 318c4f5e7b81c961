package types

// Account holds the ledger-side view of an address: its spendable balance and
// how many bytes of record storage are allocated at it. Plain key-holding
// identities have StorageSize zero; a derived payment address carries the
// encoded record size fixed at allocation.
type Account struct {
	Balance     uint64
	Nonce       uint64
	StorageSize uint32
}

// Clone returns a copy callers can mutate without touching the stored value.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{}
	}
	clone := *a
	return &clone
}
