package state

// Key prefixes namespace the flat key-value store. Every persisted entity
// gets its own prefix so layouts can evolve independently.
var (
	accountPrefix = []byte("acct/")
	recordPrefix  = []byte("payrec/")
)

func accountKey(addr [32]byte) []byte {
	return append(append([]byte(nil), accountPrefix...), addr[:]...)
}

func recordKey(addr [32]byte) []byte {
	return append(append([]byte(nil), recordPrefix...), addr[:]...)
}
