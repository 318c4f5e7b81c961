package payments

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// derivationNamespace is the fixed seed prefix for payment storage addresses.
const derivationNamespace = "payment"

// ProgramID identifies the escrow program. It participates in every address
// derivation so records never collide with another program sharing a ledger,
// and any external caller can recompute addresses from public inputs alone.
var ProgramID = func() [32]byte {
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte("paychain/payments/v1")))
	return id
}()

// DeriveAddress computes the storage address for a (payer, payment id) pair.
// The derivation is deterministic: keccak256 over the namespace, payer,
// payment id, a bump byte and the program id, with the bump searched from 255
// downward until the digest is provably keyless. Any caller holding the same
// inputs reaches the same address with no prior state.
func DeriveAddress(payer [32]byte, paymentID string) ([32]byte, error) {
	addr, _, err := findDerivedAddress(payer, paymentID)
	return addr, err
}

func findDerivedAddress(payer [32]byte, paymentID string) ([32]byte, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		digest := ethcrypto.Keccak256(
			[]byte(derivationNamespace),
			payer[:],
			[]byte(paymentID),
			[]byte{uint8(bump)},
			ProgramID[:],
		)
		var addr [32]byte
		copy(addr[:], digest)
		if offCurve(addr) {
			return addr, uint8(bump), nil
		}
	}
	var zero [32]byte
	return zero, 0, ErrAddressDerivation
}

// offCurve reports whether no secp256k1 keypair can exist for the candidate
// address. A digest that parses as a valid compressed-point x-coordinate is
// rejected, so a derived escrow address can never be spent from with a
// conventional signature.
func offCurve(candidate [32]byte) bool {
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], candidate[:])
	_, err := ethcrypto.DecompressPubkey(compressed)
	return err != nil
}

// Witness proves an address came out of the deriver, standing in for the
// signature the keyless escrow address cannot produce. Only the engine can
// construct one; external callers get the address alone via DeriveAddress.
type Witness struct {
	address   [32]byte
	bump      uint8
	payer     [32]byte
	paymentID string
}

func deriveWitness(payer [32]byte, paymentID string) (Witness, error) {
	addr, bump, err := findDerivedAddress(payer, paymentID)
	if err != nil {
		return Witness{}, err
	}
	return Witness{address: addr, bump: bump, payer: payer, paymentID: paymentID}, nil
}

// Address returns the derived address the witness authorizes.
func (w Witness) Address() [32]byte {
	return w.address
}

// valid re-runs the derivation from the witness seeds and checks the result
// still names the witnessed address. The engine verifies this before every
// outgoing transfer from escrow.
func (w Witness) valid() bool {
	digest := ethcrypto.Keccak256(
		[]byte(derivationNamespace),
		w.payer[:],
		[]byte(w.paymentID),
		[]byte{w.bump},
		ProgramID[:],
	)
	var addr [32]byte
	copy(addr[:], digest)
	return addr == w.address && offCurve(addr)
}
