package payments

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Opcode selects one of the three payment transitions.
type Opcode byte

const (
	OpInitialize Opcode = 0
	OpComplete   Opcode = 1
	OpCancel     Opcode = 2
)

func (op Opcode) String() string {
	switch op {
	case OpInitialize:
		return "initialize"
	case OpComplete:
		return "complete"
	case OpCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ErrMalformedInstruction is returned when instruction bytes do not parse.
var ErrMalformedInstruction = errors.New("payments: malformed instruction data")

// SystemAccountID is the well-known reference for the allocation primitive,
// carried as the last account of every instruction.
var SystemAccountID = func() [32]byte {
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte("paychain/system/v1")))
	return id
}()

// Instruction is the decoded form of the wire payload: byte 0 is the opcode,
// Initialize carries amount (8-byte little-endian) and payment id (4-byte
// little-endian length prefix + UTF-8). Complete and Cancel carry no argument
// bytes; their inputs arrive as account references.
type Instruction struct {
	Op        Opcode
	Amount    uint64
	PaymentID string
}

// BuildInitialize encodes an Initialize payload.
func BuildInitialize(amount uint64, paymentID string) []byte {
	buf := make([]byte, 1+8+4+len(paymentID))
	buf[0] = byte(OpInitialize)
	binary.LittleEndian.PutUint64(buf[1:9], amount)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(paymentID)))
	copy(buf[13:], paymentID)
	return buf
}

// BuildComplete encodes a Complete payload.
func BuildComplete() []byte { return []byte{byte(OpComplete)} }

// BuildCancel encodes a Cancel payload.
func BuildCancel() []byte { return []byte{byte(OpCancel)} }

// ParseInstruction decodes wire bytes into an Instruction.
func ParseInstruction(data []byte) (*Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedInstruction)
	}
	op := Opcode(data[0])
	args := data[1:]
	switch op {
	case OpInitialize:
		if len(args) < 12 {
			return nil, fmt.Errorf("%w: initialize payload truncated", ErrMalformedInstruction)
		}
		amount := binary.LittleEndian.Uint64(args[0:8])
		idLen := binary.LittleEndian.Uint32(args[8:12])
		if idLen > MaxPaymentIDLength {
			return nil, fmt.Errorf("%w: payment id length %d exceeds maximum %d", ErrMalformedInstruction, idLen, MaxPaymentIDLength)
		}
		if len(args) != 12+int(idLen) {
			return nil, fmt.Errorf("%w: initialize payload is %d bytes, layout requires %d", ErrMalformedInstruction, len(args), 12+idLen)
		}
		return &Instruction{Op: op, Amount: amount, PaymentID: string(args[12 : 12+idLen])}, nil
	case OpComplete, OpCancel:
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s carries no argument bytes", ErrMalformedInstruction, op)
		}
		return &Instruction{Op: op}, nil
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedInstruction, data[0])
	}
}

// AccountRef is one positional account reference accompanying an instruction.
// The hosting environment sets Signer after verifying the submitter's
// signature; the engine trusts the flag, never raw signatures.
type AccountRef struct {
	Address  [32]byte
	Signer   bool
	Writable bool
}

// Positional account ordering required with each instruction. The payer leads
// and must sign; the derived payment account follows; the system allocator
// closes the list.
const (
	idxPayer     = 0
	idxPayment   = 1
	idxRecipient = 2

	initializeAccountLen = 4
	completeAccountLen   = 4
	cancelAccountLen     = 3
)

// AccountsInitialize returns the account list for an Initialize instruction:
// [payer (signer, mutable), payment account (mutable), recipient, system].
func AccountsInitialize(payer, paymentAddr, recipient [32]byte) []AccountRef {
	return []AccountRef{
		{Address: payer, Signer: true, Writable: true},
		{Address: paymentAddr, Writable: true},
		{Address: recipient},
		{Address: SystemAccountID},
	}
}

// AccountsComplete returns the account list for a Complete instruction:
// [payer (signer, mutable), payment account (mutable), recipient (mutable),
// system].
func AccountsComplete(payer, paymentAddr, recipient [32]byte) []AccountRef {
	return []AccountRef{
		{Address: payer, Signer: true, Writable: true},
		{Address: paymentAddr, Writable: true},
		{Address: recipient, Writable: true},
		{Address: SystemAccountID},
	}
}

// AccountsCancel returns the account list for a Cancel instruction:
// [payer (signer, mutable), payment account (mutable), system].
func AccountsCancel(payer, paymentAddr [32]byte) []AccountRef {
	return []AccountRef{
		{Address: payer, Signer: true, Writable: true},
		{Address: paymentAddr, Writable: true},
		{Address: SystemAccountID},
	}
}
