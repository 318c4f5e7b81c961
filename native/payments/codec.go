package payments

import (
	"encoding/binary"
	"fmt"
)

// MaxPaymentIDLength bounds the caller-chosen uniqueness key. The limit keeps
// encoded records comfortably inside a single storage allocation.
const MaxPaymentIDLength = 256

// Record layout, in field order, no padding:
//
//	payer      32 bytes
//	recipient  32 bytes
//	amount     8 bytes, little-endian
//	paymentID  4-byte little-endian length prefix + UTF-8 bytes
//	status     1 byte
//	timestamp  8 bytes, little-endian (unix seconds)
//
// External readers decode records with this exact layout; it is part of the
// client contract and must not change shape.
const fixedRecordSize = 32 + 32 + 8 + 4 + 1 + 8

// EncodedSize returns the exact byte length of the encoded record.
func EncodedSize(p *Payment) int {
	return fixedRecordSize + len(p.PaymentID)
}

// EncodePayment serializes a record into its fixed binary layout. Encoding is
// total: any record value produces bytes. Business validation lives in the
// engine, not here.
func EncodePayment(p *Payment) []byte {
	buf := make([]byte, EncodedSize(p))
	off := 0
	copy(buf[off:off+32], p.Payer[:])
	off += 32
	copy(buf[off:off+32], p.Recipient[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:off+8], p.Amount)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p.PaymentID)))
	off += 4
	copy(buf[off:off+len(p.PaymentID)], p.PaymentID)
	off += len(p.PaymentID)
	buf[off] = byte(p.Status)
	off++
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Timestamp))
	return buf
}

// DecodePayment parses record bytes back into a Payment. Truncated buffers,
// corrupt length prefixes and trailing bytes all fail with
// ErrMalformedAccount; a record written by EncodePayment always round-trips.
func DecodePayment(raw []byte) (*Payment, error) {
	if len(raw) < fixedRecordSize {
		return nil, fmt.Errorf("%w: %d bytes is below minimum record size %d", ErrMalformedAccount, len(raw), fixedRecordSize)
	}
	p := &Payment{}
	off := 0
	copy(p.Payer[:], raw[off:off+32])
	off += 32
	copy(p.Recipient[:], raw[off:off+32])
	off += 32
	p.Amount = binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	idLen := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	if idLen > MaxPaymentIDLength {
		return nil, fmt.Errorf("%w: payment id length %d exceeds maximum %d", ErrMalformedAccount, idLen, MaxPaymentIDLength)
	}
	if len(raw) != fixedRecordSize+int(idLen) {
		return nil, fmt.Errorf("%w: have %d bytes, layout requires %d", ErrMalformedAccount, len(raw), fixedRecordSize+int(idLen))
	}
	p.PaymentID = string(raw[off : off+int(idLen)])
	off += int(idLen)
	p.Status = Status(raw[off])
	off++
	if !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status byte %d", ErrMalformedAccount, raw[off-1])
	}
	p.Timestamp = int64(binary.LittleEndian.Uint64(raw[off : off+8]))
	return p, nil
}
