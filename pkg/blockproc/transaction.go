package blockproc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// Wire format decoding errors.
var (
	ErrTruncated      = errors.New("transaction truncated")
	ErrNoSignatures   = errors.New("transaction has no signatures")
	ErrBadCompactU16  = errors.New("invalid compact-u16 length")
	ErrUnknownVersion = errors.New("unsupported transaction version")
)

// versionPrefixMask marks a versioned message. Legacy messages start with
// the header's required signature count, which never has the high bit set.
const versionPrefixMask = 0x80

// Transaction is a decoded wire-format transaction.
type Transaction struct {
	// Signatures contains all signatures; the first is the transaction id.
	Signatures []types.Signature

	// Message is the signed message.
	Message Message
}

// Message is the signed part of a transaction.
type Message struct {
	// Versioned is false for legacy messages.
	Versioned bool

	// Version is the message version; only meaningful when Versioned.
	Version uint8

	Header MessageHeader

	// AccountKeys are the static account keys. Keys loaded through
	// address lookup tables are not resolved.
	AccountKeys []types.Pubkey

	RecentBlockhash types.Hash

	Instructions []Instruction

	// AddressTableLookups is only present on v0 messages.
	AddressTableLookups []AddressTableLookup
}

// MessageHeader describes the account types in a transaction.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// Instruction is one compiled top-level instruction.
type Instruction struct {
	// ProgramIDIndex indexes the message's account keys.
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// AddressTableLookup is a v0 lookup into an address lookup table.
type AddressTableLookup struct {
	AccountKey      types.Pubkey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// ProgramID resolves the instruction's program through the static account
// keys. It reports false when the index points into lookup-table keys.
func (m *Message) ProgramID(ix Instruction) (types.Pubkey, bool) {
	if int(ix.ProgramIDIndex) >= len(m.AccountKeys) {
		return types.Pubkey{}, false
	}
	return m.AccountKeys[ix.ProgramIDIndex], true
}

// Signature returns the transaction id.
func (t *Transaction) Signature() types.Signature {
	if len(t.Signatures) == 0 {
		return types.Signature{}
	}
	return t.Signatures[0]
}

// DecodeTransaction parses a wire-format transaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	r := &wireReader{buf: data}

	numSigs, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("signature count: %w", err)
	}
	if numSigs == 0 {
		return nil, ErrNoSignatures
	}

	tx := &Transaction{Signatures: make([]types.Signature, numSigs)}
	for i := range tx.Signatures {
		b, err := r.bytes(types.SignatureSize)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		copy(tx.Signatures[i][:], b)
	}

	// Trailing bytes are tolerated, as the validator's own decoder does.
	if err := decodeMessage(r, &tx.Message); err != nil {
		return nil, err
	}

	return tx, nil
}

func decodeMessage(r *wireReader, msg *Message) error {
	first, err := r.peek()
	if err != nil {
		return fmt.Errorf("message prefix: %w", err)
	}
	if first&versionPrefixMask != 0 {
		r.pos++
		msg.Versioned = true
		msg.Version = first &^ versionPrefixMask
		if msg.Version != 0 {
			return fmt.Errorf("%w: v%d", ErrUnknownVersion, msg.Version)
		}
	}

	header, err := r.bytes(3)
	if err != nil {
		return fmt.Errorf("message header: %w", err)
	}
	msg.Header = MessageHeader{
		NumRequiredSignatures:       header[0],
		NumReadonlySignedAccounts:   header[1],
		NumReadonlyUnsignedAccounts: header[2],
	}

	numKeys, err := r.compactU16()
	if err != nil {
		return fmt.Errorf("account key count: %w", err)
	}
	msg.AccountKeys = make([]types.Pubkey, numKeys)
	for i := range msg.AccountKeys {
		b, err := r.bytes(types.PubkeySize)
		if err != nil {
			return fmt.Errorf("account key %d: %w", i, err)
		}
		copy(msg.AccountKeys[i][:], b)
	}

	blockhash, err := r.bytes(types.HashSize)
	if err != nil {
		return fmt.Errorf("recent blockhash: %w", err)
	}
	copy(msg.RecentBlockhash[:], blockhash)

	numIxs, err := r.compactU16()
	if err != nil {
		return fmt.Errorf("instruction count: %w", err)
	}
	msg.Instructions = make([]Instruction, numIxs)
	for i := range msg.Instructions {
		if err := decodeInstruction(r, &msg.Instructions[i]); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}

	if !msg.Versioned {
		return nil
	}

	numLookups, err := r.compactU16()
	if err != nil {
		return fmt.Errorf("address table lookup count: %w", err)
	}
	msg.AddressTableLookups = make([]AddressTableLookup, numLookups)
	for i := range msg.AddressTableLookups {
		lookup := &msg.AddressTableLookups[i]
		key, err := r.bytes(types.PubkeySize)
		if err != nil {
			return fmt.Errorf("address table lookup %d: %w", i, err)
		}
		copy(lookup.AccountKey[:], key)
		if lookup.WritableIndexes, err = r.shortVec(); err != nil {
			return fmt.Errorf("address table lookup %d writable: %w", i, err)
		}
		if lookup.ReadonlyIndexes, err = r.shortVec(); err != nil {
			return fmt.Errorf("address table lookup %d readonly: %w", i, err)
		}
	}

	return nil
}

func decodeInstruction(r *wireReader, ix *Instruction) error {
	program, err := r.byte()
	if err != nil {
		return fmt.Errorf("program index: %w", err)
	}
	ix.ProgramIDIndex = program

	if ix.AccountIndexes, err = r.shortVec(); err != nil {
		return fmt.Errorf("account indexes: %w", err)
	}
	if ix.Data, err = r.shortVec(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return nil
}

// wireReader is a cursor over a wire-format payload.
type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *wireReader) peek() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	return r.buf[r.pos], nil
}

func (r *wireReader) byte() (byte, error) {
	b, err := r.peek()
	if err != nil {
		return 0, err
	}
	r.pos++
	return b, nil
}

func (r *wireReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// compactU16 reads a little-endian base-128 varint of at most three bytes.
func (r *wireReader) compactU16() (int, error) {
	var value int
	for i := 0; i < 3; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if value > 0xffff {
				return 0, ErrBadCompactU16
			}
			return value, nil
		}
	}
	return 0, ErrBadCompactU16
}

// shortVec reads a compact-u16 length followed by that many bytes.
func (r *wireReader) shortVec() ([]byte, error) {
	n, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	return r.bytes(n)
}

// appendCompactU16 encodes n as a compact-u16.
func appendCompactU16(dst []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// Encode serializes the transaction back to wire format.
func (t *Transaction) Encode() []byte {
	out := make([]byte, 0, 256)
	out = appendCompactU16(out, len(t.Signatures))
	for _, sig := range t.Signatures {
		out = append(out, sig[:]...)
	}

	msg := &t.Message
	if msg.Versioned {
		out = append(out, versionPrefixMask|msg.Version)
	}
	out = append(out, msg.Header.NumRequiredSignatures, msg.Header.NumReadonlySignedAccounts, msg.Header.NumReadonlyUnsignedAccounts)

	out = appendCompactU16(out, len(msg.AccountKeys))
	for _, key := range msg.AccountKeys {
		out = append(out, key[:]...)
	}
	out = append(out, msg.RecentBlockhash[:]...)

	out = appendCompactU16(out, len(msg.Instructions))
	for _, ix := range msg.Instructions {
		out = append(out, ix.ProgramIDIndex)
		out = appendCompactU16(out, len(ix.AccountIndexes))
		out = append(out, ix.AccountIndexes...)
		out = appendCompactU16(out, len(ix.Data))
		out = append(out, ix.Data...)
	}

	if msg.Versioned {
		out = appendCompactU16(out, len(msg.AddressTableLookups))
		for _, lookup := range msg.AddressTableLookups {
			out = append(out, lookup.AccountKey[:]...)
			out = appendCompactU16(out, len(lookup.WritableIndexes))
			out = append(out, lookup.WritableIndexes...)
			out = appendCompactU16(out, len(lookup.ReadonlyIndexes))
			out = append(out, lookup.ReadonlyIndexes...)
		}
	}

	return out
}
