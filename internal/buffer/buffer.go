// Package buffer provides a byte-oriented reader/writer carrying the typed
// primitives of the SSH binary packet protocol (RFC 4251 §5): uint8, uint32,
// uint64, string, name-list, mpint and raw public-key blobs.
//
// Buffer is intentionally dumb about framing (lengths, padding, MAC) — that
// belongs to the packet codec in internal/transport. It only knows how to
// read and write the wire-level scalar and composite types that every other
// component marshals messages out of.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrShortBuffer is returned when a read would run past the end of the buffer.
var ErrShortBuffer = errors.New("buffer: short buffer")

// Buffer is a growable byte slice with a read cursor. Zero value is an empty,
// writable buffer. Reads consume from the front; writes append to the back.
type Buffer struct {
	data []byte
	pos  int
}

// New wraps an existing byte slice for reading. The slice is not copied.
func New(b []byte) *Buffer { return &Buffer{data: b} }

// NewWriter returns an empty Buffer ready for writing.
func NewWriter() *Buffer { return &Buffer{} }

// Bytes returns the unread remainder of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[b.pos:] }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.pos }

// Reset discards all data and resets the cursor, retaining the backing array.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
}

func (b *Buffer) need(n int) error {
	if b.Len() < n {
		return fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, b.Len())
	}
	return nil
}

// --- raw bytes --------------------------------------------------------

// ReadRawBytes consumes and returns exactly n bytes.
func (b *Buffer) ReadRawBytes(n int) ([]byte, error) {
	if err := b.need(n); err != nil {
		return nil, err
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// WriteRawBytes appends p verbatim.
func (b *Buffer) WriteRawBytes(p []byte) { b.data = append(b.data, p...) }

// --- uint8 --------------------------------------------------------------

func (b *Buffer) ReadUint8() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *Buffer) WriteUint8(v byte) { b.data = append(b.data, v) }

// ReadBool reads a single byte and reports it as a boolean (0 == false).
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
	} else {
		b.WriteUint8(0)
	}
}

// --- uint32 ---------------------------------------------------------------

func (b *Buffer) ReadUint32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// --- uint64 ---------------------------------------------------------------

func (b *Buffer) ReadUint64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// --- string / byte-string -------------------------------------------------

// ReadString reads a uint32-length-prefixed byte string.
func (b *Buffer) ReadString() ([]byte, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	return b.ReadRawBytes(int(n))
}

// WriteString writes p as a uint32-length-prefixed byte string.
func (b *Buffer) WriteString(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.WriteRawBytes(p)
}

// ReadUTF8 reads a length-prefixed string and returns it as Go text.
func (b *Buffer) ReadUTF8() (string, error) {
	p, err := b.ReadString()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// WriteUTF8 writes s as a length-prefixed string.
func (b *Buffer) WriteUTF8(s string) { b.WriteString([]byte(s)) }

// --- name-list --------------------------------------------------------

// ReadNameList reads a comma-separated name-list (RFC 4251 §5).
func (b *Buffer) ReadNameList() ([]string, error) {
	s, err := b.ReadUTF8()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// WriteNameList writes names as a comma-separated name-list.
func (b *Buffer) WriteNameList(names []string) { b.WriteUTF8(strings.Join(names, ",")) }

// --- mpint ------------------------------------------------------------

// ReadMPInt reads a two's-complement, minimally-encoded big integer.
func (b *Buffer) ReadMPInt() (*big.Int, error) {
	raw, err := b.ReadString()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return big.NewInt(0), nil
	}
	if raw[0]&0x80 != 0 {
		return nil, fmt.Errorf("buffer: negative mpint not supported")
	}
	return new(big.Int).SetBytes(raw), nil
}

// WriteMPInt writes v as a two's-complement, minimally-encoded integer.
// v must be non-negative (the protocol never needs negative key material here).
func (b *Buffer) WriteMPInt(v *big.Int) {
	if v.Sign() == 0 {
		b.WriteUint32(0)
		return
	}
	raw := v.Bytes()
	if raw[0]&0x80 != 0 {
		// Leading 1-bit would be read back as a sign bit: prepend a zero byte.
		padded := make([]byte, len(raw)+1)
		copy(padded[1:], raw)
		raw = padded
	}
	b.WriteString(raw)
}

// --- raw public key blobs ---------------------------------------------

// ReadPublicKeyBlob reads a length-prefixed public-key blob without
// interpreting its contents; decoding the algorithm-specific structure is
// the concern of internal/cipherstack's signature factories.
func (b *Buffer) ReadPublicKeyBlob() ([]byte, error) { return b.ReadString() }

// WritePublicKeyBlob writes a raw public-key blob.
func (b *Buffer) WritePublicKeyBlob(blob []byte) { b.WriteString(blob) }
