// Package transport implements the SSH binary packet protocol and the
// connection-level state machine named in spec §4.2: version exchange,
// key exchange (delegated to internal/kex), the packet codec (framing,
// padding, cipher, MAC, compression), and rekeying.
package transport

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/nodeforge/sshd/internal/cipherstack"
	"github.com/nodeforge/sshd/internal/wire"
)

const maxPacketPayload = 256 * 1024 // spec §4.1 default maximum packet length

// codecSide holds the per-direction negotiated algorithms and running
// state (sequence number, cipher, MAC, compressor) for one traffic
// direction. A Transport has one for reading and one for writing.
type codecSide struct {
	cipherName string
	macName    string
	compName   string

	stream   cipherstack.Stream
	mac      macState
	compress compressState

	seqNum uint32
}

type macState struct {
	key  []byte
	name string
}

type compressState struct {
	name string
}

// resetKeys installs freshly derived keys after a (re)key exchange.
func (s *codecSide) resetKeys(cipherName, macName, compName string, key, iv, macKey []byte, decrypt bool) error {
	stream, err := cipherstack.NewStream(cipherName, key, iv, decrypt)
	if err != nil {
		return fmt.Errorf("transport: install cipher %q: %w", cipherName, err)
	}
	s.cipherName = cipherName
	s.macName = macName
	s.compName = compName
	s.stream = stream
	s.mac = macState{key: macKey, name: macName}
	s.compress = compressState{name: compName}
	return nil
}

// writePacket frames, pads, encrypts, and MACs payload, per RFC 4253 §6,
// writing the result to w.
func (s *codecSide) writePacket(w io.Writer, payload []byte) error {
	body := payload
	if s.compress.name != "" && s.compress.name != cipherstack.CompressionNone {
		var buf closerBuffer
		cw, err := cipherstack.NewWriter(s.compress.name, &buf)
		if err != nil {
			return fmt.Errorf("transport: compress: %w", err)
		}
		if _, err := cw.Write(payload); err != nil {
			return fmt.Errorf("transport: compress: %w", err)
		}
		if err := cw.Close(); err != nil {
			return fmt.Errorf("transport: compress: %w", err)
		}
		body = buf.Bytes()
	}

	blockSize := 8
	if s.stream != nil {
		if bs := s.stream.BlockSize(); bs > blockSize {
			blockSize = bs
		}
	}

	// padLen must bring (4 + 1 + len(body) + padLen), the packet_length
	// field included, to a multiple of blockSize, with a minimum of 4 bytes
	// of padding (RFC 4253 §6).
	padLen := blockSize - (5+len(body))%blockSize
	if padLen < 4 {
		padLen += blockSize
	}

	packet := make([]byte, 0, 4+1+len(body)+padLen)
	packetLen := uint32(1 + len(body) + padLen)
	packet = append(packet, byte(packetLen>>24), byte(packetLen>>16), byte(packetLen>>8), byte(packetLen))
	packet = append(packet, byte(padLen))
	packet = append(packet, body...)

	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return fmt.Errorf("transport: pad: %w", err)
	}
	packet = append(packet, pad...)

	var macTag []byte
	if s.mac.name != "" {
		macTag = computeMAC(s.mac, s.seqNum, packet)
	}

	if s.stream != nil {
		cipherstack.EncryptInPlace(s.stream, packet)
	}

	if _, err := w.Write(packet); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if macTag != nil {
		if _, err := w.Write(macTag); err != nil {
			return fmt.Errorf("transport: write mac: %w", err)
		}
	}
	s.seqNum++
	return nil
}

func computeMAC(m macState, seqNum uint32, plainPacket []byte) []byte {
	h, err := cipherstack.NewMAC(m.name, m.key)
	if err != nil {
		return nil
	}
	var seq [4]byte
	seq[0] = byte(seqNum >> 24)
	seq[1] = byte(seqNum >> 16)
	seq[2] = byte(seqNum >> 8)
	seq[3] = byte(seqNum)
	h.Write(seq[:])
	h.Write(plainPacket)
	full := h.Sum(nil)
	size, err := cipherstack.MACSize(m.name)
	if err != nil || size >= len(full) {
		return full
	}
	return full[:size]
}

type closerBuffer struct{ b []byte }

func (c *closerBuffer) Write(p []byte) (int, error) { c.b = append(c.b, p...); return len(p), nil }
func (c *closerBuffer) Bytes() []byte               { return c.b }

// readPacket reads, decrypts, MAC-verifies, decompresses, and strips
// padding from the next packet on r.
func (s *codecSide) readPacket(r io.Reader) ([]byte, error) {
	blockSize := 8
	if s.stream != nil {
		if bs := s.stream.BlockSize(); bs > blockSize {
			blockSize = bs
		}
	}

	first := make([]byte, blockSize)
	if _, err := io.ReadFull(r, first); err != nil {
		return nil, err
	}
	plainFirst := append([]byte(nil), first...)
	if s.stream != nil {
		cipherstack.EncryptInPlace(s.stream, plainFirst)
	}

	packetLen := uint32(plainFirst[0])<<24 | uint32(plainFirst[1])<<16 | uint32(plainFirst[2])<<8 | uint32(plainFirst[3])
	if packetLen == 0 || packetLen > maxPacketPayload {
		return nil, &wire.ProtocolError{Reason: wire.DisconnectProtocolError, Message: fmt.Sprintf("invalid packet length %d", packetLen)}
	}

	rest := make([]byte, packetLen-uint32(blockSize)+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("transport: read packet body: %w", err)
	}
	cipherRest := rest
	if s.stream != nil {
		cipherstack.EncryptInPlace(s.stream, cipherRest)
	}

	full := append(plainFirst, cipherRest...)

	var macTag []byte
	if s.mac.name != "" {
		size, _ := cipherstack.MACSize(s.mac.name)
		macTag = make([]byte, size)
		if _, err := io.ReadFull(r, macTag); err != nil {
			return nil, fmt.Errorf("transport: read mac: %w", err)
		}
		want := computeMAC(s.mac, s.seqNum, full)
		if !macEqual(want, macTag) {
			return nil, &wire.ProtocolError{Reason: wire.DisconnectMACError, Message: "mac verification failed"}
		}
	}

	padLen := full[4]
	if int(padLen)+5 > len(full) {
		return nil, &wire.ProtocolError{Reason: wire.DisconnectProtocolError, Message: "invalid padding length"}
	}
	body := full[5 : len(full)-int(padLen)]

	if s.compress.name != "" && s.compress.name != cipherstack.CompressionNone {
		cr, err := cipherstack.NewReader(s.compress.name, &sliceReader{b: body})
		if err != nil {
			return nil, fmt.Errorf("transport: decompress: %w", err)
		}
		decoded, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("transport: decompress: %w", err)
		}
		body = decoded
	}

	s.seqNum++
	return body, nil
}

type sliceReader struct {
	b []byte
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

func macEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
