// Package sftp implements the embedded SFTP subsystem server core (spec
// §4.6): secsh-filexfer versions 3-6, the opcode table, handle table,
// attribute translation, and the error-to-status-code mapping. Framing
// (uint32 length + payload) follows the same length-prefixed idiom as
// internal/wire's SSH packets, but SFTP is its own sub-protocol carried
// inside a "subsystem" session channel's data stream, so it gets its own
// reader/writer loop instead of sharing internal/transport.
//
// The teacher repo has no SFTP server (only an SFTP *client* in
// internal/terminal, used for file-copy tooling); this engine is new and
// grounded in the secsh-filexfer opcode table itself, with the same
// buffer-cursor idiom internal/buffer and internal/wire already establish
// for the transport layer.
package sftp

import (
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// Protocol version constants (spec §4.6: versions 3-6 supported).
const (
	MinVersion = 3
	MaxVersion = 6
)

// Packet types (secsh-filexfer §3).
const (
	SSH_FXP_INIT     = 1
	SSH_FXP_VERSION  = 2
	SSH_FXP_OPEN     = 3
	SSH_FXP_CLOSE    = 4
	SSH_FXP_READ     = 5
	SSH_FXP_WRITE    = 6
	SSH_FXP_LSTAT    = 7
	SSH_FXP_FSTAT    = 8
	SSH_FXP_SETSTAT  = 9
	SSH_FXP_FSETSTAT = 10
	SSH_FXP_OPENDIR  = 11
	SSH_FXP_READDIR  = 12
	SSH_FXP_REMOVE   = 13
	SSH_FXP_MKDIR    = 14
	SSH_FXP_RMDIR    = 15
	SSH_FXP_REALPATH = 16
	SSH_FXP_STAT     = 17
	SSH_FXP_RENAME   = 18
	SSH_FXP_READLINK = 19
	SSH_FXP_SYMLINK  = 20
	SSH_FXP_LINK     = 21
	SSH_FXP_BLOCK    = 22
	SSH_FXP_UNBLOCK  = 23

	SSH_FXP_STATUS = 101
	SSH_FXP_HANDLE = 102
	SSH_FXP_DATA   = 103
	SSH_FXP_NAME   = 104
	SSH_FXP_ATTRS  = 105

	SSH_FXP_EXTENDED      = 200
	SSH_FXP_EXTENDED_REPLY = 201
)

// Status codes (secsh-filexfer §9.1), the spec's error-to-status-code
// mapping table.
const (
	SSH_FX_OK                = 0
	SSH_FX_EOF               = 1
	SSH_FX_NO_SUCH_FILE      = 2
	SSH_FX_PERMISSION_DENIED = 3
	SSH_FX_FAILURE           = 4
	SSH_FX_BAD_MESSAGE       = 5
	SSH_FX_NO_CONNECTION     = 6
	SSH_FX_CONNECTION_LOST   = 7
	SSH_FX_OP_UNSUPPORTED    = 8

	// v4+ status codes (secsh-filexfer-13 §9.1). statusFromError and the
	// handlers send them whatever version was negotiated.
	SSH_FX_INVALID_HANDLE              = 9
	SSH_FX_NO_SUCH_PATH                = 10
	SSH_FX_FILE_ALREADY_EXISTS         = 11
	SSH_FX_DIR_NOT_EMPTY                = 18
	SSH_FX_NOT_A_DIRECTORY              = 19
	SSH_FX_LOCK_CONFLICT                = 17
	SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK  = 31
)

// pflags (open flags, secsh-filexfer §6.3, v3 style used throughout since
// that's what every real client still sends).
const (
	SSH_FXF_READ   = 0x00000001
	SSH_FXF_WRITE  = 0x00000002
	SSH_FXF_APPEND = 0x00000004
	SSH_FXF_CREAT  = 0x00000008
	SSH_FXF_TRUNC  = 0x00000010
	SSH_FXF_EXCL   = 0x00000020
)

// Attribute flags (secsh-filexfer §7).
const (
	SSH_FILEXFER_ATTR_SIZE        = 0x00000001
	SSH_FILEXFER_ATTR_UIDGID      = 0x00000002
	SSH_FILEXFER_ATTR_PERMISSIONS = 0x00000004
	SSH_FILEXFER_ATTR_ACMODTIME   = 0x00000008
	SSH_FILEXFER_ATTR_EXTENDED    = 0x80000000
)

var errShortPacket = errors.New("sftp: short packet")

// readPacket reads one length-prefixed SFTP packet from r.
func readPacket(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, errShortPacket
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return payload[0], payload[1:], nil
}

// writePacket writes one length-prefixed SFTP packet to w.
func writePacket(w io.Writer, typ byte, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+1))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{typ}); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// cursor is a minimal big-endian reader over an SFTP packet body; SFTP's
// wire shapes are close to but not identical to internal/wire's (strings
// are still uint32-length-prefixed, but there's no boolean/mpint
// vocabulary to reuse), so it gets its own tiny reader rather than forcing
// internal/buffer.Buffer to serve two slightly different wire formats.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor { return &cursor{data: data} }

func (c *cursor) uint32() (uint32, error) {
	if len(c.data)-c.pos < 4 {
		return 0, errShortPacket
	}
	v := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) uint64() (uint64, error) {
	if len(c.data)-c.pos < 8 {
		return 0, errShortPacket
	}
	v := binary.BigEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.uint32()
	if err != nil {
		return "", err
	}
	if len(c.data)-c.pos < int(n) {
		return "", errShortPacket
	}
	s := string(c.data[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func (c *cursor) bytesN(n int) ([]byte, error) {
	if len(c.data)-c.pos < n {
		return nil, errShortPacket
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) rest() []byte { return c.data[c.pos:] }

// builder is cursor's write-side counterpart.
type builder struct{ buf []byte }

func (b *builder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *builder) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *builder) str(s string) {
	b.u32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}
func (b *builder) raw(p []byte) { b.buf = append(b.buf, p...) }

// statusFromError maps a Go error (including stat/path errors from os.*)
// to an SSH_FX_* status code, per spec §4.6's error-to-status-code table.
func statusFromError(err error) (uint32, string) {
	switch {
	case err == nil:
		return SSH_FX_OK, "OK"
	case errors.Is(err, os.ErrNotExist):
		return SSH_FX_NO_SUCH_FILE, "no such file"
	case errors.Is(err, os.ErrPermission):
		return SSH_FX_PERMISSION_DENIED, "permission denied"
	case errors.Is(err, io.EOF):
		return SSH_FX_EOF, "EOF"
	case errors.Is(err, fs.ErrExist):
		return SSH_FX_FILE_ALREADY_EXISTS, "file already exists"
	case errors.Is(err, syscall.ENOTEMPTY):
		return SSH_FX_DIR_NOT_EMPTY, "directory not empty"
	case errors.Is(err, syscall.ENOTDIR):
		return SSH_FX_NOT_A_DIRECTORY, "not a directory"
	default:
		return SSH_FX_FAILURE, err.Error()
	}
}
