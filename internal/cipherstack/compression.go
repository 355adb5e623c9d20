package cipherstack

import (
	"compress/zlib"
	"fmt"
	"io"
)

// Compression algorithm names (RFC 4253 §6.2, plus the OpenSSH delayed
// variant that only engages after authentication succeeds).
const (
	CompressionNone           = "none"
	CompressionZlib           = "zlib"
	CompressionZlibOpenSSHCom = "zlib@openssh.com"
)

// DefaultCompressionOrder is offered in SSH_MSG_KEXINIT, weakest (none)
// first: compression trades CPU for bandwidth and most deployments don't
// want it on by default.
var DefaultCompressionOrder = []string{CompressionNone, CompressionZlibOpenSSHCom, CompressionZlib}

// NewReader wraps r with a decompressor for the named algorithm, or
// returns r unchanged for "none".
func NewReader(name string, r io.Reader) (io.Reader, error) {
	switch name {
	case CompressionNone:
		return r, nil
	case CompressionZlib, CompressionZlibOpenSSHCom:
		return zlib.NewReader(r)
	default:
		return nil, fmt.Errorf("cipherstack: unknown compression %q", name)
	}
}

// NewWriter wraps w with a compressor for the named algorithm, or returns
// a no-op closer wrapping w unchanged for "none".
func NewWriter(name string, w io.Writer) (io.WriteCloser, error) {
	switch name {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZlib, CompressionZlibOpenSSHCom:
		return zlib.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("cipherstack: unknown compression %q", name)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
