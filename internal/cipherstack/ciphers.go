// Package cipherstack is the named-algorithm registry for the negotiable
// SSH_MSG_KEXINIT name-lists: ciphers, MACs, compression, and host-key
// signature algorithms. The algorithm name sets and preference order are
// grounded on the supportedMACs/defaultCiphers/allSupportedCiphers tables
// in the vendored golang.org/x/crypto/ssh predecessor's common.go.
package cipherstack

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rc4"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// Cipher algorithm names.
const (
	CipherAES128CTR   = "aes128-ctr"
	CipherAES192CTR   = "aes192-ctr"
	CipherAES256CTR   = "aes256-ctr"
	CipherAES128CBC   = "aes128-cbc"
	CipherAES192CBC   = "aes192-cbc"
	CipherAES256CBC   = "aes256-cbc"
	Cipher3DESCBC     = "3des-cbc"
	CipherBlowfishCBC = "blowfish-cbc"
	CipherArcfour     = "arcfour"
	CipherArcfour128  = "arcfour128"
	CipherArcfour256  = "arcfour256"
)

// DefaultCipherOrder is offered in SSH_MSG_KEXINIT, most preferred first.
var DefaultCipherOrder = []string{
	CipherAES128CTR, CipherAES192CTR, CipherAES256CTR,
	CipherAES128CBC, CipherAES192CBC, CipherAES256CBC,
	CipherBlowfishCBC, Cipher3DESCBC,
	CipherArcfour256, CipherArcfour128, CipherArcfour,
}

// Stream is the uniform interface the packet codec drives regardless of
// which algorithm was negotiated: XORKeyStream for stream ciphers and CTR
// mode, CryptBlocks-on-full-blocks for CBC. BlockSize is 1 for true stream
// ciphers (arcfour) and the underlying block size otherwise; the codec
// pads/frames packets to a multiple of BlockSize either way (RFC 4253 §6).
type Stream interface {
	BlockSize() int
	XORKeyStream(dst, src []byte)
}

// streamCipher adapts crypto/cipher.Stream (CTR, RC4) to Stream.
type streamCipher struct {
	cipher.Stream
	blockSize int
}

func (s streamCipher) BlockSize() int { return s.blockSize }

// blockModeCipher adapts a cipher.BlockMode (CBC) to Stream; XORKeyStream
// requires len(src) to be a multiple of the block size, which SSH's own
// padding rule (RFC 4253 §6) already guarantees for every packet.
type blockModeCipher struct {
	cipher.BlockMode
}

func (b blockModeCipher) BlockSize() int { return b.BlockMode.BlockSize() }
func (b blockModeCipher) XORKeyStream(dst, src []byte) {
	b.BlockMode.CryptBlocks(dst, src)
}

type cipherSpec struct {
	keySize   int
	blockSize int
	new       func(key, iv []byte, decrypt bool) (Stream, error)
}

var cipherSpecs = map[string]cipherSpec{
	CipherAES128CTR:   {16, aes.BlockSize, newAESCTR},
	CipherAES192CTR:   {24, aes.BlockSize, newAESCTR},
	CipherAES256CTR:   {32, aes.BlockSize, newAESCTR},
	CipherAES128CBC:   {16, aes.BlockSize, newAESCBC},
	CipherAES192CBC:   {24, aes.BlockSize, newAESCBC},
	CipherAES256CBC:   {32, aes.BlockSize, newAESCBC},
	Cipher3DESCBC:     {24, des.BlockSize, new3DESCBC},
	CipherBlowfishCBC: {16, blowfish.BlockSize, newBlowfishCBC},
	CipherArcfour:     {16, 1, newArcfour},
	CipherArcfour128:  {16, 1, newArcfour},
	CipherArcfour256:  {32, 1, newArcfour},
}

// KeySize reports the key length (in bytes) a cipher algorithm needs, for
// sizing the key-derivation request in internal/kex.
func KeySize(name string) (int, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipherstack: unknown cipher %q", name)
	}
	return spec.keySize, nil
}

// IVSize reports the IV/block length a cipher algorithm needs.
func IVSize(name string) (int, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipherstack: unknown cipher %q", name)
	}
	return spec.blockSize, nil
}

// NewStream builds the Stream for one direction of traffic, given the
// derived key and IV. decrypt selects CBC decrypt vs encrypt mode; it is
// ignored by CTR and stream ciphers, which are symmetric.
func NewStream(name string, key, iv []byte, decrypt bool) (Stream, error) {
	spec, ok := cipherSpecs[name]
	if !ok {
		return nil, fmt.Errorf("cipherstack: unknown cipher %q", name)
	}
	return spec.new(key, iv, decrypt)
}

// EncryptInPlace runs s over buf, writing the result back into buf. Both
// CBC's CryptBlocks and stream ciphers' XORKeyStream explicitly support
// dst and src being the same slice.
func EncryptInPlace(s Stream, buf []byte) {
	s.XORKeyStream(buf, buf)
}

// IsCBC reports whether a cipher runs in CBC mode, which the packet codec
// needs to know because CBC requires decrypting the length field before it
// can determine the rest of the packet (RFC 4253 §6 implementation note).
func IsCBC(name string) bool {
	switch name {
	case CipherAES128CBC, CipherAES192CBC, CipherAES256CBC, Cipher3DESCBC, CipherBlowfishCBC:
		return true
	default:
		return false
	}
}

func newAESCTR(key, iv []byte, _ bool) (Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return streamCipher{Stream: cipher.NewCTR(block, iv), blockSize: aes.BlockSize}, nil
}

func newAESCBC(key, iv []byte, decrypt bool) (Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newCBC(block, iv, decrypt), nil
}

func new3DESCBC(key, iv []byte, decrypt bool) (Stream, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	return newCBC(block, iv, decrypt), nil
}

func newBlowfishCBC(key, iv []byte, decrypt bool) (Stream, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newCBC(block, iv, decrypt), nil
}

func newCBC(block cipher.Block, iv []byte, decrypt bool) Stream {
	if decrypt {
		return blockModeCipher{BlockMode: cipher.NewCBCDecrypter(block, iv)}
	}
	return blockModeCipher{BlockMode: cipher.NewCBCEncrypter(block, iv)}
}

func newArcfour(key, iv []byte, _ bool) (Stream, error) {
	s, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return streamCipher{Stream: s, blockSize: 1}, nil
}
