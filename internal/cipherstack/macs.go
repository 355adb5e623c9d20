package cipherstack

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// MAC algorithm names (RFC 4253 §6.4, minus the hmac-md5 variants retired
// by the pack's own predecessor for having "reached the end of their
// useful life").
const (
	MACHMACSHA1     = "hmac-sha1"
	MACHMACSHA196   = "hmac-sha1-96"
	MACHMACSHA256   = "hmac-sha2-256"
	MACHMACSHA512   = "hmac-sha2-512"
	MACHMACSHA25696 = "hmac-sha2-256-96"
)

// DefaultMACOrder is offered in SSH_MSG_KEXINIT, strongest first.
var DefaultMACOrder = []string{
	MACHMACSHA512, MACHMACSHA256, MACHMACSHA1, MACHMACSHA196,
}

type macSpec struct {
	keySize int
	size    int
	newHash func() hash.Hash
}

var macSpecs = map[string]macSpec{
	MACHMACSHA1:     {20, 20, sha1.New},
	MACHMACSHA196:   {20, 12, sha1.New},
	MACHMACSHA256:   {32, 32, sha256.New},
	MACHMACSHA25696: {32, 12, sha256.New},
	MACHMACSHA512:   {64, 64, sha512.New},
}

// MACKeySize reports the key length a MAC algorithm needs.
func MACKeySize(name string) (int, error) {
	spec, ok := macSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipherstack: unknown MAC %q", name)
	}
	return spec.keySize, nil
}

// MACSize reports the tag length a MAC algorithm produces on the wire
// (truncated for the "-96" variants per RFC 6668/4253 §6.4).
func MACSize(name string) (int, error) {
	spec, ok := macSpecs[name]
	if !ok {
		return 0, fmt.Errorf("cipherstack: unknown MAC %q", name)
	}
	return spec.size, nil
}

// NewMAC builds an HMAC instance keyed for one direction of traffic. The
// caller truncates Sum(nil) to MACSize(name) bytes for the "-96" variants.
func NewMAC(name string, key []byte) (hash.Hash, error) {
	spec, ok := macSpecs[name]
	if !ok {
		return nil, fmt.Errorf("cipherstack: unknown MAC %q", name)
	}
	return hmac.New(spec.newHash, key), nil
}
