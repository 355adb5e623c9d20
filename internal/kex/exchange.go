package kex

import (
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"math/big"

	_ "crypto/sha1"
	_ "crypto/sha512"

	"golang.org/x/crypto/curve25519"
)

// Algorithm names, as they appear in SSH_MSG_KEXINIT name-lists.
const (
	DH1SHA1    = "diffie-hellman-group1-sha1"
	DH14SHA1   = "diffie-hellman-group14-sha1"
	ECDHP256   = "ecdh-sha2-nistp256"
	ECDHP384   = "ecdh-sha2-nistp384"
	ECDHP521   = "ecdh-sha2-nistp521"
	Curve25519 = "curve25519-sha256"
)

// SupportedAlgorithms lists every kex method this server offers, in
// preference order (most preferred first).
var SupportedAlgorithms = []string{
	Curve25519, ECDHP256, ECDHP384, ECDHP521, DH14SHA1, DH1SHA1,
}

// Magics bundles the four byte strings that feed every exchange hash per
// RFC 4253 §8: the two version strings and the two raw KEXINIT payloads.
type Magics struct {
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
}

// Result is the output of a completed exchange: the session/exchange hash H
// and the shared secret K (already mpint-encoded, ready for key derivation
// and for inclusion in the next exchange hash on rekey).
type Result struct {
	H    []byte
	K    []byte
	Hash crypto.Hash
}

// Responder performs the server (responder) half of one key-exchange
// method: given the client's ephemeral public value and the marshaled host
// public key, it returns the server's own ephemeral public value plus the
// completed Result. The caller signs Result.H with the host private key to
// build the KexDHReply.
type Responder interface {
	Name() string
	Respond(clientPub []byte, magics Magics, hostKeyBlob []byte) (serverPub []byte, result *Result, err error)
}

// ForName returns the Responder for a negotiated kex algorithm name.
func ForName(name string) (Responder, error) {
	switch name {
	case DH1SHA1:
		return dhResponder{hashFunc: crypto.SHA1, group: group1}, nil
	case DH14SHA1:
		return dhResponder{hashFunc: crypto.SHA1, group: group14}, nil
	case ECDHP256:
		return ecdhResponder{curve: ecdh.P256(), hashFunc: crypto.SHA256}, nil
	case ECDHP384:
		return ecdhResponder{curve: ecdh.P384(), hashFunc: crypto.SHA384}, nil
	case ECDHP521:
		return ecdhResponder{curve: ecdh.P521(), hashFunc: crypto.SHA512}, nil
	case Curve25519:
		return curve25519Responder{}, nil
	default:
		return nil, fmt.Errorf("kex: unsupported algorithm %q", name)
	}
}

// --- hash helpers: length-prefixed writes matching RFC 4251 §5 wire forms.

func hashString(h hash.Hash, b []byte) {
	var length [4]byte
	length[0] = byte(len(b) >> 24)
	length[1] = byte(len(b) >> 16)
	length[2] = byte(len(b) >> 8)
	length[3] = byte(len(b))
	h.Write(length[:])
	h.Write(b)
}

func hashMPInt(h hash.Hash, n *big.Int) {
	hashString(h, mpIntBytes(n))
}

// mpIntBytes renders n as an SSH mpint (RFC 4251 §5): two's-complement,
// minimal length, with a leading zero byte if the high bit would otherwise
// make a positive number look negative.
func mpIntBytes(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	b := n.Bytes()
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// --- classic Diffie-Hellman ---------------------------------------------

type dhResponder struct {
	hashFunc crypto.Hash
	group    *dhGroup
}

func (d dhResponder) Name() string {
	if d.group == group1 {
		return DH1SHA1
	}
	return DH14SHA1
}

func (d dhResponder) Respond(clientPub []byte, magics Magics, hostKeyBlob []byte) ([]byte, *Result, error) {
	X := new(big.Int).SetBytes(clientPub)

	y, err := d.group.exponent()
	if err != nil {
		return nil, nil, err
	}
	Y := new(big.Int).Exp(d.group.g, y, d.group.p)

	secret, err := d.group.diffieHellman(X, y)
	if err != nil {
		return nil, nil, err
	}

	h := d.hashFunc.New()
	hashString(h, magics.ClientVersion)
	hashString(h, magics.ServerVersion)
	hashString(h, magics.ClientKexInit)
	hashString(h, magics.ServerKexInit)
	hashString(h, hostKeyBlob)
	hashMPInt(h, X)
	hashMPInt(h, Y)
	hashMPInt(h, secret)

	return mpIntBytes(Y), &Result{H: h.Sum(nil), K: mpIntBytes(secret), Hash: d.hashFunc}, nil
}

// --- ECDH over the NIST curves ------------------------------------------

type ecdhResponder struct {
	curve    ecdh.Curve
	hashFunc crypto.Hash
}

func (e ecdhResponder) Name() string {
	switch e.hashFunc {
	case crypto.SHA256:
		return ECDHP256
	case crypto.SHA384:
		return ECDHP384
	default:
		return ECDHP521
	}
}

func (e ecdhResponder) Respond(clientPub []byte, magics Magics, hostKeyBlob []byte) ([]byte, *Result, error) {
	clientKey, err := e.curve.NewPublicKey(clientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: invalid client ephemeral key: %w", err)
	}

	serverPriv, err := e.curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	secret, err := serverPriv.ECDH(clientKey)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: ecdh failure: %w", err)
	}

	serverPub := serverPriv.PublicKey().Bytes()

	h := e.hashFunc.New()
	hashString(h, magics.ClientVersion)
	hashString(h, magics.ServerVersion)
	hashString(h, magics.ClientKexInit)
	hashString(h, magics.ServerKexInit)
	hashString(h, hostKeyBlob)
	hashString(h, clientPub)
	hashString(h, serverPub)
	hashMPInt(h, new(big.Int).SetBytes(secret))

	return serverPub, &Result{H: h.Sum(nil), K: mpIntBytes(new(big.Int).SetBytes(secret)), Hash: e.hashFunc}, nil
}

// --- curve25519-sha256 ---------------------------------------------------

type curve25519Responder struct{}

func (curve25519Responder) Name() string { return Curve25519 }

func (curve25519Responder) Respond(clientPub []byte, magics Magics, hostKeyBlob []byte) ([]byte, *Result, error) {
	if len(clientPub) != 32 {
		return nil, nil, errors.New("kex: curve25519 client public value must be 32 bytes")
	}

	var serverPriv [32]byte
	if _, err := rand.Read(serverPriv[:]); err != nil {
		return nil, nil, err
	}
	serverPub, err := curve25519.X25519(serverPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	shared, err := curve25519.X25519(serverPriv[:], clientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: curve25519 exchange failure: %w", err)
	}

	h := sha256.New()
	hashString(h, magics.ClientVersion)
	hashString(h, magics.ServerVersion)
	hashString(h, magics.ClientKexInit)
	hashString(h, magics.ServerKexInit)
	hashString(h, hostKeyBlob)
	hashString(h, clientPub)
	hashString(h, serverPub)
	hashMPInt(h, new(big.Int).SetBytes(shared))

	return serverPub, &Result{H: h.Sum(nil), K: mpIntBytes(new(big.Int).SetBytes(shared)), Hash: crypto.SHA256}, nil
}
