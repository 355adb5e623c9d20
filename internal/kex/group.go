// Package kex implements the server side of the SSH key-exchange methods
// named in spec §4.1: classic Diffie-Hellman (group1/group14), ECDH over
// the NIST curves, and curve25519-sha256. The group and exchange-hash
// plumbing mirrors the client-side kexDH/kexECDH pair in the vendored
// golang.org/x/crypto/ssh predecessor (transport.go/client.go), adapted
// here to run as the responder instead of the initiator.
package kex

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// dhGroup is a multiplicative group usable for classic Diffie-Hellman.
type dhGroup struct {
	g, p *big.Int
}

func (grp *dhGroup) diffieHellman(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	if theirPublic.Sign() <= 0 || theirPublic.Cmp(grp.p) >= 0 {
		return nil, errors.New("kex: dh parameter out of bounds")
	}
	return new(big.Int).Exp(theirPublic, myPrivate, grp.p), nil
}

// exponent draws a private exponent in [1, p).
func (grp *dhGroup) exponent() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(grp.p, big.NewInt(1)))
	if err != nil {
		return nil, err
	}
	return n.Add(n, big.NewInt(1)), nil
}

// group1 is diffie-hellman-group1-sha1 (RFC 4253 §8.1, Oakley group 2).
var group1 = &dhGroup{
	g: big.NewInt(2),
	p: mustHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"),
}

// group14 is diffie-hellman-group14-sha1 (RFC 4253 §8.2, Oakley group 14).
var group14 = &dhGroup{
	g: big.NewInt(2),
	p: mustHex("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"),
}

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("kex: bad group constant")
	}
	return n
}
