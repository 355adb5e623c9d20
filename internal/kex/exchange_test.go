package kex

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"math/big"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func magics() Magics {
	return Magics{
		ClientVersion: []byte("SSH-2.0-client"),
		ServerVersion: []byte("SSH-2.0-server"),
		ClientKexInit: []byte("client-kexinit"),
		ServerKexInit: []byte("server-kexinit"),
	}
}

// TestCurve25519AgreesWithResponder drives the client half of curve25519 by
// hand and checks it derives the same shared secret the Responder computes.
func TestCurve25519AgreesWithResponder(t *testing.T) {
	var clientPriv [32]byte
	if _, err := rand.Read(clientPriv[:]); err != nil {
		t.Fatal(err)
	}
	clientPub, err := curve25519.X25519(clientPriv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}

	responder, err := ForName(Curve25519)
	if err != nil {
		t.Fatal(err)
	}
	serverPub, result, err := responder.Respond(clientPub, magics(), []byte("host-key-blob"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	clientShared, err := curve25519.X25519(clientPriv[:], serverPub)
	if err != nil {
		t.Fatal(err)
	}
	want := mpIntBytes(new(big.Int).SetBytes(clientShared))
	if !bytes.Equal(want, result.K) {
		t.Fatalf("shared secret mismatch: client=%x server-derived=%x", want, result.K)
	}
}

// TestECDHP256RoundTrip exercises the NIST-curve path end to end.
func TestECDHP256RoundTrip(t *testing.T) {
	curve := ecdh.P256()
	clientPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	responder, err := ForName(ECDHP256)
	if err != nil {
		t.Fatal(err)
	}
	serverPub, result, err := responder.Respond(clientPriv.PublicKey().Bytes(), magics(), []byte("host-key-blob"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	serverKey, err := curve.NewPublicKey(serverPub)
	if err != nil {
		t.Fatal(err)
	}
	clientShared, err := clientPriv.ECDH(serverKey)
	if err != nil {
		t.Fatal(err)
	}
	want := mpIntBytes(new(big.Int).SetBytes(clientShared))
	if !bytes.Equal(want, result.K) {
		t.Fatal("shared secret mismatch between client and server derivations")
	}
	if len(result.H) == 0 {
		t.Fatal("exchange hash H must not be empty")
	}
}

func TestDHGroup14RoundTrip(t *testing.T) {
	clientExp, err := group14.exponent()
	if err != nil {
		t.Fatal(err)
	}
	clientPub := new(big.Int).Exp(group14.g, clientExp, group14.p)

	responder, err := ForName(DH14SHA1)
	if err != nil {
		t.Fatal(err)
	}
	serverPub, result, err := responder.Respond(mpIntBytes(clientPub), magics(), []byte("host-key-blob"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	Y := new(big.Int).SetBytes(serverPub)
	clientShared, err := group14.diffieHellman(Y, clientExp)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mpIntBytes(clientShared), result.K) {
		t.Fatal("shared secret mismatch between client and server derivations")
	}
}

func TestDeriveKeysProducesDistinctKeys(t *testing.T) {
	k := []byte{1, 2, 3, 4}
	h := []byte{5, 6, 7, 8}
	sessionID := h

	ks := DeriveKeys(crypto.SHA256, k, h, sessionID, 16, 32, 32)
	if bytes.Equal(ks.ClientToServerKey, ks.ServerToClientKey) {
		t.Fatal("client->server and server->client keys must differ")
	}
	if len(ks.ClientToServerKey) != 32 || len(ks.ClientToServerMACKey) != 32 {
		t.Fatal("derived key lengths must match requested lengths")
	}
}

func TestUnsupportedAlgorithmRejected(t *testing.T) {
	if _, err := ForName("diffie-hellman-group-exchange-sha256"); err == nil {
		t.Fatal("expected error for unimplemented algorithm name")
	}
}
