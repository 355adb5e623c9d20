package cipherstack

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func TestAESCTRRoundTrip(t *testing.T) {
	key := randBytes(16)
	iv := randBytes(16)
	plaintext := []byte("the quick brown fox jumps over the lazy dog.....")

	enc, err := NewStream(CipherAES128CTR, key, iv, false)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)

	dec, err := NewStream(CipherAES128CTR, key, iv, false)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(ciphertext))
	dec.XORKeyStream(got, ciphertext)

	if !bytes.Equal(got, plaintext) {
		t.Fatalf("CTR round trip failed: got %q want %q", got, plaintext)
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := randBytes(32)
	iv := randBytes(16)
	plaintext := randBytes(32) // two full AES blocks, SSH packets are always block-aligned

	enc, err := NewStream(CipherAES256CBC, key, iv, false)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)

	dec, err := NewStream(CipherAES256CBC, key, iv, true)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(ciphertext))
	dec.XORKeyStream(got, ciphertext)

	if !bytes.Equal(got, plaintext) {
		t.Fatal("CBC round trip failed")
	}
}

func TestArcfourKeySize(t *testing.T) {
	n, err := KeySize(CipherArcfour256)
	if err != nil || n != 32 {
		t.Fatalf("KeySize(arcfour256) = %d, %v, want 32, nil", n, err)
	}
}

func TestUnknownCipherRejected(t *testing.T) {
	if _, err := NewStream("aes512-ctr", nil, nil, false); err == nil {
		t.Fatal("expected error for unknown cipher")
	}
}

func TestHMACSHA196Truncation(t *testing.T) {
	mac, err := NewMAC(MACHMACSHA196, randBytes(20))
	if err != nil {
		t.Fatal(err)
	}
	mac.Write([]byte("packet payload"))
	full := mac.Sum(nil)
	size, err := MACSize(MACHMACSHA196)
	if err != nil {
		t.Fatal(err)
	}
	if size != 12 || len(full) <= size {
		t.Fatalf("expected truncated tag of 12 bytes from a %d-byte full HMAC", len(full))
	}
}

func TestCompressionNoneIsPassthrough(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(CompressionNone, &buf)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("hello"))
	w.Close()
	if buf.String() != "hello" {
		t.Fatalf("got %q, want passthrough", buf.String())
	}
}

func TestZlibRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(CompressionZlib, &buf)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("repeated repeated repeated repeated data")
	w.Write(msg)
	w.Close()

	r, err := NewReader(CompressionZlib, &buf)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := r.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("zlib round trip: got %q want %q", got, msg)
	}
}

func TestHostKeySignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("exchange hash to be signed")
	sigBlob, err := Sign(signer, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(sshPub.Marshal(), data, sigBlob); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if err := Verify(sshPub.Marshal(), []byte("tampered"), sigBlob); err == nil {
		t.Fatal("expected verification failure for tampered data")
	}
}
