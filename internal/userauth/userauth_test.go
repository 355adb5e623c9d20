package userauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/sshd/internal/buffer"
	"github.com/nodeforge/sshd/internal/wire"
)

func mustSigner(t *testing.T) ssh.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	_ = pub
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func passwordRequest(user, password string) []byte {
	b := buffer.NewWriter()
	b.WriteUint8(wire.MsgUserAuthRequest)
	b.WriteUTF8(user)
	b.WriteUTF8(wire.ServiceConnection)
	b.WriteUTF8(wire.AuthMethodPassword)
	b.WriteBool(false)
	b.WriteUTF8(password)
	return b.Bytes()
}

func TestPasswordSuccess(t *testing.T) {
	svc := New([]byte("session-id"), Config{
		Password: func(user, password string, _ *Session) bool {
			return user == "alice" && password == "hunter2"
		},
	})

	outcome, err := svc.HandleRequest(passwordRequest("alice", "hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Authenticated || outcome.User != "alice" {
		t.Fatalf("expected success for alice, got %+v", outcome)
	}
}

func TestPasswordFailureListsRemainingMethods(t *testing.T) {
	svc := New([]byte("session-id"), Config{
		Password:  func(string, string, *Session) bool { return false },
		Publickey: func(string, ssh.PublicKey, *Session) bool { return false },
	})

	outcome, err := svc.HandleRequest(passwordRequest("bob", "wrong"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Authenticated {
		t.Fatal("expected failure")
	}
	var failure wire.UserAuthFailure
	if err := failure.Unmarshal(outcome.Reply); err != nil {
		t.Fatal(err)
	}
	if failure.PartialSuccess {
		t.Fatal("no partial success expected")
	}
	found := false
	for _, m := range failure.Methods {
		if m == wire.AuthMethodPublicKey {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publickey still offered, got %v", failure.Methods)
	}
}

func TestPublicKeyProbeThenSignedRequest(t *testing.T) {
	signer := mustSigner(t)
	sessionID := []byte("session-id-bytes")

	svc := New(sessionID, Config{
		Publickey: func(user string, pubKey ssh.PublicKey, _ *Session) bool {
			return user == "alice" && string(pubKey.Marshal()) == string(signer.PublicKey().Marshal())
		},
	})

	blob := signer.PublicKey().Marshal()

	probe := buffer.NewWriter()
	probe.WriteUint8(wire.MsgUserAuthRequest)
	probe.WriteUTF8("alice")
	probe.WriteUTF8(wire.ServiceConnection)
	probe.WriteUTF8(wire.AuthMethodPublicKey)
	probe.WriteBool(false)
	probe.WriteUTF8(signer.PublicKey().Type())
	probe.WritePublicKeyBlob(blob)

	outcome, err := svc.HandleRequest(probe.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Authenticated {
		t.Fatal("probe without signature must not authenticate")
	}
	var pkok wire.UserAuthPKOK
	if err := pkok.Unmarshal(outcome.Reply); err != nil {
		t.Fatalf("expected PK_OK reply: %v", err)
	}

	signedData := signedPublicKeyData(sessionID, "alice", signer.PublicKey().Type(), blob)
	sig, err := signer.Sign(rand.Reader, signedData)
	if err != nil {
		t.Fatal(err)
	}

	signed := buffer.NewWriter()
	signed.WriteUint8(wire.MsgUserAuthRequest)
	signed.WriteUTF8("alice")
	signed.WriteUTF8(wire.ServiceConnection)
	signed.WriteUTF8(wire.AuthMethodPublicKey)
	signed.WriteBool(true)
	signed.WriteUTF8(signer.PublicKey().Type())
	signed.WritePublicKeyBlob(blob)
	signed.WriteString(ssh.Marshal(sig))

	outcome, err = svc.HandleRequest(signed.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Authenticated || outcome.User != "alice" {
		t.Fatalf("expected successful signed publickey auth, got %+v", outcome)
	}
}

func TestMaxAttemptsDisconnects(t *testing.T) {
	svc := New([]byte("sid"), Config{
		Password:    func(string, string, *Session) bool { return false },
		MaxAttempts: 2,
	})
	for i := 0; i < 2; i++ {
		if _, err := svc.HandleRequest(passwordRequest("x", "y")); err != nil {
			t.Fatal(err)
		}
	}
	outcome, err := svc.HandleRequest(passwordRequest("x", "y"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Disconnect == nil {
		t.Fatal("expected disconnect after exceeding max attempts")
	}
}
