package userauth

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/sshd/internal/buffer"
	"github.com/nodeforge/sshd/internal/wire"
)

// handlePublicKey implements spec §4.3's publickey contract: a "probe"
// request with no signature gets PK_OK if the authenticator accepts the
// key; a request carrying a signature is only accepted once both the
// authenticator accepts the key AND the signature verifies over the
// session-bound blob (RFC 4252 §7).
func (s *Service) handlePublicKey(req wire.UserAuthRequest) (Outcome, error) {
	if s.cfg.Publickey == nil {
		return s.failure(), nil
	}

	b := buffer.New(req.MethodData)
	hasSignature, err := b.ReadBool()
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed publickey request: %w", err)
	}
	algorithm, err := b.ReadUTF8()
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed publickey request: %w", err)
	}
	keyBlob, err := b.ReadPublicKeyBlob()
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed publickey request: %w", err)
	}

	pubKey, err := ssh.ParsePublicKey(keyBlob)
	if err != nil {
		return s.failure(), nil
	}

	accepted := s.cfg.Publickey(req.User, pubKey, &Session{ID: s.sid, User: req.User})
	if !accepted {
		return s.failure(), nil
	}

	if !hasSignature {
		return Outcome{Reply: (wire.UserAuthPKOK{Algorithm: algorithm, Blob: keyBlob}).Marshal()}, nil
	}

	sigBlob, err := b.ReadString()
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed publickey signature: %w", err)
	}

	signedData := signedPublicKeyData(s.sid, req.User, algorithm, keyBlob)

	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return s.failure(), nil
	}
	if err := pubKey.Verify(signedData, &sig); err != nil {
		return s.failure(), nil
	}

	o := s.success()
	o.User = req.User
	return o, nil
}

// signedPublicKeyData builds the blob the client signs (RFC 4252 §7):
// session_id || USERAUTH_REQUEST || user || "ssh-connection" || "publickey"
// || TRUE || alg || key_blob.
func signedPublicKeyData(sessionID []byte, user, algorithm string, keyBlob []byte) []byte {
	b := buffer.NewWriter()
	b.WriteString(sessionID)
	b.WriteUint8(wire.MsgUserAuthRequest)
	b.WriteUTF8(user)
	b.WriteUTF8(wire.ServiceConnection)
	b.WriteUTF8(wire.AuthMethodPublicKey)
	b.WriteBool(true)
	b.WriteUTF8(algorithm)
	b.WritePublicKeyBlob(keyBlob)
	return b.Bytes()
}

// handleKeyboardInteractive starts a keyboard-interactive exchange (RFC
// 4256): the request body only carries language/submethod hints; the
// actual prompts come from the pluggable Challenger.
func (s *Service) handleKeyboardInteractive(req wire.UserAuthRequest) (Outcome, error) {
	if s.cfg.KeyboardInteractive == nil {
		return s.failure(), nil
	}
	s.kiUser = req.User
	s.kiActive = true
	return s.continueKeyboardInteractive(nil)
}

func (s *Service) continueKeyboardInteractive(responses []string) (Outcome, error) {
	name, instruction, prompts, ok, err := s.cfg.KeyboardInteractive.Challenge(s.kiUser, responses)
	if err != nil {
		s.kiActive = false
		return Outcome{}, fmt.Errorf("userauth: keyboard-interactive challenge: %w", err)
	}
	if ok {
		s.kiActive = false
		o := s.success()
		o.User = s.kiUser
		return o, nil
	}

	b := buffer.NewWriter()
	b.WriteUint8(wire.MsgUserAuthInfoRequest)
	b.WriteUTF8(name)
	b.WriteUTF8(instruction)
	b.WriteUTF8("")
	b.WriteUint32(uint32(len(prompts)))
	for _, p := range prompts {
		b.WriteUTF8(p.Text)
		b.WriteBool(p.Echo)
	}
	return Outcome{Reply: b.Bytes()}, nil
}

// handleGSS delegates to the optional GSSProvider; a security-context token
// exchange that takes multiple round trips is out of scope (spec §1 lists
// GSS as optional) — this engine supports only a single-token accept, which
// covers the common "already-established context" mechanisms.
func (s *Service) handleGSS(req wire.UserAuthRequest) (Outcome, error) {
	if s.cfg.GSS == nil {
		return s.failure(), nil
	}
	ok, err := s.cfg.GSS.AcceptSecContext(req.User, req.MethodData)
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: gss accept: %w", err)
	}
	if !ok {
		return s.failure(), nil
	}
	o := s.success()
	o.User = req.User
	return o, nil
}
