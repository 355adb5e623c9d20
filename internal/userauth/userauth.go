// Package userauth implements the SSH_MSG_USERAUTH_* state machine (spec
// §4.3): method negotiation and per-method engines (password, publickey,
// keyboard-interactive, gssapi-with-mic). Every FAILURE it sends carries
// partial-success=false; no multi-method sequence is tracked.
//
// The state machine shape (dispatch on method name, track attempts, emit
// either SUCCESS or FAILURE-with-continuations) is new to this codebase —
// nothing in Websoft9-AppOS implements SSH user authentication, since
// tunnel/server.go uses ssh.ServerConfig{NoClientAuth: true} and defers all
// auth to golang.org/x/crypto/ssh. This package is the from-scratch engine
// spec §1 requires ("exposed only as a KeyProvider/AuthorizedKeyStore").
// Error wrapping style (%w, package-prefixed messages) follows
// internal/crypto and internal/config's house idiom.
package userauth

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/sshd/internal/buffer"
	"github.com/nodeforge/sshd/internal/wire"
)

// DefaultMaxAttempts is the default session-wide authentication attempt
// budget (spec §4.3): exceeding it drops the connection.
const DefaultMaxAttempts = 20

// PasswordAuthenticator is the embedder-facing collaborator for the
// "password" method (spec §6).
type PasswordAuthenticator func(user, password string, session *Session) bool

// PublickeyAuthenticator is the embedder-facing collaborator for the
// "publickey" method (spec §6).
type PublickeyAuthenticator func(user string, pubKey ssh.PublicKey, session *Session) bool

// Challenger drives one round of a "keyboard-interactive" exchange: given
// the user and the previous round's responses (nil on the first call), it
// returns the next prompt set, or ok=true with no prompts once the
// challenge is satisfied.
type Challenger interface {
	Challenge(user string, responses []string) (name, instruction string, prompts []Prompt, ok bool, err error)
}

// Prompt is one keyboard-interactive prompt line.
type Prompt struct {
	Text   string
	Echo   bool
}

// GSSProvider is the optional embedder collaborator for "gssapi-with-mic".
type GSSProvider interface {
	AcceptSecContext(user string, token []byte) (ok bool, err error)
}

// Session is the minimal view of the transport-level session a method
// engine needs: the session id (for publickey's signed blob, RFC 4252
// §7) and the username under test.
type Session struct {
	ID   []byte
	User string
}

// Config bundles the authenticators and policy knobs (spec §6, §4.3).
type Config struct {
	Password        PasswordAuthenticator
	Publickey       PublickeyAuthenticator
	KeyboardInteractive Challenger
	GSS             GSSProvider

	// MaxAttempts is the maximum number of USERAUTH_REQUESTs this session
	// will answer before the connection is dropped. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int
}

func (c *Config) methods() []string {
	var m []string
	if c.Publickey != nil {
		m = append(m, wire.AuthMethodPublicKey)
	}
	if c.Password != nil {
		m = append(m, wire.AuthMethodPassword)
	}
	if c.KeyboardInteractive != nil {
		m = append(m, wire.AuthMethodKeyboardInteractive)
	}
	if c.GSS != nil {
		m = append(m, wire.AuthMethodGSSAPIWithMIC)
	}
	return m
}

// Service runs the USERAUTH state machine for a single transport session.
// One Service is created per connection.
type Service struct {
	cfg Config
	sid []byte

	attempts int

	// kiState tracks an in-progress keyboard-interactive exchange, which
	// spans multiple USERAUTH_REQUEST/INFO_RESPONSE round trips.
	kiUser      string
	kiResponses []string
	kiActive    bool
}

// New returns a Service bound to sessionID (the first exchange hash,
// immutable for the session per spec §3.1).
func New(sessionID []byte, cfg Config) *Service {
	return &Service{cfg: cfg, sid: sessionID}
}

// Outcome is what the caller (the transport dispatch loop) should do after
// handling one inbound message.
type Outcome struct {
	// Reply is the wire payload to send back; it is nil when Authenticated
	// or Disconnect is set, and the caller then sends USERAUTH_SUCCESS or
	// DISCONNECT itself.
	Reply []byte
	// Authenticated reports whether this Outcome completes authentication.
	Authenticated bool
	// User is set when Authenticated is true.
	User string
	// Disconnect is set when the session must be torn down (attempt budget
	// exceeded).
	Disconnect *wire.ProtocolError
}

// HandleRequest processes one SSH_MSG_USERAUTH_REQUEST payload (spec §4.3).
func (s *Service) HandleRequest(payload []byte) (Outcome, error) {
	var req wire.UserAuthRequest
	if err := req.Unmarshal(payload); err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed request: %w", err)
	}

	max := s.cfg.MaxAttempts
	if max == 0 {
		max = DefaultMaxAttempts
	}
	s.attempts++
	if s.attempts > max {
		return Outcome{Disconnect: &wire.ProtocolError{
			Reason:  wire.DisconnectNoMoreAuthMethodsAvailable,
			Message: "too many authentication attempts",
		}}, nil
	}

	if req.Service != wire.ServiceConnection {
		return s.failure(), nil
	}

	switch req.Method {
	case wire.AuthMethodNone:
		return s.failure(), nil
	case wire.AuthMethodPassword:
		return s.handlePassword(req)
	case wire.AuthMethodPublicKey:
		return s.handlePublicKey(req)
	case wire.AuthMethodKeyboardInteractive:
		return s.handleKeyboardInteractive(req)
	case wire.AuthMethodGSSAPIWithMIC:
		return s.handleGSS(req)
	default:
		return s.failure(), nil
	}
}

// HandleInfoResponse processes a USERAUTH_INFO_RESPONSE continuing an
// in-progress keyboard-interactive exchange.
func (s *Service) HandleInfoResponse(payload []byte) (Outcome, error) {
	if !s.kiActive {
		return Outcome{}, fmt.Errorf("userauth: unexpected INFO_RESPONSE")
	}
	b := buffer.New(payload)
	if _, err := b.ReadUint8(); err != nil { // message type byte
		return Outcome{}, err
	}
	n, err := b.ReadUint32()
	if err != nil {
		return Outcome{}, err
	}
	responses := make([]string, n)
	for i := range responses {
		responses[i], err = b.ReadUTF8()
		if err != nil {
			return Outcome{}, err
		}
	}
	return s.continueKeyboardInteractive(responses)
}

func (s *Service) failure() Outcome {
	return Outcome{Reply: (wire.UserAuthFailure{Methods: s.cfg.methods()}).Marshal()}
}

func (s *Service) success() Outcome {
	return Outcome{Authenticated: true}
}

func (s *Service) handlePassword(req wire.UserAuthRequest) (Outcome, error) {
	if s.cfg.Password == nil {
		return s.failure(), nil
	}
	b := buffer.New(req.MethodData)
	changePw, err := b.ReadBool()
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed password request: %w", err)
	}
	password, err := b.ReadUTF8()
	if err != nil {
		return Outcome{}, fmt.Errorf("userauth: malformed password request: %w", err)
	}
	if changePw {
		// Password-change requests are not supported; treat as a failure
		// rather than attempting to interpret the new-password field.
		return s.failure(), nil
	}
	if s.cfg.Password(req.User, password, &Session{ID: s.sid, User: req.User}) {
		o := s.success()
		o.User = req.User
		return o, nil
	}
	return s.failure(), nil
}
