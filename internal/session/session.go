// Package session ties internal/transport, internal/userauth, and
// internal/connection into the per-connection accept-loop dispatch (spec
// §3.1/§4.2): negotiate the transport, gate SERVICE_REQUEST for
// ssh-userauth, run the USERAUTH state machine, gate SERVICE_REQUEST for
// ssh-connection, then hand the socket over to the connection-service
// channel multiplexer for the rest of its life.
//
// The accept-loop shape (one goroutine per connection, log fields seeded
// from the remote address) follows tunnel.Server.handleConn's idiom in the
// teacher repo, generalized from its fixed NoClientAuth handshake to the
// full transport/userauth/connection stack built for this spec.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nodeforge/sshd/internal/connection"
	"github.com/nodeforge/sshd/internal/forwarding"
	"github.com/nodeforge/sshd/internal/transport"
	"github.com/nodeforge/sshd/internal/userauth"
	"github.com/nodeforge/sshd/internal/wire"
)

// Config bundles the knobs a Session needs beyond the raw net.Conn (spec
// §6's configuration surface, minus the socket-accept-loop settings that
// belong to the listener instead).
type Config struct {
	HostKey transport.HostKeySigner

	UserAuth userauth.Config

	// Factories feeds straight into connection.Config.
	Factories map[string]connection.ChannelFactory

	// ForwardingFilter gates tcpip-forward/direct-tcpip for every session
	// (spec §1/§6's embedder-facing ForwardingFilter). A fresh
	// forwarding.Manager is built per session, since each one's
	// forwarded-tcpip channels must route back to that session's own
	// connection-service instance, not a shared one. Nil permits every
	// request (forwarding.NewManager substitutes forwarding.AllowAll).
	ForwardingFilter forwarding.Filter

	WindowSize uint32
	MaxPacket  uint32

	// AuthTimeout bounds the version-exchange-through-USERAUTH_SUCCESS
	// phase; IdleTimeout bounds the gap between successive connection-
	// service packets once authenticated (spec §6's auth-timeout/
	// idle-timeout knobs). Zero disables the corresponding deadline.
	AuthTimeout time.Duration
	IdleTimeout time.Duration

	Log zerolog.Logger
}

// Serve runs one SSH connection end to end: transport negotiation,
// service requests, user authentication, then the connection-service
// multiplexer, blocking until the connection ends. It never returns a nil
// error on a normal close (callers typically only log it).
func Serve(conn net.Conn, cfg Config) error {
	// The session-id (first KEX exchange hash) is a 32+ byte binary value,
	// useless to grep in logs; a short random id gives every log line for
	// this connection a correlation key a human can actually read.
	log := cfg.Log.With().
		Str("conn_id", uuid.NewString()[:8]).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()

	if cfg.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.AuthTimeout))
	}

	t, err := transport.NewServer(conn, cfg.HostKey, log)
	if err != nil {
		return fmt.Errorf("session: transport handshake: %w", err)
	}
	defer t.Close()

	username, err := negotiateUserAuth(t, cfg.UserAuth, log)
	if err != nil {
		return err
	}

	// Authenticated: drop the auth-timeout deadline and, if configured,
	// start enforcing the (refreshed-per-packet) idle timeout instead.
	if cfg.IdleTimeout > 0 {
		_ = t.SetDeadline(time.Now().Add(cfg.IdleTimeout))
	} else if cfg.AuthTimeout > 0 {
		_ = t.SetDeadline(time.Time{})
	}

	if err := expectServiceRequest(t, wire.ServiceConnection); err != nil {
		return err
	}

	// The forwarded-tcpip ConnHandler needs to call back into this
	// session's own *connection.Service, which does not exist until after
	// the Manager is built; svc is assigned before any listener can ever
	// accept a connection (Listen is only reachable once svc.Run is
	// already driving tcpip-forward global requests), so the closure
	// below never observes a nil svc.
	var svc *connection.Service
	mgr := forwarding.NewManager(cfg.ForwardingFilter, func(conn net.Conn, addr string, port uint32) {
		connection.ForwardedTCPIPFactory(svc)(conn, addr, port)
	})

	factories := mergeFactories(username, cfg.Factories, mgr)

	connCfg := connection.Config{
		Factories:   factories,
		Forwarding:  mgr,
		Username:    username,
		WindowSize:  cfg.WindowSize,
		MaxPacket:   cfg.MaxPacket,
		IdleTimeout: cfg.IdleTimeout,
		Log:         log,
	}
	svc = connection.New(t, connCfg)
	return svc.Run()
}

// mergeFactories copies the embedder-supplied channel factories and adds a
// "direct-tcpip" factory bound to this session's own forwarding.Manager
// (and hence its own ForwardingFilter), unless the embedder already
// registered one of its own.
func mergeFactories(username string, base map[string]connection.ChannelFactory, mgr *forwarding.Manager) map[string]connection.ChannelFactory {
	out := make(map[string]connection.ChannelFactory, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if _, ok := out[wire.ChannelTypeDirectTCPIP]; !ok {
		out[wire.ChannelTypeDirectTCPIP] = connection.DirectTCPIPFactory(username, mgr)
	}
	return out
}

// expectServiceRequest blocks until the peer asks for wantService, and
// answers with SERVICE_ACCEPT (spec §4.2: "service gating"). Any other
// message before that request is a protocol violation.
func expectServiceRequest(t *transport.Transport, wantService string) error {
	payload, err := t.ReadPacket()
	if err != nil {
		return fmt.Errorf("session: reading service request: %w", err)
	}
	var req wire.ServiceRequest
	if err := req.Unmarshal(payload); err != nil {
		return fmt.Errorf("session: malformed service request: %w", err)
	}
	if req.Name != wantService {
		_ = t.Disconnect(wire.DisconnectServiceNotAvailable, "unexpected service "+req.Name)
		return fmt.Errorf("session: expected service %q, got %q", wantService, req.Name)
	}
	accept := wire.ServiceAccept{Name: wantService}
	return t.WritePacket(accept.Marshal())
}

// negotiateUserAuth runs the ssh-userauth service (spec §4.3) to
// completion: gate the SERVICE_REQUEST, then loop USERAUTH_REQUEST/
// INFO_RESPONSE messages through a userauth.Service until it reports
// success or the attempt budget is exhausted.
func negotiateUserAuth(t *transport.Transport, cfg userauth.Config, log zerolog.Logger) (string, error) {
	if err := expectServiceRequest(t, wire.ServiceUserAuth); err != nil {
		return "", err
	}

	svc := userauth.New(t.SessionID(), cfg)
	for {
		payload, err := t.ReadPacket()
		if err != nil {
			return "", fmt.Errorf("session: reading userauth message: %w", err)
		}
		if len(payload) == 0 {
			continue
		}

		var outcome userauth.Outcome
		switch payload[0] {
		case wire.MsgUserAuthRequest:
			outcome, err = svc.HandleRequest(payload)
		case wire.MsgUserAuthInfoResponse:
			outcome, err = svc.HandleInfoResponse(payload)
		default:
			return "", fmt.Errorf("session: unexpected message %d during userauth", payload[0])
		}
		if err != nil {
			return "", fmt.Errorf("session: userauth: %w", err)
		}

		if outcome.Disconnect != nil {
			_ = t.Disconnect(outcome.Disconnect.Reason, outcome.Disconnect.Message)
			return "", outcome.Disconnect
		}
		if outcome.Authenticated {
			log.Info().Str("user", outcome.User).Msg("session: user authenticated")
			success := wire.UserAuthSuccess{}
			if err := t.WritePacket(success.Marshal()); err != nil {
				return "", err
			}
			return outcome.User, nil
		}
		if outcome.Reply != nil {
			if err := t.WritePacket(outcome.Reply); err != nil {
				return "", err
			}
		}
	}
}
