// Package connection implements the "ssh-connection" service channel
// multiplexer (spec §4.4): the channel open protocol, the CHANNEL_* message
// dispatch loop, and the global-request handling (tcpip-forward,
// cancel-tcpip-forward, no-more-sessions@openssh.com). It sits on top of
// internal/transport's packet-level Transport the same way
// internal/tunnel's handleConn sits on top of golang.org/x/crypto/ssh's
// ServerConn — but here the channel table, flow control and close
// machinery are all hand-rolled (spec's tagged-variant redesign, §9)
// instead of delegated to the x/crypto/ssh package.
package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeforge/sshd/internal/buffer"
	"github.com/nodeforge/sshd/internal/channel"
	"github.com/nodeforge/sshd/internal/closer"
	"github.com/nodeforge/sshd/internal/forwarding"
	"github.com/nodeforge/sshd/internal/wire"
)

// PacketTransport is the subset of internal/transport.Transport the
// multiplexer needs, so tests can substitute an in-memory fake.
type PacketTransport interface {
	ReadPacket() ([]byte, error)
	WritePacket(payload []byte) error
	SessionID() []byte
}

// deadlineSetter is implemented by internal/transport.Transport; checked
// with a type assertion so PacketTransport fakes in tests aren't forced to
// implement it.
type deadlineSetter interface {
	SetDeadline(time.Time) error
}

// ChannelFactory builds the handler side of a newly-opened channel (for
// example internal/channel.NewSessionChannel, or a direct-tcpip dial). It
// runs after the channel's window/id bookkeeping exists but before the
// OPEN_CONFIRMATION is sent, and may reject the open by returning an error:
// the peer then gets CHANNEL_OPEN_FAILURE with reason OpenConnectFailed and
// the error's text as the description.
type ChannelFactory func(ch *channel.Channel, openPayload []byte) error

// Config configures one Service instance.
type Config struct {
	// Factories maps a channel type ("session", "direct-tcpip", ...) to
	// the handler that wires it up. Unknown types are rejected with
	// OpenUnknownChannelType.
	Factories map[string]ChannelFactory

	// Forwarding services tcpip-forward / cancel-tcpip-forward global
	// requests. A nil Forwarding rejects all forwarding requests.
	Forwarding *forwarding.Manager

	// Username is the authenticated user for this session, threaded into
	// the ForwardingFilter's CanListen/CanConnect checks (spec §1/§6:
	// "ForwardingFilter(session, source, target)" — user is part of that
	// session context).
	Username string

	WindowSize uint32
	MaxPacket  uint32

	// IdleTimeout, if non-zero, is reapplied as the transport's read
	// deadline after every successfully dispatched packet (spec §6's
	// idle-timeout knob covering the post-authentication phase).
	IdleTimeout time.Duration

	Log zerolog.Logger
}

// Service is one session's "ssh-connection" multiplexer: the channel
// table, the dispatch loop reading packets off a Transport, and the
// global-request handlers.
type Service struct {
	t   PacketTransport
	cfg Config

	mu       sync.Mutex
	channels map[uint32]*channel.Channel
	nextID   uint32

	noMoreSessions bool
	closeFuture    *closer.Future
}

// New builds a Service bound to t. Call Run to start the dispatch loop.
func New(t PacketTransport, cfg Config) *Service {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 2 * 1024 * 1024
	}
	if cfg.MaxPacket == 0 {
		cfg.MaxPacket = 32 * 1024
	}
	return &Service{t: t, cfg: cfg, channels: make(map[uint32]*channel.Channel), closeFuture: closer.NewFuture()}
}

// Done resolves once the dispatch loop has exited (peer disconnect or read
// error).
func (s *Service) Done() *closer.Future { return s.closeFuture }

// Run drives the dispatch loop until the transport closes or returns a
// fatal error. It returns that terminal error (io.EOF-wrapping included).
func (s *Service) Run() error {
	defer s.closeAll()
	for {
		payload, err := s.t.ReadPacket()
		if err != nil {
			s.closeFuture.Complete(err)
			return err
		}
		if len(payload) == 0 {
			continue
		}
		if err := s.dispatch(payload); err != nil {
			s.cfg.Log.Error().Err(err).Msg("connection: dispatch error")
		}

		if s.cfg.IdleTimeout > 0 {
			if ds, ok := s.t.(deadlineSetter); ok {
				_ = ds.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
			}
		}
	}
}

func (s *Service) dispatch(payload []byte) error {
	switch payload[0] {
	case wire.MsgGlobalRequest:
		return s.handleGlobalRequest(payload)
	case wire.MsgChannelOpen:
		return s.handleChannelOpen(payload)
	case wire.MsgChannelWindowAdjust:
		var m wire.ChannelWindowAdjust
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		ch, ok := s.lookup(m.RecipientChannel)
		if ok {
			ch.HandleWindowAdjust(m.BytesToAdd)
		}
		return nil
	case wire.MsgChannelData:
		var m wire.ChannelData
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		ch, ok := s.lookup(m.RecipientChannel)
		if !ok {
			return nil
		}
		return ch.HandleData([]byte(m.Data))
	case wire.MsgChannelExtendedData:
		var m wire.ChannelExtendedData
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		ch, ok := s.lookup(m.RecipientChannel)
		if !ok {
			return nil
		}
		return ch.HandleExtendedData(m.DataType, []byte(m.Data))
	case wire.MsgChannelEOF:
		var m wire.ChannelEOF
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		ch, ok := s.lookup(m.RecipientChannel)
		if ok {
			return ch.HandleEOF()
		}
		return nil
	case wire.MsgChannelClose:
		var m wire.ChannelClose
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		ch, ok := s.lookup(m.RecipientChannel)
		if ok {
			ch.HandleClose()
			s.remove(m.RecipientChannel)
		}
		return nil
	case wire.MsgChannelRequest:
		var m wire.ChannelRequest
		if err := m.Unmarshal(payload); err != nil {
			return err
		}
		ch, ok := s.lookup(m.RecipientChannel)
		if !ok {
			return nil
		}
		return ch.HandleRequest(m)
	case wire.MsgChannelOpenConfirmation, wire.MsgChannelOpenFailure,
		wire.MsgChannelSuccess, wire.MsgChannelFailure, wire.MsgRequestSuccess, wire.MsgRequestFailure:
		// Server-side core never originates outbound channel opens or
		// global requests on its own behalf today, so these replies have
		// nothing pending to complete against; ignore per spec §4.4
		// (only the initiator side needs them).
		return nil
	default:
		return fmt.Errorf("connection: unhandled message type %d", payload[0])
	}
}

func (s *Service) lookup(id uint32) (*channel.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

func (s *Service) remove(id uint32) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

func (s *Service) allocateID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// handleChannelOpen implements the open protocol (spec §4.4): allocate a
// local channel, hand it to the registered factory, and reply with either
// CHANNEL_OPEN_CONFIRMATION or CHANNEL_OPEN_FAILURE.
func (s *Service) handleChannelOpen(payload []byte) error {
	var m wire.ChannelOpen
	if err := m.Unmarshal(payload); err != nil {
		return err
	}

	s.mu.Lock()
	noMore := s.noMoreSessions
	s.mu.Unlock()
	if noMore && m.ChannelType == wire.ChannelTypeSession {
		return s.rejectOpen(m.SenderChannel, wire.OpenAdministrativelyProhibited, "no more sessions")
	}

	factory, ok := s.cfg.Factories[m.ChannelType]
	if !ok {
		return s.rejectOpen(m.SenderChannel, wire.OpenUnknownChannelType, "unknown channel type "+m.ChannelType)
	}

	localID := s.allocateID()
	ch := channel.New(channel.Kind(m.ChannelType), localID, m.SenderChannel,
		s.cfg.WindowSize, s.cfg.MaxPacket, m.InitialWindowSize, m.MaxPacketSize, s)

	if err := factory(ch, m.Data); err != nil {
		return s.rejectOpen(m.SenderChannel, wire.OpenConnectFailed, err.Error())
	}

	s.mu.Lock()
	s.channels[localID] = ch
	s.mu.Unlock()
	ch.MarkOpen()

	confirm := wire.ChannelOpenConfirmation{
		RecipientChannel:  m.SenderChannel,
		SenderChannel:     localID,
		InitialWindowSize: s.cfg.WindowSize,
		MaxPacketSize:     s.cfg.MaxPacket,
	}
	return s.t.WritePacket(confirm.Marshal())
}

func (s *Service) rejectOpen(recipient, reason uint32, msg string) error {
	fail := wire.ChannelOpenFailure{RecipientChannel: recipient, ReasonCode: reason, Description: msg}
	return s.t.WritePacket(fail.Marshal())
}

// SendPacket implements channel.Sender: every Channel created by this
// Service writes through the same Transport.
func (s *Service) SendPacket(payload []byte) error {
	return s.t.WritePacket(payload)
}

func (s *Service) handleGlobalRequest(payload []byte) error {
	var m wire.GlobalRequest
	if err := m.Unmarshal(payload); err != nil {
		return err
	}

	switch m.Type_ {
	case wire.GlobalRequestTCPIPForward:
		return s.handleTCPIPForward(m)
	case wire.GlobalRequestCancelTCPIPForward:
		return s.handleCancelTCPIPForward(m)
	case wire.GlobalRequestNoMoreSessions:
		s.mu.Lock()
		s.noMoreSessions = true
		s.mu.Unlock()
		return nil
	default:
		if m.WantReply {
			return s.t.WritePacket([]byte{wire.MsgRequestFailure})
		}
		return nil
	}
}

func (s *Service) handleTCPIPForward(m wire.GlobalRequest) error {
	var req wire.TCPIPForwardPayload
	if err := req.Unmarshal(m.Data); err != nil {
		return err
	}
	if s.cfg.Forwarding == nil {
		if m.WantReply {
			return s.t.WritePacket([]byte{wire.MsgRequestFailure})
		}
		return nil
	}
	port, err := s.cfg.Forwarding.Listen(s.cfg.Username, req.AddressToBind, req.PortToBind)
	if err != nil {
		if m.WantReply {
			return s.t.WritePacket([]byte{wire.MsgRequestFailure})
		}
		return nil
	}
	if !m.WantReply {
		return nil
	}
	b := buffer.NewWriter()
	b.WriteUint8(wire.MsgRequestSuccess)
	b.WriteUint32(port)
	return s.t.WritePacket(b.Bytes())
}

func (s *Service) handleCancelTCPIPForward(m wire.GlobalRequest) error {
	var req wire.TCPIPForwardPayload
	if err := req.Unmarshal(m.Data); err != nil {
		return err
	}
	var err error
	if s.cfg.Forwarding != nil {
		err = s.cfg.Forwarding.Cancel(req.AddressToBind, req.PortToBind)
	}
	if !m.WantReply {
		return nil
	}
	if err != nil {
		return s.t.WritePacket([]byte{wire.MsgRequestFailure})
	}
	return s.t.WritePacket([]byte{wire.MsgRequestSuccess})
}

// OpenChannel originates an outbound channel open (used for
// forwarded-tcpip, where the server is the initiator per RFC 4254 §7.2).
func (s *Service) OpenChannel(channelType string, extra []byte, factory ChannelFactory) error {
	localID := s.allocateID()
	open := wire.ChannelOpen{
		ChannelType:       channelType,
		SenderChannel:     localID,
		InitialWindowSize: s.cfg.WindowSize,
		MaxPacketSize:     s.cfg.MaxPacket,
		Data:              extra,
	}
	// The confirmation/failure for this open arrives as an ordinary
	// inbound packet; since the core never needs to correlate it with a
	// waiting caller (forwarded-tcpip channels are fire-and-forget from
	// the multiplexer's point of view once the factory wires the
	// relay), we register the channel optimistically and let
	// HandleClose/HandleOpenFailure tear it down if the peer refuses.
	ch := channel.New(channel.Kind(channelType), localID, 0, s.cfg.WindowSize, s.cfg.MaxPacket, 0, 0, s)
	if err := factory(ch, extra); err != nil {
		return err
	}
	s.mu.Lock()
	s.channels[localID] = ch
	s.mu.Unlock()
	return s.t.WritePacket(open.Marshal())
}

func (s *Service) closeAll() {
	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[uint32]*channel.Channel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if s.cfg.Forwarding != nil {
		s.cfg.Forwarding.CloseAll()
	}
}
