// Package channel implements the abstract multiplexed channel named in spec
// §3.2/§4.5: local/remote ids and windows, the OPENING/OPEN/CLOSING/CLOSED
// state machine, request dispatch, and the close-future composed from
// internal/closer's algebra. Per spec §9's "deep inheritance → tagged
// variants" redesign flag, there is one Channel struct; session,
// direct-tcpip and forwarded-tcpip differences live in the Kind field and
// in the request handlers a caller registers, not in a subclass hierarchy.
//
// Grounded on massiveart-go.crypto/ssh/common.go's channel bookkeeping
// shape (window type, open/close sequencing) generalized to the full
// lifecycle spec'd here, and internal/tunnel/server.go's forwardConn for
// the bidirectional-copy idiom the sync stream pumps use.
package channel

import (
	"context"
	"io"
	"sync"

	"github.com/nodeforge/sshd/internal/closer"
	"github.com/nodeforge/sshd/internal/wire"
	"github.com/nodeforge/sshd/internal/window"
)

// Kind distinguishes the channel variants named in spec §4.5. It replaces
// the teacher-style AbstractChannel subclass hierarchy with a plain tag.
type Kind string

const (
	KindSession        Kind = wire.ChannelTypeSession
	KindDirectTCPIP    Kind = wire.ChannelTypeDirectTCPIP
	KindForwardedTCPIP Kind = wire.ChannelTypeForwardedTCPIP
)

// State is one of the four channel lifecycle phases (spec §3.2).
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// Sender is the narrow contract a Channel needs from its owning connection
// multiplexer: write one already-framed SSH payload to the peer.
type Sender interface {
	SendPacket(payload []byte) error
}

// RequestHandler answers one SSH_MSG_CHANNEL_REQUEST. ok selects
// CHANNEL_SUCCESS/CHANNEL_FAILURE when wantReply is true; err is logged and
// always implies failure.
type RequestHandler func(data []byte, wantReply bool) (ok bool, err error)

// Channel is the single concrete type backing every channel variant (spec
// §9). Kind-specific behavior is supplied by the caller at construction
// (request handlers, stdio wiring) rather than by subclassing.
type Channel struct {
	mu sync.Mutex

	LocalID  uint32
	RemoteID uint32
	Kind     Kind

	// LocalWindow is the peer's sending credit to us; RemoteWindow is our
	// sending credit to the peer (spec §3.2).
	LocalWindow  *window.Window
	RemoteWindow *window.Window

	// maxPacket is the peer-declared maximum packet size; outbound data is
	// chunked to this size (spec §4.4).
	maxPacket uint32

	state State

	sender Sender

	// CloseFuture resolves once the CLOSE exchange has completed and
	// streams have quiesced (spec §3.2).
	CloseFuture *closer.Future
	closeOnce   sync.Once

	eofSent     bool
	eofReceived bool
	closeSent   bool

	stdout io.WriteCloser // receives inbound CHANNEL_DATA
	stderr io.WriteCloser // receives inbound CHANNEL_EXTENDED_DATA (stderr)
	stdin  io.Reader      // pumped outbound as CHANNEL_DATA

	pumpDone chan struct{}

	requestHandlers map[string]RequestHandler

	// onClose, if set, runs additional teardown (e.g. closing a dialed
	// direct-tcpip socket) as part of the channel's close-future.
	onClose func() error
}

// New constructs a Channel in the OPENING state. localID/remoteID follow
// spec §3.2's naming: local is this side's identifier, remote is the
// recipient (peer's) identifier used when addressing outbound messages.
func New(kind Kind, localID, remoteID uint32, localWindowSize, localMaxPacket, remoteWindowSize, remoteMaxPacket uint32, sender Sender) *Channel {
	return &Channel{
		Kind:            kind,
		LocalID:         localID,
		RemoteID:        remoteID,
		LocalWindow:     window.New(localWindowSize, localMaxPacket),
		RemoteWindow:    window.New(remoteWindowSize, remoteMaxPacket),
		maxPacket:       remoteMaxPacket,
		sender:          sender,
		state:           StateOpening,
		CloseFuture:     closer.NewFuture(),
		requestHandlers: map[string]RequestHandler{},
	}
}

// State reports the channel's current lifecycle phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkOpen transitions OPENING -> OPEN, called once the open handshake
// (OPEN_CONFIRMATION sent, or received for the opener side) completes.
func (c *Channel) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpening {
		c.state = StateOpen
	}
}

// RegisterRequestHandler installs the handler for one channel-request type
// (spec §4.5: "request handlers registered per instance").
func (c *Channel) RegisterRequestHandler(requestType string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[requestType] = h
}

// SetOnClose installs an extra teardown step folded into the channel's
// close-future (e.g. closing a direct-tcpip socket).
func (c *Channel) SetOnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// BindStdio wires the channel's network-facing data to embedder-supplied
// streams for "sync" mode (spec §4.5): stdout/stderr receive inbound
// bytes, stdin is pumped out as outbound CHANNEL_DATA until EOF.
func (c *Channel) BindStdio(stdin io.Reader, stdout, stderr io.WriteCloser) {
	c.mu.Lock()
	c.stdin, c.stdout, c.stderr = stdin, stdout, stderr
	c.mu.Unlock()
}

// StartOutboundPump begins copying c.stdin to the peer as CHANNEL_DATA,
// chunked to the negotiated max packet size and gated on RemoteWindow
// credit (spec §4.4). It returns immediately; pumpDone is closed when the
// pump exits. Safe to call once per channel.
func (c *Channel) StartOutboundPump() {
	c.mu.Lock()
	stdin := c.stdin
	if stdin == nil || c.pumpDone != nil {
		c.mu.Unlock()
		return
	}
	c.pumpDone = make(chan struct{})
	done := c.pumpDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stdin.Read(buf)
			if n > 0 {
				if werr := c.writeData(buf[:n]); werr != nil {
					return
				}
			}
			if rerr != nil {
				_ = c.SendEOF()
				return
			}
		}
	}()
}

// StartExtendedOutboundPump copies r to the peer as CHANNEL_EXTENDED_DATA
// of the given type (stderr for session channels), the same window-gated
// way StartOutboundPump handles plain data — RFC 4254 §5.2 shares one
// window between DATA and EXTENDED_DATA on a channel.
func (c *Channel) StartExtendedOutboundPump(r io.Reader, dataType uint32) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				if werr := c.writeExtendedData(dataType, buf[:n]); werr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	}()
}

func (c *Channel) writeExtendedData(dataType uint32, p []byte) error {
	for len(p) > 0 {
		c.mu.Lock()
		maxPkt := c.maxPacket
		remoteID := c.RemoteID
		c.mu.Unlock()
		if maxPkt == 0 || maxPkt > 32*1024 {
			maxPkt = 32 * 1024
		}
		n := uint32(len(p))
		if n > maxPkt {
			n = maxPkt
		}
		if err := c.RemoteWindow.Consume(context.Background(), n); err != nil {
			return err
		}
		msg := wire.ChannelExtendedData{RecipientChannel: remoteID, DataType: dataType, Data: p[:n]}
		if err := c.sender.SendPacket(msg.Marshal()); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// writeData chunks p to the negotiated max packet size and blocks on
// RemoteWindow credit for each chunk (spec §4.4's outbound flow control).
func (c *Channel) writeData(p []byte) error {
	for len(p) > 0 {
		c.mu.Lock()
		maxPkt := c.maxPacket
		remoteID := c.RemoteID
		c.mu.Unlock()
		if maxPkt == 0 || maxPkt > 32*1024 {
			maxPkt = 32 * 1024
		}
		n := uint32(len(p))
		if n > maxPkt {
			n = maxPkt
		}
		if err := c.RemoteWindow.Consume(context.Background(), n); err != nil {
			return err
		}
		msg := wire.ChannelData{RecipientChannel: remoteID, Data: p[:n]}
		if err := c.sender.SendPacket(msg.Marshal()); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// HandleData processes inbound SSH_MSG_CHANNEL_DATA: debits the local
// window, forwards the bytes to stdout, and emits WINDOW_ADJUST once
// outstanding credit falls below half the initial window (spec §4.4).
func (c *Channel) HandleData(data []byte) error {
	adjust, send, err := c.LocalWindow.ConsumeAndCheck(uint32(len(data)))
	if err != nil {
		return &wire.FlowError{Message: "local window underflow", Err: err}
	}
	c.mu.Lock()
	stdout := c.stdout
	c.mu.Unlock()
	if stdout != nil {
		if _, err := stdout.Write(data); err != nil {
			return &wire.IOError{Message: "channel stdout write failed", Err: err}
		}
	}
	if send {
		return c.sendWindowAdjust(adjust)
	}
	return nil
}

// HandleExtendedData processes inbound SSH_MSG_CHANNEL_EXTENDED_DATA
// (stderr for session channels).
func (c *Channel) HandleExtendedData(dataType uint32, data []byte) error {
	adjust, send, err := c.LocalWindow.ConsumeAndCheck(uint32(len(data)))
	if err != nil {
		return &wire.FlowError{Message: "local window underflow", Err: err}
	}
	if dataType == wire.ExtendedDataStderr {
		c.mu.Lock()
		stderr := c.stderr
		c.mu.Unlock()
		if stderr != nil {
			if _, err := stderr.Write(data); err != nil {
				return &wire.IOError{Message: "channel stderr write failed", Err: err}
			}
		}
	}
	if send {
		return c.sendWindowAdjust(adjust)
	}
	return nil
}

func (c *Channel) sendWindowAdjust(n uint32) error {
	c.mu.Lock()
	remoteID := c.RemoteID
	c.mu.Unlock()
	msg := wire.ChannelWindowAdjust{RecipientChannel: remoteID, BytesToAdd: n}
	return c.sender.SendPacket(msg.Marshal())
}

// HandleWindowAdjust processes an inbound SSH_MSG_CHANNEL_WINDOW_ADJUST,
// expanding our credit to send on RemoteWindow.
func (c *Channel) HandleWindowAdjust(n uint32) {
	c.RemoteWindow.Expand(n)
}

// SendEOF sends SSH_MSG_CHANNEL_EOF exactly once.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	if c.eofSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	remoteID := c.RemoteID
	c.mu.Unlock()
	msg := wire.ChannelEOF{RecipientChannel: remoteID}
	return c.sender.SendPacket(msg.Marshal())
}

// HandleEOF processes an inbound SSH_MSG_CHANNEL_EOF: closes the stdout
// sink for writes so downstream readers see end-of-stream.
func (c *Channel) HandleEOF() error {
	c.mu.Lock()
	c.eofReceived = true
	stdout := c.stdout
	c.mu.Unlock()
	if stdout != nil {
		return stdout.Close()
	}
	return nil
}

// SendRequest emits SSH_MSG_CHANNEL_REQUEST for requestType (used for
// server-initiated requests such as exit-status/exit-signal, spec §4.5).
func (c *Channel) SendRequest(requestType string, wantReply bool, data []byte) error {
	c.mu.Lock()
	remoteID := c.RemoteID
	c.mu.Unlock()
	msg := wire.ChannelRequest{RecipientChannel: remoteID, RequestType: requestType, WantReply: wantReply, Data: data}
	return c.sender.SendPacket(msg.Marshal())
}

// HandleRequest dispatches an inbound SSH_MSG_CHANNEL_REQUEST to the
// registered handler, replying CHANNEL_SUCCESS/CHANNEL_FAILURE if the peer
// asked for one.
func (c *Channel) HandleRequest(req wire.ChannelRequest) error {
	c.mu.Lock()
	h, ok := c.requestHandlers[req.RequestType]
	localID := c.LocalID
	c.mu.Unlock()

	if !ok {
		if req.WantReply {
			return c.sender.SendPacket((wire.ChannelFailure{RecipientChannel: c.remoteIDLocked()}).Marshal())
		}
		return nil
	}

	success, err := h(req.Data, req.WantReply)
	if err != nil {
		success = false
	}
	if !req.WantReply {
		return nil
	}
	if success {
		return c.sender.SendPacket((wire.ChannelSuccess{RecipientChannel: c.remoteIDLocked()}).Marshal())
	}
	_ = localID
	return c.sender.SendPacket((wire.ChannelFailure{RecipientChannel: c.remoteIDLocked()}).Marshal())
}

func (c *Channel) remoteIDLocked() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RemoteID
}

// Close runs the channel's close sequence idempotently (spec §8 property
// 3): the first call builds and runs the close-future; subsequent calls
// return that same future (resolved once the first call's sequence has
// finished) and perform no further I/O.
func (c *Channel) Close() *closer.Future {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()

		builder := closer.NewBuilder()
		builder.Run(func() error {
			c.LocalWindow.Close()
			c.RemoteWindow.Close()
			return nil
		})
		builder.Run(func() error {
			c.mu.Lock()
			stdout, stderr := c.stdout, c.stderr
			c.mu.Unlock()
			var err error
			if stdout != nil {
				err = stdout.Close()
			}
			if stderr != nil {
				if e := stderr.Close(); err == nil {
					err = e
				}
			}
			return err
		})
		if c.onClose != nil {
			builder.Run(c.onClose)
		}
		builder.Run(func() error {
			c.mu.Lock()
			already := c.closeSent
			c.closeSent = true
			remoteID := c.RemoteID
			c.mu.Unlock()
			if already {
				return nil
			}
			return c.sender.SendPacket((wire.ChannelClose{RecipientChannel: remoteID}).Marshal())
		})
		builder.Run(func() error {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return nil
		})

		fut := closer.RunCloseFuture(builder.Build())
		go func() {
			<-fut.Chan()
			c.CloseFuture.Complete(fut.Verify(0))
		}()
	})
	return c.CloseFuture
}

// HandleClose processes an inbound SSH_MSG_CHANNEL_CLOSE: per spec §4.4,
// complete pending I/O, send our own CLOSE if we have not already, and mark
// CLOSED.
func (c *Channel) HandleClose() {
	c.Close()
}

