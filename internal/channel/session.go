package channel

import (
	"fmt"
	"io"
	"sync"

	"github.com/nodeforge/sshd/internal/buffer"
	"github.com/nodeforge/sshd/internal/command"
	"github.com/nodeforge/sshd/internal/wire"
)

// SessionChannel wires the "session" channel-request set (spec §4.5: env,
// pty-req, shell, exec, subsystem, window-change) onto a Channel, and
// relays the running Command's exit back to the peer as exit-status or
// exit-signal.
type SessionChannel struct {
	ch         *Channel
	factory    command.Factory
	subsystems map[string]command.Factory

	mu        sync.Mutex
	env       map[string]string
	ptyWanted bool
	started   bool
	cmd       command.Command
}

// NewSessionChannel registers the session request handlers on ch. factory
// builds Commands for "shell"/"exec"; subsystems maps a subsystem name
// (e.g. "sftp") to its own factory, consulted first for "subsystem"
// requests (spec §4.6: SFTP runs as a session-channel subsystem).
func NewSessionChannel(ch *Channel, factory command.Factory, subsystems map[string]command.Factory) *SessionChannel {
	sc := &SessionChannel{ch: ch, factory: factory, subsystems: subsystems, env: map[string]string{}}

	ch.RegisterRequestHandler(wire.ChannelRequestEnv, sc.handleEnv)
	ch.RegisterRequestHandler(wire.ChannelRequestPTY, sc.handlePTY)
	ch.RegisterRequestHandler(wire.ChannelRequestShell, sc.handleShell)
	ch.RegisterRequestHandler(wire.ChannelRequestExec, sc.handleExec)
	ch.RegisterRequestHandler(wire.ChannelRequestSubsystem, sc.handleSubsystem)
	ch.RegisterRequestHandler(wire.ChannelRequestWindowChange, sc.handleWindowChange)
	ch.RegisterRequestHandler(wire.ChannelRequestSignal, sc.handleSignal)
	ch.RegisterRequestHandler(wire.ChannelRequestX11Forwarding, sc.handleX11Forwarding)

	ch.SetOnClose(func() error {
		sc.mu.Lock()
		cmd := sc.cmd
		sc.mu.Unlock()
		if cmd != nil {
			return cmd.Destroy()
		}
		return nil
	})

	return sc
}

func (sc *SessionChannel) handleEnv(data []byte, _ bool) (bool, error) {
	b := buffer.New(data)
	name, err := b.ReadUTF8()
	if err != nil {
		return false, err
	}
	value, err := b.ReadUTF8()
	if err != nil {
		return false, err
	}
	sc.mu.Lock()
	sc.env[name] = value
	sc.mu.Unlock()
	return true, nil
}

func (sc *SessionChannel) handlePTY(data []byte, _ bool) (bool, error) {
	var p wire.PTYRequestPayload
	if err := p.Unmarshal(data); err != nil {
		return false, err
	}
	// pty-req always precedes the shell/exec/subsystem request it applies
	// to (RFC 4254 §6.2); stash it so start() can tell the Command via
	// command.PTYSettable before launching it. window-change requests
	// arrive later, once the command is running, via command.PTYResizer.
	sc.mu.Lock()
	sc.ptyWanted = true
	sc.mu.Unlock()
	return true, nil
}

func (sc *SessionChannel) handleShell(_ []byte, _ bool) (bool, error) {
	return sc.start(sc.factory, "")
}

func (sc *SessionChannel) handleExec(data []byte, _ bool) (bool, error) {
	b := buffer.New(data)
	cmdLine, err := b.ReadUTF8()
	if err != nil {
		return false, err
	}
	return sc.start(sc.factory, cmdLine)
}

func (sc *SessionChannel) handleSubsystem(data []byte, _ bool) (bool, error) {
	b := buffer.New(data)
	name, err := b.ReadUTF8()
	if err != nil {
		return false, err
	}
	factory, ok := sc.subsystems[name]
	if !ok {
		return false, fmt.Errorf("channel: unknown subsystem %q", name)
	}
	return sc.start(factory, name)
}

func (sc *SessionChannel) handleWindowChange(data []byte, _ bool) (bool, error) {
	var wc wire.WindowChangePayload
	if err := wc.Unmarshal(data); err != nil {
		return false, err
	}
	sc.mu.Lock()
	cmd := sc.cmd
	sc.mu.Unlock()
	if cmd == nil {
		return true, nil
	}
	if resizer, ok := cmd.(command.PTYResizer); ok {
		return resizer.Resize(wc.Width, wc.Height, wc.PixWidth, wc.PixHeight) == nil, nil
	}
	return true, nil
}

// handleSignal delivers an inbound "signal" channel-request (RFC 4254
// §6.9) to the running Command when it implements command.Signaler;
// Commands that don't simply ignore it (not every embedder's Command can
// forward a POSIX signal, e.g. a container exec without a local pid).
func (sc *SessionChannel) handleSignal(data []byte, _ bool) (bool, error) {
	var p wire.SignalRequestPayload
	if err := p.Unmarshal(data); err != nil {
		return false, err
	}
	sc.mu.Lock()
	cmd := sc.cmd
	sc.mu.Unlock()
	if cmd == nil {
		return true, nil
	}
	if signaler, ok := cmd.(command.Signaler); ok {
		return signaler.Signal(p.SignalName) == nil, nil
	}
	return true, nil
}

// handleX11Forwarding parses an inbound "x11-req" so it round-trips at the
// wire level, then always declines it: X11 forwarding is a Non-goal
// (spec.md Non-goals), but the original implementation parses-then-
// declines rather than tearing down the channel, and this preserves that
// observable distinction (SPEC_FULL.md §6.3).
func (sc *SessionChannel) handleX11Forwarding(data []byte, _ bool) (bool, error) {
	var p wire.X11ForwardingPayload
	if err := p.Unmarshal(data); err != nil {
		return false, err
	}
	return false, nil
}

// start launches one Command (for shell/exec/subsystem, each session
// channel runs at most one) and wires it as the channel's sync-mode stream
// (spec §4.5): the Command's real stdout/stderr pipes become the channel's
// outbound sources, and inbound channel data is written to the Command's
// stdin.
func (sc *SessionChannel) start(factory command.Factory, arg string) (bool, error) {
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return false, fmt.Errorf("channel: session already has a running command")
	}
	sc.started = true
	sc.mu.Unlock()

	if factory == nil {
		return false, fmt.Errorf("channel: no command factory registered")
	}
	cmd, err := factory.Create(arg)
	if err != nil {
		return false, err
	}
	sc.mu.Lock()
	ptyWanted := sc.ptyWanted
	sc.mu.Unlock()
	if settable, ok := cmd.(command.PTYSettable); ok {
		settable.SetPTY(ptyWanted)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	cmd.SetStdin(stdinR)
	cmd.SetStdout(stdoutW)
	cmd.SetStderr(stderrW)
	cmd.SetExitCallback(func(code int, signal string) {
		if signal != "" {
			payload := wire.ExitSignalPayload{SignalName: signal}
			_ = sc.ch.SendRequest(wire.ChannelRequestExitSignal, false, payload.Marshal())
		} else {
			payload := wire.ExitStatusPayload{Code: uint32(code)}
			_ = sc.ch.SendRequest(wire.ChannelRequestExitStatus, false, payload.Marshal())
		}
		_ = sc.ch.SendEOF()
		sc.ch.Close()
	})

	// Inbound channel DATA is written to the command's stdin; outbound
	// data is pumped from the command's stdout (plain) and stderr
	// (extended, type 1).
	sc.ch.BindStdio(stdoutR, stdinW, discardWriteCloser{})

	env := sc.snapshotEnv()
	if err := cmd.Start(env); err != nil {
		return false, err
	}
	sc.mu.Lock()
	sc.cmd = cmd
	sc.mu.Unlock()

	sc.ch.StartOutboundPump()
	sc.ch.StartExtendedOutboundPump(stderrR, wire.ExtendedDataStderr)
	return true, nil
}

func (sc *SessionChannel) snapshotEnv() map[string]string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make(map[string]string, len(sc.env))
	for k, v := range sc.env {
		out[k] = v
	}
	return out
}

// discardWriteCloser satisfies io.WriteCloser for the stderr sink of a
// channel that receives no inbound extended data (session channels never
// receive stderr from the peer).
type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }
