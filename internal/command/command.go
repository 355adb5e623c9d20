// Package command declares the embedder-facing CommandFactory/Command
// contract spec §1/§6 carves out of the core: shell process spawning is
// "deliberately out of scope", exposed to the session channel only through
// this narrow interface. internal/shell provides the reference
// implementation (a local PTY-backed shell); embedders substitute their own
// (e.g. a container exec, per internal/docker's executor idiom in the
// teacher repo, adapted — see internal/shell's doc comment).
package command

import "io"

// Factory creates a Command for one channel-request ("shell" with no
// arguments, "exec" with a command line, or "subsystem" with a name).
type Factory interface {
	Create(commandLine string) (Command, error)
}

// ExitCallback reports how a Command ended: code is the process exit code
// (valid when signal == ""); signal names the terminating signal
// otherwise, mirroring the exit-status/exit-signal channel-request split
// (spec §4.5).
type ExitCallback func(code int, signal string)

// Command is one running (or about-to-run) shell/exec/subsystem process.
// The session channel wires its stdio to the channel's streams before
// calling Start.
type Command interface {
	SetStdin(r io.Reader)
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
	SetExitCallback(cb ExitCallback)

	// Start launches the command. env is the set of "env" channel-requests
	// accumulated before shell/exec/subsystem.
	Start(env map[string]string) error

	// Destroy forcibly terminates the command and releases its resources.
	Destroy() error
}

// PTYResizer is implemented by Commands that support "window-change"
// channel-requests (i.e. ones started with a pty-req).
type PTYResizer interface {
	Resize(cols, rows, widthPx, heightPx uint32) error
}

// PTYSettable is implemented by Commands that care whether the channel
// saw a "pty-req" before the shell/exec/subsystem request that follows it.
// The session channel calls SetPTY before Start when this interface is
// present; Commands that never allocate a pseudo-terminal simply omit it.
type PTYSettable interface {
	SetPTY(requested bool)
}

// Signaler is implemented by Commands that can deliver a POSIX signal to
// their underlying process on an inbound "signal" channel-request (RFC
// 4254 §6.9, SPEC_FULL.md §6.3). name is the RFC 4254 signal name without
// its "SIG" prefix (e.g. "TERM", "KILL"). Commands that can't signal their
// process simply omit this interface; the request is then a no-op.
type Signaler interface {
	Signal(name string) error
}
