// Package shell is the reference command.Factory (internal/command): a
// local PTY-backed shell for "shell"/"exec" requests, adapted from
// internal/terminal's LocalSession (its PTY/bridge idiom, generalized from
// a hardwired WebSocket peer to the generic io.Reader/io.Writer the
// session channel hands in) plus a plain (no PTY) exec.Command path for
// requests that never sent pty-req.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/nodeforge/sshd/internal/command"
)

// Factory builds local shell/exec commands. Shell is the program run for
// bare "shell" requests (PATH-resolved if not absolute); Dir is the
// working directory new commands start in.
type Factory struct {
	Shell string
	Dir   string
}

// NewFactory returns a Factory defaulting Shell to $SHELL or /bin/sh.
func NewFactory() *Factory {
	sh := os.Getenv("SHELL")
	if sh == "" {
		sh = "/bin/sh"
	}
	return &Factory{Shell: sh}
}

// Create implements command.Factory. commandLine == "" means a bare
// "shell" request; otherwise it is the exec command line, run via
// "shell -c commandLine" like any interactive shell's non-interactive mode.
// Whether a pseudo-terminal is allocated is decided afterward: the session
// channel calls SetPTY (command.PTYSettable) before Start once it knows
// whether a pty-req preceded this request.
func (f *Factory) Create(commandLine string) (command.Command, error) {
	var cmd *exec.Cmd
	if commandLine == "" {
		cmd = exec.Command(f.Shell)
	} else {
		cmd = exec.Command(f.Shell, "-c", commandLine)
	}
	if f.Dir != "" {
		cmd.Dir = f.Dir
	}

	return &localCommand{cmd: cmd}, nil
}

// localCommand runs one process, either PTY-backed (terminal.LocalSession's
// bridging idiom) or plain (stdio pipes).
type localCommand struct {
	cmd  *exec.Cmd
	pty  bool
	ptmx *os.File

	mu      sync.Mutex
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	exitCB  command.ExitCallback
	started bool
	destroy sync.Once
}

func (c *localCommand) SetPTY(requested bool) { c.mu.Lock(); c.pty = requested; c.mu.Unlock() }
func (c *localCommand) SetStdin(r io.Reader)  { c.mu.Lock(); c.stdin = r; c.mu.Unlock() }
func (c *localCommand) SetStdout(w io.Writer) { c.mu.Lock(); c.stdout = w; c.mu.Unlock() }
func (c *localCommand) SetStderr(w io.Writer) { c.mu.Lock(); c.stderr = w; c.mu.Unlock() }
func (c *localCommand) SetExitCallback(cb command.ExitCallback) {
	c.mu.Lock()
	c.exitCB = cb
	c.mu.Unlock()
}

func (c *localCommand) Start(env map[string]string) error {
	c.mu.Lock()
	stdin, stdout, stderr := c.stdin, c.stdout, c.stderr
	c.mu.Unlock()

	c.cmd.Env = append(os.Environ(), envSlice(env)...)

	if c.pty {
		ptmx, err := pty.Start(c.cmd)
		if err != nil {
			return err
		}
		c.ptmx = ptmx
		go io.Copy(stdout, ptmx) //nolint:errcheck
		go io.Copy(ptmx, stdin)  //nolint:errcheck
	} else {
		c.cmd.Stdin = stdin
		c.cmd.Stdout = stdout
		c.cmd.Stderr = stderr
		if err := c.cmd.Start(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go c.wait()
	return nil
}

func (c *localCommand) wait() {
	err := c.cmd.Wait()
	if c.ptmx != nil {
		_ = c.ptmx.Close()
	}

	c.mu.Lock()
	cb := c.exitCB
	c.mu.Unlock()
	if cb == nil {
		return
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			cb(0, status.Signal().String())
			return
		}
		cb(exitErr.ExitCode(), "")
		return
	}
	if err != nil {
		cb(-1, "")
		return
	}
	cb(c.cmd.ProcessState.ExitCode(), "")
}

// Resize implements command.PTYResizer for PTY-backed commands.
func (c *localCommand) Resize(cols, rows, _, _ uint32) error {
	if c.ptmx == nil {
		return nil
	}
	return pty.Setsize(c.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Signal implements command.Signaler for the inbound "signal"
// channel-request (RFC 4254 §6.9, SPEC_FULL.md §6.3): name is the RFC 4254
// signal name without its "SIG" prefix (e.g. "TERM", "KILL").
func (c *localCommand) Signal(name string) error {
	sig, ok := signalByName[name]
	if !ok {
		return fmt.Errorf("shell: unknown signal %q", name)
	}
	c.mu.Lock()
	proc := c.cmd.Process
	c.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("shell: process not started")
	}
	return proc.Signal(sig)
}

var signalByName = map[string]syscall.Signal{
	"ABRT": syscall.SIGABRT,
	"ALRM": syscall.SIGALRM,
	"FPE":  syscall.SIGFPE,
	"HUP":  syscall.SIGHUP,
	"ILL":  syscall.SIGILL,
	"INT":  syscall.SIGINT,
	"KILL": syscall.SIGKILL,
	"PIPE": syscall.SIGPIPE,
	"QUIT": syscall.SIGQUIT,
	"SEGV": syscall.SIGSEGV,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

func (c *localCommand) Destroy() error {
	var err error
	c.destroy.Do(func() {
		if c.ptmx != nil {
			err = c.ptmx.Close()
		}
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
	return err
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
