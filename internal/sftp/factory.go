package sftp

import (
	"io"
	"sync"

	"github.com/nodeforge/sshd/internal/command"
)

// Factory is a command.Factory that runs an SFTP Server over the session
// channel's stdio pipes, letting the "sftp" subsystem reuse the exact same
// session-channel plumbing as "shell"/"exec" (spec §4.6: SFTP is embedded
// as an ordinary subsystem, not a separate channel type).
type Factory struct {
	Config Config
}

func (f Factory) Create(_ string) (command.Command, error) {
	return &subsystemCommand{srv: NewServer(f.Config)}, nil
}

type subsystemCommand struct {
	srv    *Server
	mu     sync.Mutex
	stdin  io.Reader
	stdout io.Writer
	exitCB command.ExitCallback
	once   sync.Once
}

func (c *subsystemCommand) SetStdin(r io.Reader)  { c.mu.Lock(); c.stdin = r; c.mu.Unlock() }
func (c *subsystemCommand) SetStdout(w io.Writer) { c.mu.Lock(); c.stdout = w; c.mu.Unlock() }
func (c *subsystemCommand) SetStderr(io.Writer)   {}
func (c *subsystemCommand) SetExitCallback(cb command.ExitCallback) {
	c.mu.Lock()
	c.exitCB = cb
	c.mu.Unlock()
}

func (c *subsystemCommand) Start(map[string]string) error {
	c.mu.Lock()
	stdin, stdout := c.stdin, c.stdout
	c.mu.Unlock()

	go func() {
		err := c.srv.Serve(stdin, stdout)
		c.mu.Lock()
		cb := c.exitCB
		c.mu.Unlock()
		if cb == nil {
			return
		}
		if err != nil {
			cb(1, "")
			return
		}
		cb(0, "")
	}()
	return nil
}

func (c *subsystemCommand) Destroy() error {
	c.once.Do(func() {
		c.srv.handles.closeAll()
	})
	return nil
}
