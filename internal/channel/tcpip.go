package channel

import (
	"io"
	"net"
)

// BindTCPIP wires a Channel (already opened as "direct-tcpip" or
// "forwarded-tcpip") to a live net.Conn: channel DATA becomes writes to
// conn, and conn reads become outbound channel DATA, exactly like
// tunnel.forwardConn's bidirectional-copy idiom in the teacher repo, but
// routed through the Channel's window-gated streams instead of a bare
// io.Copy pair.
func BindTCPIP(c *Channel, conn net.Conn) {
	pr, pw := io.Pipe()
	c.BindStdio(pr, connWriteCloser{conn}, discardWriteCloser{})

	go func() {
		defer pw.Close()
		_, _ = io.Copy(pw, conn)
	}()

	c.StartOutboundPump()

	c.SetOnClose(func() error {
		return conn.Close()
	})
}

// connWriteCloser adapts a net.Conn's Write half (inbound channel DATA
// destined for the TCP peer) to io.WriteCloser without closing the read
// half of the connection when the channel's stdout side closes.
type connWriteCloser struct{ conn net.Conn }

func (c connWriteCloser) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c connWriteCloser) Close() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
