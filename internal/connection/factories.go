package connection

import (
	"net"
	"strconv"

	"github.com/nodeforge/sshd/internal/channel"
	"github.com/nodeforge/sshd/internal/wire"
)

// DirectTCPIPFactory builds a ChannelFactory for "direct-tcpip" opens
// (spec §4.5): it dials the requested host:port and relays bytes,
// rejecting the dial (and hence the open) through fwd's Filter. username is
// the session's authenticated user, passed through to the filter as the
// "session" half of ForwardingFilter(session, source, target).
func DirectTCPIPFactory(username string, fwd interface {
	CanConnect(user, host string, port uint32) bool
}) ChannelFactory {
	return func(ch *channel.Channel, openPayload []byte) error {
		var req wire.DirectTCPIPPayload
		if err := req.Unmarshal(openPayload); err != nil {
			return err
		}
		if fwd != nil && !fwd.CanConnect(username, req.HostToConnect, req.PortToConnect) {
			return errForbidden
		}
		conn, err := net.Dial("tcp", net.JoinHostPort(req.HostToConnect, strconv.Itoa(int(req.PortToConnect))))
		if err != nil {
			return err
		}
		channel.BindTCPIP(ch, conn)
		return nil
	}
}

var errForbidden = forbiddenErr{}

type forbiddenErr struct{}

func (forbiddenErr) Error() string { return "connection: direct-tcpip connect not permitted" }

// ForwardedTCPIPFactory returns a forwarding.ConnHandler that opens a
// "forwarded-tcpip" channel back to the peer for each connection accepted
// on a remote-forwarded listener (RFC 4254 §7.2), relaying bytes once the
// channel is confirmed.
func ForwardedTCPIPFactory(svc *Service) func(conn net.Conn, boundAddr string, boundPort uint32) {
	return func(conn net.Conn, boundAddr string, boundPort uint32) {
		host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			_ = conn.Close()
			return
		}
		port, _ := strconv.Atoi(portStr)

		payload := wire.ForwardedTCPIPPayload{
			BoundAddr:      boundAddr,
			BoundPort:      boundPort,
			OriginatorAddr: host,
			OriginatorPort: uint32(port),
		}

		err = svc.OpenChannel(wire.ChannelTypeForwardedTCPIP, payload.Marshal(), func(ch *channel.Channel, _ []byte) error {
			channel.BindTCPIP(ch, conn)
			return nil
		})
		if err != nil {
			_ = conn.Close()
		}
	}
}
