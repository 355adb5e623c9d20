// Package forwarding implements the tcpip-forward / cancel-tcpip-forward /
// forwarded-tcpip side of the connection-service channel multiplexer (spec
// §4.4-4.5, RFC 4254 §7), including the embedder-facing ForwardingFilter
// predicate (spec §1/§6: accepting or rejecting a forwarding request is
// deliberately left to the embedder, not baked into the core).
//
// The listener bookkeeping is adapted from the teacher's tunnel.PortPool
// (internal/tunnel/portpool.go): that pool tracked one pre-agreed local/
// tunnel port pair per remote server. Here there is no persisted
// server-identity concept — a client can ask to bind any address:port (or
// port 0 for "pick one") at any point in the session — so the pool
// collapses to an address:port-keyed listener table with dynamic
// open/cancel instead of load-at-startup persistence.
package forwarding

import (
	"fmt"
	"net"
	"sync"
)

// Filter is the embedder-facing ForwardingFilter predicate (spec §1/§6):
// it decides whether a given user may bind a remote listening port
// (tcpip-forward) or connect out to a given host:port (direct-tcpip).
// A nil Filter permits everything.
type Filter interface {
	CanListen(user, bindAddr string, bindPort uint32) bool
	CanConnect(user, host string, port uint32) bool
}

// AllowAll is the zero-configuration Filter that accepts every request.
type AllowAll struct{}

func (AllowAll) CanListen(string, string, uint32) bool  { return true }
func (AllowAll) CanConnect(string, string, uint32) bool { return true }

// ConnHandler receives one inbound TCP connection accepted on a forwarded
// listener and is responsible for opening the matching "forwarded-tcpip"
// channel back to the peer and relaying bytes. The connection-service
// multiplexer supplies this.
type ConnHandler func(conn net.Conn, boundAddr string, boundPort uint32)

// Manager tracks the set of remote-forwarded listeners opened by
// tcpip-forward requests on one session, and dispatches accepted
// connections to handler.
type Manager struct {
	mu        sync.Mutex
	listeners map[string]*forwardedListener
	filter    Filter
	handler   ConnHandler
}

type forwardedListener struct {
	ln   net.Listener
	addr string
	port uint32
	done chan struct{}
}

// NewManager constructs a Manager. If filter is nil, AllowAll is used.
func NewManager(filter Filter, handler ConnHandler) *Manager {
	if filter == nil {
		filter = AllowAll{}
	}
	return &Manager{listeners: make(map[string]*forwardedListener), filter: filter, handler: handler}
}

// Listen services a "tcpip-forward" global request: it binds addr:port (or
// lets the OS pick a port when port == 0) and starts accepting connections
// in the background. Returns the actually-bound port (needed for the
// GlobalRequest reply when the client asked for port 0).
func (m *Manager) Listen(user, addr string, port uint32) (uint32, error) {
	if !m.filter.CanListen(user, addr, port) {
		return 0, fmt.Errorf("forwarding: listen on %s:%d not permitted", addr, port)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return 0, err
	}
	boundPort := uint32(ln.Addr().(*net.TCPAddr).Port)
	key := listenKey(addr, boundPort)

	fl := &forwardedListener{ln: ln, addr: addr, port: boundPort, done: make(chan struct{})}
	m.mu.Lock()
	m.listeners[key] = fl
	m.mu.Unlock()

	go m.accept(fl)
	return boundPort, nil
}

func (m *Manager) accept(fl *forwardedListener) {
	for {
		conn, err := fl.ln.Accept()
		if err != nil {
			select {
			case <-fl.done:
				return
			default:
			}
			return
		}
		if m.handler != nil {
			go m.handler(conn, fl.addr, fl.port)
		} else {
			_ = conn.Close()
		}
	}
}

// Cancel services a "cancel-tcpip-forward" global request, closing the
// matching listener. Returns an error if no such listener is open.
func (m *Manager) Cancel(addr string, port uint32) error {
	key := listenKey(addr, port)
	m.mu.Lock()
	fl, ok := m.listeners[key]
	if ok {
		delete(m.listeners, key)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("forwarding: no listener on %s:%d", addr, port)
	}
	close(fl.done)
	return fl.ln.Close()
}

// CloseAll tears down every listener opened on this session, called when
// the connection service shuts down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = make(map[string]*forwardedListener)
	m.mu.Unlock()

	for _, fl := range listeners {
		close(fl.done)
		_ = fl.ln.Close()
	}
}

// CanConnect exposes the direct-tcpip half of the filter to the connection
// service, which opens outbound TCP connections itself (no listener
// bookkeeping is needed for that direction).
func (m *Manager) CanConnect(user, host string, port uint32) bool {
	return m.filter.CanConnect(user, host, port)
}

func listenKey(addr string, port uint32) string {
	return fmt.Sprintf("%s:%d", addr, port)
}
