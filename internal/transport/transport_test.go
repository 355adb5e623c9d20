package transport

import (
	"bufio"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/sshd/internal/cipherstack"
	"github.com/nodeforge/sshd/internal/kex"
	"github.com/nodeforge/sshd/internal/wire"
)

// fakeHostKey is the minimal HostKeySigner a test server needs, mirroring
// internal/keys.Pair's narrow contract without its file-loading machinery.
type fakeHostKey struct {
	signer ssh.Signer
}

func newFakeHostKey(t *testing.T) *fakeHostKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return &fakeHostKey{signer: signer}
}

func (k *fakeHostKey) PublicKeyBlob() []byte { return k.signer.PublicKey().Marshal() }
func (k *fakeHostKey) Algorithm() string     { return cipherstack.HostKeyED25519 }
func (k *fakeHostKey) Sign(data []byte) ([]byte, error) {
	return cipherstack.Sign(k.signer, data)
}

// testClient replays the client half of the transport's handshake and
// rekey protocol by hand: its own codec state, its own curve25519
// responder-matching kex logic, reusing the unexported helpers transport.go
// itself uses (readVersionLine, firstCommon, maxInt, codecSide) since this
// file lives in the same package.
type testClient struct {
	conn net.Conn
	br   *bufio.Reader
	read, write codecSide

	clientVersion, serverVersion []byte
	sessionID                    []byte

	// kexMu serializes this harness's own writes (ordinary payloads vs. an
	// in-progress kex round) so the test never introduces a race of its
	// own on the thing standing in for the real SSH peer.
	kexMu sync.Mutex
}

func newTestClient(conn net.Conn) *testClient {
	return &testClient{conn: conn, br: bufio.NewReader(conn)}
}

func (c *testClient) exchangeVersions() error {
	c.clientVersion = []byte("SSH-2.0-testclient")
	if _, err := c.conn.Write(append(append([]byte(nil), c.clientVersion...), '\r', '\n')); err != nil {
		return err
	}
	line, err := readVersionLine(c.br)
	if err != nil {
		return err
	}
	c.serverVersion = []byte(line)
	return nil
}

func (c *testClient) readPacket() ([]byte, error) {
	return c.read.readPacket(c.br)
}

func (c *testClient) writePacketLocked(payload []byte) error {
	c.kexMu.Lock()
	defer c.kexMu.Unlock()
	return c.write.writePacket(c.conn, payload)
}

// loop drains every incoming packet, answering KEXINIT (initial or
// server-initiated rekey) transparently and handing everything else to
// onData, until the connection errors out.
func (c *testClient) loop(onData func([]byte)) error {
	for {
		payload, err := c.readPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case wire.MsgIgnore, wire.MsgDebug:
			continue
		case wire.MsgKexInit:
			if err := c.respondToKex(payload); err != nil {
				return err
			}
		default:
			onData(payload)
		}
	}
}

// respondToKex plays the client side of one key exchange in response to a
// peer KEXINIT already read off the wire, replicating
// internal/kex.curve25519Responder's exchange-hash computation (its
// hashString/hashMPInt helpers are unexported to package kex, so they are
// reimplemented locally here bit-for-bit) so the derived keys match what
// transport.go's finishKex computes on the server side.
func (c *testClient) respondToKex(peerInitBytes []byte) error {
	c.kexMu.Lock()
	defer c.kexMu.Unlock()

	var peerInit wire.KexInit
	if err := peerInit.Unmarshal(peerInitBytes); err != nil {
		return err
	}

	var cookie [16]byte
	_, _ = rand.Read(cookie[:])
	ourInit := wire.KexInit{
		Cookie:                    cookie,
		KexAlgorithms:             []string{kex.Curve25519},
		ServerHostKeyAlgorithms:   []string{cipherstack.HostKeyED25519},
		CiphersClientToServer:     cipherstack.DefaultCipherOrder,
		CiphersServerToClient:     cipherstack.DefaultCipherOrder,
		MACsClientToServer:        cipherstack.DefaultMACOrder,
		MACsServerToClient:        cipherstack.DefaultMACOrder,
		CompressionClientToServer: cipherstack.DefaultCompressionOrder,
		CompressionServerToClient: cipherstack.DefaultCompressionOrder,
	}
	ourBytes := ourInit.Marshal()
	if err := c.write.writePacket(c.conn, ourBytes); err != nil {
		return err
	}

	cipherCS, _ := firstCommon(peerInit.CiphersClientToServer, ourInit.CiphersClientToServer)
	cipherSC, _ := firstCommon(peerInit.CiphersServerToClient, ourInit.CiphersServerToClient)
	macCS, _ := firstCommon(peerInit.MACsClientToServer, ourInit.MACsClientToServer)
	macSC, _ := firstCommon(peerInit.MACsServerToClient, ourInit.MACsServerToClient)

	var clientPriv [32]byte
	if _, err := rand.Read(clientPriv[:]); err != nil {
		return err
	}
	clientPub, err := curve25519.X25519(clientPriv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	if err := c.write.writePacket(c.conn, (wire.KexDHInit{ClientPublic: clientPub}).Marshal()); err != nil {
		return err
	}

	replyPayload, err := c.readPacket()
	if err != nil {
		return err
	}
	var reply wire.KexDHReply
	if err := reply.Unmarshal(replyPayload); err != nil {
		return err
	}

	shared, err := curve25519.X25519(clientPriv[:], reply.ServerPublic)
	if err != nil {
		return err
	}

	h := sha256.New()
	hashStringLocal(h, c.clientVersion)
	hashStringLocal(h, c.serverVersion)
	hashStringLocal(h, ourBytes)      // our own KEXINIT == ClientKexInit
	hashStringLocal(h, peerInitBytes) // the server's KEXINIT == ServerKexInit
	hashStringLocal(h, reply.HostKey)
	hashStringLocal(h, clientPub)
	hashStringLocal(h, reply.ServerPublic)
	hashMPIntLocal(h, new(big.Int).SetBytes(shared))
	H := h.Sum(nil)

	if c.sessionID == nil {
		c.sessionID = H
	}

	csKeySize, _ := cipherstack.KeySize(cipherCS)
	scKeySize, _ := cipherstack.KeySize(cipherSC)
	csIVSize, _ := cipherstack.IVSize(cipherCS)
	scIVSize, _ := cipherstack.IVSize(cipherSC)
	csMACSize, _ := cipherstack.MACKeySize(macCS)
	scMACSize, _ := cipherstack.MACKeySize(macSC)

	keys := kex.DeriveKeys(crypto.SHA256, mpIntBytesLocal(new(big.Int).SetBytes(shared)), H, c.sessionID,
		maxInt(csIVSize, scIVSize), maxInt(csKeySize, scKeySize), maxInt(csMACSize, scMACSize))

	if err := c.write.resetKeys(cipherCS, macCS, cipherstack.CompressionNone,
		keys.ClientToServerKey[:csKeySize], keys.ClientToServerIV[:csIVSize], keys.ClientToServerMACKey[:csMACSize], false); err != nil {
		return err
	}
	if err := c.read.resetKeys(cipherSC, macSC, cipherstack.CompressionNone,
		keys.ServerToClientKey[:scKeySize], keys.ServerToClientIV[:scIVSize], keys.ServerToClientMACKey[:scMACSize], true); err != nil {
		return err
	}

	if err := c.write.writePacket(c.conn, (wire.NewKeys{}).Marshal()); err != nil {
		return err
	}
	peerNewKeys, err := c.readPacket()
	if err != nil {
		return err
	}
	if len(peerNewKeys) == 0 || peerNewKeys[0] != wire.MsgNewKeys {
		return errUnexpectedNewKeys
	}
	return nil
}

var errUnexpectedNewKeys = &wire.ProtocolError{Reason: wire.DisconnectProtocolError, Message: "test client: expected NEWKEYS"}

func hashStringLocal(h interface{ Write([]byte) (int, error) }, b []byte) {
	var length [4]byte
	length[0] = byte(len(b) >> 24)
	length[1] = byte(len(b) >> 16)
	length[2] = byte(len(b) >> 8)
	length[3] = byte(len(b))
	h.Write(length[:])
	h.Write(b)
}

func hashMPIntLocal(h interface{ Write([]byte) (int, error) }, n *big.Int) {
	hashStringLocal(h, mpIntBytesLocal(n))
}

func mpIntBytesLocal(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	b := n.Bytes()
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// TestServerInitiatedRekeyDoesNotRaceReadLoop drives WritePacket past a
// (lowered) rekey threshold while a concurrent ReadPacket loop is running,
// guarding against the data race a server-initiated rekey used to cause
// between the writer goroutine and connection.Service.Run's read loop.
func TestServerInitiatedRekeyDoesNotRaceReadLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- conn
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	var serverConn net.Conn
	select {
	case serverConn = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer serverConn.Close()

	client := newTestClient(clientConn)
	if err := client.exchangeVersions(); err != nil {
		t.Fatalf("client version exchange: %v", err)
	}

	hostKey := newFakeHostKey(t)
	serverCh := make(chan *Transport, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		tr, err := NewServer(serverConn, hostKey, zerolog.Nop())
		if err != nil {
			serverErrCh <- err
			return
		}
		serverCh <- tr
	}()

	peerInit, err := client.readPacket()
	if err != nil {
		t.Fatalf("client read server kexinit: %v", err)
	}
	if err := client.respondToKex(peerInit); err != nil {
		t.Fatalf("client initial kex: %v", err)
	}

	var tr *Transport
	select {
	case tr = <-serverCh:
	case err := <-serverErrCh:
		t.Fatalf("NewServer: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for NewServer")
	}

	// Force a rekey well inside the test's bounds instead of waiting for
	// the real 1 GiB/1 hour thresholds.
	tr.rekeyThresholdBytes = 4096

	const clientPackets = 50
	var received int64
	clientDone := make(chan error, 1)
	go func() {
		clientDone <- client.loop(func(payload []byte) {
			atomic.AddInt64(&received, 1)
		})
	}()

	go func() {
		for i := 0; i < clientPackets; i++ {
			if err := client.writePacketLocked([]byte{99, byte(i)}); err != nil {
				return
			}
		}
	}()

	readErrCh := make(chan error, 1)
	go func() {
		for i := 0; i < clientPackets; i++ {
			if _, err := tr.ReadPacket(); err != nil {
				readErrCh <- err
				return
			}
		}
		readErrCh <- nil
	}()

	// 40 payloads of 512 bytes each cross the 4096-byte threshold several
	// times over, forcing repeated server-initiated rekeys while the
	// ReadPacket loop above keeps draining client traffic concurrently.
	payload := make([]byte, 512)
	for i := 0; i < 40; i++ {
		if err := tr.WritePacket(payload); err != nil {
			t.Fatalf("WritePacket #%d: %v", i, err)
		}
	}

	select {
	case err := <-readErrCh:
		if err != nil {
			t.Fatalf("ReadPacket loop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ReadPacket loop")
	}

	if got := atomic.LoadInt64(&received); got != clientPackets {
		t.Fatalf("server received %d of %d client packets", got, clientPackets)
	}

	tr.Close()
	<-clientDone
}
