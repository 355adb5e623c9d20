package transport

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/nodeforge/sshd/internal/cipherstack"
	"github.com/nodeforge/sshd/internal/closer"
	"github.com/nodeforge/sshd/internal/kex"
	"github.com/nodeforge/sshd/internal/wire"
)

// State is one of the phases in the transport's lifecycle (spec §4.2).
type State int

const (
	StateBanner State = iota
	StateKex
	StateNewKeys
	StateServiceRequest
	StateUserAuth
	StateConnection
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateBanner:
		return "BANNER"
	case StateKex:
		return "KEX"
	case StateNewKeys:
		return "NEWKEYS"
	case StateServiceRequest:
		return "SERVICE_REQUEST"
	case StateUserAuth:
		return "USERAUTH"
	case StateConnection:
		return "CONNECTION"
	default:
		return "CLOSING"
	}
}

// RekeyThresholdBytes is the default byte count after which the server
// initiates a rekey (RFC 4253 §9 recommends well under 2^32 blocks; 1 GiB
// is the conservative value this server defaults to, matching the
// tunnel package's preference for conservative, explicit constants).
const RekeyThresholdBytes = 1 << 30

// RekeyThresholdAge is the default elapsed time after which the server
// initiates a rekey regardless of byte count.
const RekeyThresholdAge = time.Hour

// HostKeySigner is the minimal contract Transport needs from a host key:
// sign the exchange hash and present the public key blob.
type HostKeySigner interface {
	PublicKeyBlob() []byte
	Algorithm() string
	Sign(data []byte) ([]byte, error)
}

// Transport drives one SSH connection's version exchange, key exchange,
// rekeying, and packet I/O. Userauth/connection-layer messages are
// delivered to callers via ReadPacket/WritePacket once NewServer has
// returned (State then reports StateServiceRequest; the transport itself
// never advances to StateUserAuth or StateConnection).
//
// Once the initial handshake in NewServer returns, t.br/t.read are owned
// exclusively by the background readLoop goroutine — the same discipline
// x/crypto/ssh's handshakeTransport uses to funnel every key exchange
// through one goroutine. ReadPacket and a server-initiated rekey
// (triggered from whatever goroutine happens to call WritePacket) both
// hand off to readLoop instead of touching t.br themselves, so a rekey
// firing mid-transfer can never race the connection-service dispatch
// loop's own read of the same codec state.
type Transport struct {
	conn net.Conn
	br   *bufio.Reader

	log zerolog.Logger

	hostKey HostKeySigner

	writeMu sync.Mutex
	state   State

	read  codecSide
	write codecSide

	sessionID []byte

	clientVersion, serverVersion []byte

	bytesSinceRekey uint64
	lastRekey       time.Time

	// rekeyThresholdBytes defaults to RekeyThresholdBytes; tests shrink it
	// directly (same package) to exercise a rekey without an actual 1 GiB
	// transfer.
	rekeyThresholdBytes uint64

	// rawCh carries packets from netReader, the sole goroutine that ever
	// calls t.read.readPacket, to readLoop, the sole goroutine that ever
	// acts on them.
	rawCh chan readResult

	// rekeyReq/rekeyAck hand a server-initiated rekey off to readLoop.
	// WritePacket sends on rekeyReq (holding writeMu for the whole round
	// trip) and blocks on rekeyAck for the result.
	rekeyReq chan struct{}
	rekeyAck chan error

	// incoming delivers application-layer payloads to ReadPacket.
	incoming chan readResult

	// closed resolves once readLoop exits, carrying the terminal error so
	// ReadPacket/requestRekey never block forever on a dead transport.
	closed *closer.Future
}

type readResult struct {
	payload []byte
	err     error
}

// NewServer performs the version exchange and the initial key exchange
// over conn, then returns a Transport positioned at StateServiceRequest.
func NewServer(conn net.Conn, hostKey HostKeySigner, log zerolog.Logger) (*Transport, error) {
	t := &Transport{
		conn:                conn,
		br:                  bufio.NewReader(conn),
		hostKey:             hostKey,
		log:                 log,
		state:               StateBanner,
		rekeyThresholdBytes: RekeyThresholdBytes,
		rawCh:               make(chan readResult),
		rekeyReq:            make(chan struct{}),
		rekeyAck:            make(chan error),
		incoming:            make(chan readResult),
		closed:              closer.NewFuture(),
	}

	clientVersion, serverVersion, err := exchangeVersions(conn, t.br)
	if err != nil {
		return nil, err
	}
	t.clientVersion, t.serverVersion = clientVersion, serverVersion
	t.log.Debug().Str("client_version", string(clientVersion)).Msg("version exchange complete")

	t.state = StateKex
	if err := t.runKex(true, t.directRead); err != nil {
		return nil, err
	}
	t.state = StateServiceRequest

	go t.readLoop()
	return t, nil
}

// State reports the transport's current lifecycle phase.
func (t *Transport) State() State { return t.state }

// SessionID returns the exchange hash from the very first key exchange,
// fixed for the lifetime of the connection (RFC 4253 §7.2).
func (t *Transport) SessionID() []byte { return t.sessionID }

// SetDeadline delegates to the underlying net.Conn, letting callers
// enforce spec §6's auth-timeout/idle-timeout knobs without the codec
// layer needing to know about either.
func (t *Transport) SetDeadline(deadline time.Time) error {
	return t.conn.SetDeadline(deadline)
}

// ReadPacket reads and returns the next application-layer payload (message
// type byte included). SSH_MSG_KEXINIT, SSH_MSG_IGNORE and SSH_MSG_DEBUG
// are consumed transparently by readLoop before ever reaching here.
func (t *Transport) ReadPacket() ([]byte, error) {
	select {
	case r := <-t.incoming:
		return r.payload, r.err
	case <-t.closed.Chan():
		return nil, t.closed.Verify(0)
	}
}

// WritePacket writes one application-layer payload, triggering a
// server-initiated rekey first if the byte or time threshold has elapsed.
func (t *Transport) WritePacket(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.shouldRekey() {
		if err := t.requestRekey(); err != nil {
			return err
		}
	}

	if err := t.write.writePacket(t.conn, payload); err != nil {
		return err
	}
	t.bytesSinceRekey += uint64(len(payload))
	return nil
}

// requestRekey asks readLoop — the sole goroutine that touches t.br/t.read
// once the initial handshake completes — to run a server-initiated key
// exchange, and blocks until it finishes. The caller holds writeMu for the
// whole round trip, so readLoop's in-line writes of KEXINIT/KEXDH_REPLY/
// NEWKEYS can never interleave with another WritePacket call's payload.
func (t *Transport) requestRekey() error {
	select {
	case t.rekeyReq <- struct{}{}:
	case <-t.closed.Chan():
		return t.closed.Verify(0)
	}
	select {
	case err := <-t.rekeyAck:
		return err
	case <-t.closed.Chan():
		return t.closed.Verify(0)
	}
}

// netReader is the only goroutine that ever calls t.read.readPacket: it
// pumps raw packets off the wire into rawCh for readLoop to act on, one at
// a time, so there is never a second concurrent reader of t.br.
func (t *Transport) netReader() {
	for {
		payload, err := t.read.readPacket(t.br)
		t.rawCh <- readResult{payload: payload, err: err}
		if err != nil {
			return
		}
	}
}

// channelNext reads the next raw packet via rawCh instead of t.br
// directly, so a key exchange driven from inside readLoop (self- or
// peer-initiated, after the handshake) still goes through netReader.
func (t *Transport) channelNext() ([]byte, error) {
	r := <-t.rawCh
	return r.payload, r.err
}

// directRead reads t.br directly; only safe before readLoop/netReader
// exist, i.e. during NewServer's initial key exchange.
func (t *Transport) directRead() ([]byte, error) {
	return t.read.readPacket(t.br)
}

// readLoop dispatches every post-handshake packet: application payloads go
// to incoming for ReadPacket, SSH_MSG_IGNORE/SSH_MSG_DEBUG are dropped,
// peer-initiated SSH_MSG_KEXINIT runs a rekey in place, and a
// WritePacket-triggered rekey request on rekeyReq runs one too — all from
// this single goroutine, so the two rekey triggers can never race each
// other or ReadPacket.
func (t *Transport) readLoop() {
	go t.netReader()

	for {
		select {
		case <-t.rekeyReq:
			err := t.runKex(false, t.channelNext)
			t.rekeyAck <- err
			if err != nil {
				t.closed.Complete(err)
				return
			}
		case r := <-t.rawCh:
			if r.err != nil {
				t.closed.Complete(r.err)
				return
			}
			payload := r.payload
			if len(payload) == 0 {
				continue
			}
			switch payload[0] {
			case wire.MsgIgnore, wire.MsgDebug:
				continue
			case wire.MsgKexInit:
				if err := t.handlePeerRekey(payload); err != nil {
					t.closed.Complete(err)
					return
				}
			default:
				t.incoming <- readResult{payload: payload}
			}
		}
	}
}

// Disconnect sends SSH_MSG_DISCONNECT and closes the underlying
// connection, per spec §7's ProtocolError handling.
func (t *Transport) Disconnect(reason uint32, message string) error {
	t.state = StateClosing
	msg := wire.Disconnect{Reason: reason, Description: message, Language: "en"}
	t.writeMu.Lock()
	_ = t.write.writePacket(t.conn, msg.Marshal())
	t.writeMu.Unlock()
	return t.conn.Close()
}

// Close closes the underlying connection without sending DISCONNECT.
func (t *Transport) Close() error {
	t.state = StateClosing
	return t.conn.Close()
}

func (t *Transport) shouldRekey() bool {
	if t.bytesSinceRekey >= t.rekeyThresholdBytes {
		return true
	}
	return time.Since(t.lastRekey) >= RekeyThresholdAge
}

// handlePeerRekey runs a rekey initiated by the remote end: the peer's
// KEXINIT was already read as payload; we reply with our own and proceed
// exactly as the initiator's runKex does, but using the already-received
// peer payload instead of reading one. Called only from readLoop, so its
// reads of any further kex messages go through channelNext like every
// other post-handshake rekey.
func (t *Transport) handlePeerRekey(peerKexInit []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.runKexWithPeerInit(peerKexInit, t.channelNext)
}

// runKex performs one key exchange: build and send our KEXINIT, read the
// peer's via readNext (unless the peer already sent theirs, which
// handlePeerRekey handles separately), negotiate algorithms, run the
// exchange, derive keys, and exchange NEWKEYS. readNext is directRead
// during the initial handshake (no concurrent reader exists yet) and
// channelNext for every rekey after, so all of it still funnels through
// netReader's single t.br reader.
func (t *Transport) runKex(initial bool, readNext func() ([]byte, error)) error {
	ourInit, ourBytes := t.buildKexInit()

	if err := t.write.writePacket(t.conn, ourBytes); err != nil {
		return err
	}

	peerBytes, err := readNext()
	if err != nil {
		return fmt.Errorf("transport: read peer kexinit: %w", err)
	}
	return t.finishKex(ourInit, ourBytes, peerBytes, initial, readNext)
}

func (t *Transport) runKexWithPeerInit(peerBytes []byte, readNext func() ([]byte, error)) error {
	ourInit, ourBytes := t.buildKexInit()
	if err := t.write.writePacket(t.conn, ourBytes); err != nil {
		return err
	}
	return t.finishKex(ourInit, ourBytes, peerBytes, false, readNext)
}

func (t *Transport) buildKexInit() (wire.KexInit, []byte) {
	var cookie [16]byte
	_, _ = rand.Read(cookie[:])
	init := wire.KexInit{
		Cookie:                    cookie,
		KexAlgorithms:             kex.SupportedAlgorithms,
		ServerHostKeyAlgorithms:   []string{t.hostKey.Algorithm()},
		CiphersClientToServer:     cipherstack.DefaultCipherOrder,
		CiphersServerToClient:     cipherstack.DefaultCipherOrder,
		MACsClientToServer:        cipherstack.DefaultMACOrder,
		MACsServerToClient:        cipherstack.DefaultMACOrder,
		CompressionClientToServer: cipherstack.DefaultCompressionOrder,
		CompressionServerToClient: cipherstack.DefaultCompressionOrder,
		FirstKexPacketFollows:     false,
	}
	return init, init.Marshal()
}

func (t *Transport) finishKex(ourInit wire.KexInit, ourBytes, peerBytes []byte, initial bool, readNext func() ([]byte, error)) error {
	var peerInit wire.KexInit
	if err := peerInit.Unmarshal(peerBytes); err != nil {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "malformed KEXINIT", Err: err}
	}

	kexAlgo, ok := firstCommon(peerInit.KexAlgorithms, ourInit.KexAlgorithms)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common kex algorithm"}
	}
	cipherCS, ok := firstCommon(peerInit.CiphersClientToServer, ourInit.CiphersClientToServer)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common client->server cipher"}
	}
	cipherSC, ok := firstCommon(peerInit.CiphersServerToClient, ourInit.CiphersServerToClient)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common server->client cipher"}
	}
	macCS, ok := firstCommon(peerInit.MACsClientToServer, ourInit.MACsClientToServer)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common client->server mac"}
	}
	macSC, ok := firstCommon(peerInit.MACsServerToClient, ourInit.MACsServerToClient)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common server->client mac"}
	}
	compCS, ok := firstCommon(peerInit.CompressionClientToServer, ourInit.CompressionClientToServer)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common client->server compression"}
	}
	compSC, ok := firstCommon(peerInit.CompressionServerToClient, ourInit.CompressionServerToClient)
	if !ok {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "no common server->client compression"}
	}

	responder, err := kex.ForName(kexAlgo)
	if err != nil {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "unsupported kex algorithm", Err: err}
	}

	initPayload, err := readNext()
	if err != nil {
		return fmt.Errorf("transport: read KEXDH_INIT: %w", err)
	}
	var initMsg wire.KexDHInit
	if err := initMsg.Unmarshal(initPayload); err != nil {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "malformed KEXDH_INIT", Err: err}
	}

	magics := kex.Magics{
		ClientVersion: t.clientVersion,
		ServerVersion: t.serverVersion,
		ClientKexInit: peerBytes,
		ServerKexInit: ourBytes,
	}
	serverPub, result, err := responder.Respond(initMsg.ClientPublic, magics, t.hostKey.PublicKeyBlob())
	if err != nil {
		return &wire.ProtocolError{Reason: wire.DisconnectKeyExchangeFailed, Message: "key exchange failed", Err: err}
	}

	sig, err := t.hostKey.Sign(result.H)
	if err != nil {
		return fmt.Errorf("transport: sign exchange hash: %w", err)
	}

	reply := wire.KexDHReply{HostKey: t.hostKey.PublicKeyBlob(), ServerPublic: serverPub, Signature: sig}
	if err := t.write.writePacket(t.conn, reply.Marshal()); err != nil {
		return err
	}

	if initial {
		t.sessionID = result.H
	}

	csKeySize, _ := cipherstack.KeySize(cipherCS)
	scKeySize, _ := cipherstack.KeySize(cipherSC)
	csIVSize, _ := cipherstack.IVSize(cipherCS)
	scIVSize, _ := cipherstack.IVSize(cipherSC)
	csMACSize, _ := cipherstack.MACKeySize(macCS)
	scMACSize, _ := cipherstack.MACKeySize(macSC)

	keys := kex.DeriveKeys(result.Hash, result.K, result.H, t.sessionID, maxInt(csIVSize, scIVSize), maxInt(csKeySize, scKeySize), maxInt(csMACSize, scMACSize))

	if err := t.read.resetKeys(cipherCS, macCS, compCS, keys.ClientToServerKey[:csKeySize], keys.ClientToServerIV[:csIVSize], keys.ClientToServerMACKey[:csMACSize], true); err != nil {
		return err
	}
	if err := t.write.resetKeys(cipherSC, macSC, compSC, keys.ServerToClientKey[:scKeySize], keys.ServerToClientIV[:scIVSize], keys.ServerToClientMACKey[:scMACSize], false); err != nil {
		return err
	}

	if err := t.write.writePacket(t.conn, (wire.NewKeys{}).Marshal()); err != nil {
		return err
	}
	peerNewKeys, err := readNext()
	if err != nil {
		return fmt.Errorf("transport: read NEWKEYS: %w", err)
	}
	if len(peerNewKeys) == 0 || peerNewKeys[0] != wire.MsgNewKeys {
		return &wire.ProtocolError{Reason: wire.DisconnectProtocolError, Message: "expected NEWKEYS"}
	}

	t.bytesSinceRekey = 0
	t.lastRekey = time.Now()
	t.log.Info().
		Str("kex", kexAlgo).
		Str("cipher_cs", cipherCS).Str("cipher_sc", cipherSC).
		Str("mac_cs", macCS).Str("mac_sc", macSC).
		Str("rekey_threshold", humanize.Bytes(RekeyThresholdBytes)).
		Msg("key exchange complete")
	return nil
}

func firstCommon(peerPreferred, ours []string) (string, bool) {
	for _, p := range peerPreferred {
		for _, o := range ours {
			if p == o {
				return p, true
			}
		}
	}
	return "", false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
