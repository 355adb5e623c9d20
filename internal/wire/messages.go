package wire

import (
	"fmt"

	"github.com/nodeforge/sshd/internal/buffer"
)

// Message is implemented by every typed payload in this package: it knows
// its own message-type byte and how to marshal/unmarshal its body (the
// type byte itself is written/read by the caller, matching how the packet
// codec frames it).
type Message interface {
	Type() byte
	Marshal() []byte
	Unmarshal(payload []byte) error
}

func readType(b *buffer.Buffer, want byte) error {
	got, err := b.ReadUint8()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("wire: unexpected message type %d, want %d", got, want)
	}
	return nil
}

// --- Disconnect -------------------------------------------------------

type Disconnect struct {
	Reason      uint32
	Description string
	Language    string
}

func (Disconnect) Type() byte { return MsgDisconnect }

func (m Disconnect) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgDisconnect)
	b.WriteUint32(m.Reason)
	b.WriteUTF8(m.Description)
	b.WriteUTF8(m.Language)
	return b.Bytes()
}

func (m *Disconnect) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgDisconnect); err != nil {
		return err
	}
	var err error
	if m.Reason, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.Description, err = b.ReadUTF8(); err != nil {
		return err
	}
	m.Language, err = b.ReadUTF8()
	return err
}

// --- KexInit ------------------------------------------------------------

// KexInit is SSH_MSG_KEXINIT (RFC 4253 §7.1): ten negotiable name-lists plus
// the first_kex_packet_follows flag.
type KexInit struct {
	Cookie                    [16]byte
	KexAlgorithms             []string
	ServerHostKeyAlgorithms   []string
	CiphersClientToServer     []string
	CiphersServerToClient     []string
	MACsClientToServer        []string
	MACsServerToClient        []string
	CompressionClientToServer []string
	CompressionServerToClient []string
	LanguagesClientToServer   []string
	LanguagesServerToClient   []string
	FirstKexPacketFollows     bool
}

func (KexInit) Type() byte { return MsgKexInit }

func (m KexInit) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgKexInit)
	b.WriteRawBytes(m.Cookie[:])
	b.WriteNameList(m.KexAlgorithms)
	b.WriteNameList(m.ServerHostKeyAlgorithms)
	b.WriteNameList(m.CiphersClientToServer)
	b.WriteNameList(m.CiphersServerToClient)
	b.WriteNameList(m.MACsClientToServer)
	b.WriteNameList(m.MACsServerToClient)
	b.WriteNameList(m.CompressionClientToServer)
	b.WriteNameList(m.CompressionServerToClient)
	b.WriteNameList(m.LanguagesClientToServer)
	b.WriteNameList(m.LanguagesServerToClient)
	b.WriteBool(m.FirstKexPacketFollows)
	b.WriteUint32(0) // reserved
	return b.Bytes()
}

func (m *KexInit) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgKexInit); err != nil {
		return err
	}
	cookie, err := b.ReadRawBytes(16)
	if err != nil {
		return err
	}
	copy(m.Cookie[:], cookie)

	fields := []*[]string{
		&m.KexAlgorithms, &m.ServerHostKeyAlgorithms,
		&m.CiphersClientToServer, &m.CiphersServerToClient,
		&m.MACsClientToServer, &m.MACsServerToClient,
		&m.CompressionClientToServer, &m.CompressionServerToClient,
		&m.LanguagesClientToServer, &m.LanguagesServerToClient,
	}
	for _, f := range fields {
		list, err := b.ReadNameList()
		if err != nil {
			return err
		}
		*f = list
	}
	if m.FirstKexPacketFollows, err = b.ReadBool(); err != nil {
		return err
	}
	_, err = b.ReadUint32() // reserved
	return err
}

// --- KexDHInit / KexDHReply (classic DH and ECDH share this shape) -----

// KexDHInit carries the client's ephemeral public value (mpint for classic
// DH, raw point/public-key blob for ECDH/curve25519 — callers pick the
// Buffer method that matches their negotiated group).
type KexDHInit struct {
	ClientPublic []byte // already in wire form (mpint bytes or raw point)
	IsMPInt      bool
}

func (KexDHInit) Type() byte { return MsgKexDHInit }

func (m KexDHInit) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgKexDHInit)
	b.WriteString(m.ClientPublic)
	return b.Bytes()
}

func (m *KexDHInit) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgKexDHInit); err != nil {
		return err
	}
	var err error
	m.ClientPublic, err = b.ReadString()
	return err
}

// KexDHReply carries the server's host key, its ephemeral public value, and
// the signature over the exchange hash.
type KexDHReply struct {
	HostKey     []byte
	ServerPublic []byte
	Signature   []byte
}

func (KexDHReply) Type() byte { return MsgKexDHReply }

func (m KexDHReply) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgKexDHReply)
	b.WriteString(m.HostKey)
	b.WriteString(m.ServerPublic)
	b.WriteString(m.Signature)
	return b.Bytes()
}

func (m *KexDHReply) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgKexDHReply); err != nil {
		return err
	}
	var err error
	if m.HostKey, err = b.ReadString(); err != nil {
		return err
	}
	if m.ServerPublic, err = b.ReadString(); err != nil {
		return err
	}
	m.Signature, err = b.ReadString()
	return err
}

// --- NewKeys / ServiceRequest / ServiceAccept --------------------------

type NewKeys struct{}

func (NewKeys) Type() byte { return MsgNewKeys }
func (NewKeys) Marshal() []byte { return []byte{MsgNewKeys} }
func (*NewKeys) Unmarshal(payload []byte) error { return readType(buffer.New(payload), MsgNewKeys) }

type ServiceRequest struct{ Name string }

func (ServiceRequest) Type() byte { return MsgServiceRequest }
func (m ServiceRequest) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgServiceRequest)
	b.WriteUTF8(m.Name)
	return b.Bytes()
}
func (m *ServiceRequest) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgServiceRequest); err != nil {
		return err
	}
	var err error
	m.Name, err = b.ReadUTF8()
	return err
}

type ServiceAccept struct{ Name string }

func (ServiceAccept) Type() byte { return MsgServiceAccept }
func (m ServiceAccept) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgServiceAccept)
	b.WriteUTF8(m.Name)
	return b.Bytes()
}
func (m *ServiceAccept) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgServiceAccept); err != nil {
		return err
	}
	var err error
	m.Name, err = b.ReadUTF8()
	return err
}

// --- UserAuth -------------------------------------------------------------

type UserAuthRequest struct {
	User    string
	Service string
	Method  string
	// MethodData is the remainder of the payload, method-specific; the
	// userauth package re-parses it per method.
	MethodData []byte
}

func (UserAuthRequest) Type() byte { return MsgUserAuthRequest }
func (m UserAuthRequest) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgUserAuthRequest)
	b.WriteUTF8(m.User)
	b.WriteUTF8(m.Service)
	b.WriteUTF8(m.Method)
	b.WriteRawBytes(m.MethodData)
	return b.Bytes()
}
func (m *UserAuthRequest) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgUserAuthRequest); err != nil {
		return err
	}
	var err error
	if m.User, err = b.ReadUTF8(); err != nil {
		return err
	}
	if m.Service, err = b.ReadUTF8(); err != nil {
		return err
	}
	if m.Method, err = b.ReadUTF8(); err != nil {
		return err
	}
	m.MethodData = b.Bytes()
	return nil
}

type UserAuthFailure struct {
	Methods        []string
	PartialSuccess bool
}

func (UserAuthFailure) Type() byte { return MsgUserAuthFailure }
func (m UserAuthFailure) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgUserAuthFailure)
	b.WriteNameList(m.Methods)
	b.WriteBool(m.PartialSuccess)
	return b.Bytes()
}
func (m *UserAuthFailure) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgUserAuthFailure); err != nil {
		return err
	}
	var err error
	if m.Methods, err = b.ReadNameList(); err != nil {
		return err
	}
	m.PartialSuccess, err = b.ReadBool()
	return err
}

type UserAuthSuccess struct{}

func (UserAuthSuccess) Type() byte      { return MsgUserAuthSuccess }
func (UserAuthSuccess) Marshal() []byte { return []byte{MsgUserAuthSuccess} }
func (*UserAuthSuccess) Unmarshal(payload []byte) error {
	return readType(buffer.New(payload), MsgUserAuthSuccess)
}

type UserAuthBanner struct {
	Message  string
	Language string
}

func (UserAuthBanner) Type() byte { return MsgUserAuthBanner }
func (m UserAuthBanner) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgUserAuthBanner)
	b.WriteUTF8(m.Message)
	b.WriteUTF8(m.Language)
	return b.Bytes()
}
func (m *UserAuthBanner) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgUserAuthBanner); err != nil {
		return err
	}
	var err error
	if m.Message, err = b.ReadUTF8(); err != nil {
		return err
	}
	m.Language, err = b.ReadUTF8()
	return err
}

// UserAuthPKOK is SSH_MSG_USERAUTH_PK_OK: the server confirms it would
// accept a signature from this key before the client bothers signing.
type UserAuthPKOK struct {
	Algorithm string
	Blob      []byte
}

func (UserAuthPKOK) Type() byte { return MsgUserAuthPKOK }
func (m UserAuthPKOK) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgUserAuthPKOK)
	b.WriteUTF8(m.Algorithm)
	b.WritePublicKeyBlob(m.Blob)
	return b.Bytes()
}
func (m *UserAuthPKOK) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgUserAuthPKOK); err != nil {
		return err
	}
	var err error
	if m.Algorithm, err = b.ReadUTF8(); err != nil {
		return err
	}
	m.Blob, err = b.ReadPublicKeyBlob()
	return err
}

// --- Global requests ------------------------------------------------------

type GlobalRequest struct {
	Type_     string
	WantReply bool
	Data      []byte
}

func (GlobalRequest) Type() byte { return MsgGlobalRequest }
func (m GlobalRequest) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgGlobalRequest)
	b.WriteUTF8(m.Type_)
	b.WriteBool(m.WantReply)
	b.WriteRawBytes(m.Data)
	return b.Bytes()
}
func (m *GlobalRequest) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgGlobalRequest); err != nil {
		return err
	}
	var err error
	if m.Type_, err = b.ReadUTF8(); err != nil {
		return err
	}
	if m.WantReply, err = b.ReadBool(); err != nil {
		return err
	}
	m.Data = b.Bytes()
	return nil
}

// --- Channel messages -------------------------------------------------

type ChannelOpen struct {
	ChannelType       string
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
	Data              []byte
}

func (ChannelOpen) Type() byte { return MsgChannelOpen }
func (m ChannelOpen) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelOpen)
	b.WriteUTF8(m.ChannelType)
	b.WriteUint32(m.SenderChannel)
	b.WriteUint32(m.InitialWindowSize)
	b.WriteUint32(m.MaxPacketSize)
	b.WriteRawBytes(m.Data)
	return b.Bytes()
}
func (m *ChannelOpen) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelOpen); err != nil {
		return err
	}
	var err error
	if m.ChannelType, err = b.ReadUTF8(); err != nil {
		return err
	}
	if m.SenderChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.InitialWindowSize, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.MaxPacketSize, err = b.ReadUint32(); err != nil {
		return err
	}
	m.Data = b.Bytes()
	return nil
}

type ChannelOpenConfirmation struct {
	RecipientChannel  uint32
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
}

func (ChannelOpenConfirmation) Type() byte { return MsgChannelOpenConfirmation }
func (m ChannelOpenConfirmation) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelOpenConfirmation)
	b.WriteUint32(m.RecipientChannel)
	b.WriteUint32(m.SenderChannel)
	b.WriteUint32(m.InitialWindowSize)
	b.WriteUint32(m.MaxPacketSize)
	return b.Bytes()
}
func (m *ChannelOpenConfirmation) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelOpenConfirmation); err != nil {
		return err
	}
	var err error
	if m.RecipientChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.SenderChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.InitialWindowSize, err = b.ReadUint32(); err != nil {
		return err
	}
	m.MaxPacketSize, err = b.ReadUint32()
	return err
}

type ChannelOpenFailure struct {
	RecipientChannel uint32
	ReasonCode       uint32
	Description      string
	Language         string
}

func (ChannelOpenFailure) Type() byte { return MsgChannelOpenFailure }
func (m ChannelOpenFailure) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelOpenFailure)
	b.WriteUint32(m.RecipientChannel)
	b.WriteUint32(m.ReasonCode)
	b.WriteUTF8(m.Description)
	b.WriteUTF8(m.Language)
	return b.Bytes()
}
func (m *ChannelOpenFailure) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelOpenFailure); err != nil {
		return err
	}
	var err error
	if m.RecipientChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.ReasonCode, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.Description, err = b.ReadUTF8(); err != nil {
		return err
	}
	m.Language, err = b.ReadUTF8()
	return err
}

type ChannelWindowAdjust struct {
	RecipientChannel uint32
	BytesToAdd       uint32
}

func (ChannelWindowAdjust) Type() byte { return MsgChannelWindowAdjust }
func (m ChannelWindowAdjust) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelWindowAdjust)
	b.WriteUint32(m.RecipientChannel)
	b.WriteUint32(m.BytesToAdd)
	return b.Bytes()
}
func (m *ChannelWindowAdjust) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelWindowAdjust); err != nil {
		return err
	}
	var err error
	if m.RecipientChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	m.BytesToAdd, err = b.ReadUint32()
	return err
}

type ChannelData struct {
	RecipientChannel uint32
	Data             []byte
}

func (ChannelData) Type() byte { return MsgChannelData }
func (m ChannelData) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelData)
	b.WriteUint32(m.RecipientChannel)
	b.WriteString(m.Data)
	return b.Bytes()
}
func (m *ChannelData) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelData); err != nil {
		return err
	}
	var err error
	if m.RecipientChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	m.Data, err = b.ReadString()
	return err
}

type ChannelExtendedData struct {
	RecipientChannel uint32
	DataType         uint32
	Data             []byte
}

func (ChannelExtendedData) Type() byte { return MsgChannelExtendedData }
func (m ChannelExtendedData) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelExtendedData)
	b.WriteUint32(m.RecipientChannel)
	b.WriteUint32(m.DataType)
	b.WriteString(m.Data)
	return b.Bytes()
}
func (m *ChannelExtendedData) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelExtendedData); err != nil {
		return err
	}
	var err error
	if m.RecipientChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.DataType, err = b.ReadUint32(); err != nil {
		return err
	}
	m.Data, err = b.ReadString()
	return err
}

type ChannelEOF struct{ RecipientChannel uint32 }

func (ChannelEOF) Type() byte { return MsgChannelEOF }
func (m ChannelEOF) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelEOF)
	b.WriteUint32(m.RecipientChannel)
	return b.Bytes()
}
func (m *ChannelEOF) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelEOF); err != nil {
		return err
	}
	var err error
	m.RecipientChannel, err = b.ReadUint32()
	return err
}

type ChannelClose struct{ RecipientChannel uint32 }

func (ChannelClose) Type() byte { return MsgChannelClose }
func (m ChannelClose) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelClose)
	b.WriteUint32(m.RecipientChannel)
	return b.Bytes()
}
func (m *ChannelClose) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelClose); err != nil {
		return err
	}
	var err error
	m.RecipientChannel, err = b.ReadUint32()
	return err
}

type ChannelRequest struct {
	RecipientChannel uint32
	RequestType      string
	WantReply        bool
	Data             []byte
}

func (ChannelRequest) Type() byte { return MsgChannelRequest }
func (m ChannelRequest) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelRequest)
	b.WriteUint32(m.RecipientChannel)
	b.WriteUTF8(m.RequestType)
	b.WriteBool(m.WantReply)
	b.WriteRawBytes(m.Data)
	return b.Bytes()
}
func (m *ChannelRequest) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelRequest); err != nil {
		return err
	}
	var err error
	if m.RecipientChannel, err = b.ReadUint32(); err != nil {
		return err
	}
	if m.RequestType, err = b.ReadUTF8(); err != nil {
		return err
	}
	if m.WantReply, err = b.ReadBool(); err != nil {
		return err
	}
	m.Data = b.Bytes()
	return nil
}

type ChannelSuccess struct{ RecipientChannel uint32 }

func (ChannelSuccess) Type() byte { return MsgChannelSuccess }
func (m ChannelSuccess) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelSuccess)
	b.WriteUint32(m.RecipientChannel)
	return b.Bytes()
}
func (m *ChannelSuccess) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelSuccess); err != nil {
		return err
	}
	var err error
	m.RecipientChannel, err = b.ReadUint32()
	return err
}

type ChannelFailure struct{ RecipientChannel uint32 }

func (ChannelFailure) Type() byte { return MsgChannelFailure }
func (m ChannelFailure) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint8(MsgChannelFailure)
	b.WriteUint32(m.RecipientChannel)
	return b.Bytes()
}
func (m *ChannelFailure) Unmarshal(payload []byte) error {
	b := buffer.New(payload)
	if err := readType(b, MsgChannelFailure); err != nil {
		return err
	}
	var err error
	m.RecipientChannel, err = b.ReadUint32()
	return err
}

// --- Port-forwarding payloads (RFC 4254 §7) ----------------------------

// DirectTCPIPPayload is the ChannelOpen.Data body for "direct-tcpip".
type DirectTCPIPPayload struct {
	HostToConnect  string
	PortToConnect  uint32
	OriginatorAddr string
	OriginatorPort uint32
}

func (p DirectTCPIPPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUTF8(p.HostToConnect)
	b.WriteUint32(p.PortToConnect)
	b.WriteUTF8(p.OriginatorAddr)
	b.WriteUint32(p.OriginatorPort)
	return b.Bytes()
}

func (p *DirectTCPIPPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.HostToConnect, err = b.ReadUTF8(); err != nil {
		return err
	}
	if p.PortToConnect, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.OriginatorAddr, err = b.ReadUTF8(); err != nil {
		return err
	}
	p.OriginatorPort, err = b.ReadUint32()
	return err
}

// ForwardedTCPIPPayload is the ChannelOpen.Data body for "forwarded-tcpip".
type ForwardedTCPIPPayload struct {
	BoundAddr      string
	BoundPort      uint32
	OriginatorAddr string
	OriginatorPort uint32
}

func (p ForwardedTCPIPPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUTF8(p.BoundAddr)
	b.WriteUint32(p.BoundPort)
	b.WriteUTF8(p.OriginatorAddr)
	b.WriteUint32(p.OriginatorPort)
	return b.Bytes()
}

func (p *ForwardedTCPIPPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.BoundAddr, err = b.ReadUTF8(); err != nil {
		return err
	}
	if p.BoundPort, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.OriginatorAddr, err = b.ReadUTF8(); err != nil {
		return err
	}
	p.OriginatorPort, err = b.ReadUint32()
	return err
}

// TCPIPForwardPayload is the GlobalRequest.Data body for "tcpip-forward"
// and "cancel-tcpip-forward".
type TCPIPForwardPayload struct {
	AddressToBind string
	PortToBind    uint32
}

func (p TCPIPForwardPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUTF8(p.AddressToBind)
	b.WriteUint32(p.PortToBind)
	return b.Bytes()
}

func (p *TCPIPForwardPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.AddressToBind, err = b.ReadUTF8(); err != nil {
		return err
	}
	p.PortToBind, err = b.ReadUint32()
	return err
}

// PTYRequestPayload is the ChannelRequest.Data body for "pty-req".
type PTYRequestPayload struct {
	Term      string
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
	Modes     []byte
}

func (p PTYRequestPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUTF8(p.Term)
	b.WriteUint32(p.Width)
	b.WriteUint32(p.Height)
	b.WriteUint32(p.PixWidth)
	b.WriteUint32(p.PixHeight)
	b.WriteString(p.Modes)
	return b.Bytes()
}

func (p *PTYRequestPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.Term, err = b.ReadUTF8(); err != nil {
		return err
	}
	if p.Width, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.Height, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.PixWidth, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.PixHeight, err = b.ReadUint32(); err != nil {
		return err
	}
	p.Modes, err = b.ReadString()
	return err
}

// WindowChangePayload is the ChannelRequest.Data body for "window-change".
type WindowChangePayload struct {
	Width, Height, PixWidth, PixHeight uint32
}

func (p WindowChangePayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint32(p.Width)
	b.WriteUint32(p.Height)
	b.WriteUint32(p.PixWidth)
	b.WriteUint32(p.PixHeight)
	return b.Bytes()
}

func (p *WindowChangePayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.Width, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.Height, err = b.ReadUint32(); err != nil {
		return err
	}
	if p.PixWidth, err = b.ReadUint32(); err != nil {
		return err
	}
	p.PixHeight, err = b.ReadUint32()
	return err
}

// ExitStatusPayload is the ChannelRequest.Data body for "exit-status".
type ExitStatusPayload struct{ Code uint32 }

func (p ExitStatusPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUint32(p.Code)
	return b.Bytes()
}

func (p *ExitStatusPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	p.Code, err = b.ReadUint32()
	return err
}

// ExitSignalPayload is the ChannelRequest.Data body for "exit-signal".
type ExitSignalPayload struct {
	SignalName   string
	CoreDumped   bool
	ErrorMessage string
	Language     string
}

func (p ExitSignalPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUTF8(p.SignalName)
	b.WriteBool(p.CoreDumped)
	b.WriteUTF8(p.ErrorMessage)
	b.WriteUTF8(p.Language)
	return b.Bytes()
}

func (p *ExitSignalPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.SignalName, err = b.ReadUTF8(); err != nil {
		return err
	}
	if p.CoreDumped, err = b.ReadBool(); err != nil {
		return err
	}
	if p.ErrorMessage, err = b.ReadUTF8(); err != nil {
		return err
	}
	p.Language, err = b.ReadUTF8()
	return err
}

// SignalRequestPayload is the ChannelRequest.Data body for the inbound
// "signal" channel-request (RFC 4254 §6.9): the client asks for a POSIX
// signal to be delivered to the remote process.
type SignalRequestPayload struct{ SignalName string }

func (p SignalRequestPayload) Marshal() []byte {
	b := buffer.NewWriter()
	b.WriteUTF8(p.SignalName)
	return b.Bytes()
}

func (p *SignalRequestPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	p.SignalName, err = b.ReadUTF8()
	return err
}

// X11ForwardingPayload is the ChannelRequest.Data body for "x11-req" (RFC
// 4254 §6.3.1). Parsed so the request round-trips at the wire level even
// though actual X11 forwarding is a Non-goal and the request is always
// declined (spec.md Non-goals; SPEC_FULL.md §6.3).
type X11ForwardingPayload struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

func (p *X11ForwardingPayload) Unmarshal(data []byte) error {
	b := buffer.New(data)
	var err error
	if p.SingleConnection, err = b.ReadBool(); err != nil {
		return err
	}
	if p.AuthProtocol, err = b.ReadUTF8(); err != nil {
		return err
	}
	if p.AuthCookie, err = b.ReadUTF8(); err != nil {
		return err
	}
	p.ScreenNumber, err = b.ReadUint32()
	return err
}
