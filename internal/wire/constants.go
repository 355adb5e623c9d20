// Package wire defines the SSH binary packet protocol's message-type
// constants and the typed request/response structures each component
// marshals and parses, per spec §6 ("Binary packet protocol exactly as
// specified") and RFC 4250-4254.
package wire

// Message type numbers (RFC 4250 §4.1.2, RFC 4253-4254).
const (
	MsgDisconnect     = 1
	MsgIgnore         = 2
	MsgUnimplemented  = 3
	MsgDebug          = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6
	MsgExtInfo        = 7

	MsgKexInit = 20
	MsgNewKeys = 21

	// Key-exchange-method-specific range (30-49): we use it for both
	// classic DH and ECDH/curve25519 exchanges, disambiguated by the
	// negotiated kex algorithm rather than distinct numbers, matching
	// common deployed practice for ssh-rsa/ecdh kex messages.
	MsgKexDHInit  = 30
	MsgKexDHReply = 31

	MsgUserAuthRequest = 50
	MsgUserAuthFailure = 51
	MsgUserAuthSuccess = 52
	MsgUserAuthBanner  = 53
	MsgUserAuthPKOK    = 60
	MsgUserAuthInfoRequest  = 60 // keyboard-interactive shares 60/61 with publickey per RFC 4256
	MsgUserAuthInfoResponse = 61

	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// Disconnect reason codes (RFC 4253 §11.1).
const (
	DisconnectHostNotAllowed              = 1
	DisconnectProtocolError               = 2
	DisconnectKeyExchangeFailed           = 3
	DisconnectReserved                    = 4
	DisconnectMACError                    = 5
	DisconnectCompressionError            = 6
	DisconnectServiceNotAvailable         = 7
	DisconnectProtocolVersionNotSupported = 8
	DisconnectHostKeyNotVerifiable        = 9
	DisconnectConnectionLost              = 10
	DisconnectByApplication               = 11
	DisconnectTooManyConnections          = 12
	DisconnectAuthCancelledByUser         = 13
	DisconnectNoMoreAuthMethodsAvailable  = 14
	DisconnectIllegalUserName             = 15
)

// Channel open failure reason codes (RFC 4254 §5.1).
const (
	OpenAdministrativelyProhibited = 1
	OpenConnectFailed              = 2
	OpenUnknownChannelType         = 3
	OpenResourceShortage           = 4
)

// ExtendedData type codes (RFC 4254 §5.2).
const ExtendedDataStderr = 1

// Well-known service names (RFC 4253 §10).
const (
	ServiceUserAuth   = "ssh-userauth"
	ServiceConnection = "ssh-connection"
)

// Well-known channel types (RFC 4254 §6-7).
const (
	ChannelTypeSession        = "session"
	ChannelTypeDirectTCPIP    = "direct-tcpip"
	ChannelTypeForwardedTCPIP = "forwarded-tcpip"
	ChannelTypeX11            = "x11"
)

// Well-known global/channel request names.
const (
	GlobalRequestTCPIPForward       = "tcpip-forward"
	GlobalRequestCancelTCPIPForward = "cancel-tcpip-forward"
	GlobalRequestNoMoreSessions     = "no-more-sessions@openssh.com"

	ChannelRequestPTY           = "pty-req"
	ChannelRequestShell         = "shell"
	ChannelRequestExec          = "exec"
	ChannelRequestSubsystem     = "subsystem"
	ChannelRequestEnv           = "env"
	ChannelRequestWindowChange  = "window-change"
	ChannelRequestExitStatus    = "exit-status"
	ChannelRequestExitSignal    = "exit-signal"
	ChannelRequestSignal        = "signal"
	ChannelRequestX11Forwarding = "x11-req"
)

// UserAuth method names.
const (
	AuthMethodPublicKey           = "publickey"
	AuthMethodPassword            = "password"
	AuthMethodKeyboardInteractive = "keyboard-interactive"
	AuthMethodGSSAPIWithMIC       = "gssapi-with-mic"
	AuthMethodNone                = "none"
)
