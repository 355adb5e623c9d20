package cipherstack

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Host-key / public-key signature algorithm names (RFC 4253 §6.6, RFC 5656
// §6.1, RFC 8709). Signing itself is delegated to golang.org/x/crypto/ssh's
// Signer/PublicKey, matching the narrow role that package plays throughout
// this module: wire-correct key parsing and signature formatting, never
// the transport engine itself.
const (
	HostKeyRSA      = "ssh-rsa"
	HostKeyDSA      = "ssh-dss"
	HostKeyECDSA256 = "ecdsa-sha2-nistp256"
	HostKeyECDSA384 = "ecdsa-sha2-nistp384"
	HostKeyECDSA521 = "ecdsa-sha2-nistp521"
	HostKeyED25519  = "ssh-ed25519"
)

// DefaultHostKeyOrder is offered in SSH_MSG_KEXINIT, most preferred first.
var DefaultHostKeyOrder = []string{
	HostKeyED25519, HostKeyECDSA256, HostKeyECDSA384, HostKeyECDSA521, HostKeyRSA, HostKeyDSA,
}

// Sign produces a wire-format SSH signature (RFC 4253 §6.6: a
// string-prefixed algorithm name followed by a string-prefixed signature
// blob) over data using signer.
func Sign(signer ssh.Signer, data []byte) ([]byte, error) {
	sig, err := signer.Sign(nil, data)
	if err != nil {
		return nil, fmt.Errorf("cipherstack: host key signing failed: %w", err)
	}
	return ssh.Marshal(sig), nil
}

// Verify checks a wire-format SSH signature against a marshaled public key
// blob and the signed data.
func Verify(hostKeyBlob, data, signatureBlob []byte) error {
	pub, err := ssh.ParsePublicKey(hostKeyBlob)
	if err != nil {
		return fmt.Errorf("cipherstack: invalid host key blob: %w", err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(signatureBlob, &sig); err != nil {
		return fmt.Errorf("cipherstack: invalid signature blob: %w", err)
	}
	if err := pub.Verify(data, &sig); err != nil {
		return fmt.Errorf("cipherstack: signature verification failed: %w", err)
	}
	return nil
}
