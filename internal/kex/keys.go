package kex

import "crypto"

// KeySet holds the six keys derived from one completed exchange (RFC 4253
// §7.2): an IV and encryption key per direction, plus a MAC key per
// direction.
type KeySet struct {
	ClientToServerIV     []byte
	ServerToClientIV     []byte
	ClientToServerKey    []byte
	ServerToClientKey    []byte
	ClientToServerMACKey []byte
	ServerToClientMACKey []byte
}

// DeriveKeys expands the shared secret K and exchange hash H into the six
// session keys, per RFC 4253 §7.2. sessionID is the exchange hash from the
// very first key exchange on this connection; it never changes across
// rekeys even though H itself does.
func DeriveKeys(hashFunc crypto.Hash, k, h, sessionID []byte, ivLen, keyLen, macLen int) KeySet {
	return KeySet{
		ClientToServerIV:     expand(hashFunc, k, h, sessionID, 'A', ivLen),
		ServerToClientIV:     expand(hashFunc, k, h, sessionID, 'B', ivLen),
		ClientToServerKey:    expand(hashFunc, k, h, sessionID, 'C', keyLen),
		ServerToClientKey:    expand(hashFunc, k, h, sessionID, 'D', keyLen),
		ClientToServerMACKey: expand(hashFunc, k, h, sessionID, 'E', macLen),
		ServerToClientMACKey: expand(hashFunc, k, h, sessionID, 'F', macLen),
	}
}

// expand implements the "HASH(K || H || X || session_id)" then
// "HASH(K || H || K1)" extension recipe from RFC 4253 §7.2, stretching the
// output to n bytes.
func expand(hashFunc crypto.Hash, k, h, sessionID []byte, letter byte, n int) []byte {
	hh := hashFunc.New()
	hashMPIntBytes(hh, k)
	hh.Write(h)
	hh.Write([]byte{letter})
	hh.Write(sessionID)
	out := hh.Sum(nil)

	for len(out) < n {
		hh := hashFunc.New()
		hashMPIntBytes(hh, k)
		hh.Write(h)
		hh.Write(out)
		out = append(out, hh.Sum(nil)...)
	}
	return out[:n]
}

// hashMPIntBytes writes an already-mpint-encoded K (as produced by
// mpIntBytes) into the hash with its RFC 4251 length prefix.
func hashMPIntBytes(h interface{ Write([]byte) (int, error) }, k []byte) {
	var length [4]byte
	length[0] = byte(len(k) >> 24)
	length[1] = byte(len(k) >> 16)
	length[2] = byte(len(k) >> 8)
	length[3] = byte(len(k))
	h.Write(length[:])
	h.Write(k)
}
