package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxVersionLineLen guards against a peer that never sends a newline.
const maxVersionLineLen = 255

// ServerVersion is the identification string this server sends before key
// exchange (RFC 4253 §4.2). It must start with "SSH-2.0-".
const ServerVersion = "SSH-2.0-nodeforge-sshd"

// exchangeVersions sends our identification string and reads the peer's,
// per RFC 4253 §4.2: lines before the SSH- banner are ignored (for proxy
// banners), and the read/write order matters for the exchange hash. br
// must be the same buffered reader the Transport continues reading packets
// from afterward, since a peer's first flight commonly arrives in the same
// TCP segment as its version line.
func exchangeVersions(w io.Writer, br *bufio.Reader) (clientVersion, serverVersion []byte, err error) {
	serverVersion = []byte(ServerVersion)
	if _, err = w.Write(append(append([]byte(nil), serverVersion...), '\r', '\n')); err != nil {
		return nil, nil, fmt.Errorf("transport: write version banner: %w", err)
	}

	for i := 0; i < 50; i++ {
		line, err := readVersionLine(br)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: read version banner: %w", err)
		}
		if strings.HasPrefix(line, "SSH-") {
			return []byte(line), serverVersion, nil
		}
	}
	return nil, nil, fmt.Errorf("transport: peer never sent an SSH identification string")
}

func readVersionLine(br *bufio.Reader) (string, error) {
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(line) < maxVersionLineLen {
			line = append(line, b)
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}
