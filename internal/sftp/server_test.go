package sftp

import (
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// client is a tiny hand-rolled SFTP client used only to exercise Server
// end-to-end without pulling in a full client implementation (spec §1:
// client-side support is explicitly out of scope "beyond round-trip
// testing").
type client struct {
	r io.Reader
	w io.Writer
}

func (c *client) send(typ byte, body []byte) error { return writePacket(c.w, typ, body) }
func (c *client) recv() (byte, []byte, error)       { return readPacket(c.r) }

func newTestServer(t *testing.T, root string) (*client, func()) {
	t.Helper()
	serverFromClient, clientToServer := io.Pipe()
	clientFromServer, serverToClient := io.Pipe()

	srv := NewServer(Config{Root: root})
	go srv.Serve(serverFromClient, serverToClient)

	cl := &client{r: clientFromServer, w: clientToServer}
	return cl, func() {
		clientToServer.Close()
		serverToClient.Close()
	}
}

func TestInitNegotiatesVersion(t *testing.T) {
	cl, done := newTestServer(t, t.TempDir())
	defer done()

	b := &builder{}
	b.u32(MaxVersion)
	if err := cl.send(SSH_FXP_INIT, b.buf); err != nil {
		t.Fatal(err)
	}
	typ, payload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	if typ != SSH_FXP_VERSION {
		t.Fatalf("expected VERSION, got %d", typ)
	}
	c := newCursor(payload)
	v, err := c.uint32()
	if err != nil {
		t.Fatal(err)
	}
	if v != MaxVersion {
		t.Fatalf("expected version %d, got %d", MaxVersion, v)
	}
}

func TestUploadThenRead(t *testing.T) {
	root := t.TempDir()
	cl, done := newTestServer(t, root)
	defer done()

	initB := &builder{}
	initB.u32(MaxVersion)
	_ = cl.send(SSH_FXP_INIT, initB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	openB := &builder{}
	openB.u32(1) // request id
	openB.str("upload.txt")
	openB.u32(SSH_FXF_WRITE | SSH_FXF_CREAT | SSH_FXF_TRUNC)
	openB.u32(0) // no attrs
	_ = cl.send(SSH_FXP_OPEN, openB.buf)

	typ, payload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	if typ != SSH_FXP_HANDLE {
		t.Fatalf("expected HANDLE, got %d", typ)
	}
	hc := newCursor(payload)
	_, _ = hc.uint32() // reqid
	handleID, err := hc.str()
	if err != nil {
		t.Fatal(err)
	}

	writeB := &builder{}
	writeB.u32(2)
	writeB.str(handleID)
	writeB.u64(0)
	writeB.str("hello world")
	_ = cl.send(SSH_FXP_WRITE, writeB.buf)
	if typ, _, err := cl.recv(); err != nil || typ != SSH_FXP_STATUS {
		t.Fatalf("expected STATUS after write, got %d err=%v", typ, err)
	}

	closeB := &builder{}
	closeB.u32(3)
	closeB.str(handleID)
	_ = cl.send(SSH_FXP_CLOSE, closeB.buf)
	if typ, _, err := cl.recv(); err != nil || typ != SSH_FXP_STATUS {
		t.Fatalf("expected STATUS after close, got %d err=%v", typ, err)
	}

	got, err := os.ReadFile(filepath.Join(root, "upload.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
}

func statusCode(t *testing.T, payload []byte) uint32 {
	t.Helper()
	c := newCursor(payload)
	if _, err := c.uint32(); err != nil { // reqid
		t.Fatal(err)
	}
	code, err := c.uint32()
	if err != nil {
		t.Fatal(err)
	}
	return code
}

// TestVersionSelectMustBeFirst covers spec §9's Open Question decision:
// version-select arriving after another request disconnects the
// subsystem rather than replying with a recoverable STATUS.
func TestVersionSelectMustBeFirst(t *testing.T) {
	serverFromClient, clientToServer := io.Pipe()
	clientFromServer, serverToClient := io.Pipe()
	defer clientToServer.Close()
	defer serverToClient.Close()

	srv := NewServer(Config{Root: t.TempDir()})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(serverFromClient, serverToClient) }()

	cl := &client{r: clientFromServer, w: clientToServer}

	initB := &builder{}
	initB.u32(MaxVersion)
	_ = cl.send(SSH_FXP_INIT, initB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	// A REALPATH request consumes the "first request" slot.
	rpB := &builder{}
	rpB.u32(1)
	rpB.str(".")
	_ = cl.send(SSH_FXP_REALPATH, rpB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	vsB := &builder{}
	vsB.u32(2)
	vsB.str("version-select")
	vsB.str("4")
	_ = cl.send(SSH_FXP_EXTENDED, vsB.buf)

	select {
	case err := <-serveErr:
		if err == nil {
			t.Fatal("expected the subsystem to disconnect (non-nil error) after a late version-select")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subsystem did not disconnect after a late version-select")
	}
}

// TestRenameOverwriteFlag covers spec §4.6's v5+ RENAME flag interpretation:
// without the OVERWRITE bit, renaming onto an existing path fails.
func TestRenameOverwriteFlag(t *testing.T) {
	root := t.TempDir()
	cl, done := newTestServer(t, root)
	defer done()

	initB := &builder{}
	initB.u32(5)
	_ = cl.send(SSH_FXP_INIT, initB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	renB := &builder{}
	renB.u32(1)
	renB.str("a")
	renB.str("b")
	renB.u32(0) // no flags: OVERWRITE not set
	_ = cl.send(SSH_FXP_RENAME, renB.buf)

	typ, payload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	if typ != SSH_FXP_STATUS {
		t.Fatalf("expected STATUS, got %d", typ)
	}
	if code := statusCode(t, payload); code != SSH_FX_FILE_ALREADY_EXISTS {
		t.Fatalf("expected SSH_FX_FILE_ALREADY_EXISTS, got %d", code)
	}
}

// TestUnblockNoMatch covers spec §4.6: UNBLOCK on a range with no matching
// lock returns SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK.
func TestUnblockNoMatch(t *testing.T) {
	root := t.TempDir()
	cl, done := newTestServer(t, root)
	defer done()

	initB := &builder{}
	initB.u32(MaxVersion)
	_ = cl.send(SSH_FXP_INIT, initB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "f"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	openB := &builder{}
	openB.u32(1)
	openB.str("f")
	openB.u32(SSH_FXF_READ)
	openB.u32(0)
	_ = cl.send(SSH_FXP_OPEN, openB.buf)
	_, payload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	hc := newCursor(payload)
	_, _ = hc.uint32()
	handleID, err := hc.str()
	if err != nil {
		t.Fatal(err)
	}

	unB := &builder{}
	unB.u32(2)
	unB.str(handleID)
	unB.u64(0)
	unB.u64(4)
	_ = cl.send(SSH_FXP_UNBLOCK, unB.buf)

	typ, stPayload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	if typ != SSH_FXP_STATUS {
		t.Fatalf("expected STATUS, got %d", typ)
	}
	if code := statusCode(t, stPayload); code != SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK {
		t.Fatalf("expected SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK, got %d", code)
	}
}

// TestOpenHandleCount covers spec §6.3's admin-surface introspection: the
// process-wide count rises on OPEN and falls on CLOSE.
func TestOpenHandleCount(t *testing.T) {
	root := t.TempDir()
	cl, done := newTestServer(t, root)
	defer done()

	before := OpenHandleCount()

	initB := &builder{}
	initB.u32(MaxVersion)
	_ = cl.send(SSH_FXP_INIT, initB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	openB := &builder{}
	openB.u32(1)
	openB.str("f")
	openB.u32(SSH_FXF_WRITE | SSH_FXF_CREAT)
	openB.u32(0)
	_ = cl.send(SSH_FXP_OPEN, openB.buf)
	_, payload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	hc := newCursor(payload)
	_, _ = hc.uint32()
	handleID, err := hc.str()
	if err != nil {
		t.Fatal(err)
	}

	if got := OpenHandleCount(); got != before+1 {
		t.Fatalf("expected process-wide count %d, got %d", before+1, got)
	}

	closeB := &builder{}
	closeB.u32(2)
	closeB.str(handleID)
	_ = cl.send(SSH_FXP_CLOSE, closeB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	if got := OpenHandleCount(); got != before {
		t.Fatalf("expected process-wide count back to %d, got %d", before, got)
	}
}

// TestMD5HashQuickCheck covers spec §8 scenario E4: the md5-hash extension's
// quick-check-hash optimization. A prefix guess that doesn't match the
// server's real hash gets an empty reply; a guess built from the real
// hash's own prefix gets the full hash back.
func TestMD5HashQuickCheck(t *testing.T) {
	root := t.TempDir()
	cl, done := newTestServer(t, root)
	defer done()

	initB := &builder{}
	initB.u32(MaxVersion)
	_ = cl.send(SSH_FXP_INIT, initB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}

	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(filepath.Join(root, "f"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := md5.Sum(content)

	openB := &builder{}
	openB.u32(1)
	openB.str("f")
	openB.u32(SSH_FXF_READ)
	openB.u32(0)
	_ = cl.send(SSH_FXP_OPEN, openB.buf)
	_, payload, err := cl.recv()
	if err != nil {
		t.Fatal(err)
	}
	hc := newCursor(payload)
	_, _ = hc.uint32()
	handleID, err := hc.str()
	if err != nil {
		t.Fatal(err)
	}

	requestHash := func(reqID uint32, quickCheck string) []byte {
		b := &builder{}
		b.u32(reqID)
		b.str("md5-hash-handle")
		b.str(handleID)
		b.u64(0)
		b.u64(uint64(len(content)))
		b.str(quickCheck)
		if err := cl.send(SSH_FXP_EXTENDED, b.buf); err != nil {
			t.Fatal(err)
		}
		typ, reply, err := cl.recv()
		if err != nil {
			t.Fatal(err)
		}
		if typ != SSH_FXP_EXTENDED_REPLY {
			t.Fatalf("expected EXTENDED_REPLY, got %d", typ)
		}
		rc := newCursor(reply)
		_, _ = rc.uint32()
		hash, err := rc.str()
		if err != nil {
			t.Fatal(err)
		}
		return []byte(hash)
	}

	if got := requestHash(2, string([]byte{0, 0, 0, 0})); len(got) != 0 {
		t.Fatalf("expected empty hash for mismatched quick-check, got %x", got)
	}

	if got := requestHash(3, string(sum[:4])); string(got) != string(sum[:]) {
		t.Fatalf("expected full hash %x for matching quick-check, got %x", sum, got)
	}

	if got := requestHash(4, ""); string(got) != string(sum[:]) {
		t.Fatalf("expected full hash %x unconditionally, got %x", sum, got)
	}

	closeB := &builder{}
	closeB.u32(5)
	closeB.str(handleID)
	_ = cl.send(SSH_FXP_CLOSE, closeB.buf)
	if _, _, err := cl.recv(); err != nil {
		t.Fatal(err)
	}
}
