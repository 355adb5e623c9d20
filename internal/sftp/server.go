package sftp

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// Config configures one SFTP subsystem instance (spec §6's sftp-* keys).
type Config struct {
	// Root, if non-empty, confines every path the client names to this
	// directory (chroot-like; paths are joined and cleaned under it).
	Root string

	MaxOpenHandles int
	Version        int // 0 selects MaxVersion

	HandleSize      int // sftp-handle-size, 0 selects 16
	HandleMaxRounds int // sftp-handle-rand-max-rounds, 0 selects 16
	MaxPacketLength int // sftp-max-packet-length, 0 selects 16KiB

	// ClientExtensions/OpenSSHExtensions are advertised as extension-pairs
	// on VERSION (spec §6's sftp-client-extensions/sftp-openssh-extensions
	// knobs) in addition to the always-on set this package implements
	// (md5-hash, check-file, copy-file/copy-data, space-available,
	// version-select, fsync@openssh.com, posix-rename@openssh.com,
	// statvfs@openssh.com/fstatvfs@openssh.com).
	ClientExtensions  []string
	OpenSSHExtensions []string
}

// Server is one running SFTP subsystem: it owns a handle table and the
// negotiated protocol version for a single client connection, and drives
// the opcode dispatch loop over whatever stream the session channel
// plumbed in (spec §4.6 runs SFTP as a session-channel "subsystem").
type Server struct {
	cfg     Config
	handles *handleTable

	mu              sync.Mutex
	version         int
	versionSelected bool
	requestCount    int // requests dispatched since INIT, for version-select's "first request only" rule
}

// NewServer builds a Server. Call Serve to run its read loop.
func NewServer(cfg Config) *Server {
	if cfg.Version == 0 {
		cfg.Version = MaxVersion
	}
	if cfg.MaxPacketLength == 0 {
		cfg.MaxPacketLength = 16 * 1024
	}
	return &Server{cfg: cfg, handles: newHandleTable(cfg.MaxOpenHandles, cfg.HandleSize, cfg.HandleMaxRounds)}
}

// OpenHandleCount returns the number of handles open on this subsystem
// instance right now. See the package-level OpenHandleCount for the
// process-wide total across every session.
func (s *Server) OpenHandleCount() int { return s.handles.Count() }

// Serve reads SFTP requests from r and writes responses to w until r
// returns an error (normally io.EOF when the channel closes).
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	defer s.handles.closeAll()
	for {
		typ, payload, err := readPacket(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := s.dispatch(w, typ, payload); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(w io.Writer, typ byte, payload []byte) error {
	c := newCursor(payload)

	if typ == SSH_FXP_INIT {
		return s.handleInit(w, c)
	}

	reqID, err := c.uint32()
	if err != nil {
		return writeStatus(w, 0, SSH_FX_BAD_MESSAGE, "malformed request")
	}

	s.mu.Lock()
	s.requestCount++
	s.mu.Unlock()

	switch typ {
	case SSH_FXP_OPEN:
		return s.handleOpen(w, reqID, c)
	case SSH_FXP_CLOSE:
		return s.handleClose(w, reqID, c)
	case SSH_FXP_READ:
		return s.handleRead(w, reqID, c)
	case SSH_FXP_WRITE:
		return s.handleWrite(w, reqID, c)
	case SSH_FXP_LSTAT:
		return s.handleStat(w, reqID, c, true)
	case SSH_FXP_STAT:
		return s.handleStat(w, reqID, c, false)
	case SSH_FXP_FSTAT:
		return s.handleFstat(w, reqID, c)
	case SSH_FXP_SETSTAT:
		return s.handleSetstat(w, reqID, c)
	case SSH_FXP_FSETSTAT:
		return s.handleFsetstat(w, reqID, c)
	case SSH_FXP_OPENDIR:
		return s.handleOpendir(w, reqID, c)
	case SSH_FXP_READDIR:
		return s.handleReaddir(w, reqID, c)
	case SSH_FXP_REMOVE:
		return s.handleRemove(w, reqID, c)
	case SSH_FXP_MKDIR:
		return s.handleMkdir(w, reqID, c)
	case SSH_FXP_RMDIR:
		return s.handleRmdir(w, reqID, c)
	case SSH_FXP_REALPATH:
		return s.handleRealpath(w, reqID, c)
	case SSH_FXP_RENAME:
		return s.handleRename(w, reqID, c)
	case SSH_FXP_READLINK:
		return s.handleReadlink(w, reqID, c)
	case SSH_FXP_SYMLINK:
		return s.handleSymlink(w, reqID, c)
	case SSH_FXP_LINK:
		return s.handleLink(w, reqID, c)
	case SSH_FXP_BLOCK:
		return s.handleBlock(w, reqID, c)
	case SSH_FXP_UNBLOCK:
		return s.handleUnblock(w, reqID, c)
	case SSH_FXP_EXTENDED:
		return s.handleExtended(w, reqID, c)
	default:
		return writeStatus(w, reqID, SSH_FX_OP_UNSUPPORTED, "unsupported opcode")
	}
}

func (s *Server) handleInit(w io.Writer, c *cursor) error {
	clientVersion, err := c.uint32()
	if err != nil {
		return err
	}
	s.mu.Lock()
	v := int(clientVersion)
	if v > s.cfg.Version {
		v = s.cfg.Version
	}
	if v < MinVersion {
		v = MinVersion
	}
	s.version = v
	s.mu.Unlock()

	b := &builder{}
	b.u32(uint32(v))
	writeExtensionPair(b, "versions", supportedVersionsList())
	writeExtensionPair(b, "newline", "\n")
	writeExtensionPair(b, "vendor-id", vendorIDPayload())
	for _, name := range s.cfg.OpenSSHExtensions {
		writeExtensionPair(b, name, "1")
	}
	for _, name := range s.cfg.ClientExtensions {
		writeExtensionPair(b, name, "1")
	}
	return writePacket(w, SSH_FXP_VERSION, b.buf)
}

func supportedVersionsList() string {
	out := ""
	for v := MinVersion; v <= MaxVersion; v++ {
		if out != "" {
			out += ","
		}
		out += fmt.Sprintf("%d", v)
	}
	return out
}

// vendorIDPayload builds the "vendor-id" extension-data structure (secsh
// -filexfer-13 §4.4): vendor-name, product-name, product-version strings
// plus a uint64 product-build-number, packed as a standalone sub-buffer
// (the extension-pair's "data" field is this whole blob, opaque to the
// outer VERSION packet).
func vendorIDPayload() string {
	b := &builder{}
	b.str("nodeforge")
	b.str("sshd")
	b.str("1.0")
	b.u64(1)
	return string(b.buf)
}

func writeExtensionPair(b *builder, name, data string) {
	b.str(name)
	b.str(data)
}

func (s *Server) resolvePath(p string) string {
	if s.cfg.Root == "" {
		return p
	}
	clean := filepath.Clean("/" + p)
	return filepath.Join(s.cfg.Root, clean)
}

func (s *Server) handleOpen(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	pflags, err := c.uint32()
	if err != nil {
		return err
	}
	if _, err := unmarshalAttrs(c); err != nil {
		return err
	}

	real := s.resolvePath(path)
	flag := sftpFlagsToOS(pflags)
	f, err := os.OpenFile(real, flag, 0o644)
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}

	id, err := s.handles.alloc(&handle{kind: handleFile, file: f, path: real, pflags: pflags})
	if err != nil {
		_ = f.Close()
		return writeErrStatus(w, reqID, err)
	}
	return writeHandle(w, reqID, id)
}

func sftpFlagsToOS(pflags uint32) int {
	var flag int
	switch {
	case pflags&SSH_FXF_READ != 0 && pflags&SSH_FXF_WRITE != 0:
		flag = os.O_RDWR
	case pflags&SSH_FXF_WRITE != 0:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if pflags&SSH_FXF_APPEND != 0 {
		flag |= os.O_APPEND
	}
	if pflags&SSH_FXF_CREAT != 0 {
		flag |= os.O_CREATE
	}
	if pflags&SSH_FXF_TRUNC != 0 {
		flag |= os.O_TRUNC
	}
	if pflags&SSH_FXF_EXCL != 0 {
		flag |= os.O_EXCL
	}
	return flag
}

func (s *Server) handleClose(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	s.handles.release(id)
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			return writeErrStatus(w, reqID, err)
		}
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleRead(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	offset, err := c.uint64()
	if err != nil {
		return err
	}
	length, err := c.uint32()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok || h.kind != handleFile {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	if max := uint32(s.cfg.MaxPacketLength); length > max {
		length = max
	}
	buf := make([]byte, length)
	n, err := h.file.ReadAt(buf, int64(offset))
	if n == 0 && err != nil {
		return writeErrStatus(w, reqID, err)
	}
	b := &builder{}
	b.str(string(buf[:n]))
	return writeTyped(w, SSH_FXP_DATA, reqID, b.buf)
}

func (s *Server) handleWrite(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	offset, err := c.uint64()
	if err != nil {
		return err
	}
	data, err := c.str()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok || h.kind != handleFile {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	if _, err := h.file.WriteAt([]byte(data), int64(offset)); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleStat(w io.Writer, reqID uint32, c *cursor, lstat bool) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	real := s.resolvePath(path)
	var fi os.FileInfo
	if lstat {
		fi, err = os.Lstat(real)
	} else {
		fi, err = os.Stat(real)
	}
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeAttrs(w, reqID, attrsFromFileInfo(fi))
}

func (s *Server) handleFstat(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	fi, err := os.Stat(h.path)
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeAttrs(w, reqID, attrsFromFileInfo(fi))
}

func (s *Server) handleSetstat(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	attrs, err := unmarshalAttrs(c)
	if err != nil {
		return err
	}
	if err := applyAttrs(s.resolvePath(path), attrs); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleFsetstat(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	attrs, err := unmarshalAttrs(c)
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	if err := applyAttrs(h.path, attrs); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleOpendir(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	real := s.resolvePath(path)
	entries, err := os.ReadDir(real)
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	id, err := s.handles.alloc(&handle{kind: handleDir, path: real, dirEntries: entries})
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeHandle(w, reqID, id)
}

// handleReaddir returns one batch of entries per call, synthesizing "."
// and ".." as the first two (spec §4.6), then exhausts dirEntries and
// finally replies SSH_FX_EOF once done.
func (s *Server) handleReaddir(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok || h.kind != handleDir {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	if h.dirDone {
		return writeStatus(w, reqID, SSH_FX_EOF, "EOF")
	}

	type nameEntry struct {
		name, longName string
		attrs          Attrs
	}
	var names []nameEntry

	if h.dirPos == 0 {
		if fi, err := os.Stat(h.path); err == nil {
			names = append(names, nameEntry{".", longNameFormat(".", fi), attrsFromFileInfo(fi)})
		}
		if fi, err := os.Stat(filepath.Dir(h.path)); err == nil {
			names = append(names, nameEntry{"..", longNameFormat("..", fi), attrsFromFileInfo(fi)})
		}
	}

	const batch = 64
	for h.dirPos < len(h.dirEntries) && len(names) < batch {
		ent := h.dirEntries[h.dirPos]
		h.dirPos++
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		names = append(names, nameEntry{ent.Name(), longNameFormat(ent.Name(), fi), attrsFromFileInfo(fi)})
	}
	if h.dirPos >= len(h.dirEntries) {
		h.dirDone = true
	}
	if len(names) == 0 {
		return writeStatus(w, reqID, SSH_FX_EOF, "EOF")
	}

	b := &builder{}
	b.u32(uint32(len(names)))
	for _, n := range names {
		b.str(n.name)
		b.str(n.longName)
		n.attrs.marshal(b)
	}
	return writeTyped(w, SSH_FXP_NAME, reqID, b.buf)
}

func (s *Server) handleRemove(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	if err := os.Remove(s.resolvePath(path)); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleMkdir(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	attrs, err := unmarshalAttrs(c)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o755)
	if attrs.Flags&SSH_FILEXFER_ATTR_PERMISSIONS != 0 {
		mode = os.FileMode(attrs.Permissions & 0o7777)
	}
	if err := os.Mkdir(s.resolvePath(path), mode); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleRmdir(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	if err := os.Remove(s.resolvePath(path)); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

// REALPATH v6 control-byte values (secsh-filexfer-13 §8.1.3).
const (
	sshFXPRealpathNoCheck   = 0x01
	sshFXPRealpathStatIf    = 0x02
	sshFXPRealpathStatAlways = 0x03
)

func (s *Server) handleRealpath(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}

	control := byte(sshFXPRealpathStatIf)
	var extra []string
	if s.version >= 6 {
		if ctl, cerr := c.bytesN(1); cerr == nil {
			control = ctl[0]
			for {
				comp, serr := c.str()
				if serr != nil {
					break
				}
				extra = append(extra, comp)
			}
		}
	}

	real := s.resolvePath(path)
	for _, comp := range extra {
		real = filepath.Join(real, comp)
	}
	abs, err := filepath.Abs(real)
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}

	b := &builder{}
	b.u32(1)
	b.str(abs)

	if control == sshFXPRealpathNoCheck {
		b.str(abs)
		Attrs{}.marshal(b)
		return writeTyped(w, SSH_FXP_NAME, reqID, b.buf)
	}

	fi, statErr := os.Lstat(real)
	switch {
	case statErr == nil:
		b.str(longNameFormat(filepath.Base(abs), fi))
		attrsFromFileInfo(fi).marshal(b)
	case control == sshFXPRealpathStatAlways:
		return writeErrStatus(w, reqID, statErr)
	default: // STAT_IF (and the v3-v5 unconditional-best-effort default)
		b.str(abs)
		Attrs{}.marshal(b)
	}
	return writeTyped(w, SSH_FXP_NAME, reqID, b.buf)
}

// RENAME flag bits (v5+, secsh-filexfer-13 §6.5): interpreted as
// copy-options per spec §4.6. ATOMIC has no distinct meaning against
// os.Rename (POSIX rename is already atomic); OVERWRITE gates whether an
// existing destination is replaced or reported as already-existing.
const (
	sshFXFRenameOverwrite = 0x00000001
	sshFXFRenameAtomic    = 0x00000002
)

func (s *Server) handleRename(w io.Writer, reqID uint32, c *cursor) error {
	oldPath, err := c.str()
	if err != nil {
		return err
	}
	newPath, err := c.str()
	if err != nil {
		return err
	}
	var flags uint32
	if s.version >= 5 {
		// v3/v4 clients never send this field; ignore a short read.
		if f, ferr := c.uint32(); ferr == nil {
			flags = f
		}
	}
	realOld := s.resolvePath(oldPath)
	realNew := s.resolvePath(newPath)
	if s.version >= 5 && flags&sshFXFRenameOverwrite == 0 {
		if _, statErr := os.Lstat(realNew); statErr == nil {
			return writeStatus(w, reqID, SSH_FX_FILE_ALREADY_EXISTS, "destination exists")
		}
	}
	if err := os.Rename(realOld, realNew); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleReadlink(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	target, err := os.Readlink(s.resolvePath(path))
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	b := &builder{}
	b.u32(1)
	b.str(target)
	b.str(target)
	Attrs{}.marshal(b)
	return writeTyped(w, SSH_FXP_NAME, reqID, b.buf)
}

func (s *Server) handleSymlink(w io.Writer, reqID uint32, c *cursor) error {
	linkPath, err := c.str()
	if err != nil {
		return err
	}
	targetPath, err := c.str()
	if err != nil {
		return err
	}
	if err := os.Symlink(targetPath, s.resolvePath(linkPath)); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleLink(w io.Writer, reqID uint32, c *cursor) error {
	newPath, err := c.str()
	if err != nil {
		return err
	}
	oldPath, err := c.str()
	if err != nil {
		return err
	}
	if err := os.Link(s.resolvePath(oldPath), s.resolvePath(newPath)); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

// handleBlock/handleUnblock implement the byte-range lock opcodes (spec
// §4.6). Locks are advisory and tracked only within this process — real
// cross-process mandatory locking is out of scope, matching the spec's
// narrow transport/connection/SFTP core focus.
func (s *Server) handleBlock(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	offset, err := c.uint64()
	if err != nil {
		return err
	}
	length, err := c.uint64()
	if err != nil {
		return err
	}
	mask, err := c.uint32()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	for _, l := range h.locks {
		if rangesOverlap(l.offset, l.length, offset, length) {
			return writeStatus(w, reqID, SSH_FX_FAILURE, "range already locked")
		}
	}
	h.locks = append(h.locks, byteRangeLock{offset: offset, length: length, lockMask: mask})
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) handleUnblock(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	offset, err := c.uint64()
	if err != nil {
		return err
	}
	length, err := c.uint64()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	matched := false
	out := h.locks[:0]
	for _, l := range h.locks {
		if l.offset == offset && l.length == length {
			matched = true
			continue
		}
		out = append(out, l)
	}
	h.locks = out
	if !matched {
		return writeStatus(w, reqID, SSH_FX_NO_MATCHING_BYTE_RANGE_LOCK, "no matching byte-range lock")
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func rangesOverlap(aOff, aLen, bOff, bLen uint64) bool {
	aEnd, bEnd := aOff+aLen, bOff+bLen
	if aLen == 0 {
		aEnd = ^uint64(0)
	}
	if bLen == 0 {
		bEnd = ^uint64(0)
	}
	return aOff < bEnd && bOff < aEnd
}

// handleExtended dispatches SSH_FXP_EXTENDED requests (spec §4.6:
// copy-file, copy-data, md5-hash[-handle], check-file/check-file-name,
// space-available, fsync@openssh.com, version-select, plus the OpenSSH
// posix-rename/statvfs/fstatvfs extensions). check-file-handle is not
// handled and gets SSH_FX_OP_UNSUPPORTED.
func (s *Server) handleExtended(w io.Writer, reqID uint32, c *cursor) error {
	name, err := c.str()
	if err != nil {
		return err
	}
	switch name {
	case "version-select":
		return s.extVersionSelect(w, reqID, c)
	case "fsync@openssh.com":
		return s.extFsync(w, reqID, c)
	case "space-available":
		return s.extSpaceAvailable(w, reqID, c)
	case "md5-hash", "md5-hash-handle":
		return s.extMD5Hash(w, reqID, c, name == "md5-hash-handle")
	case "check-file", "check-file-name":
		return s.extCheckFile(w, reqID, c)
	case "copy-file", "copy-data":
		return s.extCopy(w, reqID, c, name == "copy-data")
	case "posix-rename@openssh.com":
		return s.extPosixRename(w, reqID, c)
	case "statvfs@openssh.com":
		return s.extStatvfs(w, reqID, c, false)
	case "fstatvfs@openssh.com":
		return s.extStatvfs(w, reqID, c, true)
	default:
		return writeStatus(w, reqID, SSH_FX_OP_UNSUPPORTED, "unsupported extension "+name)
	}
}

// extPosixRename implements OpenSSH's posix-rename@openssh.com: an
// unconditional rename-with-overwrite, independent of the protocol
// version's native RENAME overwrite gating (spec §6's configurable
// sftp-openssh-extensions set).
func (s *Server) extPosixRename(w io.Writer, reqID uint32, c *cursor) error {
	oldPath, err := c.str()
	if err != nil {
		return err
	}
	newPath, err := c.str()
	if err != nil {
		return err
	}
	if err := os.Rename(s.resolvePath(oldPath), s.resolvePath(newPath)); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

// extStatvfs implements OpenSSH's statvfs@openssh.com/fstatvfs@openssh.com:
// a struct of uint64 fields mirroring POSIX statvfs(2), sourced from
// syscall.Statfs since the standard library exposes no portable statvfs.
func (s *Server) extStatvfs(w io.Writer, reqID uint32, c *cursor, byHandle bool) error {
	var path string
	if byHandle {
		id, err := c.str()
		if err != nil {
			return err
		}
		h, ok := s.handles.get(id)
		if !ok {
			return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
		}
		path = h.path
	} else {
		p, err := c.str()
		if err != nil {
			return err
		}
		path = s.resolvePath(p)
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	b := &builder{}
	b.u64(uint64(st.Bsize))                // f_bsize
	b.u64(uint64(st.Frsize))               // f_frsize
	b.u64(st.Blocks)                       // f_blocks
	b.u64(st.Bfree)                        // f_bfree
	b.u64(st.Bavail)                       // f_bavail
	b.u64(st.Files)                        // f_files
	b.u64(st.Ffree)                        // f_ffree
	b.u64(st.Ffree)                        // f_favail
	b.u64(uint64(uint32(st.Fsid.X__val[0]))) // f_fsid
	b.u64(0)                               // f_flag (not modeled; reported as unset)
	b.u64(uint64(st.Namelen))              // f_namemax
	return writeTyped(w, SSH_FXP_EXTENDED_REPLY, reqID, b.buf)
}

// errVersionSelectViolation is returned (never written as a STATUS packet)
// when version-select arrives out of order or with a malformed version
// string. Returning it from dispatch propagates up through Serve and tears
// down the subsystem, matching the spec's Open Question decision to
// "preserve the disconnect (not a bare status) to match observable
// behavior" rather than reporting a recoverable SSH_FX_FAILURE.
var errVersionSelectViolation = fmt.Errorf("sftp: version-select protocol violation")

// extVersionSelect must be the very first request after INIT/VERSION per
// secsh-filexfer-extensions-00; any other ordering, a duplicate call, or
// an unparsable version string disconnects the subsystem (see
// errVersionSelectViolation and DESIGN.md's Open Question decision).
func (s *Server) extVersionSelect(w io.Writer, reqID uint32, c *cursor) error {
	verStr, err := c.str()
	if err != nil {
		return errVersionSelectViolation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versionSelected || s.requestCount != 1 {
		return errVersionSelectViolation
	}
	v := atoiSafe(verStr)
	if v < MinVersion || v > MaxVersion {
		return errVersionSelectViolation
	}
	s.version = v
	s.versionSelected = true
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) extFsync(w io.Writer, reqID uint32, c *cursor) error {
	id, err := c.str()
	if err != nil {
		return err
	}
	h, ok := s.handles.get(id)
	if !ok || h.file == nil {
		return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
	}
	if err := h.file.Sync(); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func (s *Server) extSpaceAvailable(w io.Writer, reqID uint32, c *cursor) error {
	if _, err := c.str(); err != nil { // path, unused beyond validating the request shape
		return err
	}
	b := &builder{}
	// Without a portable statvfs in the standard library, report an
	// optimistic "plenty of space" rather than guessing wrong; embedders
	// needing accurate quotas should front this with their own check.
	b.u64(^uint64(0))
	b.u64(^uint64(0))
	b.u64(^uint64(0))
	b.u64(^uint64(0))
	b.u64(^uint64(0))
	return writeTyped(w, SSH_FXP_EXTENDED_REPLY, reqID, b.buf)
}

func (s *Server) extMD5Hash(w io.Writer, reqID uint32, c *cursor, byHandle bool) error {
	var f *os.File
	if byHandle {
		id, err := c.str()
		if err != nil {
			return err
		}
		h, ok := s.handles.get(id)
		if !ok || h.file == nil {
			return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
		}
		f = h.file
	} else {
		path, err := c.str()
		if err != nil {
			return err
		}
		opened, err := os.Open(s.resolvePath(path))
		if err != nil {
			return writeErrStatus(w, reqID, err)
		}
		defer opened.Close()
		f = opened
	}
	offset, err := c.uint64()
	if err != nil {
		return err
	}
	length, err := c.uint64()
	if err != nil {
		return err
	}
	quickCheckHash, err := c.str()
	if err != nil {
		return err
	}

	sum, err := hashRange(f, offset, length)
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}

	// Quick-check optimization (spec §4.6/§8 scenario E4, per the IETF
	// draft): an empty quick-check-hash means "hash unconditionally and
	// return it". A non-empty one is the caller's guess at the prefix of
	// the server's real hash of this range; if it doesn't match, the
	// server withholds the real hash (an empty reply) rather than confirm
	// a guess that's already known to be wrong.
	if quickCheckHash != "" {
		prefixLen := len(quickCheckHash)
		if prefixLen > len(sum) {
			prefixLen = len(sum)
		}
		if quickCheckHash != string(sum[:prefixLen]) {
			b := &builder{}
			b.str("")
			return writeTyped(w, SSH_FXP_EXTENDED_REPLY, reqID, b.buf)
		}
	}

	b := &builder{}
	b.str(string(sum))
	return writeTyped(w, SSH_FXP_EXTENDED_REPLY, reqID, b.buf)
}

func hashRange(f *os.File, offset, length uint64) ([]byte, error) {
	h := md5.New()
	section := io.NewSectionReader(f, int64(offset), sectionLen(length))
	if _, err := io.Copy(h, section); err != nil && err != io.EOF {
		return nil, err
	}
	return h.Sum(nil), nil
}

func sectionLen(length uint64) int64 {
	if length == 0 {
		return 1 << 62
	}
	return int64(length)
}

// copyRangesOverlap reports whether [srcOff, srcOff+length) and
// [dstOff, dstOff+length) intersect, for copy-data's same-handle check
// (spec.md:139): a zero length means "to EOF", i.e. unbounded.
func copyRangesOverlap(srcOff, dstOff, length uint64) bool {
	end := uint64(sectionLen(length))
	srcEnd, dstEnd := srcOff+end, dstOff+end
	return srcOff < dstEnd && dstOff < srcEnd
}

// extCheckFile answers check-file/check-file-name by path with a single MD5
// hash over the whole requested byte range: the block-size field is read
// but no per-block hashes are produced, and no algorithm other than MD5 is
// computed.
func (s *Server) extCheckFile(w io.Writer, reqID uint32, c *cursor) error {
	path, err := c.str()
	if err != nil {
		return err
	}
	algList, err := c.str()
	if err != nil {
		return err
	}
	offset, err := c.uint64()
	if err != nil {
		return err
	}
	length, err := c.uint64()
	if err != nil {
		return err
	}
	if _, err := c.uint32(); err != nil { // quick-check block size, unused: whole-range hash only
		return err
	}

	f, err := os.Open(s.resolvePath(path))
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	defer f.Close()

	alg := "md5"
	if algList != "" {
		alg = algList
	}
	sum, err := hashRange(f, offset, length)
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}

	b := &builder{}
	b.str(alg)
	b.raw(sum)
	return writeTyped(w, SSH_FXP_EXTENDED_REPLY, reqID, b.buf)
}

// extCopy implements copy-file/copy-data: copy-file copies a whole path
// to another path; copy-data copies a byte range between two open
// handles (draft-ietf-secsh-filexfer extensions both OpenSSH and newer
// clients send).
func (s *Server) extCopy(w io.Writer, reqID uint32, c *cursor, byHandle bool) error {
	if byHandle {
		srcID, err := c.str()
		if err != nil {
			return err
		}
		srcOff, err := c.uint64()
		if err != nil {
			return err
		}
		length, err := c.uint64()
		if err != nil {
			return err
		}
		dstID, err := c.str()
		if err != nil {
			return err
		}
		dstOff, err := c.uint64()
		if err != nil {
			return err
		}
		src, ok := s.handles.get(srcID)
		if !ok || src.file == nil {
			return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
		}
		dst, ok := s.handles.get(dstID)
		if !ok || dst.file == nil {
			return writeStatus(w, reqID, SSH_FX_FAILURE, "unknown handle")
		}
		if srcID == dstID && copyRangesOverlap(srcOff, dstOff, length) {
			return writeStatus(w, reqID, SSH_FX_OP_UNSUPPORTED, "overlapping copy range")
		}
		section := io.NewSectionReader(src.file, int64(srcOff), sectionLen(length))
		if _, err := io.Copy(io.NewOffsetWriter(dst.file, int64(dstOff)), section); err != nil {
			return writeErrStatus(w, reqID, err)
		}
		return writeStatus(w, reqID, SSH_FX_OK, "OK")
	}

	srcPath, err := c.str()
	if err != nil {
		return err
	}
	dstPath, err := c.str()
	if err != nil {
		return err
	}
	src, err := os.Open(s.resolvePath(srcPath))
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	defer src.Close()
	dst, err := os.Create(s.resolvePath(dstPath))
	if err != nil {
		return writeErrStatus(w, reqID, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return writeErrStatus(w, reqID, err)
	}
	return writeStatus(w, reqID, SSH_FX_OK, "OK")
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// --- response helpers ----------------------------------------------------

func writeStatus(w io.Writer, reqID uint32, code uint32, msg string) error {
	b := &builder{}
	b.u32(reqID)
	b.u32(code)
	b.str(msg)
	b.str("en")
	return writePacket(w, SSH_FXP_STATUS, b.buf)
}

func writeErrStatus(w io.Writer, reqID uint32, err error) error {
	code, msg := statusFromError(err)
	return writeStatus(w, reqID, code, msg)
}

func writeHandle(w io.Writer, reqID uint32, id string) error {
	b := &builder{}
	b.u32(reqID)
	b.str(id)
	return writePacket(w, SSH_FXP_HANDLE, b.buf)
}

func writeAttrs(w io.Writer, reqID uint32, a Attrs) error {
	b := &builder{}
	b.u32(reqID)
	a.marshal(b)
	return writePacket(w, SSH_FXP_ATTRS, b.buf)
}

func writeTyped(w io.Writer, typ byte, reqID uint32, rest []byte) error {
	b := &builder{}
	b.u32(reqID)
	b.raw(rest)
	return writePacket(w, typ, b.buf)
}
