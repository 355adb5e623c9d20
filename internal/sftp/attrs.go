package sftp

import (
	"io/fs"
	"os"
	"syscall"
	"time"
)

// Attrs is the wire representation of secsh-filexfer file attributes
// (§7), v3-style (the flag set every real client and server still uses).
// v4-v6's richer type/ACL/extended-attribute fields are neither encoded nor
// decoded, whatever version was negotiated.
type Attrs struct {
	Flags       uint32
	Size        uint64
	UID, GID    uint32
	Permissions uint32
	ATime, MTime uint32
}

func attrsFromFileInfo(fi fs.FileInfo) Attrs {
	a := Attrs{
		Flags:       SSH_FILEXFER_ATTR_SIZE | SSH_FILEXFER_ATTR_PERMISSIONS | SSH_FILEXFER_ATTR_ACMODTIME,
		Size:        uint64(fi.Size()),
		Permissions: uint32(fi.Mode().Perm()),
		MTime:       uint32(fi.ModTime().Unix()),
		ATime:       uint32(fi.ModTime().Unix()),
	}
	if fi.IsDir() {
		a.Permissions |= 0o040000
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		a.Permissions |= 0o120000
	}
	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.UID, a.GID = sys.Uid, sys.Gid
		a.Flags |= SSH_FILEXFER_ATTR_UIDGID
	}
	return a
}

func (a Attrs) marshal(b *builder) {
	b.u32(a.Flags)
	if a.Flags&SSH_FILEXFER_ATTR_SIZE != 0 {
		b.u64(a.Size)
	}
	if a.Flags&SSH_FILEXFER_ATTR_UIDGID != 0 {
		b.u32(a.UID)
		b.u32(a.GID)
	}
	if a.Flags&SSH_FILEXFER_ATTR_PERMISSIONS != 0 {
		b.u32(a.Permissions)
	}
	if a.Flags&SSH_FILEXFER_ATTR_ACMODTIME != 0 {
		b.u32(a.ATime)
		b.u32(a.MTime)
	}
}

func unmarshalAttrs(c *cursor) (Attrs, error) {
	var a Attrs
	var err error
	if a.Flags, err = c.uint32(); err != nil {
		return a, err
	}
	if a.Flags&SSH_FILEXFER_ATTR_SIZE != 0 {
		if a.Size, err = c.uint64(); err != nil {
			return a, err
		}
	}
	if a.Flags&SSH_FILEXFER_ATTR_UIDGID != 0 {
		if a.UID, err = c.uint32(); err != nil {
			return a, err
		}
		if a.GID, err = c.uint32(); err != nil {
			return a, err
		}
	}
	if a.Flags&SSH_FILEXFER_ATTR_PERMISSIONS != 0 {
		if a.Permissions, err = c.uint32(); err != nil {
			return a, err
		}
	}
	if a.Flags&SSH_FILEXFER_ATTR_ACMODTIME != 0 {
		if a.ATime, err = c.uint32(); err != nil {
			return a, err
		}
		if a.MTime, err = c.uint32(); err != nil {
			return a, err
		}
	}
	return a, nil
}

// applyAttrs applies whatever subset of a is present to the file at path,
// used by SETSTAT/FSETSTAT.
func applyAttrs(path string, a Attrs) error {
	if a.Flags&SSH_FILEXFER_ATTR_SIZE != 0 {
		if err := os.Truncate(path, int64(a.Size)); err != nil {
			return err
		}
	}
	if a.Flags&SSH_FILEXFER_ATTR_UIDGID != 0 {
		if err := os.Chown(path, int(a.UID), int(a.GID)); err != nil {
			return err
		}
	}
	if a.Flags&SSH_FILEXFER_ATTR_PERMISSIONS != 0 {
		if err := os.Chmod(path, os.FileMode(a.Permissions&0o7777)); err != nil {
			return err
		}
	}
	if a.Flags&SSH_FILEXFER_ATTR_ACMODTIME != 0 {
		atime := time.Unix(int64(a.ATime), 0)
		mtime := time.Unix(int64(a.MTime), 0)
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func longNameFormat(name string, fi fs.FileInfo) string {
	mode := fi.Mode().String()
	size := fi.Size()
	mtime := fi.ModTime().Format("Jan _2 15:04")
	return mode + "    1 owner owner " + itoa(size) + " " + mtime + " " + name
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
