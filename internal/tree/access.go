package tree

import (
	"strings"
	"syscall"
	"time"

	"github.com/archivefs/archivefs/internal/errtab"
)

// Access mask bits, matching the POSIX access(2) constants the mount
// surface hands down.
const (
	MaskExec  uint32 = 1
	MaskWrite uint32 = 2
	MaskRead  uint32 = 4
)

// Access enforces POSIX-style permission checks against node's mode
// bits, with uid/gid mapped to the user/group/other triplet by
// comparison against the node's ownership. Root (uid 0) is always
// granted, except that executing a regular file still requires at
// least one execute bit somewhere in the mode. Non-root callers
// additionally need the execute bit on every ancestor directory.
//
// Only uid 0 is treated as privileged; gid 0 alone confers nothing.
//
// When the tree was not mounted with rights enforcement, every check
// passes.
func (t *Tree) Access(node *Node, mask uint32, uid, gid uint32) error {
	if !t.RespectRights {
		return nil
	}
	if uid == 0 {
		if mask&MaskExec != 0 && node.Kind == KindFile && node.Stat.Mode&0111 == 0 {
			return errtab.ErrPermissionDenied
		}
		return nil
	}
	if !t.pathSearchable(node, uid, gid) {
		return errtab.ErrPermissionDenied
	}
	if !modeGrants(&node.Stat, mask, uid, gid) {
		return errtab.ErrPermissionDenied
	}
	return nil
}

// pathSearchable reports whether every ancestor directory of node
// grants execute permission to the caller.
func (t *Tree) pathSearchable(node *Node, uid, gid uint32) bool {
	for p := node.Parent; p != nil; p = p.Parent {
		if !modeGrants(&p.Stat, MaskExec, uid, gid) {
			return false
		}
	}
	return true
}

// modeGrants applies one permission triplet of st.Mode, selected by
// ownership, against the requested mask.
func modeGrants(st *Stat, mask uint32, uid, gid uint32) bool {
	var shift uint
	switch {
	case uid == st.Uid:
		shift = 6
	case gid == st.Gid:
		shift = 3
	default:
		shift = 0
	}
	granted := (st.Mode >> shift) & 7
	return granted&mask == mask
}

// Utimens updates node's access and modification timestamps.
func (t *Tree) Utimens(node *Node, atime, mtime time.Time) error {
	if !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	node.Stat.Atime = atime
	node.Stat.Mtime = mtime
	node.Changed = true
	t.setChanged()
	return nil
}

// Chmod rewrites the permission bits of node's mode, leaving the file
// type bits intact.
func (t *Tree) Chmod(node *Node, mode uint32) error {
	if !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	node.Stat.Mode = (node.Stat.Mode &^ 0777) | (mode & 0777)
	node.Stat.Ctime = time.Now()
	node.Changed = true
	t.setChanged()
	return nil
}

// StatVFS describes the virtual filesystem for statfs(2), derived from
// the host filesystem hosting the container file.
type StatVFS struct {
	Bsize   uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Namemax uint32
}

// InitStatVFS derives free-space figures from the filesystem that
// hosts the container at containerPath; the file count is the number
// of live nodes.
func (t *Tree) InitStatVFS(containerPath string) (*StatVFS, error) {
	var st syscall.Statfs_t
	dir := containerPath
	if i := strings.LastIndexByte(dir, '/'); i > 0 {
		dir = dir[:i]
	}
	if err := syscall.Statfs(dir, &st); err != nil {
		return nil, errtab.ErrIOError
	}
	return &StatVFS{
		Bsize:   uint32(st.Bsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   uint64(t.NodeCount()),
		Ffree:   0,
		Namemax: 255,
	}, nil
}
