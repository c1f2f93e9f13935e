// Package tree implements ArchiveFS's node tree: the in-memory virtual
// filesystem that sits between the FUSE mount glue and the
// archive-format backends.
package tree

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/archivefs/archivefs/internal/buffer"
)

// Kind discriminates the three node shapes.
type Kind int

const (
	KindRoot Kind = iota
	KindDir
	KindFile
)

// Stat carries the subset of POSIX struct stat a virtual entry needs.
type Stat struct {
	Size    int64
	Nlink   uint32
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Blksize uint32
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

const (
	ModeDir  uint32 = 0755
	ModeFile uint32 = 0644

	DefaultBlksize uint32 = 4096
)

// Node is one entry in a Tree: the root, a directory, or a regular
// file.
type Node struct {
	Kind Kind

	// FullPath is the in-archive absolute path with no leading slash;
	// the root has none (empty string).
	FullPath string
	// Name is the suffix of FullPath after the last '/'.
	Name string
	// OriginalPath is set once, on first rename, only if the node was
	// persisted (had a Locator) at that moment. nil otherwise.
	OriginalPath *string

	Stat Stat

	// Buffer is non-nil iff content has been materialized; nil means
	// reads must go through the driver.
	Buffer *buffer.Buffer

	// Locator is an opaque, backend-specific handle: a ZIP entry
	// index, a TAR byte offset, or an ISO9660 directory-record
	// extent. Populated and interpreted only by the owning driver.
	Locator any

	OpenRefs int
	Changed  bool

	Parent   *Node
	Children []*Node

	// lock guards Buffer and OpenRefs: readers take the shared mode;
	// writers, truncation, open/close bookkeeping and content
	// materialisation take the exclusive mode.
	lock sync.RWMutex
}

// New nodes are owned by the effective identity of the hosting
// process.
var (
	DefaultUid = uint32(os.Geteuid())
	DefaultGid = uint32(os.Getegid())
)

// NewNode constructs a detached node for fullPath (already normalized:
// no leading slash). locator may be nil for nodes not yet backed by an
// archive entry (e.g. freshly created via mknod/create/mkdir).
func NewNode(fullPath string, kind Kind, locator any) *Node {
	now := time.Now()
	n := &Node{
		Kind:     kind,
		FullPath: fullPath,
		Name:     nameOf(fullPath),
		Locator:  locator,
	}
	n.Stat = Stat{
		Uid:     DefaultUid,
		Gid:     DefaultGid,
		Blksize: DefaultBlksize,
		Atime:   now,
		Ctime:   now,
		Mtime:   now,
	}
	switch kind {
	case KindDir, KindRoot:
		n.Stat.Mode = ModeDir
		n.Stat.Size = int64(DefaultBlksize)
		n.Stat.Blocks = 8
		n.Stat.Nlink = 2
	case KindFile:
		n.Stat.Mode = ModeFile
		n.Stat.Size = 0
		n.Stat.Blocks = 0
		n.Stat.Nlink = 1
	}
	return n
}

func nameOf(fullPath string) string {
	if fullPath == "" {
		return ""
	}
	if i := strings.LastIndexByte(fullPath, '/'); i >= 0 {
		return fullPath[i+1:]
	}
	return fullPath
}

// Lock/RLock/Unlock/RUnlock expose the node's buffer lock so the tree
// can hold it across driver calls that materialize content;
// materialisation holds the exclusive lock for its entire duration.
func (n *Node) Lock()    { n.lock.Lock() }
func (n *Node) Unlock()  { n.lock.Unlock() }
func (n *Node) RLock()   { n.lock.RLock() }
func (n *Node) RUnlock() { n.lock.RUnlock() }

// AddChild appends child to n's children and increments n's nlink
// only when the added child is itself a directory.
func (n *Node) AddChild(child *Node) {
	n.Children = append(n.Children, child)
	if child.Kind == KindDir {
		n.Stat.Nlink++
	}
}

// RemoveChild removes child from n's children list (list removal only,
// no destruction) and decrements nlink if it was a directory.
func (n *Node) RemoveChild(child *Node) {
	for i, c := range n.Children {
		if c == child {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			if child.Kind == KindDir {
				n.Stat.Nlink--
			}
			return
		}
	}
}

func (n *Node) SetSize(size int64) { n.Stat.Size = size }
func (n *Node) GetSize() int64     { return n.Stat.Size }

// IsDir reports whether n is a directory or the root.
func (n *Node) IsDir() bool { return n.Kind == KindDir || n.Kind == KindRoot }

// Persisted reports whether n corresponds to an entry that exists (or
// existed) in the source container.
func (n *Node) Persisted() bool { return n.Locator != nil }
