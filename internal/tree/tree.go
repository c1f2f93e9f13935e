package tree

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/archivefs/archivefs/internal/buffer"
	"github.com/archivefs/archivefs/internal/errtab"
)

// Driver is the subset of the archive backend contract the tree
// itself calls into: per-entry open/read/close, used for delegated
// reads and for the content backfill on truncate/open-for-write.
type Driver interface {
	Open(n *Node) error
	Read(n *Node, dst []byte, off int64) (int, error)
	Close(n *Node) error
}

// Tree is the per-archive node index: a root node plus a path-keyed
// mapping, a tombstone list, and a tree-wide Changed flag.
type Tree struct {
	// mu guards the mapping and tombstones. Public entry points
	// acquire it once; the lower-case *Locked helpers assume it is
	// held and never re-lock, so cross-node operations like rename
	// hold it for their whole effect.
	mu sync.Mutex

	root       *Node
	mapping    map[string]*Node
	tombstones []*Node

	Changed       bool
	WriteSupport  bool
	RespectRights bool

	Limit *buffer.Limit
}

// New constructs an empty Tree with a fresh root node.
func New(writeSupport bool, respectRights bool, limit *buffer.Limit) *Tree {
	return &Tree{
		root:          NewNode("", KindRoot, nil),
		mapping:       make(map[string]*Node),
		WriteSupport:  writeSupport,
		RespectRights: respectRights,
		Limit:         limit,
	}
}

func (t *Tree) Root() *Node { return t.root }

// Find looks up a node by path; an empty path yields the root. The
// mapping is an unordered map; the parents-before-children order the
// save walk needs is established in Walk.
func (t *Tree) Find(p string) *Node {
	if p == "" {
		return t.root
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mapping[p]
}

// Walk returns all live nodes ordered so that parents precede
// children, by sorting keys lexicographically: a parent path is always
// a strict string prefix of each child path.
func (t *Tree) Walk() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.mapping))
	for k := range t.mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Node, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.mapping[k])
	}
	return out
}

func (t *Tree) Tombstones() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Node(nil), t.tombstones...)
}

func parentPath(fullPath string) (string, bool) {
	i := strings.LastIndexByte(fullPath, '/')
	if i < 0 {
		return "", false
	}
	return fullPath[:i], true
}

// Append inserts node into the mapping. If a node already occupies
// that path, it fails with errtab.AlreadyExists carrying the existing
// node. Otherwise it resolves or (if missing) creates ancestor
// directories recursively, using default directory mode and ownership,
// and links node under its parent.
func (t *Tree) Append(node *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(node)
}

func (t *Tree) appendLocked(node *Node) error {
	if _, exists := t.mapping[node.FullPath]; exists {
		return &errtab.AlreadyExists{Existing: t.mapping[node.FullPath]}
	}
	t.mapping[node.FullPath] = node

	parentName, hasParent := parentPath(node.FullPath)
	var parentNode *Node
	if !hasParent {
		parentNode = t.root
	} else {
		parentNode = t.mapping[parentName]
		if parentNode == nil {
			parentNode = NewNode(parentName, KindDir, nil)
			if err := t.appendLocked(parentNode); err != nil {
				// The parent is already mapped; adopt that node.
				if ae, ok := err.(*errtab.AlreadyExists); ok {
					parentNode = ae.Existing.(*Node)
				} else {
					return err
				}
			}
		}
	}
	node.Parent = parentNode
	parentNode.AddChild(node)
	return nil
}

// AppendUnder links node under a caller-supplied parent with no
// implicit ancestor resolution.
func (t *Tree) AppendUnder(node *Node, parent *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.mapping[node.FullPath]; exists {
		return &errtab.AlreadyExists{Existing: t.mapping[node.FullPath]}
	}
	t.mapping[node.FullPath] = node
	node.Parent = parent
	parent.AddChild(node)
	return nil
}

// Take detaches node from the mapping and from its parent's children,
// without destroying it. Reports whether detachment occurred.
func (t *Tree) Take(node *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.takeLocked(node)
}

func (t *Tree) takeLocked(node *Node) bool {
	if _, ok := t.mapping[node.FullPath]; !ok {
		return false
	}
	delete(t.mapping, node.FullPath)
	if node.Parent != nil {
		node.Parent.RemoveChild(node)
	}
	return true
}

// Mknod, Create and Mkdir are guarded by WriteSupport. All three mark
// the node and tree Changed: a freshly created entry is changed from
// the moment it exists, even before any content does.

func (t *Tree) Mknod(p string, mode uint32) (*Node, error) {
	if !t.WriteSupport {
		return nil, errtab.ErrNotSupported
	}
	n := NewNode(normalize(p), KindFile, nil)
	n.Stat.Mode = mode
	n.Changed = true
	if err := t.Append(n); err != nil {
		return nil, err
	}
	t.setChanged()
	return n, nil
}

func (t *Tree) Create(p string, mode uint32) (*Node, error) {
	if !t.WriteSupport {
		return nil, errtab.ErrNotSupported
	}
	n := NewNode(normalize(p), KindFile, nil)
	n.Stat.Mode = mode
	buf, err := buffer.New(t.Limit, 0)
	if err != nil {
		return nil, errtab.ErrOutOfMemory
	}
	n.Buffer = buf
	n.OpenRefs = 1
	n.Changed = true
	if err := t.Append(n); err != nil {
		buf.Close()
		return nil, err
	}
	t.setChanged()
	return n, nil
}

func (t *Tree) Mkdir(p string, mode uint32) (*Node, error) {
	if !t.WriteSupport {
		return nil, errtab.ErrNotSupported
	}
	n := NewNode(normalize(p), KindDir, nil)
	n.Stat.Mode = mode
	n.Changed = true
	if err := t.Append(n); err != nil {
		return nil, err
	}
	t.setChanged()
	return n, nil
}

func (t *Tree) setChanged() {
	t.mu.Lock()
	t.Changed = true
	t.mu.Unlock()
}

func normalize(p string) string { return strings.TrimPrefix(path.Clean("/"+p), "/") }

// Rename detaches node, removes any pre-existing occupant of newPath
// (recursively, with no "must be empty" check: renaming over a
// non-empty directory destroys it and everything under it), preserves
// OriginalPath, rebuilds Name, and re-appends. If node is a directory,
// every descendant is recursively repathed. Rename holds the tree lock
// for its entire effect, so no observer sees a partially-renamed
// namespace.
func (t *Tree) Rename(node *Node, newPath string) error {
	if !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	newPath = normalize(newPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.takeLocked(node) {
		return errtab.ErrNotFound
	}

	if existing, ok := t.mapping[newPath]; ok {
		t.removeLocked(existing)
	}

	t.retarget(node, newPath)

	if err := t.appendLocked(node); err != nil {
		return err
	}

	if node.Kind == KindDir {
		for _, child := range append([]*Node(nil), node.Children...) {
			t.repathLocked(child, node.FullPath)
		}
	}

	t.Changed = true
	return nil
}

// retarget preserves OriginalPath (once, only if persisted) and
// rewrites FullPath/Name.
func (t *Tree) retarget(node *Node, newPath string) {
	if node.Persisted() && node.OriginalPath == nil {
		old := node.FullPath
		node.OriginalPath = &old
	}
	node.FullPath = newPath
	node.Name = nameOf(newPath)
}

// repathLocked removes the child from the mapping under its old key,
// computes its new path from the new parent path, preserves
// OriginalPath the same way Rename does, reinserts under the new key,
// then recurses into its own children. Must be called with t.mu held.
func (t *Tree) repathLocked(node *Node, parentPath string) {
	delete(t.mapping, node.FullPath)

	newPath := parentPath + "/" + node.Name
	t.retarget(node, newPath)

	t.mapping[node.FullPath] = node

	if node.Kind == KindDir {
		for _, child := range append([]*Node(nil), node.Children...) {
			t.repathLocked(child, node.FullPath)
		}
	}
}

// Read reads from node's buffer if materialized; otherwise it
// delegates to drv.
func (t *Tree) Read(drv Driver, node *Node, dst []byte, off int64) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	node.RLock()
	defer node.RUnlock()
	if node.Buffer != nil {
		n, err := node.Buffer.Read(dst, off)
		return n, err
	}
	return drv.Read(node, dst, off)
}

// Write writes to node's buffer; a node without one has no writable
// handle.
func (t *Tree) Write(node *Node, src []byte, off int64) (int, error) {
	node.Lock()
	defer node.Unlock()
	if node.Buffer == nil {
		return 0, errtab.ErrBadHandle
	}
	n, err := node.Buffer.Write(src, off)
	if err != nil {
		return 0, errtab.ErrOutOfMemory
	}
	if off+int64(n) > node.GetSize() {
		node.SetSize(off + int64(n))
	}
	node.Changed = true
	t.setChanged()
	return n, nil
}

// Truncate delegates to the buffer if one exists; otherwise it
// allocates a buffer sized to size and backfills from drv up to size
// bytes, holding the node's exclusive lock for the whole backfill.
func (t *Tree) Truncate(drv Driver, node *Node, size int64) error {
	if !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	node.Lock()
	defer node.Unlock()

	if node.Buffer != nil {
		if err := node.Buffer.Truncate(size); err != nil {
			return errtab.ErrOutOfMemory
		}
	} else {
		buf, err := buffer.New(t.Limit, size)
		if err != nil {
			return errtab.ErrOutOfMemory
		}
		node.Buffer = buf
		if size > 0 {
			if err := fillFromDriver(drv, node, buf, size); err != nil {
				return err
			}
		}
	}
	node.SetSize(size)
	node.Changed = true
	t.setChanged()
	return nil
}

// Remove recursively removes node's children first, detaches node,
// and either tombstones it (if it has a Locator, i.e. it exists in
// the source container) or destroys it immediately. The tree lock is
// held for the whole recursive effect, so observers see either the
// pre- or post-removal namespace.
func (t *Tree) Remove(node *Node) error {
	if !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	t.mu.Lock()
	t.removeLocked(node)
	t.Changed = true
	t.mu.Unlock()
	return nil
}

// removeLocked removes node's subtree depth-first, then detaches node
// itself. Must be called with t.mu held.
func (t *Tree) removeLocked(node *Node) {
	for _, child := range append([]*Node(nil), node.Children...) {
		t.removeLocked(child)
	}
	t.takeLocked(node)
	if node.Persisted() {
		t.tombstones = append(t.tombstones, node)
	}
	// Nodes without a backend entry need no reconciliation on save;
	// dropping the last reference is enough.
}

// Open increments OpenRefs; on first open with no buffer, asks drv to
// open the entry. If write access is requested and no buffer exists,
// a buffer sized to the current file size is allocated and backfilled
// from drv. The node's exclusive lock is held throughout, so two
// overlapping opens cannot each materialize a buffer and clobber the
// other's.
func (t *Tree) Open(drv Driver, node *Node, writeAccess bool) error {
	if writeAccess && !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	node.Lock()
	defer node.Unlock()

	node.OpenRefs++
	if node.OpenRefs == 1 && node.Buffer == nil {
		if err := drv.Open(node); err != nil {
			node.OpenRefs--
			return err
		}
	}
	if writeAccess {
		return t.materializeLocked(drv, node)
	}
	return nil
}

// Materialize ensures node's content is buffered, backfilling from drv
// if needed. A no-op when a buffer already exists.
func (t *Tree) Materialize(drv Driver, node *Node) error {
	if !t.WriteSupport {
		return errtab.ErrNotSupported
	}
	node.Lock()
	defer node.Unlock()
	return t.materializeLocked(drv, node)
}

// materializeLocked must be called with node's exclusive lock held;
// the lock stays held for the whole driver backfill.
func (t *Tree) materializeLocked(drv Driver, node *Node) error {
	if node.Buffer != nil {
		return nil
	}
	buf, err := buffer.New(t.Limit, node.GetSize())
	if err != nil {
		return errtab.ErrOutOfMemory
	}
	if node.GetSize() > 0 {
		if err := fillFromDriver(drv, node, buf, node.GetSize()); err != nil {
			buf.Close()
			return err
		}
	}
	node.Buffer = buf
	return nil
}

// Close decrements OpenRefs; if node is unchanged and OpenRefs reaches
// zero, asks drv to close the entry. A changed node keeps its buffer
// until save.
func (t *Tree) Close(drv Driver, node *Node) error {
	node.Lock()
	defer node.Unlock()
	node.OpenRefs--
	if node.Changed {
		return nil
	}
	if node.OpenRefs <= 0 {
		return drv.Close(node)
	}
	return nil
}

// fillFromDriver backfills buf from drv in blockSize-sized reads.
const blockSize = 64 * 1024

func fillFromDriver(drv Driver, node *Node, buf *buffer.Buffer, upTo int64) error {
	if err := drv.Open(node); err != nil {
		return err
	}
	defer drv.Close(node)

	tmp := make([]byte, blockSize)
	var off int64
	for off < upTo {
		n, err := drv.Read(node, tmp, off)
		if n <= 0 || err != nil {
			if err != nil {
				return err
			}
			break
		}
		if _, werr := buf.Write(tmp[:n], off); werr != nil {
			return errtab.ErrOutOfMemory
		}
		off += int64(n)
	}
	node.Stat.Mtime = time.Now()
	return nil
}

// ReleaseUnchanged drops in-memory buffers for unchanged nodes as a
// memory-pressure valve. Reports whether anything was released.
func (t *Tree) ReleaseUnchanged() bool {
	released := false
	for _, node := range t.Walk() {
		if node.Changed {
			continue
		}
		node.Lock()
		if node.Buffer != nil && node.Buffer.Release() {
			node.Buffer = nil
			released = true
		}
		node.Unlock()
	}
	return released
}

// RemoveTrash removes direct children of the root whose name starts
// with ".Trash".
func (t *Tree) RemoveTrash() error {
	for _, child := range append([]*Node(nil), t.root.Children...) {
		if strings.HasPrefix(child.Name, ".Trash") {
			if err := t.Remove(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodeCount returns the number of live nodes excluding the root, used
// as statfs's file count.
func (t *Tree) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mapping)
}
