package mount

import (
	"context"
	"fmt"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/archivefs/archivefs/internal/errtab"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/tree"
)

// FSNode glues one tree.Node into the FUSE dispatch. Open and Create
// hand back a fileHandle carrying the (mount, node) pair; Opendir
// returns no handle.
type FSNode struct {
	fs.Inode
	mount *FilesystemMount
	node  *tree.Node
}

type fileHandle struct {
	mount *FilesystemMount
	node  *tree.Node
}

var (
	_ = (fs.NodeGetattrer)((*FSNode)(nil))
	_ = (fs.NodeLookuper)((*FSNode)(nil))
	_ = (fs.NodeReaddirer)((*FSNode)(nil))
	_ = (fs.NodeOpener)((*FSNode)(nil))
	_ = (fs.NodeCreater)((*FSNode)(nil))
	_ = (fs.NodeMknoder)((*FSNode)(nil))
	_ = (fs.NodeMkdirer)((*FSNode)(nil))
	_ = (fs.NodeRmdirer)((*FSNode)(nil))
	_ = (fs.NodeUnlinker)((*FSNode)(nil))
	_ = (fs.NodeRenamer)((*FSNode)(nil))
	_ = (fs.NodeSetattrer)((*FSNode)(nil))
	_ = (fs.NodeAccesser)((*FSNode)(nil))
	_ = (fs.NodeStatfser)((*FSNode)(nil))

	_ = (fs.FileReader)((*fileHandle)(nil))
	_ = (fs.FileWriter)((*fileHandle)(nil))
	_ = (fs.FileReleaser)((*fileHandle)(nil))
)

func (n *FSNode) log(format string, v ...interface{}) {
	if n.mount.Opts.Verbose {
		logging.Get().Debugf(fmt.Sprintf("(%s) %s", n.node.FullPath, format), v...)
	}
}

func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return errtab.Errno(err)
}

func (n *FSNode) childPath(name string) string {
	if n.node.FullPath == "" {
		return name
	}
	return path.Join(n.node.FullPath, name)
}

func fuseMode(node *tree.Node) uint32 {
	if node.IsDir() {
		return fuse.S_IFDIR | node.Stat.Mode
	}
	return fuse.S_IFREG | node.Stat.Mode
}

func fillAttr(node *tree.Node, out *fuse.Attr) {
	out.Size = uint64(node.GetSize())
	out.Blocks = uint64(node.Stat.Blocks)
	out.Blksize = node.Stat.Blksize
	out.Mode = fuseMode(node)
	out.Nlink = node.Stat.Nlink
	out.Owner = fuse.Owner{Uid: node.Stat.Uid, Gid: node.Stat.Gid}
	out.Atime = uint64(node.Stat.Atime.Unix())
	out.Atimensec = uint32(node.Stat.Atime.Nanosecond())
	out.Mtime = uint64(node.Stat.Mtime.Unix())
	out.Mtimensec = uint32(node.Stat.Mtime.Nanosecond())
	out.Ctime = uint64(node.Stat.Ctime.Unix())
	out.Ctimensec = uint32(node.Stat.Ctime.Nanosecond())
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.log("Getattr called")
	fillAttr(n.node, &out.Attr)
	return fs.OK
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fullPath := n.childPath(name)
	n.log("Lookup called with path: %s", fullPath)

	child := n.mount.Tree.Find(fullPath)
	if child == nil {
		return nil, syscall.ENOENT
	}
	fillAttr(child, &out.Attr)
	inode := n.NewInode(ctx,
		&FSNode{mount: n.mount, node: child},
		fs.StableAttr{Mode: fuseMode(child)})
	return inode, fs.OK
}

func (n *FSNode) Opendir(ctx context.Context) syscall.Errno {
	n.log("Opendir called")
	return fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.log("Readdir called")

	dirEntries := []fuse.DirEntry{}
	for _, child := range n.node.Children {
		dirEntries = append(dirEntries, fuse.DirEntry{
			Mode: fuseMode(child),
			Name: child.Name,
		})
	}
	return fs.NewListDirStream(dirEntries), fs.OK
}

func wantsWrite(flags uint32) bool {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return true
	}
	return flags&(syscall.O_TRUNC|syscall.O_APPEND) != 0
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.log("Open called with flags: %v", flags)

	if err := n.mount.Tree.Open(n.mount.Drv, n.node, wantsWrite(flags)); err != nil {
		return nil, 0, errno(err)
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := n.mount.Tree.Truncate(n.mount.Drv, n.node, 0); err != nil {
			return nil, 0, errno(err)
		}
	}
	return &fileHandle{mount: n.mount, node: n.node}, 0, fs.OK
}

func (n *FSNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	fullPath := n.childPath(name)
	n.log("Create called with path: %s, mode: %v", fullPath, mode)

	node, err := n.mount.Tree.Create(fullPath, mode&0777)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(node, &out.Attr)
	inode := n.NewInode(ctx,
		&FSNode{mount: n.mount, node: node},
		fs.StableAttr{Mode: fuseMode(node)})
	return inode, &fileHandle{mount: n.mount, node: node}, 0, fs.OK
}

func (n *FSNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fullPath := n.childPath(name)
	n.log("Mknod called with path: %s, mode: %v", fullPath, mode)

	if mode&syscall.S_IFMT != 0 && mode&syscall.S_IFMT != syscall.S_IFREG {
		return nil, syscall.ENOTSUP
	}
	node, err := n.mount.Tree.Mknod(fullPath, mode&0777)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(node, &out.Attr)
	inode := n.NewInode(ctx,
		&FSNode{mount: n.mount, node: node},
		fs.StableAttr{Mode: fuseMode(node)})
	return inode, fs.OK
}

func (n *FSNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fullPath := n.childPath(name)
	n.log("Mkdir called with path: %s, mode: %v", fullPath, mode)

	node, err := n.mount.Tree.Mkdir(fullPath, mode&0777)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(node, &out.Attr)
	inode := n.NewInode(ctx,
		&FSNode{mount: n.mount, node: node},
		fs.StableAttr{Mode: fuseMode(node)})
	return inode, fs.OK
}

func (n *FSNode) Unlink(ctx context.Context, name string) syscall.Errno {
	fullPath := n.childPath(name)
	n.log("Unlink called with path: %s", fullPath)

	node := n.mount.Tree.Find(fullPath)
	if node == nil {
		return syscall.ENOENT
	}
	return errno(n.mount.Tree.Remove(node))
}

func (n *FSNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	fullPath := n.childPath(name)
	n.log("Rmdir called with path: %s", fullPath)

	node := n.mount.Tree.Find(fullPath)
	if node == nil {
		return syscall.ENOENT
	}
	if !node.IsDir() {
		return syscall.ENOTDIR
	}
	return errno(n.mount.Tree.Remove(node))
}

func (n *FSNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*FSNode)
	if !ok {
		return syscall.EXDEV
	}
	oldPath := n.childPath(oldName)
	newPath := target.childPath(newName)
	n.log("Rename called with oldPath: %s, newPath: %s", oldPath, newPath)

	node := n.mount.Tree.Find(oldPath)
	if node == nil {
		return syscall.ENOENT
	}
	return errno(n.mount.Tree.Rename(node, newPath))
}

func (n *FSNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.log("Setattr called")

	if size, ok := in.GetSize(); ok {
		if err := n.mount.Tree.Truncate(n.mount.Drv, n.node, int64(size)); err != nil {
			return errno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.mount.Tree.Chmod(n.node, mode); err != nil {
			return errno(err)
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		if !aok {
			atime = n.node.Stat.Atime
		}
		if !mok {
			mtime = n.node.Stat.Mtime
		}
		if err := n.mount.Tree.Utimens(n.node, atime, mtime); err != nil {
			return errno(err)
		}
	}
	fillAttr(n.node, &out.Attr)
	return fs.OK
}

func (n *FSNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return fs.OK
	}
	return errno(n.mount.Tree.Access(n.node, mask, caller.Uid, caller.Gid))
}

func (n *FSNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.mount.Tree.InitStatVFS(n.mount.ContainerPath)
	if err != nil {
		return errno(err)
	}
	out.Bsize = st.Bsize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.Namemax
	return fs.OK
}

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	read, err := h.mount.Tree.Read(h.mount.Drv, h.node, dest, off)
	if err != nil {
		return nil, errno(err)
	}
	h.node.Stat.Atime = time.Now()
	return fuse.ReadResultData(dest[:read]), fs.OK
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	// First write through a read-only open materialises the buffer.
	if err := h.mount.Tree.Materialize(h.mount.Drv, h.node); err != nil {
		return 0, errno(err)
	}
	written, err := h.mount.Tree.Write(h.node, data, off)
	if err != nil {
		return uint32(written), errno(err)
	}
	h.node.Stat.Mtime = time.Now()
	return uint32(written), fs.OK
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errno(h.mount.Tree.Close(h.mount.Drv, h.node))
}
