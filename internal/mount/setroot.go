package mount

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// SetRoot is the FUSE root for folder mode: each recognised archive in
// the source directory appears as one directory whose subtree is that
// archive's own tree.
type SetRoot struct {
	fs.Inode
	set *MountSet
}

var (
	_ = (fs.NodeLookuper)((*SetRoot)(nil))
	_ = (fs.NodeReaddirer)((*SetRoot)(nil))
	_ = (fs.NodeGetattrer)((*SetRoot)(nil))
)

func NewSetRoot(set *MountSet) *SetRoot {
	return &SetRoot{set: set}
}

func (r *SetRoot) byName(name string) *FilesystemMount {
	for _, m := range r.set.All() {
		if filepath.Base(m.ContainerPath) == name {
			return m
		}
	}
	return nil
}

func (r *SetRoot) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	return fs.OK
}

func (r *SetRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	m := r.byName(name)
	if m == nil {
		return nil, syscall.ENOENT
	}
	root := m.Tree.Root()
	fillAttr(root, &out.Attr)
	inode := r.NewInode(ctx,
		&FSNode{mount: m, node: root},
		fs.StableAttr{Mode: fuse.S_IFDIR | root.Stat.Mode})
	return inode, fs.OK
}

func (r *SetRoot) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirEntries := []fuse.DirEntry{}
	for _, m := range r.set.All() {
		dirEntries = append(dirEntries, fuse.DirEntry{
			Mode: fuse.S_IFDIR | 0755,
			Name: filepath.Base(m.ContainerPath),
		})
	}
	return fs.NewListDirStream(dirEntries), fs.OK
}
