// Package mount ties one container file to its NodeTree and backend
// driver, exposes the pair over FUSE, and runs the save-on-release
// protocol when the mount is torn down.
package mount

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/archivefs/archivefs/internal/buffer"
	"github.com/archivefs/archivefs/internal/driver"
	"github.com/archivefs/archivefs/internal/errtab"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/registry"
	"github.com/archivefs/archivefs/internal/tree"
)

// Options carries the per-mount knobs the CLI surface exposes.
type Options struct {
	ReadOnly      bool
	KeepOriginal  bool
	KeepTrash     bool
	RespectRights bool
	Verbose       bool
	Limit         *buffer.Limit
}

// FilesystemMount is the per-container aggregate: the archive type
// resolved for the container, a driver instance bound to it, and the
// live node tree built from it.
type FilesystemMount struct {
	ContainerPath string
	Type          *registry.ArchiveType
	Drv           driver.Driver
	Tree          *tree.Tree
	Opts          Options
}

// New resolves the archive type for containerPath, constructs the
// backend, and enumerates the container into a fresh tree. Enumeration
// failures of individual entries are not fatal; a nil archive type or
// a failed backend constructor is.
func New(containerPath string, opts Options) (*FilesystemMount, error) {
	at := registry.Lookup(containerPath)
	if at == nil {
		logging.Get().Errorf("no backend recognises %s", containerPath)
		return nil, errtab.ErrArchiveError
	}
	drv, err := at.Factory(containerPath)
	if err != nil {
		return nil, err
	}

	t := tree.New(at.WriteSupport && !opts.ReadOnly, opts.RespectRights, opts.Limit)
	if err := drv.BuildTree(t); err != nil {
		logging.Get().Errorf("enumerating %s: %v", containerPath, err)
	}

	return &FilesystemMount{
		ContainerPath: containerPath,
		Type:          at,
		Drv:           drv,
		Tree:          t,
		Opts:          opts,
	}, nil
}

// Save runs the save-on-release protocol: trash removal, a fresh
// container image written by the driver, and the final placement of
// that image (a tagged copy next to the original, or an atomic rename
// over it). A clean tree is a no-op. Failures leave the source
// container intact.
func (m *FilesystemMount) Save() error {
	if !m.Tree.Changed {
		return nil
	}
	if !m.Tree.WriteSupport {
		logging.Get().Warnf("%s: backend has no write support, changes not persisted", m.ContainerPath)
		return errtab.ErrNotSupported
	}

	if !m.Opts.KeepTrash {
		if err := m.Tree.RemoveTrash(); err != nil {
			logging.Get().Errorf("%s: removing trash: %v", m.ContainerPath, err)
		}
	}

	if m.Opts.KeepOriginal {
		outPath := registry.NewArchiveName(m.ContainerPath)
		if err := m.Drv.Save(m.Tree, outPath); err != nil {
			logging.Get().Errorf("%s: save failed: %v", m.ContainerPath, err)
			os.Remove(outPath)
			return err
		}
		logging.Get().Infof("saved %s", outPath)
		return nil
	}

	tmpPath := fmt.Sprintf("%s.%d.part", m.ContainerPath, os.Getpid())
	if err := m.Drv.Save(m.Tree, tmpPath); err != nil {
		logging.Get().Errorf("%s: save failed: %v", m.ContainerPath, err)
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, m.ContainerPath); err != nil {
		logging.Get().Errorf("%s: replacing container: %v", m.ContainerPath, err)
		os.Remove(tmpPath)
		return errtab.ErrIOError
	}
	logging.Get().Infof("saved %s", m.ContainerPath)
	return nil
}

// Release saves pending changes and tears the backend down.
func (m *FilesystemMount) Release() error {
	err := m.Save()
	if closer, ok := m.Drv.(interface{ CloseContainer() error }); ok {
		if cerr := closer.CloseContainer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// MountSet is the process-wide registry of open mounts, keyed by
// container path. Folder mode creates one entry per recognised archive
// in the source directory; single-archive mode uses one entry.
type MountSet struct {
	mu     sync.Mutex
	mounts map[string]*FilesystemMount
}

func NewSet() *MountSet {
	return &MountSet{mounts: make(map[string]*FilesystemMount)}
}

func (s *MountSet) Add(m *FilesystemMount) {
	s.mu.Lock()
	s.mounts[m.ContainerPath] = m
	s.mu.Unlock()
}

func (s *MountSet) Get(containerPath string) *FilesystemMount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounts[containerPath]
}

func (s *MountSet) All() []*FilesystemMount {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FilesystemMount, 0, len(s.mounts))
	for _, m := range s.mounts {
		out = append(out, m)
	}
	return out
}

// ReleaseAll saves and tears down every mount, returning the first
// error encountered.
func (s *MountSet) ReleaseAll() error {
	var first error
	for _, m := range s.All() {
		if err := m.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Serve mounts root at mountpoint and returns the running server. The
// option shape mirrors what the FUSE library expects for an in-memory
// tree: short attribute timeouts so size changes after writes are seen
// promptly.
func Serve(root fs.InodeEmbedder, mountpoint string) (*fuse.Server, error) {
	if _, err := os.Stat(mountpoint); os.IsNotExist(err) {
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
	}

	attrTimeout := time.Second
	entryTimeout := time.Second
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), mountpoint, &fuse.MountOptions{
		DisableXAttrs: true,
		FsName:        "archivefs",
		Name:          "archivefs",
	})
	if err != nil {
		return nil, fmt.Errorf("could not create server: %v", err)
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return nil, err
	}
	return server, nil
}

// Root builds the FUSE root node for a single-archive mount.
func (m *FilesystemMount) Root() fs.InodeEmbedder {
	return &FSNode{mount: m, node: m.Tree.Root()}
}
