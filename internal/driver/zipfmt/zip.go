// Package zipfmt implements the ZIP archive backend. Entries are
// materialised in full when opened (ZIP offers random access between
// entries but only streaming within one), and save rebuilds the
// container, importing unchanged original entries raw so they are
// never recompressed.
package zipfmt

import (
	"archive/zip"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/archivefs/archivefs/internal/driver"
	"github.com/archivefs/archivefs/internal/errtab"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/registry"
	"github.com/archivefs/archivefs/internal/tree"
)

func init() {
	registry.Register(&registry.ArchiveType{
		Extension:    "zip",
		MIME:         "application/zip",
		Factory:      New,
		WriteSupport: true,
	})
}

type Driver struct {
	path string
	rc   *zip.ReadCloser
}

// locator is the backend handle stored on each node: the entry's index
// in the central directory, plus the decompressed content while the
// entry is open.
type locator struct {
	index   int
	content []byte
}

func New(containerPath string) (driver.Driver, error) {
	rc, err := zip.OpenReader(containerPath)
	if err != nil {
		logging.Get().Errorf("zip: cannot open %s: %v", containerPath, err)
		return nil, errtab.ErrArchiveError
	}
	return &Driver{path: containerPath, rc: rc}, nil
}

// WriteEmpty creates a valid empty ZIP container at path, used by the
// CLI's --create flag before mounting.
func WriteEmpty(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func entryPath(name string) string {
	return strings.Trim(name, "/")
}

func (d *Driver) BuildTree(t *tree.Tree) error {
	for i, f := range d.rc.File {
		p := entryPath(f.Name)
		if p == "" {
			continue
		}
		kind := tree.KindFile
		if f.FileInfo().IsDir() {
			kind = tree.KindDir
		}

		// Ancestors may have been pre-created by an earlier entry's
		// implicit directory resolution; adopt them instead of
		// appending a duplicate.
		if existing := t.Find(p); existing != nil {
			if existing.Locator == nil {
				existing.Locator = &locator{index: i}
			}
			applyMeta(existing, f)
			continue
		}

		n := tree.NewNode(p, kind, &locator{index: i})
		applyMeta(n, f)
		if err := t.Append(n); err != nil {
			if ae, ok := err.(*errtab.AlreadyExists); ok {
				prev := ae.Existing.(*tree.Node)
				if prev.Locator == nil {
					prev.Locator = &locator{index: i}
				}
				applyMeta(prev, f)
				continue
			}
			logging.Get().Errorf("zip: enumerating %s: %v", p, err)
		}
	}
	return nil
}

func applyMeta(n *tree.Node, f *zip.File) {
	if !f.FileInfo().IsDir() {
		n.Stat.Size = int64(f.UncompressedSize64)
		n.Stat.Blocks = (n.Stat.Size + 511) / 512
	}
	if perm := uint32(f.Mode().Perm()); perm != 0 {
		n.Stat.Mode = perm
	}
	n.Stat.Mtime = f.Modified
	n.Stat.Atime = f.Modified
	n.Stat.Ctime = f.Modified
}

func (d *Driver) Open(n *tree.Node) error {
	loc, ok := n.Locator.(*locator)
	if !ok {
		return errtab.ErrBadHandle
	}
	if loc.content != nil {
		return nil
	}
	f := d.rc.File[loc.index]
	r, err := f.Open()
	if err != nil {
		logging.Get().Errorf("zip: open %s: %v", n.FullPath, err)
		return errtab.ErrIOError
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		logging.Get().Errorf("zip: read %s: %v", n.FullPath, err)
		return errtab.ErrIOError
	}
	loc.content = content
	return nil
}

func (d *Driver) Read(n *tree.Node, dst []byte, off int64) (int, error) {
	loc, ok := n.Locator.(*locator)
	if !ok {
		return 0, errtab.ErrBadHandle
	}
	if loc.content == nil {
		if err := d.Open(n); err != nil {
			return 0, err
		}
	}
	if off >= int64(len(loc.content)) {
		return 0, nil
	}
	return copy(dst, loc.content[off:]), nil
}

func (d *Driver) Close(n *tree.Node) error {
	if loc, ok := n.Locator.(*locator); ok && !n.Changed {
		loc.content = nil
	}
	return nil
}

// originalKey is the path an entry occupies in the source container:
// the pre-rename path for renamed nodes, the live path otherwise.
func originalKey(n *tree.Node) string {
	if n.OriginalPath != nil {
		return *n.OriginalPath
	}
	return n.FullPath
}

func (d *Driver) Save(t *tree.Tree, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return errtab.ErrIOError
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	tombs := make(map[string]bool)
	for _, n := range t.Tombstones() {
		tombs[originalKey(n)] = true
	}
	renamed := make(map[string]*tree.Node)
	live := make(map[string]*tree.Node)
	for _, n := range t.Walk() {
		live[n.FullPath] = n
		if n.OriginalPath != nil && n.Persisted() {
			renamed[*n.OriginalPath] = n
		}
	}

	// Import original entries: drop tombstones, carry renames under
	// their new paths, skip entries a changed node will rewrite.
	for _, f := range d.rc.File {
		key := entryPath(f.Name)
		target := f.Name
		if tombs[key] {
			continue
		}
		if n, ok := renamed[key]; ok {
			if n.Changed {
				continue
			}
			target = n.FullPath
			if strings.HasSuffix(f.Name, "/") {
				target += "/"
			}
		} else if n, ok := live[key]; ok && n.Changed {
			continue
		}
		if err := copyRaw(zw, f, target); err != nil {
			zw.Close()
			return err
		}
	}

	// Rewrite changed nodes from their buffers.
	for _, n := range t.Walk() {
		if !n.Changed {
			continue
		}
		if err := d.writeEntry(zw, t, n); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		logging.Get().Errorf("zip: finalising %s: %v", outPath, err)
		return errtab.ErrIOError
	}
	return nil
}

// copyRaw transplants one entry into the output without recompressing.
func copyRaw(zw *zip.Writer, f *zip.File, name string) error {
	r, err := f.OpenRaw()
	if err != nil {
		return errtab.ErrIOError
	}
	hdr := f.FileHeader
	hdr.Name = name
	w, err := zw.CreateRaw(&hdr)
	if err != nil {
		return errtab.ErrIOError
	}
	if _, err := io.Copy(w, r); err != nil {
		return errtab.ErrIOError
	}
	return nil
}

func (d *Driver) writeEntry(zw *zip.Writer, t *tree.Tree, n *tree.Node) error {
	hdr := &zip.FileHeader{
		Name:     n.FullPath,
		Modified: n.Stat.Mtime,
	}
	if n.IsDir() {
		hdr.Name += "/"
		hdr.SetMode(os.FileMode(n.Stat.Mode) | os.ModeDir)
		_, err := zw.CreateHeader(hdr)
		if err != nil {
			return errtab.ErrIOError
		}
		return nil
	}
	hdr.Method = zip.Deflate
	hdr.SetMode(os.FileMode(n.Stat.Mode))
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errtab.ErrIOError
	}
	if _, err := io.Copy(w, &driver.ContentReader{Tree: t, Drv: d, Node: n}); err != nil {
		logging.Get().Errorf("zip: writing %s: %v", n.FullPath, err)
		return errtab.ErrIOError
	}
	return nil
}

// CloseContainer releases the source container handle.
func (d *Driver) CloseContainer() error {
	return d.rc.Close()
}
