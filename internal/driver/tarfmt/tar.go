// Package tarfmt implements the TAR backends. Uncompressed TAR is
// served by positional reads straight off the container (entry data
// offsets are recorded during enumeration) and carries no write
// support. TAR+GZIP has no random access at all, so entries are
// materialised when opened, and save rebuilds the whole compressed
// stream.
package tarfmt

import (
	"archive/tar"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/mholt/archiver/v3"

	"github.com/archivefs/archivefs/internal/driver"
	"github.com/archivefs/archivefs/internal/errtab"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/registry"
	"github.com/archivefs/archivefs/internal/tree"
)

func init() {
	registry.Register(
		&registry.ArchiveType{
			Extension:    "tar",
			MIME:         "application/x-tar",
			Factory:      NewTar,
			WriteSupport: false,
		},
		&registry.ArchiveType{
			Extension:    "tar.gz",
			MIME:         "application/gzip",
			Factory:      NewTarGz,
			WriteSupport: true,
		},
		&registry.ArchiveType{
			Extension:    "tgz",
			MIME:         "application/x-gtar",
			Factory:      NewTarGz,
			WriteSupport: true,
		},
	)
}

type Driver struct {
	path       string
	f          *os.File
	compressed bool
}

// locator records where an entry lives in the stream: its ordinal (the
// compressed form re-walks the stream to it on open) and, for the
// uncompressed form, the byte offset of its data.
type locator struct {
	index   int
	offset  int64
	size    int64
	content []byte
}

func NewTar(containerPath string) (driver.Driver, error) {
	return open(containerPath, false)
}

func NewTarGz(containerPath string) (driver.Driver, error) {
	return open(containerPath, true)
}

func open(containerPath string, compressed bool) (driver.Driver, error) {
	f, err := os.Open(containerPath)
	if err != nil {
		logging.Get().Errorf("tar: cannot open %s: %v", containerPath, err)
		return nil, errtab.ErrArchiveError
	}
	return &Driver{path: containerPath, f: f, compressed: compressed}, nil
}

// WriteEmpty creates an empty TAR+GZIP container at path, used by the
// CLI's --create flag before mounting.
func WriteEmpty(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := pgzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	if err := tw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// countingReader tracks the stream position so that, right after
// tar.Reader.Next returns, the count is the byte offset where the
// entry's data begins.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (d *Driver) BuildTree(t *tree.Tree) error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return errtab.ErrArchiveError
	}

	var tr *tar.Reader
	var counter *countingReader
	if d.compressed {
		zr, err := pgzip.NewReader(d.f)
		if err != nil {
			logging.Get().Errorf("tar: bad gzip stream in %s: %v", d.path, err)
			return errtab.ErrArchiveError
		}
		defer zr.Close()
		tr = tar.NewReader(zr)
	} else {
		counter = &countingReader{r: d.f}
		tr = tar.NewReader(counter)
	}

	for index := 0; ; index++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.Get().Errorf("tar: enumerating %s: %v", d.path, err)
			return nil
		}
		p := strings.Trim(hdr.Name, "/")
		if p == "" || p == "." {
			continue
		}

		var kind tree.Kind
		switch hdr.Typeflag {
		case tar.TypeDir:
			kind = tree.KindDir
		case tar.TypeReg:
			kind = tree.KindFile
		default:
			continue
		}

		loc := &locator{index: index, size: hdr.Size}
		if counter != nil {
			loc.offset = counter.n
		}

		if existing := t.Find(p); existing != nil {
			if existing.Locator == nil {
				existing.Locator = loc
			}
			applyMeta(existing, hdr)
			continue
		}
		n := tree.NewNode(p, kind, loc)
		applyMeta(n, hdr)
		if err := t.Append(n); err != nil {
			if ae, ok := err.(*errtab.AlreadyExists); ok {
				prev := ae.Existing.(*tree.Node)
				if prev.Locator == nil {
					prev.Locator = loc
				}
				applyMeta(prev, hdr)
				continue
			}
			logging.Get().Errorf("tar: enumerating %s: %v", p, err)
		}
	}
	return nil
}

func applyMeta(n *tree.Node, hdr *tar.Header) {
	if hdr.Typeflag == tar.TypeReg {
		n.Stat.Size = hdr.Size
		n.Stat.Blocks = (hdr.Size + 511) / 512
	}
	if perm := uint32(hdr.Mode) & 0777; perm != 0 {
		n.Stat.Mode = perm
	}
	n.Stat.Mtime = hdr.ModTime
	n.Stat.Atime = hdr.ModTime
	n.Stat.Ctime = hdr.ModTime
}

func (d *Driver) Open(n *tree.Node) error {
	loc, ok := n.Locator.(*locator)
	if !ok {
		return errtab.ErrBadHandle
	}
	if !d.compressed || loc.content != nil {
		return nil
	}

	// Walk the compressed stream up to the entry and materialise it.
	f, err := os.Open(d.path)
	if err != nil {
		return errtab.ErrIOError
	}
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	if err != nil {
		return errtab.ErrIOError
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for index := 0; ; index++ {
		_, err := tr.Next()
		if err != nil {
			logging.Get().Errorf("tar: open %s: %v", n.FullPath, err)
			return errtab.ErrIOError
		}
		if index < loc.index {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return errtab.ErrIOError
		}
		loc.content = content
		return nil
	}
}

func (d *Driver) Read(n *tree.Node, dst []byte, off int64) (int, error) {
	loc, ok := n.Locator.(*locator)
	if !ok {
		return 0, errtab.ErrBadHandle
	}
	if d.compressed {
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

	if off >= loc.size {
		return 0, nil
	}
	want := int64(len(dst))
	if off+want > loc.size {
		want = loc.size - off
	}
	read, err := d.f.ReadAt(dst[:want], loc.offset+off)
	if err != nil && err != io.EOF {
		return read, errtab.ErrIOError
	}
	return read, nil
}

func (d *Driver) Close(n *tree.Node) error {
	if loc, ok := n.Locator.(*locator); ok && !n.Changed {
		loc.content = nil
	}
	return nil
}

func originalKey(n *tree.Node) string {
	if n.OriginalPath != nil {
		return *n.OriginalPath
	}
	return n.FullPath
}

// Save rebuilds the compressed container via archiver's TarGz writer.
// The uncompressed form has no write support and reports so.
func (d *Driver) Save(t *tree.Tree, outPath string) error {
	if !d.compressed {
		return errtab.ErrNotSupported
	}

	out, err := os.Create(outPath)
	if err != nil {
		return errtab.ErrIOError
	}
	defer out.Close()

	tgz := archiver.NewTarGz()
	if err := tgz.Create(out); err != nil {
		return errtab.ErrIOError
	}
	defer tgz.Close()

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

	// Import original entries from the source stream.
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return errtab.ErrIOError
	}
	zr, err := pgzip.NewReader(d.f)
	if err != nil {
		return errtab.ErrArchiveError
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errtab.ErrArchiveError
		}
		key := strings.Trim(hdr.Name, "/")
		name := key
		if tombs[key] {
			continue
		}
		if n, ok := renamed[key]; ok {
			if n.Changed {
				continue
			}
			name = n.FullPath
		} else if n, ok := live[key]; ok && n.Changed {
			continue
		}
		if err := writeOne(tgz, hdr.FileInfo(), name, hdr.Typeflag == tar.TypeDir, io.NopCloser(tr)); err != nil {
			return err
		}
	}

	// Rewrite changed nodes from their buffers.
	for _, n := range t.Walk() {
		if !n.Changed {
			continue
		}
		hdr := &tar.Header{
			Name:    n.FullPath,
			Mode:    int64(n.Stat.Mode),
			Size:    n.GetSize(),
			ModTime: n.Stat.Mtime,
			Uid:     int(n.Stat.Uid),
			Gid:     int(n.Stat.Gid),
		}
		var rc io.ReadCloser
		if n.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
			rc = io.NopCloser(strings.NewReader(""))
		} else {
			hdr.Typeflag = tar.TypeReg
			rc = io.NopCloser(&driver.ContentReader{Tree: t, Drv: d, Node: n})
		}
		if err := writeOne(tgz, hdr.FileInfo(), n.FullPath, n.IsDir(), rc); err != nil {
			return err
		}
	}
	return nil
}

func writeOne(tgz *archiver.TarGz, info os.FileInfo, name string, isDir bool, rc io.ReadCloser) error {
	// tar.FileInfoHeader appends the directory slash itself.
	name = strings.TrimSuffix(name, "/")
	err := tgz.Write(archiver.File{
		FileInfo: archiver.FileInfo{
			FileInfo:   info,
			CustomName: name,
		},
		ReadCloser: rc,
	})
	if err != nil {
		logging.Get().Errorf("tar: writing %s: %v", name, err)
		return errtab.ErrIOError
	}
	return nil
}

// CloseContainer releases the source container handle.
func (d *Driver) CloseContainer() error {
	return d.f.Close()
}
