// Package isofs implements the ISO 9660 backend: a reader over the
// Primary Volume Descriptor and its directory extents, and a writer
// that lays out a fresh image on save. Entry content is served by
// positional reads against the extent recorded during enumeration.
//
// The on-disk structures are decoded with encoding/binary directly.
package isofs

import (
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/archivefs/archivefs/internal/driver"
	"github.com/archivefs/archivefs/internal/errtab"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/registry"
	"github.com/archivefs/archivefs/internal/tree"
)

func init() {
	registry.Register(&registry.ArchiveType{
		Extension:    "iso",
		MIME:         "application/x-iso9660-image",
		Factory:      New,
		WriteSupport: true,
	})
}

const (
	sectorSize = 2048
	pvdSector  = 16

	flagDir = 0x02
)

type Driver struct {
	path string
	f    *os.File
	root record
}

// locator addresses an entry's data: the logical block its extent
// starts at and the extent's byte length.
type locator struct {
	extent uint32
	size   uint32
}

// record is one parsed directory record.
type record struct {
	extent uint32
	size   uint32
	flags  byte
	name   string
}

func New(containerPath string) (driver.Driver, error) {
	f, err := os.Open(containerPath)
	if err != nil {
		logging.Get().Errorf("iso: cannot open %s: %v", containerPath, err)
		return nil, errtab.ErrArchiveError
	}
	d := &Driver{path: containerPath, f: f}
	if err := d.readPVD(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// readPVD locates the Primary Volume Descriptor and extracts the root
// directory record.
func (d *Driver) readPVD() error {
	sector := make([]byte, sectorSize)
	for lba := pvdSector; ; lba++ {
		if _, err := d.f.ReadAt(sector, int64(lba)*sectorSize); err != nil {
			logging.Get().Errorf("iso: no primary volume descriptor in %s", d.path)
			return errtab.ErrArchiveError
		}
		if string(sector[1:6]) != "CD001" {
			return errtab.ErrArchiveError
		}
		switch sector[0] {
		case 1: // primary
			rec, ok := parseRecord(sector[156 : 156+34])
			if !ok {
				return errtab.ErrArchiveError
			}
			d.root = rec
			return nil
		case 255: // set terminator without a PVD before it
			return errtab.ErrArchiveError
		}
	}
}

// parseRecord decodes one directory record; ok is false on a zero
// (padding) record.
func parseRecord(b []byte) (record, bool) {
	if len(b) < 33 || b[0] == 0 {
		return record{}, false
	}
	nameLen := int(b[32])
	if 33+nameLen > len(b) {
		return record{}, false
	}
	name := string(b[33 : 33+nameLen])
	switch name {
	case "\x00":
		name = "."
	case "\x01":
		name = ".."
	default:
		// Strip the ISO version suffix recorders append.
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimSuffix(name, ".")
	}
	return record{
		extent: binary.LittleEndian.Uint32(b[2:6]),
		size:   binary.LittleEndian.Uint32(b[10:14]),
		flags:  b[25],
		name:   name,
	}, true
}

func (d *Driver) BuildTree(t *tree.Tree) error {
	return d.enumerate(t, d.root, "")
}

func (d *Driver) enumerate(t *tree.Tree, dir record, prefix string) error {
	data := make([]byte, dir.size)
	if _, err := d.f.ReadAt(data, int64(dir.extent)*sectorSize); err != nil {
		logging.Get().Errorf("iso: reading directory %q: %v", prefix, err)
		return nil
	}

	for off := 0; off < len(data); {
		recLen := int(data[off])
		if recLen == 0 {
			// Records never straddle sectors; skip the padding.
			off = (off/sectorSize + 1) * sectorSize
			continue
		}
		rec, ok := parseRecord(data[off : off+recLen])
		off += recLen
		if !ok || rec.name == "." || rec.name == ".." {
			continue
		}

		p := rec.name
		if prefix != "" {
			p = prefix + "/" + rec.name
		}
		kind := tree.KindFile
		if rec.flags&flagDir != 0 {
			kind = tree.KindDir
		}
		loc := &locator{extent: rec.extent, size: rec.size}

		if existing := t.Find(p); existing != nil {
			if existing.Locator == nil {
				existing.Locator = loc
			}
		} else {
			n := tree.NewNode(p, kind, loc)
			if kind == tree.KindFile {
				n.Stat.Size = int64(rec.size)
				n.Stat.Blocks = (n.Stat.Size + 511) / 512
			}
			if err := t.Append(n); err != nil {
				if ae, ok := err.(*errtab.AlreadyExists); ok {
					prev := ae.Existing.(*tree.Node)
					if prev.Locator == nil {
						prev.Locator = loc
					}
				} else {
					logging.Get().Errorf("iso: enumerating %s: %v", p, err)
				}
			}
		}

		if kind == tree.KindDir && rec.extent != dir.extent {
			if err := d.enumerate(t, rec, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Open and Close are no-ops: ISO content is served by positional reads
// with no per-entry state.
func (d *Driver) Open(n *tree.Node) error  { return nil }
func (d *Driver) Close(n *tree.Node) error { return nil }

func (d *Driver) Read(n *tree.Node, dst []byte, off int64) (int, error) {
	loc, ok := n.Locator.(*locator)
	if !ok {
		return 0, errtab.ErrBadHandle
	}
	size := int64(loc.size)
	if off >= size {
		return 0, nil
	}
	want := int64(len(dst))
	if off+want > size {
		want = size - off
	}
	read, err := d.f.ReadAt(dst[:want], int64(loc.extent)*sectorSize+off)
	if err != nil && err != io.EOF {
		return read, errtab.ErrIOError
	}
	return read, nil
}

// CloseContainer releases the source container handle.
func (d *Driver) CloseContainer() error {
	return d.f.Close()
}
