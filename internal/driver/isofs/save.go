package isofs

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/archivefs/archivefs/internal/driver"
	"github.com/archivefs/archivefs/internal/errtab"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/tree"
)

// Save lays out a fresh ISO 9660 image from the live tree. There is no
// incremental modification of an existing image: the volume descriptor,
// path tables, directory extents and file extents are rebuilt in full,
// which makes tombstones and renames fall out naturally (only live
// nodes are written, each under its current path, with content pulled
// from the node's buffer or from the source extents).
func (d *Driver) Save(t *tree.Tree, outPath string) error {
	img := newImage(t, d)

	out, err := os.Create(outPath)
	if err != nil {
		return errtab.ErrIOError
	}
	defer out.Close()

	if err := img.write(out); err != nil {
		logging.Get().Errorf("iso: writing %s: %v", outPath, err)
		return err
	}
	return nil
}

// dirEntry is one directory scheduled for the output image.
type dirEntry struct {
	node   *tree.Node
	parent int // index into image.dirs; 0 for the root itself
	number int // 1-based path table number
	extent uint32
	size   uint32 // sector-rounded extent length
}

// fileEntry is one regular file scheduled for the output image.
type fileEntry struct {
	node   *tree.Node
	extent uint32
}

type image struct {
	t   *tree.Tree
	drv *Driver

	dirs     []*dirEntry // walk order: parents precede children
	dirIdx   map[*tree.Node]int
	files    []*fileEntry
	fileIdx  map[*tree.Node]*fileEntry
	ptSize   int
	ptL, ptM uint32
	total    uint32
}

func newImage(t *tree.Tree, drv *Driver) *image {
	img := &image{
		t:       t,
		drv:     drv,
		dirIdx:  map[*tree.Node]int{},
		fileIdx: map[*tree.Node]*fileEntry{},
	}

	root := &dirEntry{node: t.Root(), parent: 0, number: 1}
	img.dirs = append(img.dirs, root)
	img.dirIdx[t.Root()] = 0

	for _, n := range t.Walk() {
		if n.IsDir() {
			e := &dirEntry{node: n, parent: img.dirIdx[n.Parent], number: len(img.dirs) + 1}
			img.dirIdx[n] = len(img.dirs)
			img.dirs = append(img.dirs, e)
		} else {
			e := &fileEntry{node: n}
			img.fileIdx[n] = e
			img.files = append(img.files, e)
		}
	}

	img.layout()
	return img
}

// layout assigns extents: descriptors first, then both path tables,
// then directory extents, then file extents.
func (img *image) layout() {
	img.ptSize = pathTableSize(img.dirs)
	ptSectors := sectors(uint32(img.ptSize))

	lba := uint32(pvdSector + 2)
	img.ptL = lba
	lba += ptSectors
	img.ptM = lba
	lba += ptSectors

	for _, d := range img.dirs {
		d.extent = lba
		d.size = sectors(dirExtentSize(d.node)) * sectorSize
		lba += d.size / sectorSize
	}
	for _, f := range img.files {
		f.extent = lba
		lba += sectors(uint32(f.node.GetSize()))
	}
	img.total = lba
}

func sectors(bytes uint32) uint32 {
	n := (bytes + sectorSize - 1) / sectorSize
	if n == 0 {
		n = 1
	}
	return n
}

func recordLen(nameLen int) int {
	l := 33 + nameLen
	if l%2 != 0 {
		l++
	}
	return l
}

// dirExtentSize simulates record placement, accounting for the rule
// that a record never straddles a sector boundary.
func dirExtentSize(n *tree.Node) uint32 {
	off := recordLen(1) * 2 // "." and ".."
	for _, c := range n.Children {
		l := recordLen(len(c.Name))
		if off/sectorSize != (off+l-1)/sectorSize {
			off = (off/sectorSize + 1) * sectorSize
		}
		off += l
	}
	return uint32(off)
}

func pathTableSize(dirs []*dirEntry) int {
	size := 0
	for _, d := range dirs {
		nameLen := len(d.node.Name)
		if d.node.Kind == tree.KindRoot {
			nameLen = 1
		}
		l := 8 + nameLen
		if l%2 != 0 {
			l++
		}
		size += l
	}
	return size
}

func putBoth16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b[0:2], v)
	binary.BigEndian.PutUint16(b[2:4], v)
}

func putBoth32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[0:4], v)
	binary.BigEndian.PutUint32(b[4:8], v)
}

func recordDate(b []byte, t time.Time) {
	t = t.UTC()
	b[0] = byte(t.Year() - 1900)
	b[1] = byte(t.Month())
	b[2] = byte(t.Day())
	b[3] = byte(t.Hour())
	b[4] = byte(t.Minute())
	b[5] = byte(t.Second())
	b[6] = 0
}

// buildRecord serialises one directory record. special marks the "."
// and ".." pseudo entries, whose names are the single bytes 0x00/0x01.
func buildRecord(extent, size uint32, flags byte, name string, special bool, mtime time.Time) []byte {
	nameBytes := []byte(name)
	if special {
		nameBytes = []byte{name[0]}
	}
	b := make([]byte, recordLen(len(nameBytes)))
	b[0] = byte(len(b))
	putBoth32(b[2:10], extent)
	putBoth32(b[10:18], size)
	recordDate(b[18:25], mtime)
	b[25] = flags
	putBoth16(b[28:32], 1) // volume sequence number
	b[32] = byte(len(nameBytes))
	copy(b[33:], nameBytes)
	return b
}

func (img *image) recordFor(n *tree.Node) []byte {
	if n.IsDir() {
		d := img.dirs[img.dirIdx[n]]
		return buildRecord(d.extent, d.size, flagDir, n.Name, false, n.Stat.Mtime)
	}
	f := img.fileIdx[n]
	return buildRecord(f.extent, uint32(n.GetSize()), 0, n.Name, false, n.Stat.Mtime)
}

// dirExtent serialises a directory's full extent, zero-padded to its
// allocated size.
func (img *image) dirExtent(d *dirEntry) []byte {
	parent := img.dirs[d.parent]
	data := make([]byte, d.size)

	self := buildRecord(d.extent, d.size, flagDir, "\x00", true, d.node.Stat.Mtime)
	up := buildRecord(parent.extent, parent.size, flagDir, "\x01", true, parent.node.Stat.Mtime)
	off := copy(data, self)
	off += copy(data[off:], up)

	for _, c := range d.node.Children {
		rec := img.recordFor(c)
		if off/sectorSize != (off+len(rec)-1)/sectorSize {
			off = (off/sectorSize + 1) * sectorSize
		}
		off += copy(data[off:], rec)
	}
	return data
}

func (img *image) pathTable(bigEndian bool) []byte {
	data := make([]byte, sectors(uint32(img.ptSize))*sectorSize)
	off := 0
	for _, d := range img.dirs {
		name := []byte(d.node.Name)
		if d.node.Kind == tree.KindRoot {
			name = []byte{0}
		}
		data[off] = byte(len(name))
		if bigEndian {
			binary.BigEndian.PutUint32(data[off+2:off+6], d.extent)
			binary.BigEndian.PutUint16(data[off+6:off+8], uint16(img.dirs[d.parent].number))
		} else {
			binary.LittleEndian.PutUint32(data[off+2:off+6], d.extent)
			binary.LittleEndian.PutUint16(data[off+6:off+8], uint16(img.dirs[d.parent].number))
		}
		copy(data[off+8:], name)
		off += 8 + len(name)
		if off%2 != 0 {
			off++
		}
	}
	return data
}

func (img *image) pvd() []byte {
	b := make([]byte, sectorSize)
	b[0] = 1
	copy(b[1:6], "CD001")
	b[6] = 1
	pad := func(dst []byte, s string) {
		for i := range dst {
			dst[i] = ' '
		}
		copy(dst, s)
	}
	pad(b[8:40], "LINUX")
	pad(b[40:72], "ARCHIVEFS")
	putBoth32(b[80:88], img.total)
	putBoth16(b[120:124], 1)
	putBoth16(b[124:128], 1)
	putBoth16(b[128:132], sectorSize)
	putBoth32(b[132:140], uint32(img.ptSize))
	binary.LittleEndian.PutUint32(b[140:144], img.ptL)
	binary.BigEndian.PutUint32(b[148:152], img.ptM)
	root := img.dirs[0]
	copy(b[156:190], buildRecord(root.extent, root.size, flagDir, "\x00", true, root.node.Stat.Mtime))
	pad(b[190:318], "")
	b[881] = 1
	return b
}

func terminator() []byte {
	b := make([]byte, sectorSize)
	b[0] = 255
	copy(b[1:6], "CD001")
	b[6] = 1
	return b
}

func (img *image) write(out *os.File) error {
	w := func(b []byte) error {
		if _, err := out.Write(b); err != nil {
			return errtab.ErrIOError
		}
		return nil
	}

	if err := w(make([]byte, pvdSector*sectorSize)); err != nil {
		return err
	}
	if err := w(img.pvd()); err != nil {
		return err
	}
	if err := w(terminator()); err != nil {
		return err
	}
	if err := w(img.pathTable(false)); err != nil {
		return err
	}
	if err := w(img.pathTable(true)); err != nil {
		return err
	}
	for _, d := range img.dirs {
		if err := w(img.dirExtent(d)); err != nil {
			return err
		}
	}
	for _, f := range img.files {
		size := f.node.GetSize()
		written, err := io.Copy(out, &driver.ContentReader{Tree: img.t, Drv: img.drv, Node: f.node})
		if err != nil {
			return errtab.ErrIOError
		}
		padding := int64(sectors(uint32(size)))*sectorSize - written
		if padding > 0 {
			if err := w(make([]byte, padding)); err != nil {
				return err
			}
		}
	}
	return nil
}
