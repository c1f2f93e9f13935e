// Package buffer implements ArchiveFS's tiered per-file content buffer:
// a chunked in-memory form that transparently spills to an anonymous
// on-disk scratch file once a process-wide size threshold is exceeded.
//
// Chunk size is fixed at 4 KiB, reads and writes are clamped
// chunk-local and stitched by the buffer, and growth always happens in
// whole chunks.
package buffer

import (
	"os"
	"sync"

	"github.com/google/uuid"
)

// ChunkSize is the allocation unit of the in-memory form.
const ChunkSize = 4 * 1024

// Limit selects which form a newly created Buffer takes:
//
//	< 0   always memory form, regardless of size
//	== 0  always scratch form
//	> 0   memory form while length <= Limit; a write growing past Limit
//	      flushes to scratch and continues there
type Limit struct {
	mu    sync.RWMutex
	bytes int64
}

// NewLimit constructs a Limit. Use -1 for unlimited, 0 for always-scratch.
func NewLimit(bytes int64) *Limit { return &Limit{bytes: bytes} }

func (l *Limit) Get() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bytes
}

// Buffer is an extensible byte container with two internal forms. The
// zero value is not usable; construct with New.
type Buffer struct {
	limit *Limit

	// memory form
	chunks [][]byte // each exactly ChunkSize, except logically truncated by length

	// scratch form
	scratch *os.File

	length int64
	onDisk bool
}

// chunkPool recycles chunk-sized slices so grow/shrink cycles don't
// churn the allocator.
var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, ChunkSize)
		return &b
	},
}

func getChunk() []byte {
	p := chunkPool.Get().(*[]byte)
	b := *p
	for i := range b {
		b[i] = 0
	}
	return b
}

func putChunk(b []byte) {
	if len(b) != ChunkSize {
		return
	}
	chunkPool.Put(&b)
}

// ScratchDir overrides the directory new scratch files are created in.
// Empty means os.TempDir().
var ScratchDir string

// New creates a Buffer of the given initial length, selecting memory or
// scratch form according to limit.
func New(limit *Limit, length int64) (*Buffer, error) {
	b := &Buffer{limit: limit}
	if shouldUseScratch(limit, length) {
		if err := b.promoteToScratch(); err != nil {
			return nil, err
		}
	}
	if length > 0 {
		if err := b.growTo(length); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func shouldUseScratch(limit *Limit, size int64) bool {
	if limit == nil {
		return false
	}
	l := limit.Get()
	if l == 0 {
		return true
	}
	if l < 0 {
		return false
	}
	return size > l
}

func (b *Buffer) Length() int64 { return b.length }

func (b *Buffer) promoteToScratch() error {
	if b.onDisk {
		return nil
	}
	dir := ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "archivefs-"+uuid.NewString()+"-*.tmp")
	if err != nil {
		return err
	}
	// Unlink immediately: the descriptor stays valid while the
	// directory entry vanishes, so scratch files disappear on exit.
	_ = os.Remove(f.Name())

	if b.length > 0 {
		buf := make([]byte, ChunkSize)
		var off int64
		for off < b.length {
			n := b.readMemory(buf, off)
			if n == 0 {
				break
			}
			if _, err := f.WriteAt(buf[:n], off); err != nil {
				f.Close()
				return err
			}
			off += int64(n)
		}
	}

	for _, c := range b.chunks {
		putChunk(c)
	}
	b.chunks = nil
	b.scratch = f
	b.onDisk = true
	return nil
}

func chunksCount(length int64) int64 {
	if length <= 0 {
		return 0
	}
	return (length + ChunkSize - 1) / ChunkSize
}

func chunkNumber(offset int64) int64 { return offset / ChunkSize }
func chunkOffset(offset int64) int64 { return offset % ChunkSize }

func (b *Buffer) growTo(length int64) error {
	if b.onDisk {
		b.length = max64(b.length, length)
		return nil
	}
	want := chunksCount(length)
	for int64(len(b.chunks)) < want {
		b.chunks = append(b.chunks, getChunk())
	}
	if length > b.length {
		b.length = length
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Read reads up to len(dst) bytes starting at off. Reads never extend
// the buffer; it returns 0 at or past end.
func (b *Buffer) Read(dst []byte, off int64) (int, error) {
	if off >= b.length || len(dst) == 0 {
		return 0, nil
	}
	want := int64(len(dst))
	if off+want > b.length {
		want = b.length - off
	}
	if b.onDisk {
		n, err := b.scratch.ReadAt(dst[:want], off)
		if n == int(want) {
			err = nil
		}
		return n, err
	}
	return b.readMemory(dst[:want], off), nil
}

// readMemory performs a chunk-local clamped read: a read that would
// cross a chunk boundary is truncated to the segment remainder and the
// loop issues the next chunk's read itself.
func (b *Buffer) readMemory(dst []byte, off int64) int {
	var total int
	remaining := int64(len(dst))
	cur := off
	for remaining > 0 {
		idx := chunkNumber(cur)
		if idx >= int64(len(b.chunks)) {
			break
		}
		inChunk := chunkOffset(cur)
		avail := int64(ChunkSize) - inChunk
		n := avail
		if n > remaining {
			n = remaining
		}
		copy(dst[total:int64(total)+n], b.chunks[idx][inChunk:inChunk+n])
		total += int(n)
		remaining -= n
		cur += n
	}
	return total
}

// Write writes src at off, growing the buffer as needed so that the
// final length is at least off+len(src). If this write pushes the
// buffer's total size over a positive Limit while still in memory
// form, the memory content is fully flushed to a fresh scratch file
// before the write is applied.
func (b *Buffer) Write(src []byte, off int64) (int, error) {
	newLen := off + int64(len(src))
	if !b.onDisk && shouldUseScratch(b.limit, newLen) {
		if err := b.promoteToScratch(); err != nil {
			return 0, err
		}
	}
	if err := b.growTo(newLen); err != nil {
		return 0, err
	}
	if b.onDisk {
		n, err := b.scratch.WriteAt(src, off)
		return n, err
	}
	return b.writeMemory(src, off), nil
}

func (b *Buffer) writeMemory(src []byte, off int64) int {
	var total int
	remaining := int64(len(src))
	cur := off
	for remaining > 0 {
		idx := chunkNumber(cur)
		if idx >= int64(len(b.chunks)) {
			break
		}
		inChunk := chunkOffset(cur)
		avail := int64(ChunkSize) - inChunk
		n := avail
		if n > remaining {
			n = remaining
		}
		copy(b.chunks[idx][inChunk:inChunk+n], src[total:int64(total)+n])
		total += int(n)
		remaining -= n
		cur += n
	}
	return total
}

// Truncate shrinks or grows the buffer. Growth zero-fills; shrinking
// releases whole trailing chunks and zeroes the partial tail of the
// surviving last chunk.
func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		size = 0
	}
	if b.onDisk {
		if err := b.scratch.Truncate(size); err != nil {
			return err
		}
		b.length = size
		return nil
	}
	if size >= b.length {
		b.length = size
		return b.growTo(size)
	}
	want := chunksCount(size)
	for int64(len(b.chunks)) > want {
		last := len(b.chunks) - 1
		putChunk(b.chunks[last])
		b.chunks = b.chunks[:last]
	}
	if want > 0 {
		tailOff := chunkOffset(size)
		if tailOff != 0 {
			last := b.chunks[want-1]
			for i := tailOff; i < ChunkSize; i++ {
				last[i] = 0
			}
		}
	}
	b.length = size
	return nil
}

// Release frees the buffer's content and reports whether it did:
// true for memory form (content discarded), false for scratch form
// (content retained on disk).
func (b *Buffer) Release() bool {
	if b.onDisk {
		return false
	}
	for _, c := range b.chunks {
		putChunk(c)
	}
	b.chunks = nil
	b.length = 0
	return true
}

// OnDisk reports whether the buffer is currently in scratch form.
func (b *Buffer) OnDisk() bool { return b.onDisk }

// Close releases the scratch file descriptor, if any. Safe to call on
// a memory-form buffer.
func (b *Buffer) Close() error {
	if b.scratch != nil {
		err := b.scratch.Close()
		b.scratch = nil
		return err
	}
	return nil
}
