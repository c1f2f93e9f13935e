// Package registry holds the process-global table of archive backends
// and resolves a container path to the backend that can serve it.
//
// Backends are compiled in: each backend package registers itself from
// an init function and the CLI imports them for side effects.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/archivefs/archivefs/internal/driver"
	"github.com/archivefs/archivefs/internal/logging"
)

// Factory constructs a driver instance bound to a container path.
type Factory func(containerPath string) (driver.Driver, error)

// ArchiveType advertises one container family a backend can serve.
type ArchiveType struct {
	// Extension is the lowercased dotted suffix without the dot,
	// e.g. "zip", "tar.gz".
	Extension string
	// MIME is the media type the sniffing stage matches against.
	MIME string
	// Factory builds a driver for a concrete container.
	Factory Factory
	// WriteSupport reports whether the backend can save a modified
	// tree back to a container of this family.
	WriteSupport bool
}

var (
	mu    sync.Mutex
	types []*ArchiveType
)

// Register appends archive types to the global registry. Called from
// backend init functions; the registry is append-only after process
// startup, so lookups run without the lock.
func Register(t ...*ArchiveType) {
	mu.Lock()
	types = append(types, t...)
	mu.Unlock()
}

// All returns the registered types in registration order.
func All() []*ArchiveType { return types }

// ByExtension linearly scans the registry for a type whose extension
// matches ext (already lowercased, no leading dot).
func ByExtension(ext string) *ArchiveType {
	for _, t := range types {
		if t.Extension == ext {
			return t
		}
	}
	return nil
}

// ByMIME linearly scans the registry for a type advertising the given
// media type.
func ByMIME(mime string) *ArchiveType {
	for _, t := range types {
		if t.MIME == mime {
			return t
		}
	}
	return nil
}

// Lookup resolves the archive type for a container path: MIME sniffing
// first, then the last dotted suffix, then the second-to-last so that
// composite extensions like "tar.gz" are recognised.
func Lookup(path string) *ArchiveType {
	if mt, err := mimetype.DetectFile(path); err == nil {
		for m := mt; m != nil; m = m.Parent() {
			if t := ByMIME(strings.Split(m.String(), ";")[0]); t != nil {
				return t
			}
		}
	} else {
		logging.Get().Debugf("mime sniff failed for %s: %v", path, err)
	}

	ext := lastSuffix(path, len(path))
	if ext == "" {
		return nil
	}
	if t := ByExtension(strings.ToLower(ext)); t != nil {
		return t
	}

	// Step back past the previous dot for composite extensions.
	outer := lastSuffix(path, len(path)-len(ext)-1)
	if outer == "" {
		return nil
	}
	return ByExtension(strings.ToLower(outer + "." + ext))
}

// lastSuffix returns the dotted suffix of path[:end] without the dot,
// or "" if path[:end] contains no dot.
func lastSuffix(path string, end int) string {
	if end < 0 {
		return ""
	}
	for i := end - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			if i == 0 || path[i-1] == '/' {
				return ""
			}
			return path[i+1 : end]
		case '/':
			return ""
		}
	}
	return ""
}

// NewArchiveName derives the name a saved copy is written under when
// the original container is kept: an "_edit (YYYY-MM-DD HH:MM)" tag
// inserted before the extension.
func NewArchiveName(name string) string {
	tag := "_edit (" + time.Now().Format("2006-01-02 15:04") + ")"
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i] + tag + name[i:]
	}
	return name + tag
}
