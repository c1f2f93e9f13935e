// Package driver defines the contract every archive backend
// implements: enumerate a container into a NodeTree, serve per-entry
// reads, and reconcile a modified tree back into a new container.
package driver

import (
	"io"

	"github.com/archivefs/archivefs/internal/tree"
)

// Driver is the backend contract. The Open/Read/Close subset matches
// tree.Driver, so every Driver can be handed to the NodeTree's
// content-backfill path directly.
type Driver interface {
	// BuildTree enumerates the container and populates t. Enumeration
	// failures for individual entries are logged and skipped; the tree
	// that results is served as-is.
	BuildTree(t *tree.Tree) error

	// Open prepares an entry for reading. Opening an already-open
	// entry is not an error.
	Open(n *tree.Node) error

	// Read serves entry content at a byte offset, returning the number
	// of bytes read. A return of 0 means end of entry.
	Read(n *tree.Node, dst []byte, off int64) (int, error)

	// Close releases per-entry resources acquired by Open. Safe to
	// call on a never-opened entry.
	Close(n *tree.Node) error

	// Save writes a new container at outPath reflecting the live tree:
	// tombstoned entries deleted, renamed entries carried under their
	// new paths, changed entries rewritten from their buffers, and
	// everything else imported from the source container untouched.
	// Backends without write support return errtab.ErrNotSupported.
	Save(t *tree.Tree, outPath string) error
}

// ContentReader is how Save implementations stream a changed node's
// content without loading it in one piece: an io.Reader over the
// node's buffer (or over the driver itself for unmaterialised nodes).
type ContentReader struct {
	Tree *tree.Tree
	Drv  Driver
	Node *tree.Node
	off  int64
}

func (r *ContentReader) Read(p []byte) (int, error) {
	n, err := r.Tree.Read(r.Drv, r.Node, p, r.off)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	r.off += int64(n)
	return n, nil
}
