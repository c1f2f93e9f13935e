package isofs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivefs/archivefs/internal/buffer"
	"github.com/archivefs/archivefs/internal/tree"
)

// writeFixture builds an ISO image from scratch by filling a tree with
// buffered content and running the writer over it.
func writeFixture(t *testing.T, entries map[string]string) string {
	t.Helper()
	tr := tree.New(true, false, buffer.NewLimit(-1))
	for name, content := range entries {
		n, err := tr.Create(name, 0644)
		require.NoError(t, err)
		_, err = tr.Write(n, []byte(content), 0)
		require.NoError(t, err)
	}
	path := filepath.Join(t.TempDir(), "fixture.iso")
	d := &Driver{path: path}
	require.NoError(t, d.Save(tr, path))
	return path
}

func buildTree(t *testing.T, path string) (*Driver, *tree.Tree) {
	t.Helper()
	drv, err := New(path)
	require.NoError(t, err)
	tr := tree.New(true, false, buffer.NewLimit(-1))
	require.NoError(t, drv.BuildTree(tr))
	return drv.(*Driver), tr
}

func readAll(t *testing.T, drv *Driver, tr *tree.Tree, n *tree.Node) []byte {
	t.Helper()
	out := make([]byte, n.GetSize())
	read, err := tr.Read(drv, n, out, 0)
	require.NoError(t, err)
	return out[:read]
}

func TestRoundTrip(t *testing.T) {
	path := writeFixture(t, map[string]string{
		"notes.txt":  "note\n",
		"docs/a.txt": "alpha",
		"docs/b.txt": "beta content spanning a few words",
	})
	drv, tr := buildTree(t, path)
	defer drv.CloseContainer()

	require.NotNil(t, tr.Find("docs"))
	require.True(t, tr.Find("docs").IsDir())

	n := tr.Find("notes.txt")
	require.NotNil(t, n)
	require.Equal(t, int64(5), n.GetSize())
	require.Equal(t, []byte("note\n"), readAll(t, drv, tr, n))

	b := tr.Find("docs/b.txt")
	require.NotNil(t, b)
	require.Equal(t, []byte("beta content spanning a few words"), readAll(t, drv, tr, b))
}

func TestOffsetReadClampsAtEnd(t *testing.T) {
	path := writeFixture(t, map[string]string{"f.txt": "0123456789"})
	drv, tr := buildTree(t, path)
	defer drv.CloseContainer()

	n := tr.Find("f.txt")
	out := make([]byte, 16)
	read, err := tr.Read(drv, n, out, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("789"), out[:read])

	read, err = tr.Read(drv, n, out, 10)
	require.NoError(t, err)
	require.Equal(t, 0, read)
}

func TestTombstoneRemovedFromOutput(t *testing.T) {
	path := writeFixture(t, map[string]string{
		"notes.txt": "to be removed",
		"keep.txt":  "still here",
	})
	drv, tr := buildTree(t, path)

	require.NoError(t, tr.Remove(tr.Find("notes.txt")))
	require.Len(t, tr.Tombstones(), 1)

	out := filepath.Join(t.TempDir(), "out.iso")
	require.NoError(t, drv.Save(tr, out))
	require.NoError(t, drv.CloseContainer())

	drv2, tr2 := buildTree(t, out)
	defer drv2.CloseContainer()
	require.Nil(t, tr2.Find("notes.txt"))
	n := tr2.Find("keep.txt")
	require.NotNil(t, n)
	require.Equal(t, []byte("still here"), readAll(t, drv2, tr2, n))
}

func TestSaveCarriesUnchangedContentAcrossRename(t *testing.T) {
	path := writeFixture(t, map[string]string{"a/x": "X"})
	drv, tr := buildTree(t, path)

	_, err := tr.Mkdir("b", 0755)
	require.NoError(t, err)
	require.NoError(t, tr.Rename(tr.Find("a/x"), "b/x"))

	out := filepath.Join(t.TempDir(), "out.iso")
	require.NoError(t, drv.Save(tr, out))
	require.NoError(t, drv.CloseContainer())

	drv2, tr2 := buildTree(t, out)
	defer drv2.CloseContainer()
	require.Nil(t, tr2.Find("a/x"))
	n := tr2.Find("b/x")
	require.NotNil(t, n)
	require.Equal(t, []byte("X"), readAll(t, drv2, tr2, n))
}

func TestPVDRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.iso")
	require.NoError(t, os.WriteFile(path, make([]byte, 20*sectorSize), 0644))
	_, err := New(path)
	require.Error(t, err)
}
