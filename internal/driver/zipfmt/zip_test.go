package zipfmt

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivefs/archivefs/internal/buffer"
	"github.com/archivefs/archivefs/internal/tree"
)

func writeFixture(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
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
	require.NoError(t, tr.Open(drv, n, false))
	out := make([]byte, n.GetSize())
	read, err := tr.Read(drv, n, out, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Close(drv, n))
	return out[:read]
}

func TestReadThrough(t *testing.T) {
	path := writeFixture(t, map[string]string{"docs/readme.txt": "hello\n"})
	drv, tr := buildTree(t, path)
	defer drv.CloseContainer()

	n := tr.Find("docs/readme.txt")
	require.NotNil(t, n)
	require.Equal(t, int64(6), n.GetSize())
	require.Equal(t, []byte("hello\n"), readAll(t, drv, tr, n))

	docs := tr.Find("docs")
	require.NotNil(t, docs)
	require.Len(t, docs.Children, 1)
	require.Equal(t, "readme.txt", docs.Children[0].Name)
}

func TestCreateThenPersist(t *testing.T) {
	path := writeFixture(t, nil)
	drv, tr := buildTree(t, path)

	n, err := tr.Create("a.txt", 0644)
	require.NoError(t, err)
	_, err = tr.Write(n, []byte("hi"), 0)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, drv.Save(tr, out))
	require.NoError(t, drv.CloseContainer())

	drv2, tr2 := buildTree(t, out)
	defer drv2.CloseContainer()
	n2 := tr2.Find("a.txt")
	require.NotNil(t, n2)
	require.Equal(t, int64(2), n2.GetSize())
	require.Equal(t, []byte("hi"), readAll(t, drv2, tr2, n2))
}

func TestRenameAcrossDirectories(t *testing.T) {
	path := writeFixture(t, map[string]string{"a/x": "X"})
	drv, tr := buildTree(t, path)

	_, err := tr.Mkdir("b", 0755)
	require.NoError(t, err)
	require.NoError(t, tr.Rename(tr.Find("a/x"), "b/x"))

	out := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, drv.Save(tr, out))
	require.NoError(t, drv.CloseContainer())

	drv2, tr2 := buildTree(t, out)
	defer drv2.CloseContainer()
	require.Nil(t, tr2.Find("a/x"))
	n := tr2.Find("b/x")
	require.NotNil(t, n)
	require.Equal(t, []byte("X"), readAll(t, drv2, tr2, n))
}

func TestTombstoneDeletesEntry(t *testing.T) {
	path := writeFixture(t, map[string]string{
		"notes.txt": "gone",
		"keep.txt":  "kept",
	})
	drv, tr := buildTree(t, path)

	require.NoError(t, tr.Remove(tr.Find("notes.txt")))

	out := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, drv.Save(tr, out))
	require.NoError(t, drv.CloseContainer())

	drv2, tr2 := buildTree(t, out)
	defer drv2.CloseContainer()
	require.Nil(t, tr2.Find("notes.txt"))
	n := tr2.Find("keep.txt")
	require.NotNil(t, n)
	require.Equal(t, []byte("kept"), readAll(t, drv2, tr2, n))
}

func TestOverwriteExistingEntry(t *testing.T) {
	path := writeFixture(t, map[string]string{"f.txt": "old content"})
	drv, tr := buildTree(t, path)

	n := tr.Find("f.txt")
	require.NoError(t, tr.Open(drv, n, true))
	require.NoError(t, tr.Truncate(drv, n, 0))
	_, err := tr.Write(n, []byte("new"), 0)
	require.NoError(t, err)
	require.NoError(t, tr.Close(drv, n))

	out := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, drv.Save(tr, out))
	require.NoError(t, drv.CloseContainer())

	drv2, tr2 := buildTree(t, out)
	defer drv2.CloseContainer()
	n2 := tr2.Find("f.txt")
	require.NotNil(t, n2)
	require.Equal(t, []byte("new"), readAll(t, drv2, tr2, n2))
}

func TestWriteEmptyProducesMountableArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	require.NoError(t, WriteEmpty(path))
	drv, tr := buildTree(t, path)
	defer drv.CloseContainer()
	require.Equal(t, 0, tr.NodeCount())
}
