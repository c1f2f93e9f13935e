package tree

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivefs/archivefs/internal/buffer"
	"github.com/archivefs/archivefs/internal/errtab"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	return New(true, false, buffer.NewLimit(-1))
}

// checkInvariants verifies the structural laws that must hold after any
// sequence of operations: mapping keys equal full paths, names are path
// suffixes, parents link back, and directory nlink counts match.
func checkInvariants(t *testing.T, tr *Tree) {
	t.Helper()
	for _, n := range tr.Walk() {
		require.Equal(t, n, tr.Find(n.FullPath))

		wantName := n.FullPath
		if i := strings.LastIndexByte(n.FullPath, '/'); i >= 0 {
			wantName = n.FullPath[i+1:]
		}
		require.Equal(t, wantName, n.Name)

		require.NotNil(t, n.Parent)
		found := false
		for _, c := range n.Parent.Children {
			if c == n {
				found = true
			}
		}
		require.True(t, found, "parent of %s does not list it", n.FullPath)

		if n.IsDir() {
			dirs := 0
			for _, c := range n.Children {
				if c.Kind == KindDir {
					dirs++
				}
			}
			require.Equal(t, uint32(2+dirs), n.Stat.Nlink, "nlink of %s", n.FullPath)
		}
	}
}

func TestAppendCreatesAncestors(t *testing.T) {
	tr := newTestTree(t)

	n := NewNode("a/b/c.txt", KindFile, nil)
	require.NoError(t, tr.Append(n))

	require.NotNil(t, tr.Find("a"))
	require.NotNil(t, tr.Find("a/b"))
	require.Equal(t, KindDir, tr.Find("a").Kind)
	require.Equal(t, tr.Find("a/b"), n.Parent)
	checkInvariants(t, tr)
}

func TestAppendCollisionCarriesExisting(t *testing.T) {
	tr := newTestTree(t)

	first := NewNode("x", KindFile, nil)
	require.NoError(t, tr.Append(first))

	err := tr.Append(NewNode("x", KindFile, nil))
	require.Error(t, err)
	var ae *errtab.AlreadyExists
	require.ErrorAs(t, err, &ae)
	require.Equal(t, first, ae.Existing.(*Node))
}

func TestMknodCreateMkdirRequireWriteSupport(t *testing.T) {
	tr := New(false, false, buffer.NewLimit(-1))

	_, err := tr.Mknod("f", 0644)
	require.ErrorIs(t, err, errtab.ErrNotSupported)
	_, err = tr.Create("f", 0644)
	require.ErrorIs(t, err, errtab.ErrNotSupported)
	_, err = tr.Mkdir("d", 0755)
	require.ErrorIs(t, err, errtab.ErrNotSupported)
	require.False(t, tr.Changed)
}

func TestCreateMarksChangedAndOpen(t *testing.T) {
	tr := newTestTree(t)

	n, err := tr.Create("f.txt", 0600)
	require.NoError(t, err)
	require.NotNil(t, n.Buffer)
	require.Equal(t, 1, n.OpenRefs)
	require.True(t, n.Changed)
	require.True(t, tr.Changed)
	require.Equal(t, uint32(0600), n.Stat.Mode)
}

func TestRemoveTombstonesPersistedNodes(t *testing.T) {
	tr := newTestTree(t)

	persisted := NewNode("docs/readme.txt", KindFile, "locator")
	require.NoError(t, tr.Append(persisted))
	fresh, err := tr.Create("docs/new.txt", 0644)
	require.NoError(t, err)

	require.NoError(t, tr.Remove(tr.Find("docs")))

	require.Nil(t, tr.Find("docs"))
	require.Nil(t, tr.Find("docs/readme.txt"))
	require.Nil(t, tr.Find("docs/new.txt"))

	tombs := tr.Tombstones()
	require.Contains(t, tombs, persisted)
	require.NotContains(t, tombs, fresh)
	require.True(t, tr.Changed)
	checkInvariants(t, tr)
}

func TestRenameRepathsDescendants(t *testing.T) {
	tr := newTestTree(t)

	require.NoError(t, tr.Append(NewNode("a/x", KindFile, "loc-x")))
	require.NoError(t, tr.Append(NewNode("a/sub/y", KindFile, nil)))
	_, err := tr.Mkdir("b", 0755)
	require.NoError(t, err)

	dir := tr.Find("a")
	require.NoError(t, tr.Rename(dir, "b/a"))

	require.Nil(t, tr.Find("a"))
	require.Nil(t, tr.Find("a/x"))
	require.NotNil(t, tr.Find("b/a"))
	require.NotNil(t, tr.Find("b/a/x"))
	require.NotNil(t, tr.Find("b/a/sub/y"))

	// Only the persisted descendant records its pre-rename path.
	x := tr.Find("b/a/x")
	require.NotNil(t, x.OriginalPath)
	require.Equal(t, "a/x", *x.OriginalPath)
	require.Nil(t, tr.Find("b/a/sub/y").OriginalPath)
	checkInvariants(t, tr)
}

func TestRenameSetsOriginalPathOnce(t *testing.T) {
	tr := newTestTree(t)

	n := NewNode("one", KindFile, "loc")
	require.NoError(t, tr.Append(n))

	require.NoError(t, tr.Rename(n, "two"))
	require.NoError(t, tr.Rename(n, "three"))

	require.Equal(t, "three", n.FullPath)
	require.Equal(t, "three", n.Name)
	require.NotNil(t, n.OriginalPath)
	require.Equal(t, "one", *n.OriginalPath)
}

func TestRenameRemovesOccupant(t *testing.T) {
	tr := newTestTree(t)

	victim := NewNode("dst", KindFile, "loc-dst")
	require.NoError(t, tr.Append(victim))
	n := NewNode("src", KindFile, nil)
	require.NoError(t, tr.Append(n))

	require.NoError(t, tr.Rename(n, "dst"))

	require.Equal(t, n, tr.Find("dst"))
	require.Contains(t, tr.Tombstones(), victim)
	checkInvariants(t, tr)
}

func TestWriteWithoutBufferIsBadHandle(t *testing.T) {
	tr := newTestTree(t)
	n := NewNode("f", KindFile, "loc")
	require.NoError(t, tr.Append(n))

	_, err := tr.Write(n, []byte("x"), 0)
	require.ErrorIs(t, err, errtab.ErrBadHandle)
}

func TestWriteNeverShrinksSize(t *testing.T) {
	tr := newTestTree(t)
	n, err := tr.Create("f", 0644)
	require.NoError(t, err)

	_, err = tr.Write(n, []byte("hello world"), 0)
	require.NoError(t, err)
	_, err = tr.Write(n, []byte("HE"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(11), n.GetSize())
}

func TestChangedNodeImpliesChangedTree(t *testing.T) {
	tr := newTestTree(t)
	n, err := tr.Create("f", 0644)
	require.NoError(t, err)

	tr.Changed = false
	_, err = tr.Write(n, []byte("data"), 0)
	require.NoError(t, err)
	require.True(t, n.Changed)
	require.True(t, tr.Changed)
}

func TestRemoveTrash(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Append(NewNode(".Trash-1000/files/junk", KindFile, "loc")))
	require.NoError(t, tr.Append(NewNode("keep.txt", KindFile, nil)))

	require.NoError(t, tr.RemoveTrash())

	require.Nil(t, tr.Find(".Trash-1000"))
	require.NotNil(t, tr.Find("keep.txt"))
}

func TestAccessChecks(t *testing.T) {
	tr := New(true, true, buffer.NewLimit(-1))

	secret := NewNode("secret", KindFile, nil)
	secret.Stat.Mode = 0600
	secret.Stat.Uid = 1000
	secret.Stat.Gid = 1000
	require.NoError(t, tr.Append(secret))

	require.ErrorIs(t, tr.Access(secret, MaskRead, 1001, 1001), errtab.ErrPermissionDenied)
	require.NoError(t, tr.Access(secret, MaskRead, 1000, 1000))
	require.NoError(t, tr.Access(secret, MaskRead, 0, 0))

	// Executing a regular file is refused even for root unless some
	// execute bit is set.
	require.ErrorIs(t, tr.Access(secret, MaskExec, 0, 0), errtab.ErrPermissionDenied)
	secret.Stat.Mode = 0700
	require.NoError(t, tr.Access(secret, MaskExec, 0, 0))
}

func TestAccessRequiresSearchableAncestors(t *testing.T) {
	tr := New(true, true, buffer.NewLimit(-1))

	n := NewNode("locked/file", KindFile, nil)
	n.Stat.Mode = 0644
	require.NoError(t, tr.Append(n))
	dir := tr.Find("locked")
	dir.Stat.Mode = 0700
	dir.Stat.Uid = 1000

	require.ErrorIs(t, tr.Access(n, MaskRead, 1001, 1001), errtab.ErrPermissionDenied)
	require.NoError(t, tr.Access(n, MaskRead, 1000, 1001))
}

func TestAccessSkippedWithoutRightsEnforcement(t *testing.T) {
	tr := newTestTree(t)
	n := NewNode("secret", KindFile, nil)
	n.Stat.Mode = 0
	require.NoError(t, tr.Append(n))
	require.NoError(t, tr.Access(n, MaskRead|MaskWrite, 4242, 4242))
}

func TestAppendUnderSkipsAncestorResolution(t *testing.T) {
	tr := newTestTree(t)
	dir, err := tr.Mkdir("d", 0755)
	require.NoError(t, err)

	n := NewNode("d/f", KindFile, nil)
	require.NoError(t, tr.AppendUnder(n, dir))
	require.Equal(t, dir, n.Parent)
	require.Equal(t, n, tr.Find("d/f"))

	err = tr.AppendUnder(NewNode("d/f", KindFile, nil), dir)
	require.ErrorIs(t, err, errtab.ErrAlreadyExists)
}

func TestTakeDetachesWithoutDestroying(t *testing.T) {
	tr := newTestTree(t)
	n := NewNode("f", KindFile, "loc")
	require.NoError(t, tr.Append(n))

	require.True(t, tr.Take(n))
	require.Nil(t, tr.Find("f"))
	require.Empty(t, tr.Tombstones())
	require.False(t, tr.Take(n))
}

func TestReleaseUnchangedDropsMemoryBuffers(t *testing.T) {
	tr := newTestTree(t)
	n, err := tr.Create("f", 0644)
	require.NoError(t, err)
	_, err = tr.Write(n, []byte("data"), 0)
	require.NoError(t, err)

	// A changed node keeps its buffer.
	require.False(t, tr.ReleaseUnchanged())
	require.NotNil(t, n.Buffer)

	n.Changed = false
	require.True(t, tr.ReleaseUnchanged())
	require.Nil(t, n.Buffer)
}

func TestInitStatVFS(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Append(NewNode("a/b", KindFile, nil)))

	st, err := tr.InitStatVFS("/tmp/container.zip")
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.Files)
	require.Equal(t, uint32(255), st.Namemax)
	require.NotZero(t, st.Blocks)
}

func TestConcurrentReadersWithWriter(t *testing.T) {
	tr := newTestTree(t)
	n, err := tr.Create("shared", 0644)
	require.NoError(t, err)
	_, err = tr.Write(n, make([]byte, 8192), 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := tr.Write(n, []byte{byte(i)}, int64(i)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	out := make([]byte, 512)
	for i := 0; i < 200; i++ {
		if _, err := tr.Read(nil, n, out, int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	<-done
}

// stubDriver counts entry opens so tests can observe how many callers
// raced through the first-open path.
type stubDriver struct {
	mu      sync.Mutex
	opens   int
	content []byte
}

func (d *stubDriver) Open(n *Node) error {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) Read(n *Node, dst []byte, off int64) (int, error) {
	if off >= int64(len(d.content)) {
		return 0, nil
	}
	return copy(dst, d.content[off:]), nil
}

func (d *stubDriver) Close(n *Node) error { return nil }

func TestConcurrentOpenForWriteMaterialisesOnce(t *testing.T) {
	tr := newTestTree(t)
	drv := &stubDriver{content: []byte("stable content")}
	n := NewNode("f", KindFile, "loc")
	n.Stat.Size = int64(len(drv.content))
	require.NoError(t, tr.Append(n))

	const openers = 8
	var wg sync.WaitGroup
	buffers := make([]*buffer.Buffer, openers)
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tr.Open(drv, n, true); err != nil {
				t.Error(err)
				return
			}
			buffers[i] = n.Buffer
		}(i)
	}
	wg.Wait()

	// Every opener observed the same buffer; none was clobbered.
	require.NotNil(t, n.Buffer)
	for i := 0; i < openers; i++ {
		require.Same(t, n.Buffer, buffers[i])
	}
	require.Equal(t, openers, n.OpenRefs)

	out := make([]byte, len(drv.content))
	read, err := tr.Read(drv, n, out, 0)
	require.NoError(t, err)
	require.Equal(t, drv.content, out[:read])

	for i := 0; i < openers; i++ {
		require.NoError(t, tr.Close(drv, n))
	}
	require.Equal(t, 0, n.OpenRefs)
}

func TestConcurrentRemoveAndFind(t *testing.T) {
	tr := newTestTree(t)
	for i := 0; i < 26; i++ {
		p := "dir/" + string(rune('a'+i)) + "/leaf"
		require.NoError(t, tr.Append(NewNode(p, KindFile, "loc")))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Remove(tr.Find("dir"))
	}()
	// Concurrent lookups see either the whole subtree or none of it;
	// they never crash on a half-detached namespace.
	for i := 0; i < 200; i++ {
		if n := tr.Find("dir"); n == nil {
			require.Nil(t, tr.Find("dir/a/leaf"))
			break
		}
	}
	<-done
	require.Nil(t, tr.Find("dir"))
	require.Len(t, tr.Tombstones(), 26)
}

func TestConcurrentAppendAndFind(t *testing.T) {
	tr := newTestTree(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = tr.Append(NewNode("dir/"+string(rune('a'+i%26))+"/f", KindFile, nil))
		}
	}()
	for i := 0; i < 100; i++ {
		tr.Find("dir")
	}
	<-done
	checkInvariants(t, tr)
}

func TestUtimensRequiresWriteSupport(t *testing.T) {
	ro := New(false, false, buffer.NewLimit(-1))
	n := NewNode("f", KindFile, nil)
	require.NoError(t, ro.Append(n))
	require.ErrorIs(t, ro.Utimens(n, n.Stat.Atime, n.Stat.Mtime), errtab.ErrNotSupported)
}
