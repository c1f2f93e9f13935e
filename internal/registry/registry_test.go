package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func init() {
	Register(
		&ArchiveType{Extension: "zip", MIME: "application/zip", WriteSupport: true},
		&ArchiveType{Extension: "tar", MIME: "application/x-tar"},
		&ArchiveType{Extension: "tar.gz", MIME: "application/gzip", WriteSupport: true},
	)
}

func TestByExtension(t *testing.T) {
	require.NotNil(t, ByExtension("zip"))
	require.Nil(t, ByExtension("rar"))
}

func TestByMIME(t *testing.T) {
	require.NotNil(t, ByMIME("application/x-tar"))
	require.Nil(t, ByMIME("application/pdf"))
}

func TestLookupSimpleExtension(t *testing.T) {
	// The file does not exist, so sniffing fails and the extension
	// fallback decides.
	at := Lookup("/nonexistent/archive.ZIP")
	require.NotNil(t, at)
	require.Equal(t, "zip", at.Extension)
}

func TestLookupCompositeExtension(t *testing.T) {
	at := Lookup("/nonexistent/backup.tar.gz")
	require.NotNil(t, at)
	require.Equal(t, "tar.gz", at.Extension)
}

func TestLookupUnknown(t *testing.T) {
	require.Nil(t, Lookup("/nonexistent/file.rar"))
	require.Nil(t, Lookup("/nonexistent/no-extension"))
}

func TestNewArchiveName(t *testing.T) {
	name := NewArchiveName("/tmp/data.zip")
	require.True(t, strings.HasPrefix(name, "/tmp/data_edit ("))
	require.True(t, strings.HasSuffix(name, ").zip"))
}

func TestNewArchiveNameWithoutExtension(t *testing.T) {
	name := NewArchiveName("archive")
	require.True(t, strings.HasPrefix(name, "archive_edit ("))
}
