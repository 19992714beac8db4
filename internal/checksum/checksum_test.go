package checksum

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA256Bytes_KnownVector(t *testing.T) {
	// sha256("abc")
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA256Bytes([]byte("abc")))
}

func TestSHA256File_MatchesReader(t *testing.T) {
	data := bytes.Repeat([]byte("backhaul"), 4096)
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, data, 0644))

	fromFile, size, err := SHA256File(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	fromReader, err := SHA256Reader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, fromReader, fromFile)
	assert.Equal(t, SHA256Bytes(data), fromFile)
}

func TestMD5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	sum, err := MD5File(path)
	require.NoError(t, err)
	// md5("abc")
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", sum)
}

func TestSHA256File_Missing(t *testing.T) {
	_, _, err := SHA256File(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
