package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}

func TestSaveSniffsMimeAndDeduplicates(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "/files", 1024)
	require.NoError(t, err)

	f1, err := s.Save(context.Background(), Upload{Name: "../../cat.png", Mime: "text/plain", Reader: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	assert.Equal(t, "cat.png", f1.Name)
	assert.Equal(t, "image/png", f1.Mime)
	assert.Equal(t, int64(len(pngHeader)), f1.Size)
	assert.True(t, strings.HasPrefix(f1.Path, "/files/"))

	f2, err := s.Save(context.Background(), Upload{Name: "copy.png", Reader: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	assert.Equal(t, f1.Path, f2.Path)

	rc, err := s.Open(f1.Path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestSaveFallsBackToDeclaredMime(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "files", 0)
	require.NoError(t, err)

	f, err := s.Save(context.Background(), Upload{Name: "notes.txt", Mime: "text/plain", Reader: strings.NewReader("hello")})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", f.Mime)

	f, err = s.Save(context.Background(), Upload{Name: "blob", Reader: strings.NewReader("other")})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", f.Mime)
}

func TestSaveRejectsOversizeAndEmpty(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "/files", 4)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), Upload{Name: "big", Reader: strings.NewReader("12345")})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Save(context.Background(), Upload{Name: "empty", Reader: strings.NewReader("")})
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = s.Save(context.Background(), Upload{Name: "exact", Reader: strings.NewReader("1234")})
	assert.NoError(t, err)
}

func TestOpenRejectsForeignPaths(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "/files", 0)
	require.NoError(t, err)

	_, err = s.Open("/other/ab/abc")
	assert.Error(t, err)
	_, err = s.Open("/files/../etc/passwd")
	assert.Error(t, err)
}
