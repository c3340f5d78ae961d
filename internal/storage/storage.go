package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/mbeoliero/kit/log"
)

// sniffLen is how many leading bytes filetype needs to match a signature
const sniffLen = 261

var (
	// ErrTooLarge is returned when an upload exceeds the size limit
	ErrTooLarge = errors.New("file too large")
	// ErrEmpty is returned for zero byte uploads
	ErrEmpty = errors.New("file is empty")
)

// Upload is one incoming file
type Upload struct {
	Name   string
	Mime   string // Declared by the client, used when sniffing finds nothing
	Reader io.Reader
}

// File describes a stored upload
type File struct {
	Name string
	Path string // Public URL path
	Size int64
	Mime string
}

// LocalStore keeps uploads on the local filesystem, addressed by content hash
type LocalStore struct {
	root      string
	urlPrefix string
	maxSize   int64
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, urlPrefix string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalStore{
		root:      root,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		maxSize:   maxSize,
	}, nil
}

// Root returns the directory files are served from
func (s *LocalStore) Root() string {
	return s.root
}

// URLPrefix returns the public path prefix of stored files
func (s *LocalStore) URLPrefix() string {
	return s.urlPrefix
}

func relPath(hash string) string {
	return path.Join(hash[:2], hash)
}

// Save streams u to disk. Identical content is stored once.
func (s *LocalStore) Save(ctx context.Context, u Upload) (*File, error) {
	if u.Reader == nil {
		return nil, ErrEmpty
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	head := &headBuffer{limit: sniffLen}
	src := io.Reader(u.Reader)
	if s.maxSize > 0 {
		src = io.LimitReader(u.Reader, s.maxSize+1)
	}
	size, err := io.Copy(io.MultiWriter(tmp, h, head), src)
	if err != nil {
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if size == 0 {
		return nil, ErrEmpty
	}
	if s.maxSize > 0 && size > s.maxSize {
		return nil, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dst := filepath.Join(s.root, filepath.FromSlash(relPath(hash)))
	if _, err := os.Stat(dst); err != nil {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return nil, fmt.Errorf("failed to rename file: %w", err)
		}
	}

	f := &File{
		Name: cleanName(u.Name),
		Path: path.Join(s.urlPrefix, relPath(hash)),
		Size: size,
		Mime: detectMime(head.buf, u.Mime),
	}
	log.CtxDebug(ctx, "file stored: name=%s, size=%d, mime=%s, path=%s", f.Name, f.Size, f.Mime, f.Path)
	return f, nil
}

// Open returns the content stored under a public path produced by Save
func (s *LocalStore) Open(publicPath string) (io.ReadCloser, error) {
	rel, ok := strings.CutPrefix(publicPath, s.urlPrefix+"/")
	if !ok || strings.Contains(rel, "..") {
		return nil, fmt.Errorf("invalid file path %q", publicPath)
	}
	return os.Open(filepath.Join(s.root, filepath.FromSlash(rel)))
}

func detectMime(head []byte, declared string) string {
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// cleanName keeps only the base name of a client supplied file name
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// headBuffer keeps the first limit bytes written to it
type headBuffer struct {
	buf   []byte
	limit int
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}
