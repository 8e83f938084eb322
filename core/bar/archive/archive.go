// Package archive reads and writes box archives. Two encodings are
// supported: a random-access zip file and a forward-only tar stream,
// optionally gzip or zstd compressed.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/cordum/barkit/core/bar/barerr"
)

// Encoding names the physical layout of an archive.
type Encoding string

const (
	EncodingZip     Encoding = "zip"
	EncodingTar     Encoding = "tar"
	EncodingTarGzip Encoding = "tar+gzip"
	EncodingTarZstd Encoding = "tar+zstd"
)

// IsStream reports whether the encoding only supports forward iteration.
func (e Encoding) IsStream() bool { return e != EncodingZip }

// ParseEncoding maps a user supplied name to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return EncodingZip, nil
	case "tar":
		return EncodingTar, nil
	case "tar+gzip", "tgz", "tar.gz", "gzip":
		return EncodingTarGzip, nil
	case "tar+zstd", "tar.zst", "zstd":
		return EncodingTarZstd, nil
	default:
		return "", fmt.Errorf("unknown archive encoding %q", s)
	}
}

// ErrNotFound is returned by lookups of a missing entry.
var ErrNotFound = errors.New("archive entry not found")

// Entry is one walked archive entry. Body is valid until the next call to
// Walker.Next and is empty for directories.
type Entry struct {
	Name string
	Dir  bool
	Size int64
	Body io.Reader
}

// Walker iterates entries. Next returns io.EOF after the last entry.
type Walker interface {
	Next() (*Entry, error)
	Close() error
}

// Container is an opened archive.
type Container interface {
	Exists(name string) (bool, error)
	ReadText(name string) (string, error)
	ReadBinary(name string) ([]byte, error)
	// Walk iterates every entry at or below root. Missing parent directories
	// are synthesized so a directory is always seen before its children.
	Walk(root string) (Walker, error)
	Encoding() Encoding
	Close() error
}

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicUstar    = []byte("ustar")
)

// Open detects the encoding of the file at p and opens it.
func Open(p string) (Container, error) {
	enc, err := detect(p)
	if err != nil {
		return nil, err
	}
	if enc == EncodingZip {
		return OpenZip(p)
	}
	return openStream(p, enc)
}

// OpenStream opens p as a tar stream, detecting its compression.
func OpenStream(p string) (Container, error) {
	enc, err := detect(p)
	if err != nil {
		return nil, err
	}
	if enc == EncodingZip {
		return nil, barerr.New(barerr.IO, "", "%s is a zip archive, not a stream", p)
	}
	return openStream(p, enc)
}

func detect(p string) (Encoding, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", barerr.Wrap(barerr.IO, "", fmt.Errorf("open archive: %w", err))
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", barerr.Wrap(barerr.IO, "", fmt.Errorf("read archive header: %w", err))
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty):
		return EncodingZip, nil
	case bytes.HasPrefix(head, magicGzip):
		return EncodingTarGzip, nil
	case bytes.HasPrefix(head, magicZstd):
		return EncodingTarZstd, nil
	case len(head) >= 262 && bytes.Equal(head[257:262], magicUstar):
		return EncodingTar, nil
	default:
		return "", barerr.New(barerr.DocumentFormat, "", "unrecognized archive encoding")
	}
}

// CleanName normalizes an entry name to a slash separated relative path.
// Directories keep a trailing slash. Absolute names and names escaping the
// archive root are rejected.
func CleanName(name string) (string, bool, error) {
	raw := strings.ReplaceAll(name, "\\", "/")
	dir := strings.HasSuffix(raw, "/")
	if raw == "" || strings.HasPrefix(raw, "/") {
		return "", false, barerr.New(barerr.UnexpectedEntry, name, "absolute or empty entry name")
	}
	for _, seg := range strings.Split(strings.TrimSuffix(raw, "/"), "/") {
		if seg == ".." {
			return "", false, barerr.New(barerr.UnexpectedEntry, name, "entry name escapes archive root")
		}
	}
	clean := path.Clean(raw)
	if clean == "." {
		return "", false, barerr.New(barerr.UnexpectedEntry, name, "empty entry name")
	}
	if dir {
		clean += "/"
	}
	return clean, dir, nil
}

// parents returns the directory entries above name, outermost first.
func parents(name string) []string {
	trimmed := strings.TrimSuffix(name, "/")
	var out []string
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			out = append(out, trimmed[:i+1])
		}
	}
	return out
}

func underRoot(name, root string) bool {
	if root == "" {
		return true
	}
	return name == root || strings.HasPrefix(name, root)
}

func normalizeRoot(root string) string {
	root = strings.TrimPrefix(strings.TrimSpace(root), "/")
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}

func readAllText(c Container, name string) (string, error) {
	data, err := c.ReadBinary(name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
