package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/cordum/barkit/core/bar/barerr"
)

// streamContainer reads a tar stream. Every walk and lookup reopens the file
// and scans forward from the start.
type streamContainer struct {
	path string
	enc  Encoding
}

func openStream(p string, enc Encoding) (Container, error) {
	if _, err := os.Stat(p); err != nil {
		return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("open stream: %w", err))
	}
	return &streamContainer{path: p, enc: enc}, nil
}

func (c *streamContainer) Encoding() Encoding { return c.enc }

func (c *streamContainer) Close() error { return nil }

func (c *streamContainer) Exists(name string) (bool, error) {
	w, err := c.Walk("")
	if err != nil {
		return false, err
	}
	defer w.Close()
	for {
		e, err := w.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if e.Name == name {
			return true, nil
		}
	}
}

func (c *streamContainer) ReadText(name string) (string, error) {
	return readAllText(c, name)
}

func (c *streamContainer) ReadBinary(name string) ([]byte, error) {
	w, err := c.Walk("")
	if err != nil {
		return nil, err
	}
	defer w.Close()
	for {
		e, err := w.Next()
		if errors.Is(err, io.EOF) {
			return nil, barerr.Wrap(barerr.MissingEntry, name, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if e.Name != name {
			continue
		}
		if e.Dir {
			return nil, barerr.New(barerr.IO, name, "entry is a directory")
		}
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return nil, barerr.Wrap(barerr.IO, name, err)
		}
		return data, nil
	}
}

func (c *streamContainer) Walk(root string) (Walker, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("open stream: %w", err))
	}
	w := &streamWalker{
		file:        f,
		root:        normalizeRoot(root),
		seen:        make(map[string]struct{}),
		synthesized: make(map[string]struct{}),
	}
	switch c.enc {
	case EncodingTarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("gzip: %w", err))
		}
		w.decomp = gz
		w.tr = tar.NewReader(gz)
	case EncodingTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("zstd: %w", err))
		}
		w.decomp = zr.IOReadCloser()
		w.tr = tar.NewReader(zr)
	default:
		w.tr = tar.NewReader(f)
	}
	return w, nil
}

type streamWalker struct {
	file    *os.File
	decomp  io.Closer
	tr      *tar.Reader
	root    string
	seen    map[string]struct{}
	pending []*Entry
	done    bool

	// synthesized holds parents reported before their own header; a later
	// header for one of them is dropped.
	synthesized map[string]struct{}
}

func (w *streamWalker) Next() (*Entry, error) {
	for {
		if len(w.pending) > 0 {
			e := w.pending[0]
			w.pending = w.pending[1:]
			return e, nil
		}
		if w.done {
			return nil, io.EOF
		}
		hdr, err := w.tr.Next()
		if errors.Is(err, io.EOF) {
			w.done = true
			return nil, io.EOF
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("read stream: %w", err))
		}
		var dir bool
		switch hdr.Typeflag {
		case tar.TypeDir:
			dir = true
		case tar.TypeReg:
		default:
			continue
		}
		name, cleanDir, err := CleanName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if dir && !cleanDir {
			name += "/"
		}
		if _, ok := w.synthesized[name]; ok && dir {
			delete(w.synthesized, name)
			w.seen[name] = struct{}{}
			continue
		}
		if _, ok := w.seen[name]; ok {
			return nil, barerr.New(barerr.UnexpectedEntry, name, "duplicate archive entry")
		}
		for _, parent := range parents(name) {
			if _, ok := w.seen[parent]; ok {
				continue
			}
			if _, ok := w.synthesized[parent]; ok {
				continue
			}
			w.synthesized[parent] = struct{}{}
			if underRoot(parent, w.root) {
				w.pending = append(w.pending, &Entry{Name: parent, Dir: true, Body: bytes.NewReader(nil)})
			}
		}
		w.seen[name] = struct{}{}
		if !underRoot(name, w.root) {
			continue
		}
		e := &Entry{Name: name, Dir: dir, Body: bytes.NewReader(nil)}
		if !dir {
			e.Size = hdr.Size
			e.Body = w.tr
		}
		w.pending = append(w.pending, e)
	}
}

func (w *streamWalker) Close() error {
	w.done = true
	w.pending = nil
	if w.decomp != nil {
		_ = w.decomp.Close()
	}
	return w.file.Close()
}
