package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cordum/barkit/core/bar/barerr"
)

type zipEntry struct {
	name string
	dir  bool
	file *zip.File
}

type zipContainer struct {
	rc      *zip.ReadCloser
	entries []zipEntry
	index   map[string]int
}

// OpenZip opens p as a random-access zip archive. Entries are indexed once;
// walks yield them in lexical path order.
func OpenZip(p string) (Container, error) {
	rc, err := zip.OpenReader(p)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && rc != nil) {
		return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("open zip: %w", err))
	}
	c := &zipContainer{rc: rc, index: make(map[string]int)}
	for _, f := range rc.File {
		name, dir, err := CleanName(f.Name)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		if !dir && f.FileInfo().IsDir() {
			name += "/"
			dir = true
		}
		if _, ok := c.index[name]; ok {
			_ = rc.Close()
			return nil, barerr.New(barerr.UnexpectedEntry, name, "duplicate archive entry")
		}
		c.index[name] = len(c.entries)
		c.entries = append(c.entries, zipEntry{name: name, dir: dir, file: f})
	}
	for _, e := range append([]zipEntry(nil), c.entries...) {
		for _, parent := range parents(e.name) {
			if _, ok := c.index[parent]; ok {
				continue
			}
			c.index[parent] = len(c.entries)
			c.entries = append(c.entries, zipEntry{name: parent, dir: true})
		}
	}
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].name < c.entries[j].name })
	for i, e := range c.entries {
		c.index[e.name] = i
	}
	return c, nil
}

func (c *zipContainer) Encoding() Encoding { return EncodingZip }

func (c *zipContainer) Close() error {
	if c == nil || c.rc == nil {
		return nil
	}
	return c.rc.Close()
}

func (c *zipContainer) Exists(name string) (bool, error) {
	_, ok := c.index[name]
	return ok, nil
}

func (c *zipContainer) ReadText(name string) (string, error) {
	return readAllText(c, name)
}

func (c *zipContainer) ReadBinary(name string) ([]byte, error) {
	idx, ok := c.index[name]
	if !ok {
		return nil, barerr.Wrap(barerr.MissingEntry, name, ErrNotFound)
	}
	e := c.entries[idx]
	if e.dir || e.file == nil {
		return nil, barerr.New(barerr.IO, name, "entry is a directory")
	}
	rc, err := e.file.Open()
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, name, err)
	}
	return data, nil
}

func (c *zipContainer) Walk(root string) (Walker, error) {
	return &zipWalker{c: c, root: normalizeRoot(root)}, nil
}

type zipWalker struct {
	c    *zipContainer
	root string
	pos  int
	open io.ReadCloser
}

func (w *zipWalker) Next() (*Entry, error) {
	w.closeOpen()
	for w.pos < len(w.c.entries) {
		e := w.c.entries[w.pos]
		w.pos++
		if !underRoot(e.name, w.root) {
			continue
		}
		if e.dir {
			return &Entry{Name: e.name, Dir: true, Body: bytes.NewReader(nil)}, nil
		}
		rc, err := e.file.Open()
		if err != nil {
			return nil, barerr.Wrap(barerr.IO, e.name, err)
		}
		w.open = rc
		return &Entry{Name: e.name, Size: int64(e.file.UncompressedSize64), Body: rc}, nil
	}
	return nil, io.EOF
}

func (w *zipWalker) closeOpen() {
	if w.open != nil {
		_ = w.open.Close()
		w.open = nil
	}
}

func (w *zipWalker) Close() error {
	w.closeOpen()
	w.pos = len(w.c.entries)
	return nil
}
