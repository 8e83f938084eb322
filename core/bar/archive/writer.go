package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cordum/barkit/core/bar/barerr"
)

// ModTime is stamped on every written entry so identical trees produce
// identical archives.
var ModTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Writer appends entries to a new archive. Names use forward slashes;
// directory names may omit the trailing slash.
type Writer interface {
	Mkdir(name string) error
	WriteText(name, content string) error
	WriteBinary(name string, r io.Reader) error
	Encoding() Encoding
	Close() error
}

// Create opens a new archive at p.
func Create(p string, enc Encoding) (Writer, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("create archive: %w", err))
	}
	switch enc {
	case EncodingZip, "":
		return &zipWriter{file: f, zw: zip.NewWriter(f)}, nil
	case EncodingTar:
		return &tarWriter{file: f, tw: tar.NewWriter(f), enc: enc}, nil
	case EncodingTarGzip:
		gz := gzip.NewWriter(f)
		return &tarWriter{file: f, comp: gz, tw: tar.NewWriter(gz), enc: enc}, nil
	case EncodingTarZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, barerr.Wrap(barerr.IO, "", fmt.Errorf("zstd: %w", err))
		}
		return &tarWriter{file: f, comp: zw, tw: tar.NewWriter(zw), enc: enc}, nil
	default:
		_ = f.Close()
		_ = os.Remove(p)
		return nil, barerr.New(barerr.IO, "", "unsupported encoding %q", enc)
	}
}

func dirName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return name
}

type zipWriter struct {
	file *os.File
	zw   *zip.Writer
}

func (w *zipWriter) Encoding() Encoding { return EncodingZip }

func (w *zipWriter) Mkdir(name string) error {
	name = dirName(name)
	if _, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: ModTime}); err != nil {
		return barerr.Wrap(barerr.IO, name, err)
	}
	return nil
}

func (w *zipWriter) WriteText(name, content string) error {
	return w.WriteBinary(name, strings.NewReader(content))
}

func (w *zipWriter) WriteBinary(name string, r io.Reader) error {
	out, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: ModTime})
	if err != nil {
		return barerr.Wrap(barerr.IO, name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		return barerr.Wrap(barerr.IO, name, err)
	}
	return nil
}

func (w *zipWriter) Close() error {
	if err := w.zw.Close(); err != nil {
		_ = w.file.Close()
		return barerr.Wrap(barerr.IO, "", err)
	}
	if err := w.file.Close(); err != nil {
		return barerr.Wrap(barerr.IO, "", err)
	}
	return nil
}

type tarWriter struct {
	file *os.File
	comp io.WriteCloser
	tw   *tar.Writer
	enc  Encoding
}

func (w *tarWriter) Encoding() Encoding { return w.enc }

func (w *tarWriter) Mkdir(name string) error {
	name = dirName(name)
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: ModTime, Format: tar.FormatPAX}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return barerr.Wrap(barerr.IO, name, err)
	}
	return nil
}

func (w *tarWriter) WriteText(name, content string) error {
	return w.WriteBinary(name, strings.NewReader(content))
}

// WriteBinary buffers readers of unknown length since tar headers carry the
// size up front.
func (w *tarWriter) WriteBinary(name string, r io.Reader) error {
	size := int64(-1)
	switch v := r.(type) {
	case *bytes.Reader:
		size = int64(v.Len())
	case *strings.Reader:
		size = int64(v.Len())
	}
	if size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return barerr.Wrap(barerr.IO, name, err)
		}
		size = int64(len(data))
		r = bytes.NewReader(data)
	}
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: size, ModTime: ModTime, Format: tar.FormatPAX}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return barerr.Wrap(barerr.IO, name, err)
	}
	if _, err := io.Copy(w.tw, r); err != nil {
		return barerr.Wrap(barerr.IO, name, err)
	}
	return nil
}

func (w *tarWriter) Close() error {
	var firstErr error
	if err := w.tw.Close(); err != nil {
		firstErr = err
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return barerr.Wrap(barerr.IO, "", firstErr)
	}
	return nil
}
