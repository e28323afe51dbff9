// Package upload spools an incoming proof file to disk and checks it against
// the accepted types and size before anything is stored.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const sniffLen = 512

type Limits struct {
	MaxBytes     int64
	AllowedTypes []string
}

// RejectedError names the constraint an upload violated.
type RejectedError struct {
	Constraint string
	Message    string
}

func (e *RejectedError) Error() string { return e.Message }

func reject(constraint, format string, args ...any) error {
	return &RejectedError{Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

// File is a validated upload held in a temp file. Close removes it.
type File struct {
	Name        string
	Size        int64
	ContentType string
	PageCount   *int
	f           *os.File
}

// Spool copies r into a temp file, enforcing lim while reading so an
// oversized body is never fully buffered. The content type is sniffed from
// the first bytes rather than trusted from the client.
func Spool(r io.Reader, name string, lim Limits) (*File, error) {
	tmp, err := os.CreateTemp("", "proofline-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if lim.MaxBytes > 0 && written > lim.MaxBytes {
				cleanup()
				return nil, reject("max_bytes", "file exceeds the %d MB limit", lim.MaxBytes>>20)
			}
			if len(sniff) < sniffLen {
				chunk := n
				if remain := sniffLen - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				cleanup()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			cleanup()
			var maxErr *http.MaxBytesError
			if errors.As(readErr, &maxErr) {
				return nil, reject("max_bytes", "file exceeds the %d MB limit", lim.MaxBytes>>20)
			}
			return nil, fmt.Errorf("read upload: %w", readErr)
		}
	}
	if written == 0 {
		cleanup()
		return nil, reject("empty", "file is empty")
	}
	contentType := http.DetectContentType(sniff)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if !allowed(contentType, lim.AllowedTypes) {
		cleanup()
		return nil, reject("content_type", "only PDF, JPG or PNG files are accepted (got %s)", contentType)
	}
	f := &File{
		Name:        cleanName(name, contentType),
		Size:        written,
		ContentType: contentType,
		f:           tmp,
	}
	if contentType == "application/pdf" {
		pages, err := pdfPageCount(tmp, written)
		if err != nil {
			cleanup()
			return nil, reject("pdf", "PDF file could not be read: %v", err)
		}
		if pages < 1 {
			cleanup()
			return nil, reject("pdf", "PDF file has no pages")
		}
		f.PageCount = &pages
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return f, nil
}

// Reader returns the spooled content from the start.
func (f *File) Reader() (io.Reader, error) {
	if _, err := f.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f.f, nil
}

func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	name := f.f.Name()
	err := f.f.Close()
	os.Remove(name)
	return err
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}

var extensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
}

// cleanName keeps the base name and makes the extension match the sniffed type.
func cleanName(name, contentType string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "epreuve"
	}
	ext := extensions[contentType]
	if ext != "" && !strings.EqualFold(filepath.Ext(base), ext) && !(ext == ".jpg" && strings.EqualFold(filepath.Ext(base), ".jpeg")) {
		base = strings.TrimSuffix(base, filepath.Ext(base)) + ext
	}
	return base
}
