package fileserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/classline/messenger/internal/model"
)

// Only executable and script extensions are blocked; everything else passes.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

var (
	ErrBlockedType     = errors.New("fileserver: file type not allowed")
	ErrContentMismatch = errors.New("fileserver: file content does not match type")
	ErrTooLarge        = errors.New("fileserver: file too large")
)

// Store saves message attachments on disk (gzip-compressed) and serves them back.
type Store struct {
	Dir     string
	MaxSize int64
}

func New(dir string, maxSize int64) *Store {
	return &Store{Dir: dir, MaxSize: maxSize}
}

// Save writes src under a generated name and returns the attachment record
// pointing at the serving URL. originalName only contributes the extension
// and the display name.
func (s *Store) Save(ctx context.Context, originalName string, src io.Reader) (*model.Attachment, error) {
	// Some clients and proxies encode spaces as "+" in file names.
	rawName := strings.ReplaceAll(originalName, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))
	if BlockedExt[ext] {
		return nil, ErrBlockedType
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(src, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		return nil, ErrContentMismatch
	}

	storedName := uuid.New().String() + ext
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileserver.Save mkdir: %w", err)
	}

	dstPath := filepath.Join(s.Dir, storedName+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("fileserver.Save create: %w", err)
	}
	gz := gzip.NewWriter(dst)

	written := int64(0)
	fail := func(err error) (*model.Attachment, error) {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return nil, err
	}
	if _, err := gz.Write(head); err != nil {
		return fail(fmt.Errorf("fileserver.Save write: %w", err))
	}
	written += int64(len(head))

	n2, err := copyWithContext(ctx, gz, io.LimitReader(src, s.MaxSize-written+1))
	if err != nil {
		return fail(err)
	}
	written += n2
	if written > s.MaxSize {
		return fail(ErrTooLarge)
	}

	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return nil, fmt.Errorf("fileserver.Save close: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("fileserver.Save close: %w", err)
	}

	displayName := strings.TrimSpace(filepath.Base(rawName))
	if displayName == "" || safeFilename(displayName) == "" {
		displayName = storedName
	} else {
		displayName = safeFilename(displayName)
	}

	return &model.Attachment{
		Name:        displayName,
		URL:         "/api/files/" + storedName,
		ContentType: contentTypeByExt(ext),
		Size:        written,
	}, nil
}

// Serve streams a stored file (decompressing on the fly). The name query
// parameter sets the original file name for Content-Disposition.
func (s *Store) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	gzPath := filepath.Join(s.Dir, filename+".gz")
	plainPath := filepath.Join(s.Dir, filename)

	if ct := contentTypeByExt(ext); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		if safe := safeFilename(origName); safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.QueryEscape(safe)
			if ascii := asciiFallbackFilename(safe); ascii != "" && ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}

	// Compressed .gz first, plain file as fallback.
	if f, err := os.Open(gzPath); err == nil {
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			http.Error(w, "failed to read file", http.StatusInternalServerError)
			return
		}
		defer gz.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, gz)
		return
	}
	if f, err := os.Open(plainPath); err == nil {
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return
	}
	http.Error(w, "file not found", http.StatusNotFound)
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}

// safeFilename keeps the name safe for Content-Disposition: no control
// characters or quotes. UTF-8 is preserved.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiFallbackFilename builds an ASCII-only name for the legacy filename=
// part of Content-Disposition.
func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
