// Package upload keeps recorded audio on local disk for the duration of a
// transcription request.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const defaultExt = ".webm"

var (
	ErrEmpty    = errors.New("upload is empty")
	ErrTooLarge = errors.New("upload exceeds size limit")
)

// audio extensions accepted by the transcription API
var allowedExts = map[string]struct{}{
	".flac": {},
	".m4a":  {},
	".mp3":  {},
	".mp4":  {},
	".mpeg": {},
	".mpga": {},
	".oga":  {},
	".ogg":  {},
	".wav":  {},
	".webm": {},
}

// detected extensions that name an accepted container under another name
var sniffedAliases = map[string]string{
	".ogx": ".ogg",
	".mpa": ".mpga",
}

// sniffLen matches the read limit mimetype uses by default.
const sniffLen = 3072

type File struct {
	Name string
	Path string
	Size int64
}

func (f *File) Open() (*os.File, error) {
	return os.Open(f.Path)
}

type Store struct {
	dir      string
	maxBytes int64
	keep     bool
}

func NewStore(dir string, maxBytes int64, keep bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	return &Store{
		dir:      dir,
		maxBytes: maxBytes,
		keep:     keep,
	}, nil
}

func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save copies r into a new uniquely named file. The extension comes from
// filename when it names a supported audio type, otherwise from the
// sniffed content type.
func (s *Store) Save(r io.Reader, filename string) (*File, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return nil, ErrEmpty
	}
	head = head[:n]

	name := uuid.NewString() + extension(filename, head)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	// read one byte past the limit to detect oversized uploads
	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write file: %w", err)
	}

	if written > s.maxBytes {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	return &File{Name: name, Path: path, Size: written}, nil
}

// Remove deletes the file unless the store keeps uploads.
func (s *Store) Remove(f *File) error {
	if f == nil || s.keep {
		return nil
	}

	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func extension(filename string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExts[ext]; ok {
		return ext
	}

	// walk from the most specific match towards the root type
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		ext := m.Extension()
		if alias, ok := sniffedAliases[ext]; ok {
			ext = alias
		}
		if _, ok := allowedExts[ext]; ok {
			return ext
		}
	}

	return defaultExt
}
