// Package storage keeps uploaded inputs and compressed outputs under the media root.
package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/spf13/afero"
)

const (
	InputDir  = "input_files"
	OutputDir = "output_files"

	suffixLength = 7
)

// Local stores files relative to root. References handed out by Local are
// slash-separated paths relative to root, e.g. "output_files/compressed_<id>.pdf".
type Local struct {
	fs   afero.Fs
	root string
}

// NewLocal returns storage backed by the OS filesystem under root.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	l := NewWithFs(afero.NewOsFs(), abs)
	if err := l.fs.MkdirAll(filepath.Join(abs, InputDir), 0o755); err != nil {
		return nil, fmt.Errorf("create input directory: %w", err)
	}
	return l, nil
}

// NewWithFs wraps an arbitrary afero filesystem.
func NewWithFs(fs afero.Fs, root string) *Local {
	return &Local{fs: fs, root: root}
}

func (l *Local) Root() string {
	return l.root
}

// SaveInput stores r under input_files/ using the client's base name. A taken
// name gets a short random suffix. It returns the reference and the byte count.
func (l *Local) SaveInput(name string, r io.Reader) (string, int64, error) {
	base := SanitizeName(name)
	if err := l.fs.MkdirAll(l.Abs(InputDir), 0o755); err != nil {
		return "", 0, fmt.Errorf("create input directory: %w", err)
	}

	ref := path.Join(InputDir, base)
	f, err := l.fs.OpenFile(l.Abs(ref), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		ext := path.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		ref = path.Join(InputDir, fmt.Sprintf("%s_%s%s", stem, shortuuid.New()[:suffixLength], ext))
		f, err = l.fs.OpenFile(l.Abs(ref), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return "", 0, fmt.Errorf("create input file: %w", err)
	}

	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		l.fs.Remove(l.Abs(ref))
		return "", 0, fmt.Errorf("write input file: %w", err)
	}
	return ref, written, nil
}

// OutputName is the reference of the compressed file for a task.
func OutputName(taskID string) string {
	return path.Join(OutputDir, fmt.Sprintf("compressed_%s.pdf", taskID))
}

// EnsureOutputDir creates output_files/ if it does not exist yet.
func (l *Local) EnsureOutputDir() error {
	return l.fs.MkdirAll(l.Abs(OutputDir), 0o755)
}

// Abs maps a reference to a filesystem path for the external compressor.
func (l *Local) Abs(ref string) string {
	return filepath.Join(l.root, filepath.FromSlash(ref))
}

func (l *Local) Open(ref string) (afero.File, error) {
	return l.fs.Open(l.Abs(ref))
}

func (l *Local) Stat(ref string) (os.FileInfo, error) {
	return l.fs.Stat(l.Abs(ref))
}

// Remove deletes a stored file; a missing file is not an error.
func (l *Local) Remove(ref string) error {
	err := l.fs.Remove(l.Abs(ref))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SanitizeName strips directories and control characters from a client file name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload.pdf"
	}
	return name
}
