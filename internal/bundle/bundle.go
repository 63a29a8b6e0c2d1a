// Package bundle is the read side of the sandbox: it hands stored bundles to
// the asset runtime with the at-rest cipher removed.
package bundle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/bundlesync/internal/cipher"
)

type readCloser struct {
	io.Reader
	io.Closer
}

// Open returns a stream of the plaintext of the bundle stored at p
func Open(p string, codec cipher.Codec) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r, err := codec.DecryptReader(bufio.NewReader(f), info.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	return readCloser{Reader: r, Closer: f}, nil
}

// ReadAll returns the plaintext of the bundle stored at p
func ReadAll(p string, codec cipher.Codec) ([]byte, error) {
	rc, err := Open(p, codec)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Dir resolves bundle names against a download directory
type Dir struct {
	root  string
	codec cipher.Codec
}

// NewDir returns a Dir reading bundles below root
func NewDir(root string, codec cipher.Codec) *Dir {
	return &Dir{root: root, codec: codec}
}

// Path returns the on-disk location of name
func (d *Dir) Path(name string) (string, error) {
	if name == "" || path.Clean(name) != name || path.IsAbs(name) ||
		name == ".." || strings.HasPrefix(name, "../") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("invalid bundle name %q", name)
	}
	return filepath.Join(d.root, filepath.FromSlash(name)), nil
}

// Open streams the plaintext of bundle name
func (d *Dir) Open(name string) (io.ReadCloser, error) {
	p, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	return Open(p, d.codec)
}

// ReadFile returns the plaintext of bundle name
func (d *Dir) ReadFile(name string) ([]byte, error) {
	p, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	return ReadAll(p, d.codec)
}

// EncryptFile writes the ciphertext of src to dst
func EncryptFile(src, dst string, codec cipher.Codec) error {
	return transformFile(src, dst, codec.Encrypt)
}

// DecryptFile writes the plaintext of src to dst
func DecryptFile(src, dst string, codec cipher.Codec) error {
	return transformFile(src, dst, codec.Decrypt)
}

func transformFile(src, dst string, fn func([]byte) ([]byte, error)) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	out, err := fn(data)
	if err != nil {
		return fmt.Errorf("failed to transform %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bundlesync-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
