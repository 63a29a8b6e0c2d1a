package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DiscoverFiles finds all regular files below dir.
// Hidden files and directories (names starting with ".") are skipped.
func DiscoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git, temp files)
		if p != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() {
			files = append(files, p)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// Scan builds a manifest describing every file below dir.
// Full names are slash-separated paths relative to dir.
func Scan(dir, product, appVersion string, now time.Time) (*Manifest, error) {
	files, err := DiscoverFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	m := New(product, appVersion, ResourceVersion(appVersion, now))
	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		sum, size, err := FileMD5(p)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", p, err)
		}

		dirName := path.Dir(rel)
		if dirName == "." {
			dirName = ""
		}
		rec := FileRecord{
			FileName: path.Base(rel),
			DirName:  dirName,
			Size:     size,
			MD5:      sum,
		}
		m.PutFile(rec.FullName(), rec)
	}

	return m, nil
}

// FileMD5 returns the lowercase hex MD5 digest and the size of the file at p
func FileMD5(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes returns the lowercase hex MD5 digest of data
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
