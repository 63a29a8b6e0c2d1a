package remote

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// EncodingFromPath infers a content coding from a file suffix
func EncodingFromPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".gz":
		return "gzip"
	case ".zst", ".zstd":
		return "zstd"
	case ".lz4":
		return "lz4"
	default:
		return ""
	}
}

// Decode wraps r in a decompressor for encoding
func Decode(encoding string, r io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case "lz4", "x-lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
