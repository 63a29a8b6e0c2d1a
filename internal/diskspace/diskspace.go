// Package diskspace reports free space on the volume holding a path.
package diskspace

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without a free-space probe
var ErrUnsupported = errors.New("free space probe not supported on this platform")

// ErrInsufficient reports that a volume cannot hold the requested bytes
var ErrInsufficient = errors.New("insufficient disk space")

// Ensure returns ErrInsufficient when fewer than need bytes are available at path.
// Platforms without a probe are not checked.
func Ensure(path string, need int64) error {
	if need <= 0 {
		return nil
	}
	free, err := Available(path)
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query free space: %w", err)
	}
	if free < uint64(need) {
		return fmt.Errorf("%w: need %d bytes, %d available at %s", ErrInsufficient, need, free, path)
	}
	return nil
}
