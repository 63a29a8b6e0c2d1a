//go:build !unix

package diskspace

// Available is not implemented on this platform
func Available(string) (uint64, error) {
	return 0, ErrUnsupported
}
