//go:build unix

package diskspace

import "golang.org/x/sys/unix"

// Available returns the bytes available to unprivileged users on the volume holding path
func Available(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
