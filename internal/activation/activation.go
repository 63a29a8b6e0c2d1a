// Package activation hands the serve command its listening socket, either
// inherited from systemd socket activation or bound directly.
package activation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// ErrNoSocket is returned by Inherited when the requested socket was not passed
var ErrNoSocket = errors.New("no activated socket")

// fdFile is swapped in tests
var fdFile = func(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// Socket is one file descriptor passed by the service manager
type Socket struct {
	FD   int
	Name string
}

// Sockets parses the activation environment. It returns nil when the
// environment is absent or addressed to another process.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return nil, nil
	}

	var names []string
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	sockets := make([]Socket, n)
	for i := range sockets {
		sockets[i] = Socket{FD: firstFD + i, Name: "unknown"}
		if i < len(names) && names[i] != "" {
			sockets[i].Name = names[i]
		}
	}
	return sockets, nil
}

// Inherited returns a listener for the activated socket called name. An
// empty name selects the first socket. The activation variables are
// cleared once a listener has been created so children do not inherit them.
func Inherited(name string) (net.Listener, error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, err
	}

	for _, s := range sockets {
		if name != "" && s.Name != name {
			continue
		}

		file := fdFile(s.FD, "systemd-socket-"+s.Name)
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", s.FD)
		}
		ln, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", s.FD, err)
		}

		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
		return ln, nil
	}

	if name == "" {
		return nil, ErrNoSocket
	}
	return nil, fmt.Errorf("%w named %q", ErrNoSocket, name)
}

// Listen prefers the activated socket called name and falls back to binding
// addr over TCP.
func Listen(addr, name string) (net.Listener, bool, error) {
	ln, err := Inherited(name)
	switch {
	case err == nil:
		return ln, true, nil
	case !errors.Is(err, ErrNoSocket):
		return nil, false, err
	}

	if addr == "" {
		return nil, false, errors.New("no listen address configured and no activated socket")
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}
