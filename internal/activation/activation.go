package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr).
const listenFD = 3

// Listener returns the systemd-activated socket for the webhook server.
// Activation is detected via the LISTEN_PID and LISTEN_FDS environment
// variables. It returns nil without error when no activation is present or
// when the activation targets a different process, and an error when more
// than one socket was passed: the webhook server serves a single port.
func Listener() (net.Listener, error) {
	numFDs, err := activatedFDs()
	if err != nil {
		return nil, err
	}
	if numFDs == 0 {
		return nil, nil
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected exactly one activated socket, got %d", numFDs)
	}

	file := os.NewFile(uintptr(listenFD), "systemd-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated fd %d", listenFD)
	}

	listener, err := net.FileListener(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", listenFD, err)
	}

	// The listener holds its own duplicate of the descriptor
	_ = file.Close()

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listener, nil
}

// activatedFDs parses the activation environment and returns the number of
// descriptors passed to this process. Zero means no activation.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: negative count", fdsStr)
	}

	return numFDs, nil
}
