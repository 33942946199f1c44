package agent

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

// Lockfile is the node-level run lock. Acquisition is a single attempt;
// a second agent invocation on the same node fails immediately instead
// of queueing. The lock is advisory and scoped to one run.
type Lockfile struct {
	path string
	held bool
}

// NewLockfile creates a lock handle for the given path. The lock is not
// acquired until Acquire is called.
func NewLockfile(path string) *Lockfile {
	return &Lockfile{path: path}
}

// Acquire takes the lock or fails fast if another run holds it. The
// holder's PID is written into the file for diagnostics.
func (l *Lockfile) Acquire() error {
	if l.held {
		return fmt.Errorf("lock %s already held by this process", l.path)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("run already in progress (lockfile %s exists)", l.path)
		}
		return fmt.Errorf("failed to create lockfile %s: %w", l.path, err)
	}

	if err := writePid(f); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lockfile %s: %w", l.path, err)
	}

	l.held = true
	return nil
}

// writePid writes the holder's PID and closes the file, reporting the
// write error over the close error when both fail.
func writePid(w io.WriteCloser) error {
	_, werr := io.WriteString(w, strconv.Itoa(os.Getpid()))
	cerr := w.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// Release drops the lock. Releasing a lock that is not held is a no-op
// so deferred cleanup is safe on every exit path.
func (l *Lockfile) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return os.Remove(l.path)
}

// Held reports whether this handle currently owns the lock.
func (l *Lockfile) Held() bool {
	return l.held
}
