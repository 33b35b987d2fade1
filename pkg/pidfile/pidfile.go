// Package pidfile keeps a second ceremony from running against the same
// storage.
package pidfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/process"
)

// ErrAlreadyRunning is returned when a live process holds the PID file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is a held PID file.
type Lock struct {
	path string
	pid  int
}

// Acquire writes the current PID to path. A file left by a process that
// no longer exists is reclaimed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create PID file directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write PID file: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create PID file: %w", err)
		}

		owner, err := readPID(path)
		if err == nil && owner != pid {
			alive, err := process.PidExists(int32(owner))
			if err != nil {
				return nil, fmt.Errorf("failed to check process %d: %w", owner, err)
			}
			if alive {
				return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, owner, path)
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to acquire PID file %s", path)
}

// Path returns the PID file location.
func (l *Lock) Path() string { return l.path }

// Release removes the PID file if it still names this process.
func (l *Lock) Release() error {
	owner, err := readPID(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", path)
	}
	return pid, nil
}
