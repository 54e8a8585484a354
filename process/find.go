//go:build linux

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// ListByName returns all processes whose comm or exe basename equals name.
// name match is case-sensitive (like pidof).
func ListByName(name string) ([]Info, error) {
	if name == "" {
		return nil, errors.New("empty name")
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	selfPID := os.Getpid()
	var out []Info

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue // not a PID dir
		}
		if pid == selfPID {
			continue // skip ourselves
		}

		exe, _ := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))

		comm, _ := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		comm = trimTrailingSpace(comm)
		if string(comm) == name {
			out = append(out, Info{PID: ProcessID(pid), Name: string(comm), Exe: exe})
			continue
		}

		// Resolve /proc/<pid>/exe symlink; may fail if zombie or permission
		if exe != "" && filepath.Base(exe) == name {
			out = append(out, Info{PID: ProcessID(pid), Name: filepath.Base(exe), Exe: exe})
			continue
		}
	}

	return out, nil
}

// FindByName returns the first match for name (lowest PID), or ErrProcessNotFound if none.
func FindByName(name string) (Info, error) {
	ps, err := ListByName(name)
	if err != nil {
		return Info{}, err
	}
	if len(ps) == 0 {
		return Info{}, fmt.Errorf("%w: %q", ErrProcessNotFound, name)
	}
	// pick the lowest PID for determinism
	minIdx := 0
	for i := 1; i < len(ps); i++ {
		if ps[i].PID < ps[minIdx].PID {
			minIdx = i
		}
	}
	return ps[minIdx], nil
}

// Exists reports whether a process with the given PID is still alive.
func Exists(pid ProcessID) bool {
	// Fast path: stat /proc/<pid>
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(int(pid))))
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	// For transient errors (permission, EIO): fall back to kill 0
	return syscall.Kill(int(pid), 0) == nil
}

// WaitForName polls until a process with the given name appears or ctx-like
// deadline behavior via the done channel. It returns the discovered process.
func WaitForName(name string, done <-chan struct{}, interval time.Duration) (Info, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		info, err := FindByName(name)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrProcessNotFound) {
			return Info{}, err
		}
		select {
		case <-done:
			return Info{}, fmt.Errorf("%w: %q", ErrProcessNotFound, name)
		case <-ticker.C:
		}
	}
}

func trimTrailingSpace(b []byte) []byte {
	// Trim trailing '\n' if present (comm has a newline).
	for len(b) > 0 {
		switch b[len(b)-1] {
		case '\n', '\r', ' ', '\t':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}
