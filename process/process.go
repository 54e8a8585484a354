// Package process provides types for locating and identifying target processes.
package process

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when no running process matches the requested name.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermissionDenied is returned when the target process exists but cannot be traced.
	ErrPermissionDenied = errors.New("permission denied")
)

// ProcessID represents a unique identifier for a process
type ProcessID int

// MemoryAddress represents a memory address within a process
type MemoryAddress uint64

func (a MemoryAddress) String() string {
	return fmt.Sprintf("0x%X", uint64(a))
}

// MemorySize represents a size of memory region
type MemorySize uint

func (s MemorySize) String() string {
	return fmt.Sprintf("%d bytes", uint(s))
}

// Info contains basic information about a running process
type Info struct {
	PID  ProcessID
	Name string // best-effort: comm or exe basename
	Exe  string // resolved /proc/<pid>/exe symlink, may be empty
}
