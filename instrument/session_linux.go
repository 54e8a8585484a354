//go:build linux && amd64

package instrument

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sys/unix"

	"github.com/VyrCossont/StarPlug/hexdump"
	"github.com/VyrCossont/StarPlug/process"
	"github.com/VyrCossont/StarPlug/process/memory_map"
	"github.com/VyrCossont/StarPlug/signature"
)

// int3 is the x86 single byte breakpoint instruction.
const int3 = 0xCC

// hitBuffer is the capacity of the hand-off queue between the trap handler
// and the consumer. The target stays suspended while the handler runs, so the
// handler does nothing but read one register and push it here.
const hitBuffer = 64

// errTargetExited marks wait results that mean the target is gone.
var errTargetExited = errors.New("target exited")

type armRequest struct {
	sig   signature.Signature
	reply chan error
}

// Session is one debugger attachment to one target process. All ptrace calls
// happen on a single locked OS thread owned by the session; the public API
// communicates with that thread through channels.
type Session struct {
	log  *logger.Logger
	info process.Info

	mu       sync.Mutex
	state    State
	reason   Reason
	err      error
	armAsked bool

	values chan uint64
	done   chan struct{}

	armCh      chan armRequest
	detachOnce sync.Once
	detachCh   chan struct{}

	// Tracer thread only below here.
	bpAddr   process.MemoryAddress
	origByte [1]byte
	register string
}

// Attach locates a running process by name and establishes debugger control.
// The target is suspended until the session is armed or detached.
func Attach(processName string) (*Session, error) {
	info, err := process.FindByName(processName)
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:      logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, fmt.Sprintf("instrument-%d", info.PID))),
		info:     info,
		state:    StateAttaching,
		values:   make(chan uint64, hitBuffer),
		done:     make(chan struct{}),
		armCh:    make(chan armRequest),
		detachCh: make(chan struct{}),
	}

	attached := make(chan error, 1)
	go s.tracer(attached)

	if err := <-attached; err != nil {
		return nil, err
	}

	return s, nil
}

// PID returns the target's process ID.
func (s *Session) PID() process.ProcessID {
	return s.info.PID
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Values returns the per-hit register value stream. One element is delivered
// per breakpoint hit, in the target's execution order. The channel is closed
// when the session reaches a terminal state; Reason carries the cause.
func (s *Session) Values() <-chan uint64 {
	return s.values
}

// Reason reports why the session terminated. The error is non-nil only for
// ReasonFailed. Valid once Values is closed.
func (s *Session) Reason() (Reason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}

// Wait blocks until the session reaches a terminal state.
func (s *Session) Wait() (Reason, error) {
	<-s.done
	return s.Reason()
}

// Arm resolves the signature to an address in the target's executable mapping
// and installs the breakpoint there, then lets the target run. Errors are
// signature.ErrPatternNotFound or ErrBreakpointInstallFailed.
func (s *Session) Arm(sig signature.Signature) error {
	s.mu.Lock()
	if s.armAsked {
		s.mu.Unlock()
		return ErrAlreadyArmed
	}
	s.armAsked = true
	s.mu.Unlock()

	req := armRequest{sig: sig, reply: make(chan error, 1)}
	select {
	case s.armCh <- req:
		return <-req.reply
	case <-s.done:
		reason, err := s.Reason()
		if err != nil {
			return err
		}
		return fmt.Errorf("session terminated: %s", reason)
	}
}

// Detach releases debugger control. Idempotent and safe to call from any
// state, including after failure or target exit.
func (s *Session) Detach() {
	s.detachOnce.Do(func() {
		close(s.detachCh)
		// Nudge the tracer thread out of its wait with a stop signal.
		if process.Exists(s.info.PID) {
			_ = unix.Kill(int(s.info.PID), unix.SIGSTOP)
		}
	})
	<-s.done
}

// tracer owns the ptrace relationship. The kernel requires every ptrace call
// after PTRACE_ATTACH to come from the attaching thread, so everything from
// attach to detach runs here on one locked OS thread.
func (s *Session) tracer(attached chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid := int(s.info.PID)

	if err := unix.PtraceAttach(pid); err != nil {
		switch {
		case errors.Is(err, unix.EPERM):
			err = fmt.Errorf("%w: ptrace attach to pid %d", process.ErrPermissionDenied, pid)
		case errors.Is(err, unix.ESRCH):
			err = fmt.Errorf("%w: pid %d", process.ErrProcessNotFound, pid)
		default:
			err = fmt.Errorf("ptrace attach to pid %d: %w", pid, err)
		}
		attached <- err
		s.finish(ReasonFailed, err)
		return
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		err = fmt.Errorf("wait for attach stop: %w", err)
		_ = unix.PtraceDetach(pid)
		attached <- err
		s.finish(ReasonFailed, err)
		return
	}

	s.log.Infoln("Attached to process", pid)
	attached <- nil

	// The target stays suspended until armed. Scanning wants a stable text
	// segment anyway.
	select {
	case req := <-s.armCh:
		err := s.installBreakpoint(req.sig)
		req.reply <- err
		if err != nil {
			_ = unix.PtraceDetach(pid)
			s.finish(ReasonFailed, err)
			return
		}
	case <-s.detachCh:
		_ = unix.PtraceDetach(pid)
		s.finish(ReasonDetached, nil)
		return
	}

	s.hitLoop()
}

// installBreakpoint runs on the tracer thread with the target stopped.
func (s *Session) installBreakpoint(sig signature.Signature) error {
	s.setState(StateScanning)

	pid := int(s.info.PID)

	mm, err := memory_map.ReadMemoryMap(pid)
	if err != nil {
		return fmt.Errorf("%w: read memory map: %v", ErrBreakpointInstallFailed, err)
	}

	exe := s.info.Exe
	if exe == "" {
		exe, _ = os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	}

	region := memory_map.FindExecutable(mm, exe)
	if region == nil {
		return fmt.Errorf("%w: no executable mapping for %q", ErrBreakpointInstallFailed, exe)
	}

	s.log.Infoln("Scanning executable region at", process.MemoryAddress(region.Address).String(), "for version", sig.Version)

	data, err := readRemote(s.info.PID, process.MemoryAddress(region.Address), process.MemorySize(region.Size))
	if err != nil {
		return fmt.Errorf("%w: read executable region: %v", ErrBreakpointInstallFailed, err)
	}

	off, err := signature.Scan(data, sig.Pattern)
	if err != nil {
		if errors.Is(err, signature.ErrPatternNotFound) {
			return fmt.Errorf("version %q: %w", sig.Version, err)
		}
		return fmt.Errorf("%w: scan: %v", ErrBreakpointInstallFailed, err)
	}

	addr := process.MemoryAddress(region.Address + uint64(off))

	ctxStart := uint(0)
	if off > 16 {
		ctxStart = off - 16
	}
	ctxEnd := off + uint(len(sig.Pattern)) + 16
	if ctxEnd > uint(len(data)) {
		ctxEnd = uint(len(data))
	}
	s.log.Debugln("Match context:\n" + hexdump.Dump(data[ctxStart:ctxEnd], region.Address+uint64(ctxStart)))

	var probe unix.PtraceRegs
	if _, ok := registerValue(&probe, sig.Register); !ok {
		return fmt.Errorf("%w: unknown register %q", ErrBreakpointInstallFailed, sig.Register)
	}

	if n, err := unix.PtracePeekData(pid, uintptr(addr), s.origByte[:]); err != nil || n != 1 {
		return fmt.Errorf("%w: read original byte at %s: %v", ErrBreakpointInstallFailed, addr, err)
	}
	if err := unix.PtracePokeData(pid, uintptr(addr), []byte{int3}); err != nil {
		return fmt.Errorf("%w: write breakpoint at %s: %v", ErrBreakpointInstallFailed, addr, err)
	}

	s.bpAddr = addr
	s.register = sig.Register
	s.setState(StateArmed)
	s.log.Infoln("Breakpoint armed at", addr.String(), "reading register", sig.Register)

	return nil
}

// hitLoop resumes the target and services stops until the target exits, the
// session is detached, or ptrace fails.
func (s *Session) hitLoop() {
	pid := int(s.info.PID)
	contSig := 0

	for {
		select {
		case <-s.detachCh:
			s.cleanupDetach()
			return
		default:
		}

		if err := unix.PtraceCont(pid, contSig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				s.finishExited()
				return
			}
			s.finish(ReasonFailed, fmt.Errorf("continue: %w", err))
			_ = unix.PtraceDetach(pid)
			return
		}
		contSig = 0

		var ws unix.WaitStatus
		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			if errors.Is(err, unix.ECHILD) {
				s.finishExited()
				return
			}
			s.finish(ReasonFailed, fmt.Errorf("wait: %w", err))
			_ = unix.PtraceDetach(pid)
			return
		}

		if ws.Exited() || ws.Signaled() {
			s.finishExited()
			return
		}
		if !ws.Stopped() {
			continue
		}

		switch sig := ws.StopSignal(); {
		case sig == unix.SIGTRAP:
			stop, err := s.handleTrap()
			if err != nil {
				if errors.Is(err, errTargetExited) {
					s.finishExited()
					return
				}
				s.finish(ReasonFailed, err)
				_ = unix.PtraceDetach(pid)
				return
			}
			if stop {
				s.cleanupDetach()
				return
			}
		case sig == unix.SIGSTOP:
			// Either our own detach nudge (top of loop picks it up) or an
			// unrelated stop we absorb.
		default:
			// The target's own signal; deliver it on the next continue.
			contSig = int(sig)
		}
	}
}

// handleTrap runs with the whole target suspended. It reads one register,
// hands the value off, steps over the breakpoint, and re-arms it. It must not
// touch anything slower than the local hand-off queue.
func (s *Session) handleTrap() (stop bool, err error) {
	pid := int(s.info.PID)

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, errTargetExited
		}
		return false, fmt.Errorf("read registers: %w", err)
	}

	// An int3 stops with RIP one past the breakpoint byte.
	if process.MemoryAddress(regs.Rip-1) != s.bpAddr {
		// Not our breakpoint; the target traps on its own sometimes.
		return false, nil
	}

	value, _ := registerValue(&regs, s.register)

	select {
	case s.values <- value:
	case <-s.detachCh:
		return true, nil
	}

	// Step over: restore the original instruction, rewind, single-step, re-arm.
	if err := unix.PtracePokeData(pid, uintptr(s.bpAddr), s.origByte[:]); err != nil {
		return false, fmt.Errorf("restore original byte: %w", err)
	}
	regs.Rip = uint64(s.bpAddr)
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return false, fmt.Errorf("rewind to breakpoint: %w", err)
	}
	if err := unix.PtraceSingleStep(pid); err != nil {
		return false, fmt.Errorf("single step: %w", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		if errors.Is(err, unix.ECHILD) {
			return false, errTargetExited
		}
		return false, fmt.Errorf("wait for single step: %w", err)
	}
	if ws.Exited() || ws.Signaled() {
		return false, errTargetExited
	}

	if err := unix.PtracePokeData(pid, uintptr(s.bpAddr), []byte{int3}); err != nil {
		return false, fmt.Errorf("re-arm breakpoint: %w", err)
	}

	return false, nil
}

// cleanupDetach removes the breakpoint and releases the target. Runs on the
// tracer thread with the target stopped. Best effort: a vanished target is
// fine.
func (s *Session) cleanupDetach() {
	pid := int(s.info.PID)

	_ = unix.PtracePokeData(pid, uintptr(s.bpAddr), s.origByte[:])

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err == nil && process.MemoryAddress(regs.Rip-1) == s.bpAddr {
		regs.Rip = uint64(s.bpAddr)
		_ = unix.PtraceSetRegs(pid, &regs)
	}

	_ = unix.PtraceDetach(pid)
	s.finish(ReasonDetached, nil)
}

func (s *Session) finishExited() {
	s.log.Infoln("Target process exited")
	s.finish(ReasonProcessExited, nil)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// finish records the terminal reason and closes the value stream. First
// caller wins.
func (s *Session) finish(reason Reason, err error) {
	s.mu.Lock()
	if s.reason != ReasonNone {
		s.mu.Unlock()
		return
	}
	s.reason = reason
	s.err = err
	if reason == ReasonFailed {
		s.state = StateFailed
	} else {
		s.state = StateDetached
	}
	s.mu.Unlock()

	close(s.values)
	close(s.done)

	if err != nil {
		s.log.Warn("Session terminated: ", err)
	} else {
		s.log.Infoln("Session terminated:", reason.String())
	}
}
