//go:build linux && amd64

package instrument

import "golang.org/x/sys/unix"

// registerValue reads a named general purpose register from a stopped thread's
// register file. 32-bit names read the low half of the 64-bit register.
func registerValue(regs *unix.PtraceRegs, name string) (uint64, bool) {
	const low32 = 0xFFFFFFFF

	switch name {
	case "rax":
		return regs.Rax, true
	case "eax":
		return regs.Rax & low32, true
	case "rbx":
		return regs.Rbx, true
	case "ebx":
		return regs.Rbx & low32, true
	case "rcx":
		return regs.Rcx, true
	case "ecx":
		return regs.Rcx & low32, true
	case "rdx":
		return regs.Rdx, true
	case "edx":
		return regs.Rdx & low32, true
	case "rsi":
		return regs.Rsi, true
	case "esi":
		return regs.Rsi & low32, true
	case "rdi":
		return regs.Rdi, true
	case "edi":
		return regs.Rdi & low32, true
	case "r8":
		return regs.R8, true
	case "r9":
		return regs.R9, true
	case "r10":
		return regs.R10, true
	case "r11":
		return regs.R11, true
	case "r12":
		return regs.R12, true
	case "r13":
		return regs.R13, true
	case "r14":
		return regs.R14, true
	case "r15":
		return regs.R15, true
	}

	return 0, false
}
