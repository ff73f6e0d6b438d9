package platform

// MSR register numbers spec 6 names: "MSRs touched. EFER (SCE bit),
// STAR, LSTAR, SFMASK, kernel-GS base, GS base."
const (
	MSR_EFER          = 0xC0000080
	MSR_STAR          = 0xC0000081
	MSR_LSTAR         = 0xC0000082
	MSR_SFMASK        = 0xC0000084
	MSR_GSBASE        = 0xC0000101
	MSR_KERNEL_GSBASE = 0xC0000102
)

// EFER_SCE is the System Call Extensions bit that enables SYSCALL/SYSRET.
const EFER_SCE = 1 << 0

// RFLAGS_IF is the interrupt-enable flag, masked out of the syscall entry
// by SFMASK so entry runs atomically (spec 4.6: "set SFMASK to mask the
// interrupt flag so entry is atomic").
const RFLAGS_IF = 1 << 9

// MSRWriter is the hook into the real RDMSR/WRMSR instructions; the
// teacher's runtime.Wrmsr/Rdmsr play this role directly since biscuit
// patches the Go runtime, but a hosted-Go re-expression can't reach those
// instructions, so callers supply an implementation (or a fake, in
// tests).
type MSRWriter interface {
	Wrmsr(reg uint32, value uint64)
	Rdmsr(reg uint32) uint64
}

// starValue packs STAR the way spec 4.6 step... describes: "set STAR to
// encode kernel CS (ring 0) and user CS (ring 3)." The real encoding
// (SYSRET CS/SS come from bits 63:48, SYSCALL CS/SS from bits 47:32, with
// platform-specific +8/+16 offsets for the following segment selectors)
// is kept in this one helper, so ConfigureSyscallMSRs reads as the
// spec's prose rather than bit algebra. The +8/+16 offsets are applied by
// the CPU, not here.
func starValue(kernelCS, userCS uint16) uint64 {
	return uint64(userCS)<<48 | uint64(kernelCS)<<32
}

// ConfigureSyscallMSRs implements spec 4.6's per-CPU MSR setup: "enable
// SCE in EFER; set STAR to encode kernel CS (ring 0) and user CS (ring
// 3); set LSTAR to the syscall entry; set SFMASK to mask the interrupt
// flag so entry is atomic; set the kernel-GS base MSR to the per-CPU
// pointer, user-GS base to 0."
func ConfigureSyscallMSRs(w MSRWriter, kernelCS, userCS uint16, syscallEntry, perCPUBase uint64) {
	efer := w.Rdmsr(MSR_EFER)
	w.Wrmsr(MSR_EFER, efer|EFER_SCE)
	w.Wrmsr(MSR_STAR, starValue(kernelCS, userCS))
	w.Wrmsr(MSR_LSTAR, syscallEntry)
	w.Wrmsr(MSR_SFMASK, RFLAGS_IF)
	w.Wrmsr(MSR_KERNEL_GSBASE, perCPUBase)
	w.Wrmsr(MSR_GSBASE, 0)
}
