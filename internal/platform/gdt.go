// Package platform implements spec section 4.4's "L0 Platform" layer:
// per-CPU GDT/TSS, MSR configuration for the fast syscall path, LAPIC
// timer calibration against the PIT, and the serial console. Grounded on
// the teacher's cpus_start/cpuchk/phys_init (cmd/mellokernel's original
// main.go) for the bring-up sequencing this package's types are named
// after; none of it runs on real hardware here, so each type stands in
// for a register or memory-mapped structure a hosted Go program cannot
// touch directly, documented in prose where the real contract matters.
package platform

// Selector values are spec 6's "GDT layout (per CPU)": "null, three
// reserved (null), kernel CS (ring 0, long mode), kernel DS (ring 0),
// user CS (ring 3, long mode), user DS (ring 3), TSS (16-byte
// descriptor)."
const (
	SelKernelCS uint16 = 0x28
	SelKernelDS uint16 = 0x30
	SelUserCS   uint16 = 0x38 | 3
	SelUserDS   uint16 = 0x40 | 3
	SelTSS      uint16 = 0x48
)

// ISTSize is the fixed size of each IST stack (spec 6: "three IST stacks
// (NMI, double fault, page fault), each 4 KiB").
const ISTSize = 4096

const (
	ISTNMI = iota
	ISTDoubleFault
	ISTPageFault
	istCount
)

// TSS is spec 6's per-CPU task state segment: "Holds ring-0 stack
// pointer and three IST stacks."
type TSS struct {
	RSP0 uint64
	IST  [istCount]uint64
}

// GDTEntry is one 8-byte (or, for TSS, 16-byte) descriptor. Only the
// fields this engine actually sets are named; the rest of a real
// descriptor's bit layout is irrelevant to anything above this package.
type GDTEntry struct {
	Selector uint16
	Ring     int // 0 or 3
	Code     bool
	Long     bool
}

// GDT is one CPU's descriptor table, built in spec 6's fixed order.
type GDT struct {
	Entries []GDTEntry
	TSS     *TSS
}

// BuildGDT lays out spec 4.4 step 1's table: "ring-0/ring-3 code and
// data and a TSS holding a ring-0 stack and three IST stacks (NMI,
// double-fault, page-fault)." ist0, ist1, ist2 are the three IST stack
// top addresses the caller has already allocated (one per fault class).
func BuildGDT(rsp0, ist0, ist1, ist2 uint64) GDT {
	tss := &TSS{RSP0: rsp0}
	tss.IST[ISTNMI] = ist0
	tss.IST[ISTDoubleFault] = ist1
	tss.IST[ISTPageFault] = ist2

	return GDT{
		TSS: tss,
		Entries: []GDTEntry{
			{Selector: 0x00},                                       // null
			{Selector: 0x08}, {Selector: 0x10}, {Selector: 0x20},   // reserved
			{Selector: SelKernelCS, Ring: 0, Code: true, Long: true}, // kernel CS
			{Selector: SelKernelDS, Ring: 0},                       // kernel DS
			{Selector: SelUserCS, Ring: 3, Code: true, Long: true}, // user CS
			{Selector: SelUserDS, Ring: 3},                         // user DS
			{Selector: SelTSS},                                     // TSS descriptor
		},
	}
}

// Loader is the per-architecture hook that actually loads a GDT/TSS and
// reloads segment registers -- spec 4.4 step 1's "Load it, reload
// segment registers, ltr the TSS." Hosted Go has no lgdt/ltr; a real
// boot path supplies this from assembly the way the teacher's
// runtime.Sgdt/Install_traphandler hooks do.
type Loader interface {
	LoadGDT(g GDT)
	LoadTSS(selector uint16)
}
