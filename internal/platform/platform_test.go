package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildGDTSelectors(t *testing.T) {
	g := BuildGDT(0x1000, 0x2000, 0x3000, 0x4000)
	require.Len(t, g.Entries, 9)
	require.Equal(t, SelTSS, g.Entries[len(g.Entries)-1].Selector)
	require.Equal(t, uint64(0x2000), g.TSS.IST[ISTNMI])
	require.Equal(t, uint64(0x3000), g.TSS.IST[ISTDoubleFault])
	require.Equal(t, uint64(0x4000), g.TSS.IST[ISTPageFault])
	require.Equal(t, uint64(0x1000), g.TSS.RSP0)
}

type fakeMSR struct {
	vals map[uint32]uint64
}

func newFakeMSR() *fakeMSR { return &fakeMSR{vals: make(map[uint32]uint64)} }

func (f *fakeMSR) Wrmsr(reg uint32, v uint64) { f.vals[reg] = v }
func (f *fakeMSR) Rdmsr(reg uint32) uint64    { return f.vals[reg] }

func TestConfigureSyscallMSRs(t *testing.T) {
	w := newFakeMSR()
	ConfigureSyscallMSRs(w, SelKernelCS, SelUserCS, 0xffff800000001000, 0xffff900000002000)

	require.Equal(t, uint64(EFER_SCE), w.vals[MSR_EFER])
	require.Equal(t, uint64(0xffff800000001000), w.vals[MSR_LSTAR])
	require.Equal(t, uint64(RFLAGS_IF), w.vals[MSR_SFMASK])
	require.Equal(t, uint64(0xffff900000002000), w.vals[MSR_KERNEL_GSBASE])
	require.Equal(t, uint64(0), w.vals[MSR_GSBASE])

	star := w.vals[MSR_STAR]
	require.Equal(t, uint64(SelUserCS), star>>48)
	require.Equal(t, uint64(SelKernelCS), (star>>32)&0xffff)
}

type fakeLAPICTimer struct {
	count    uint32
	divide   uint32
	dropPer  uint32
	vector   uint8
	periodic bool
}

func (f *fakeLAPICTimer) SetTimerInitialCount(c uint32) { f.count = c }
func (f *fakeLAPICTimer) TimerCurrentCount() uint32 {
	if f.count > f.dropPer {
		return f.count - f.dropPer
	}
	return 0
}
func (f *fakeLAPICTimer) SetTimerDivide(d uint32)          { f.divide = d }
func (f *fakeLAPICTimer) SetTimerVector(v uint8, p bool)   { f.vector, f.periodic = v, p }

type fakePIT struct{}

func (fakePIT) SleepPIT(d time.Duration) {}

func TestCalibrateTimer(t *testing.T) {
	lapic := &fakeLAPICTimer{dropPer: 1000}
	hz := CalibrateTimer(lapic, fakePIT{}, 10*time.Millisecond, 1_000_000)
	require.Equal(t, uint64(100_000), hz) // 1000 ticks dropped per 10ms -> 100_000/s
}

type spinPort struct {
	readyAfter int
	calls      int
	written    []byte
}

func (p *spinPort) TransmitReady() bool {
	p.calls++
	return p.calls > p.readyAfter
}
func (p *spinPort) TransmitByte(b byte) { p.written = append(p.written, b) }

func TestSerialWriter(t *testing.T) {
	port := &spinPort{readyAfter: 1}
	w := NewWriter(port)
	n, err := w.Write([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("hi"), port.written)
}
