package pty

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSignaler struct {
	got []struct {
		pgid uint64
		sig  int
	}
}

func (f *fakeSignaler) KillGroup(pgid uint64, sig int) error {
	f.got = append(f.got, struct {
		pgid uint64
		sig  int
	}{pgid, sig})
	return nil
}

func TestVINTRGeneratesSIGINTAndIsNotEnqueued(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(7)

	n, errno := p.WriteMaster([]byte{0x03})
	require.Equal(t, 0, int(errno))
	require.Equal(t, 1, n)
	require.Len(t, sig.got, 1)
	require.Equal(t, uint64(7), sig.got[0].pgid)
	require.Equal(t, SIGINT, sig.got[0].sig)

	buf := make([]byte, 8)
	nr, _ := p.ReadSlave(buf, 7)
	require.Equal(t, 0, nr)
}

func TestCanonicalReadWaitsForNewline(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(1)

	p.WriteMaster([]byte("abc"))
	buf := make([]byte, 16)
	n, _ := p.ReadSlave(buf, 1)
	require.Equal(t, 0, n)

	p.WriteMaster([]byte("\n"))
	n, _ = p.ReadSlave(buf, 1)
	require.Equal(t, "abc\n", string(buf[:n]))
}

func TestBackgroundReadGeneratesSIGTTIN(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(1)

	buf := make([]byte, 8)
	n, _ := p.ReadSlave(buf, 2)
	require.Equal(t, 0, n)
	require.Len(t, sig.got, 1)
	require.Equal(t, SIGTTIN, sig.got[0].sig)
}

func TestBackgroundWriteGeneratesSIGTTOU(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(1)

	n, _ := p.WriteSlave([]byte("hi"), 2)
	require.Equal(t, 0, n)
	require.Len(t, sig.got, 1)
	require.Equal(t, SIGTTOU, sig.got[0].sig)
}

func TestOutputProcessingTranslatesLFToCRLF(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(1)

	n, _ := p.WriteSlave([]byte("a\nb"), 1)
	require.Equal(t, 3, n)

	buf := make([]byte, 16)
	got, _ := p.ReadMaster(buf)
	require.Equal(t, "a\r\nb", string(buf[:got]))
}

func TestCloseMasterGeneratesSIGHUPToForegroundGroup(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(9)

	p.CloseMaster()
	require.Len(t, sig.got, 1)
	require.Equal(t, uint64(9), sig.got[0].pgid)
	require.Equal(t, SIGHUP, sig.got[0].sig)
	require.True(t, p.MasterClosed())

	_, errno := p.WriteSlave([]byte("x"), 9)
	require.Equal(t, -5, int(errno)) // common.EIO
}

func TestResizeGeneratesSIGWINCH(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPair(sig)
	p.SetForegroundPgid(3)

	p.SetWinSize(WinSize{Rows: 40, Cols: 120})
	require.Equal(t, WinSize{Rows: 40, Cols: 120}, p.WinSize())
	require.Len(t, sig.got, 1)
	require.Equal(t, SIGWINCH, sig.got[0].sig)
}
