package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/klog"
)

type fakeWaker struct{ woken []uint64 }

func (f *fakeWaker) Wake(id uint64) { f.woken = append(f.woken, id) }

func TestSendRecvRoundTrip(t *testing.T) {
	p := NewPort(0)
	require.NoError(t, p.Send([]byte("hello"), nil))

	dst := make([]byte, MaxMsgBytes)
	n, ok := p.BlockForRecv(dst, 1)
	require.True(t, ok)
	require.Equal(t, "hello", string(dst[:n]))
}

func TestSendQueueFullDrops(t *testing.T) {
	p := NewPort(0)
	for i := 0; i < MaxQueuedMsgs; i++ {
		require.NoError(t, p.Send([]byte("x"), nil))
	}
	err := p.Send([]byte("x"), nil)
	require.Equal(t, kerrors.QueueFull, kerrors.KindOf(err))
	require.Equal(t, uint64(1), p.Stats().Dropped)
	require.Equal(t, uint64(MaxQueuedMsgs), p.Stats().Delivered)
}

func TestSendOversizeRejected(t *testing.T) {
	p := NewPort(0)
	err := p.Send(make([]byte, MaxMsgBytes+1), nil)
	require.Equal(t, kerrors.InvalidArgument, kerrors.KindOf(err))
}

func TestTryRecvWouldBlockWhenEmpty(t *testing.T) {
	p := NewPort(0)
	_, err := p.TryRecv(make([]byte, 16))
	require.Equal(t, kerrors.WouldBlock, kerrors.KindOf(err))
}

func TestBlockForRecvRegistersWaiterFIFO(t *testing.T) {
	p := NewPort(0)
	dst := make([]byte, 16)

	_, ok := p.BlockForRecv(dst, 1)
	require.False(t, ok)
	_, ok = p.BlockForRecv(dst, 2)
	require.False(t, ok)

	w := &fakeWaker{}
	require.NoError(t, p.Send([]byte("a"), w))
	require.NoError(t, p.Send([]byte("b"), w))

	require.Equal(t, []uint64{1, 2}, w.woken)
}

func TestRemoveWaiterDropsWithoutWaking(t *testing.T) {
	p := NewPort(0)
	dst := make([]byte, 16)
	_, ok := p.BlockForRecv(dst, 1)
	require.False(t, ok)

	p.RemoveWaiter(1)

	w := &fakeWaker{}
	require.NoError(t, p.Send([]byte("a"), w))
	require.Empty(t, w.woken)
}

func TestTableGetBounds(t *testing.T) {
	tbl := NewTable(klog.Discard())
	p, err := tbl.Get(0)
	require.NoError(t, err)
	require.Equal(t, 0, p.ID())

	_, err = tbl.Get(MaxPorts)
	require.Equal(t, kerrors.InvalidArgument, kerrors.KindOf(err))
}
