package mfs

import (
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/justanotherdot/mello/internal/kerrors"
)

// Txg is spec 4.13's transaction group: "A TxG accumulates modified
// nodes in memory; at commit it writes every dirty node to newly
// allocated blocks." One Txg is shared by every Btree (inode, directory)
// mutated within the same transaction, since a commit must make both
// trees' changes durable atomically.
type Txg struct {
	mu sync.Mutex

	dev   BlockDevice
	alloc *Allocator

	id         uint64
	nextNodeID uint64

	dirty map[uint64]*Node
	freed []uint64
}

func NewTxg(dev BlockDevice, alloc *Allocator, id, nextNodeID uint64) *Txg {
	return &Txg{
		dev:        dev,
		alloc:      alloc,
		id:         id,
		nextNodeID: nextNodeID,
		dirty:      make(map[uint64]*Node),
	}
}

func (t *Txg) ID() uint64 { return t.id }

// NextNodeID is the node-id counter's value after every allocNodeID call
// made so far -- the caller persists this into the superblock so the
// next Txg continues the sequence rather than reusing ids.
func (t *Txg) NextNodeID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextNodeID
}

func (t *Txg) allocNodeID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextNodeID
	t.nextNodeID++
	return id
}

func (t *Txg) readNode(lba uint64) (*Node, error) {
	t.mu.Lock()
	if n, ok := t.dirty[lba]; ok {
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	buf := make([]byte, BlockSize)
	if err := t.dev.ReadBlock(lba, buf); err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, err, "read node")
	}
	n, err := decodeNode(buf)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ChecksumMismatch, err, "decode node")
	}
	return n, nil
}

// writeNew allocates a brand-new block for node (no prior version being
// superseded -- the initial insert of a new root, e.g.) and marks it
// dirty for this Txg.
func (t *Txg) writeNew(node *Node) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lba, errno := t.alloc.Alloc(1)
	if errno != 0 {
		return 0, kerrors.New(kerrors.NoSpace)
	}
	node.Header.TxgID = t.id
	t.dirty[lba] = node
	return lba, nil
}

// writeReplacing allocates node a fresh block and schedules oldLBA for
// release. If oldLBA was itself allocated earlier in this same Txg (an
// intermediate COW step on the path from a prior Insert/Delete in the
// same transaction), it is safe to free immediately -- nothing durable
// ever pointed at it. Otherwise it belongs to the last-committed
// generation and must stay allocated until this Txg's commit (superblock
// write + promote) has actually succeeded, so release is deferred to
// ReleaseFreed.
func (t *Txg) writeReplacing(oldLBA uint64, node *Node) (uint64, error) {
	t.mu.Lock()
	if _, wasDirtyThisTxg := t.dirty[oldLBA]; wasDirtyThisTxg {
		delete(t.dirty, oldLBA)
		t.mu.Unlock()
		t.alloc.Free(oldLBA, 1)
	} else {
		t.freed = append(t.freed, oldLBA)
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	lba, errno := t.alloc.Alloc(1)
	if errno != 0 {
		return 0, kerrors.New(kerrors.NoSpace)
	}
	node.Header.TxgID = t.id
	t.dirty[lba] = node
	return lba, nil
}

// Commit writes every dirty node to its allocated block and flushes the
// device. It does not touch the superblock -- that is Filesystem's job,
// since the superblock write/flush/promote sequence (spec 5's ordering
// guarantee) spans both trees' roots at once, not one Btree's.
// Transient device errors (kerrors.Retryable) are retried with a bounded
// exponential backoff rather than aborting the whole TxG on the first
// blip.
func (t *Txg) Commit() error {
	t.mu.Lock()
	dirty := make(map[uint64]*Node, len(t.dirty))
	for lba, n := range t.dirty {
		dirty[lba] = n
	}
	t.mu.Unlock()

	for lba, node := range dirty {
		buf, err := node.encode()
		if err != nil {
			return errors.Wrap(err, "txg commit: encode node")
		}
		writeOnce := func() error {
			werr := t.dev.WriteBlock(lba, buf)
			if werr != nil {
				return kerrors.NewRetryable(kerrors.IoError, werr, "write node")
			}
			return nil
		}
		if err := retryTransient(writeOnce); err != nil {
			return err
		}
	}

	flushOnce := func() error {
		if err := t.dev.Flush(); err != nil {
			return kerrors.NewRetryable(kerrors.IoError, err, "flush device")
		}
		return nil
	}
	return retryTransient(flushOnce)
}

// ReleaseFreed returns every superseded pre-Txg block to the allocator.
// Call only after the full commit (metadata + superblock + promote) has
// succeeded -- spec 4.13's "the previous version remains until the new
// superblock is durable."
func (t *Txg) ReleaseFreed() {
	t.mu.Lock()
	freed := t.freed
	t.freed = nil
	t.mu.Unlock()
	for _, lba := range freed {
		t.alloc.Free(lba, 1)
	}
}

func retryTransient(op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !kerrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
