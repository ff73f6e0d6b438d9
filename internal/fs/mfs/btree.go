package mfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// btreeMagic is "MFN1" (spec 3: "B-tree node. Magic `MFN1`...").
const btreeMagic uint32 = 0x4D464E31

const nodeHeaderSize = 40 // magic(4) level(2) nkeys(2) txgid(8) nodeid(8) checksum(8) parentid(8)
const checksumFieldOffset = 24

// NodeHeader is the fixed prefix of every on-disk B-tree block.
type NodeHeader struct {
	Magic    uint32
	Level    uint16 // 0 = leaf, >0 = internal
	NKeys    uint16
	TxgID    uint64
	NodeID   uint64
	Checksum uint64
	ParentID uint64
}

// Node is the in-memory form of a B-tree block. For a leaf, Values[i] is
// the value associated with Keys[i]. For an internal node, Values has
// len(Keys)+1 entries, each an 8-byte little-endian child block LBA --
// internal nodes carry no values of their own (spec 3: "an internal node
// has N keys and N+1 child pointers, a leaf has N keys and N values").
type Node struct {
	Header NodeHeader
	Keys   [][]byte
	Values [][]byte
}

func newLeaf(nodeID, txgID uint64) *Node {
	return &Node{Header: NodeHeader{Magic: btreeMagic, Level: 0, NodeID: nodeID, TxgID: txgID}}
}

func newInternal(nodeID, txgID uint64) *Node {
	return &Node{Header: NodeHeader{Magic: btreeMagic, Level: 1, NodeID: nodeID, TxgID: txgID}}
}

func (n *Node) isLeaf() bool { return n.Header.Level == 0 }

// findKeyIndex returns the index of key if present, or the index it
// would be inserted at (binary search, spec 4.13's "Search: binary-search
// keys in each node").
func (n *Node) findKeyIndex(key []byte) (int, bool) {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(n.Keys[mid], key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// childIndex is the descent index for key in an internal node: the
// index of the first key greater than key, i.e. the child subtree that
// may contain it.
func (n *Node) childIndex(key []byte) int {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.Keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (n *Node) childLBA(i int) uint64 {
	return binary.LittleEndian.Uint64(n.Values[i])
}

func lbaBytes(lba uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, lba)
	return b
}

func (n *Node) clone() *Node {
	cp := &Node{Header: n.Header}
	cp.Keys = make([][]byte, len(n.Keys))
	for i, k := range n.Keys {
		cp.Keys[i] = append([]byte(nil), k...)
	}
	cp.Values = make([][]byte, len(n.Values))
	for i, v := range n.Values {
		cp.Values[i] = append([]byte(nil), v...)
	}
	return cp
}

// encode serializes the node to a BlockSize-sized block, computing and
// installing its checksum last.
func (n *Node) encode() ([]byte, error) {
	buf := make([]byte, BlockSize)
	off := nodeHeaderSize
	for i, k := range n.Keys {
		if off+2+len(k) > BlockSize {
			return nil, errors.New("mfs: node exceeds block size")
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
		off += 2
		copy(buf[off:], k)
		off += len(k)
		_ = i
	}
	for _, v := range n.Values {
		if n.isLeaf() {
			if off+2+len(v) > BlockSize {
				return nil, errors.New("mfs: node exceeds block size")
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(v)))
			off += 2
			copy(buf[off:], v)
			off += len(v)
		} else {
			if off+8 > BlockSize {
				return nil, errors.New("mfs: node exceeds block size")
			}
			copy(buf[off:], v)
			off += 8
		}
	}

	n.Header.NKeys = uint16(len(n.Keys))
	binary.LittleEndian.PutUint32(buf[0:], n.Header.Magic)
	binary.LittleEndian.PutUint16(buf[4:], n.Header.Level)
	binary.LittleEndian.PutUint16(buf[6:], n.Header.NKeys)
	binary.LittleEndian.PutUint64(buf[8:], n.Header.TxgID)
	binary.LittleEndian.PutUint64(buf[16:], n.Header.NodeID)
	binary.LittleEndian.PutUint64(buf[32:], n.Header.ParentID)
	// checksum field (buf[24:32]) stays zero for the checksum computation

	cs := checksum(buf)
	n.Header.Checksum = uint64(cs)
	binary.LittleEndian.PutUint64(buf[24:], n.Header.Checksum)
	return buf, nil
}

// decodeNode parses and validates a block read from disk, rejecting it
// (spec 4.13: "read rejects the block on mismatch") if the magic or
// checksum don't match.
func decodeNode(buf []byte) (*Node, error) {
	if len(buf) != BlockSize {
		return nil, errors.New("mfs: short node block")
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic != btreeMagic {
		return nil, errors.Errorf("mfs: bad node magic %#x", magic)
	}
	storedChecksum := binary.LittleEndian.Uint64(buf[24:])
	if uint64(checksumZeroed(buf, checksumFieldOffset)) != storedChecksum {
		return nil, errors.New("mfs: node checksum mismatch")
	}

	n := &Node{Header: NodeHeader{
		Magic:    magic,
		Level:    binary.LittleEndian.Uint16(buf[4:]),
		NKeys:    binary.LittleEndian.Uint16(buf[6:]),
		TxgID:    binary.LittleEndian.Uint64(buf[8:]),
		NodeID:   binary.LittleEndian.Uint64(buf[16:]),
		Checksum: storedChecksum,
		ParentID: binary.LittleEndian.Uint64(buf[32:]),
	}}

	off := nodeHeaderSize
	nkeys := int(n.Header.NKeys)
	n.Keys = make([][]byte, nkeys)
	for i := 0; i < nkeys; i++ {
		l := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		n.Keys[i] = append([]byte(nil), buf[off:off+l]...)
		off += l
	}
	nvalues := nkeys
	if n.Header.Level > 0 {
		nvalues = nkeys + 1
	}
	n.Values = make([][]byte, nvalues)
	for i := 0; i < nvalues; i++ {
		if n.Header.Level == 0 {
			l := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			n.Values[i] = append([]byte(nil), buf[off:off+l]...)
			off += l
		} else {
			n.Values[i] = append([]byte(nil), buf[off:off+8]...)
			off += 8
		}
	}
	return n, nil
}
