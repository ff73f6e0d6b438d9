package vfs

import (
	"sync"

	"github.com/justanotherdot/mello/internal/common"
)

const (
	pageSize        = common.PGSIZE
	minReadaheadWin = 2
	maxReadaheadWin = 32
)

type cachedPage struct {
	pageNum    int64
	data       []byte
	dirty      bool
	valid      bool
	lastAccess uint64
}

// PageCache is spec 4.12's per-inode cache: a bounded set of 4 KiB
// pages with dirty/valid bits and an adaptive read-ahead window. lastAccess
// is a logical clock (incremented once per touch) rather than a wall-clock
// timestamp -- eviction only needs a total order over accesses, and a
// counter gives that deterministically.
type PageCache struct {
	mu       sync.Mutex
	backing  Inode
	capacity int
	pages    map[int64]*cachedPage
	clock    uint64

	readWindow int
	lastPage   int64
	runLength  int
	havePrior  bool
}

func NewPageCache(backing Inode, capacity int) *PageCache {
	return &PageCache{
		backing:    backing,
		capacity:   capacity,
		pages:      make(map[int64]*cachedPage),
		readWindow: minReadaheadWin,
	}
}

func (c *PageCache) tick() uint64 {
	c.clock++
	return c.clock
}

// recordAccess updates the read-ahead state per spec 4.12's rule and
// returns how many pages beyond pageNum the caller should prefetch.
func (c *PageCache) recordAccess(pageNum int64) int {
	if c.havePrior && pageNum == c.lastPage+1 {
		c.runLength++
		if c.runLength >= 2 && c.readWindow < maxReadaheadWin {
			c.readWindow *= 2
			if c.readWindow > maxReadaheadWin {
				c.readWindow = maxReadaheadWin
			}
		}
	} else {
		c.runLength = 0
		c.readWindow = minReadaheadWin
	}
	c.lastPage = pageNum
	c.havePrior = true
	return c.readWindow - 1
}

// ReadPage returns page pageNum's bytes, faulting it in on a miss and
// triggering read-ahead per the current window.
func (c *PageCache) ReadPage(pageNum int64) ([]byte, common.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ahead := c.recordAccess(pageNum)

	page, err := c.fetchLocked(pageNum)
	if err != 0 {
		return nil, err
	}
	for i := 1; i <= ahead; i++ {
		// best-effort: a prefetch miss (EOF, I/O error) is silently
		// dropped, the way a real read-ahead would just fetch less.
		c.fetchLocked(pageNum + int64(i))
	}

	out := make([]byte, len(page.data))
	copy(out, page.data)
	return out, 0
}

func (c *PageCache) fetchLocked(pageNum int64) (*cachedPage, common.Err_t) {
	if p, ok := c.pages[pageNum]; ok {
		p.lastAccess = c.tick()
		return p, 0
	}
	if len(c.pages) >= c.capacity {
		if err := c.evictOneLocked(); err != 0 {
			return nil, err
		}
	}
	buf := make([]byte, pageSize)
	n, err := c.backing.ReadAt(buf, pageNum*pageSize)
	if err != 0 {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	p := &cachedPage{pageNum: pageNum, data: buf, valid: true, lastAccess: c.tick()}
	c.pages[pageNum] = p
	return p, 0
}

// WritePage installs or updates pageNum's cached contents and marks it
// dirty; the page is written back later by Fsync, Msync, or eviction.
func (c *PageCache) WritePage(pageNum int64, data []byte) common.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pages[pageNum]
	if !ok {
		if len(c.pages) >= c.capacity {
			if err := c.evictOneLocked(); err != 0 {
				return err
			}
		}
		p = &cachedPage{pageNum: pageNum, data: make([]byte, pageSize), valid: true}
		c.pages[pageNum] = p
	}
	copy(p.data, data)
	p.dirty = true
	p.lastAccess = c.tick()
	return 0
}

func (c *PageCache) evictOneLocked() common.Err_t {
	var victim *cachedPage
	for _, p := range c.pages {
		if victim == nil || p.lastAccess < victim.lastAccess {
			victim = p
		}
	}
	if victim == nil {
		return 0
	}
	if victim.dirty {
		if err := c.writebackLocked(victim); err != 0 {
			return err
		}
	}
	delete(c.pages, victim.pageNum)
	return 0
}

func (c *PageCache) writebackLocked(p *cachedPage) common.Err_t {
	if _, err := c.backing.WriteAt(p.data, p.pageNum*pageSize); err != 0 {
		return err
	}
	p.dirty = false
	return 0
}

// Msync implements spec 4.12's msync: MS_SYNC writes every dirty page in
// range synchronously and clears the dirty bit; MS_ASYNC is treated the
// same way here (this kernel has no background writeback daemon to hand
// the work to), which is a strictly stronger guarantee than the async
// variant promises, never a weaker one.
func (c *PageCache) Msync(startPage, endPage int64) common.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pn := startPage; pn < endPage; pn++ {
		if p, ok := c.pages[pn]; ok && p.dirty {
			if err := c.writebackLocked(p); err != 0 {
				return err
			}
		}
	}
	return 0
}

// Fsync writes back every dirty page this inode has cached.
func (c *PageCache) Fsync() common.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pages {
		if p.dirty {
			if err := c.writebackLocked(p); err != 0 {
				return err
			}
		}
	}
	return 0
}
