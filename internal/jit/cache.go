package jit

import (
	"errors"
	"sort"
)

// ErrCacheFull is returned when the block cache has no free slot.
var ErrCacheFull = errors.New("jit: block cache full")

// CompiledBlock is one translated guest block.
type CompiledBlock struct {
	StartPC  uint64
	GuestLen uint64

	// Entry is the offset of the block's first instruction in the code
	// buffer.
	Entry    int
	CodeSize int

	Instructions int

	// Checksum is the FNV-1a hash of the guest bytes the block was built
	// from.
	Checksum uint64

	outgoing []int
}

// End is the first guest address after the block.
func (b *CompiledBlock) End() uint64 { return b.StartPC + b.GuestLen }

func (b *CompiledBlock) overlaps(lo, hi uint64) bool {
	return b.StartPC < hi && lo < b.End()
}

// link is one patchable direct exit.
type link struct {
	site    int
	target  uint64
	patched bool
	dead    bool
}

// Cache maps guest PCs to compiled blocks and tracks the direct links
// between them.
type Cache struct {
	max    int
	blocks map[uint64]*CompiledBlock

	links    []link
	incoming map[uint64][]int

	// lo and hi bound the guest bytes covered by live blocks.
	lo, hi uint64
}

func NewCache(max int) *Cache {
	c := &Cache{max: max}
	c.Clear()
	return c
}

func (c *Cache) Len() int { return len(c.blocks) }

func (c *Cache) Get(pc uint64) (*CompiledBlock, bool) {
	b, ok := c.blocks[pc]
	return b, ok
}

// Put adds a block. A block already cached at the same PC is an error in
// the caller.
func (c *Cache) Put(b *CompiledBlock) error {
	if _, exists := c.blocks[b.StartPC]; exists {
		panic("jit: block cached twice")
	}
	if len(c.blocks) >= c.max {
		return ErrCacheFull
	}
	c.blocks[b.StartPC] = b
	if len(c.blocks) == 1 || b.StartPC < c.lo {
		c.lo = b.StartPC
	}
	if b.End() > c.hi {
		c.hi = b.End()
	}
	return nil
}

// addLink records a direct exit of from at code offset site. Ids are
// assigned densely so the translator can predict them.
func (c *Cache) addLink(from *CompiledBlock, id, site int, target uint64) {
	if id != len(c.links) {
		panic("jit: link ids out of order")
	}
	c.links = append(c.links, link{site: site, target: target})
	c.incoming[target] = append(c.incoming[target], id)
	from.outgoing = append(from.outgoing, id)
}

func (c *Cache) nextLink() int { return len(c.links) }

func (c *Cache) link(id int) *link {
	if id < 0 || id >= len(c.links) {
		return nil
	}
	return &c.links[id]
}

// Overlapping returns the blocks whose guest bytes intersect [lo, hi),
// ordered by start PC.
func (c *Cache) Overlapping(lo, hi uint64) []*CompiledBlock {
	if len(c.blocks) == 0 || hi <= c.lo || lo >= c.hi {
		return nil
	}
	var out []*CompiledBlock
	for _, b := range c.blocks {
		if b.overlaps(lo, hi) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartPC < out[j].StartPC })
	return out
}

// remove drops b and returns the patched links that jump into it. Its own
// exits are marked dead so they are never patched again.
func (c *Cache) remove(b *CompiledBlock) []int {
	delete(c.blocks, b.StartPC)
	for _, id := range b.outgoing {
		c.links[id].dead = true
	}
	var patched []int
	for _, id := range c.incoming[b.StartPC] {
		if l := &c.links[id]; l.patched && !l.dead {
			patched = append(patched, id)
		}
	}
	live := c.incoming[b.StartPC][:0]
	for _, id := range c.incoming[b.StartPC] {
		if !c.links[id].dead {
			live = append(live, id)
		}
	}
	c.incoming[b.StartPC] = live
	return patched
}

// Blocks returns every cached block ordered by start PC.
func (c *Cache) Blocks() []*CompiledBlock {
	out := make([]*CompiledBlock, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartPC < out[j].StartPC })
	return out
}

// Clear forgets every block and link.
func (c *Cache) Clear() {
	c.blocks = make(map[uint64]*CompiledBlock)
	c.links = nil
	c.incoming = make(map[uint64][]int)
	c.lo, c.hi = 0, 0
}

// lookupTable is the direct-mapped indirect jump table.
type lookupTable struct {
	entries []lookupEntry
	mask    uint64
}

func newLookupTable(size int) *lookupTable {
	t := &lookupTable{entries: make([]lookupEntry, size), mask: uint64(size - 1)}
	t.clear()
	return t
}

func (t *lookupTable) slot(pc uint64) *lookupEntry { return &t.entries[(pc>>1)&t.mask] }

func (t *lookupTable) set(pc uint64, entry uintptr) {
	*t.slot(pc) = lookupEntry{PC: pc, Entry: uint64(entry)}
}

func (t *lookupTable) get(pc uint64) (uint64, bool) {
	s := t.slot(pc)
	return s.Entry, s.PC == pc
}

func (t *lookupTable) drop(pc uint64) {
	if s := t.slot(pc); s.PC == pc {
		*s = lookupEntry{PC: emptyPC}
	}
}

func (t *lookupTable) clear() {
	for i := range t.entries {
		t.entries[i] = lookupEntry{PC: emptyPC}
	}
}
