package jit

import "fmt"

// Allocator maps guest registers onto host registers for the duration of one
// block. When the pool is empty the least recently touched mapping that the
// current instruction is not using is evicted, writing it back first if it
// is dirty.
type Allocator struct {
	em   Emitter
	pool []HostReg

	guest [32]int // pool index per guest register, -1 if unmapped
	owner []int   // guest register per pool index, -1 if free
	dirty [32]bool
	used  []uint64
	pin   []bool
	clock uint64

	spills uint64
}

func NewAllocator(em Emitter) *Allocator {
	pool := em.Pool()
	a := &Allocator{
		em:    em,
		pool:  pool,
		owner: make([]int, len(pool)),
		used:  make([]uint64, len(pool)),
		pin:   make([]bool, len(pool)),
	}
	a.Reset()
	return a
}

// Reset forgets every mapping. Call it at the start of each block.
func (a *Allocator) Reset() {
	for i := range a.guest {
		a.guest[i] = -1
		a.dirty[i] = false
	}
	for i := range a.owner {
		a.owner[i] = -1
		a.used[i] = 0
		a.pin[i] = false
	}
	a.clock = 0
}

// Next unpins the registers handed out for the previous instruction.
func (a *Allocator) Next() {
	for i := range a.pin {
		a.pin[i] = false
	}
}

// Use returns a host register holding guest register g, loading it if
// needed. x0 is materialised as zero.
func (a *Allocator) Use(g int) HostReg {
	if i := a.guest[g]; i >= 0 {
		a.touch(i)
		return a.pool[i]
	}
	i := a.take(g)
	if g == 0 {
		a.em.Zero(a.pool[i])
	} else {
		a.em.LoadGuest(a.pool[i], g)
	}
	return a.pool[i]
}

// Def returns a host register that will receive a new value for guest
// register g. The old value is not loaded.
func (a *Allocator) Def(g int) HostReg {
	if g == 0 {
		panic("jit: allocator asked to define x0")
	}
	i := a.guest[g]
	if i >= 0 {
		a.touch(i)
	} else {
		i = a.take(g)
	}
	a.dirty[g] = true
	return a.pool[i]
}

// Dirty returns the mappings that must be written back if the block exits
// now.
func (a *Allocator) Dirty() []Spill {
	var out []Spill
	for g := 1; g < 32; g++ {
		if a.dirty[g] {
			out = append(out, Spill{Guest: g, Host: a.pool[a.guest[g]]})
		}
	}
	return out
}

// Flush is Dirty for the final exit of the straight-line path; the
// mappings are clean afterwards.
func (a *Allocator) Flush() []Spill {
	out := a.Dirty()
	for _, s := range out {
		a.dirty[s.Guest] = false
	}
	return out
}

// Spills counts evictions that had to write a dirty value back.
func (a *Allocator) Spills() uint64 { return a.spills }

func (a *Allocator) touch(i int) {
	a.clock++
	a.used[i] = a.clock
	a.pin[i] = true
}

func (a *Allocator) take(g int) int {
	victim := -1
	for i, o := range a.owner {
		if o < 0 {
			victim = i
			break
		}
		if a.pin[i] {
			continue
		}
		if victim < 0 || a.used[i] < a.used[victim] {
			victim = i
		}
	}
	if victim < 0 {
		panic(fmt.Sprintf("jit: no host register free for x%d", g))
	}
	if old := a.owner[victim]; old >= 0 {
		if a.dirty[old] {
			a.em.StoreGuest(old, a.pool[victim])
			a.dirty[old] = false
			a.spills++
		}
		a.guest[old] = -1
	}
	a.owner[victim] = g
	a.guest[g] = victim
	a.touch(victim)
	return victim
}
