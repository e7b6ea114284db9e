package memman

import (
	"fmt"
	"io"
	"sync"
	"unsafe"
)

// MinSizeBud is the smallest block the buddy arena manages: 8 bytes,
// large enough to hold the next/prev pseudo-pointer pair a free block
// carries in its first 8 bytes.
const MinSizeBud uint32 = 8

// minSizeBudK is log2(MinSizeBud); no size class below it exists.
const minSizeBudK uint32 = 3

// BuddyArena is a binary buddy allocator over a caller-supplied region
// whose size is twice a power of two. The main
// heap (the first half) is split recursively into power-of-two blocks;
// an out-of-band, 6-bit-per-unit size area in the second half remembers
// each live block's size class so free() never needs a header in the
// block itself. When constructed with an emergency arena, the unused
// remainder of the second half (after the avail table and size area)
// hosts an embedded FFArena used when the main heap cannot satisfy a
// request.
type BuddyArena struct {
	mu     sync.Mutex
	region *Region

	msize uint32 // main heap size, power of two
	amax  uint32 // floor(log2(msize)); largest size-class exponent
	eh    uint32 // offset where the secondary area begins (== msize)
	ah    uint32 // offset where the avail table begins
	sh    uint32 // offset where the size area begins
	asize uint32
	ssize uint32
	esize uint32

	emergency bool
	ff        *FFArena
}

// InitBuddy lays out a fresh buddy heap over region. region.Size() must
// be twice a power of two at least 2*MinSizeBud, with enough headroom in
// the second half for the avail table and size area (and, if emergency
// is set, an FF arena bigger than MinSizeFF).
func InitBuddy(region *Region, emergency bool) (*BuddyArena, error) {
	hs := region.Size()
	if hs == 0 {
		return nil, fmt.Errorf("memman: buddy region must be non-empty")
	}

	msize := hs / 2
	if msize == 0 || !isPow2(msize) {
		return nil, fmt.Errorf("memman: buddy main heap size %d is not a power of two", msize)
	}

	amax := floorLog2(msize)
	if amax < minSizeBudK {
		return nil, fmt.Errorf("memman: buddy main heap of %d bytes is smaller than MinSizeBud", msize)
	}

	eh := msize
	asize := (amax + 1) * 4
	ssize := ceilDiv((msize/8+1)*6, 8)
	if asize+ssize > msize {
		return nil, fmt.Errorf("memman: region too small to hold buddy bookkeeping")
	}
	esize := msize - (asize + ssize)
	if emergency && esize <= MinSizeFF {
		return nil, fmt.Errorf("memman: region too small for an emergency arena")
	}

	bd := &BuddyArena{
		region:    region,
		msize:     msize,
		amax:      amax,
		eh:        eh,
		ah:        eh + esize,
		sh:        eh + esize + asize,
		asize:     asize,
		ssize:     ssize,
		esize:     esize,
		emergency: emergency,
	}

	region.Fill(0, msize, 0xFF)
	region.Fill(bd.sh, bd.ssize, 0)

	for k := uint32(0); k <= amax; k++ {
		bd.setAvailHead(k, NoBlock)
	}
	bd.setAvailHead(amax, 0)
	bd.setBlockNext(0, NoBlock)
	bd.setBlockPrev(0, NoBlock)

	if emergency {
		sub, err := region.Sub(eh, esize)
		if err != nil {
			return nil, err
		}
		ff, err := InitFF(sub)
		if err != nil {
			return nil, err
		}
		bd.ff = ff
	}

	return bd, nil
}

// --- avail table -----------------------------------------------------

func (bd *BuddyArena) availHead(k uint32) uint32  { return bd.region.ReadU32(bd.ah + 4*k) }
func (bd *BuddyArena) setAvailHead(k, v uint32)   { bd.region.WriteU32(bd.ah+4*k, v) }
func (bd *BuddyArena) blockNext(off uint32) uint32 { return bd.region.ReadU32(off) }
func (bd *BuddyArena) setBlockNext(off, v uint32)  { bd.region.WriteU32(off, v) }
func (bd *BuddyArena) blockPrev(off uint32) uint32 { return bd.region.ReadU32(off + 4) }
func (bd *BuddyArena) setBlockPrev(off, v uint32)  { bd.region.WriteU32(off+4, v) }

// insertHead pushes off onto the front of the size-class k free list.
func (bd *BuddyArena) insertHead(k, off uint32) {
	head := bd.availHead(k)
	bd.setBlockNext(off, head)
	bd.setBlockPrev(off, NoBlock)
	if head != NoBlock {
		bd.setBlockPrev(head, off)
	}
	bd.setAvailHead(k, off)
}

// removeFromList unlinks off from the size-class k free list, wherever
// in the list it sits, and wipes its link bytes back to the NOBLOCK
// sentinel so a stray read can't spuriously match a live address.
func (bd *BuddyArena) removeFromList(k, off uint32) {
	p := bd.blockPrev(off)
	n := bd.blockNext(off)
	if p == NoBlock {
		bd.setAvailHead(k, n)
	} else {
		bd.setBlockNext(p, n)
	}
	if n != NoBlock {
		bd.setBlockPrev(n, p)
	}
	bd.setBlockNext(off, NoBlock)
	bd.setBlockPrev(off, NoBlock)
}

func (bd *BuddyArena) removeHead(k uint32) uint32 {
	head := bd.availHead(k)
	if head != NoBlock {
		bd.removeFromList(k, head)
	}
	return head
}

func (bd *BuddyArena) inList(k, target uint32) bool {
	cur := bd.availHead(k)
	for cur != NoBlock {
		if cur == target {
			return true
		}
		cur = bd.blockNext(cur)
	}
	return false
}

// --- size-area bit codec ----------------------------------------------
//
// Each unit (8 bytes of main heap) has a 6-bit slot recording the size
// class of the block starting there, or 0 if no block starts there. The
// slot for unit i begins at bit offset p = 6*i within the size-area byte
// stream, counting bit 0 as the MSB of byte 0.

func (bd *BuddyArena) sizeByte(y uint32) uint32 {
	if y >= bd.ssize {
		return 0
	}
	return uint32(bd.region.ReadByte(bd.sh + y))
}

func (bd *BuddyArena) getSize(i uint32) uint32 {
	p := 6 * i
	y := p / 8
	b := p % 8
	x := (bd.sizeByte(y) << b) | (bd.sizeByte(y+1) >> (8 - b))
	return (x >> 2) & 0x3F
}

func (bd *BuddyArena) orSizeByte(y, mask uint32) {
	if y >= bd.ssize || mask == 0 {
		return
	}
	cur := uint32(bd.region.ReadByte(bd.sh + y))
	bd.region.WriteByte(bd.sh+y, byte(cur|mask))
}

func (bd *BuddyArena) andNotSizeByte(y, mask uint32) {
	if y >= bd.ssize || mask == 0 {
		return
	}
	cur := uint32(bd.region.ReadByte(bd.sh + y))
	bd.region.WriteByte(bd.sh+y, byte(cur&^mask))
}

func (bd *BuddyArena) setSize(i, v uint32) {
	p := 6 * i
	y := p / 8
	b := p % 8
	full := (v & 0x3F) << 2
	bd.orSizeByte(y, (full>>b)&0xFF)
	if b != 0 {
		bd.orSizeByte(y+1, (full<<(8-b))&0xFF)
	}
}

func (bd *BuddyArena) clearSize(i uint32) {
	p := 6 * i
	y := p / 8
	b := p % 8
	full := uint32(0x3F) << 2
	bd.andNotSizeByte(y, (full>>b)&0xFF)
	if b != 0 {
		bd.andNotSizeByte(y+1, (full<<(8-b))&0xFF)
	}
}

// --- allocation ---------------------------------------------------------

// Get acquires a block able to hold sz bytes, rounded up to the next
// power of two (minimum MinSizeBud). If the main heap cannot satisfy the
// request and an emergency arena is attached, the request falls through
// to it.
func (bd *BuddyArena) Get(sz uint32) (unsafe.Pointer, error) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.getLocked(sz)
}

func (bd *BuddyArena) getLocked(sz uint32) (unsafe.Pointer, error) {
	if sz == 0 || sz > MaxAllocSize || sz >= bd.msize {
		return nil, ErrInvalidSize
	}

	off, err := bd.allocMain(sz)
	if err == nil {
		return bd.region.HostPtr(off), nil
	}
	if bd.emergency {
		return bd.ff.Get(sz)
	}
	return nil, err
}

// allocMain runs the split-down algorithm against the main heap only; it
// never touches the emergency arena.
func (bd *BuddyArena) allocMain(sz uint32) (uint32, error) {
	target := sz
	if target < MinSizeBud {
		target = MinSizeBud
	}
	k := log2Ceil(target)

	i := k
	for i <= bd.amax && bd.availHead(i) == NoBlock {
		i++
	}
	if i > bd.amax {
		return 0, ErrNoMem
	}

	for j := i; j > k; j-- {
		block := bd.removeHead(j)
		half := uint32(1) << (j - 1)
		buddy := block + half
		bd.insertHead(j-1, buddy)
		bd.insertHead(j-1, block)
	}

	block := bd.removeHead(k)
	unit := block / MinSizeBud
	if bd.getSize(unit) != 0 {
		return 0, ErrInternal
	}
	bd.setSize(unit, k)
	return block, nil
}

// Free releases a block previously returned by Get or Extend. Pointers
// in the secondary area are routed to the embedded emergency arena.
func (bd *BuddyArena) Free(ptr unsafe.Pointer) error {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.freeLocked(ptr)
}

func (bd *BuddyArena) freeLocked(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	off, ok := bd.region.OffsetOf(ptr)
	if !ok {
		return ErrNotFound
	}
	if off >= bd.eh {
		if bd.emergency {
			return bd.ff.Free(ptr)
		}
		return ErrNotFound
	}

	if off%MinSizeBud != 0 {
		return ErrNotFound
	}
	unit := off / MinSizeBud
	k := bd.getSize(unit)
	if k == 0 {
		return ErrNotFound
	}

	bd.clearSize(unit)
	bd.join(off, k)
	return nil
}

// join coalesces a freshly freed block of class k at off with its buddy,
// maximally and recursively, then threads the (possibly merged) result
// into the appropriate avail list.
func (bd *BuddyArena) join(off, k uint32) {
	merged := false
	cur := off
	j := k
	for j < bd.amax {
		buddy := cur ^ (uint32(1) << j)
		if !bd.inList(j, buddy) {
			break
		}
		bd.removeFromList(j, buddy)
		if merged {
			bd.removeFromList(j, cur)
		}
		if buddy < cur {
			cur = buddy
		}
		merged = true
		bd.insertHead(j+1, cur)
		j++
	}
	if !merged {
		bd.insertHead(k, cur)
	}
}

// Extend reallocates ptr to the size class holding sz bytes. Shrinking
// and in-place growth (when the buddy blocks needed to extend are free
// and to the right of ptr) happen without moving the block; otherwise a
// fresh block is allocated, the old payload copied, and the original
// freed. On out-of-memory the original pointer is left untouched.
func (bd *BuddyArena) Extend(ptr unsafe.Pointer, sz uint32) (unsafe.Pointer, error) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.extendLocked(ptr, sz)
}

func (bd *BuddyArena) extendLocked(ptr unsafe.Pointer, sz uint32) (unsafe.Pointer, error) {
	if ptr == nil {
		return bd.getLocked(sz)
	}
	if sz == 0 {
		return nil, bd.freeLocked(ptr)
	}
	if sz > MaxAllocSize {
		return nil, ErrInvalidSize
	}

	off, ok := bd.region.OffsetOf(ptr)
	if !ok {
		return nil, ErrNotFound
	}
	if off >= bd.eh {
		if bd.emergency {
			return bd.ff.Extend(ptr, sz)
		}
		return nil, ErrNotFound
	}
	if off%MinSizeBud != 0 {
		return nil, ErrNotFound
	}

	unit := off / MinSizeBud
	k := bd.getSize(unit)
	if k == 0 {
		return nil, ErrNotFound
	}

	target := sz
	if target < MinSizeBud {
		target = MinSizeBud
	}
	kPrime := log2Ceil(target)

	switch {
	case kPrime == k:
		return ptr, nil

	case kPrime > k:
		if bd.tryExtendInPlace(off, k, kPrime) {
			bd.clearSize(unit)
			bd.setSize(unit, kPrime)
			return ptr, nil
		}

		newOff, err := bd.allocMain(sz)
		if err != nil {
			if bd.emergency {
				newPtr, ffErr := bd.ff.Get(sz)
				if ffErr == nil {
					n := uint32(1) << k
					newAbs, _ := bd.region.OffsetOf(newPtr)
					copy(bd.region.Slice(newAbs, n), bd.region.Slice(off, n))
					bd.clearSize(unit)
					bd.join(off, k)
					return newPtr, nil
				}
			}
			return nil, ErrNoMem
		}

		n := uint32(1) << k
		copy(bd.region.Slice(newOff, n), bd.region.Slice(off, n))
		bd.clearSize(unit)
		bd.join(off, k)
		return bd.region.HostPtr(newOff), nil

	default: // kPrime < k: shrink in place
		bd.clearSize(unit)
		bd.setSize(unit, kPrime)
		bd.releaseTail(off+(uint32(1)<<kPrime), (uint32(1)<<k)-(uint32(1)<<kPrime))
		return ptr, nil
	}
}

// tryExtendInPlace checks, without mutating anything, whether every
// buddy needed to grow a class-k block at off up to class k' is free and
// lies to the right of off; if so it removes them from their avail lists
// and reports success.
func (bd *BuddyArena) tryExtendInPlace(off, k, kPrime uint32) bool {
	for j := k; j < kPrime; j++ {
		buddy := off ^ (uint32(1) << j)
		if buddy <= off || !bd.inList(j, buddy) {
			return false
		}
	}
	for j := k; j < kPrime; j++ {
		buddy := off ^ (uint32(1) << j)
		bd.removeFromList(j, buddy)
	}
	return true
}

// releaseTail decomposes a cz-byte remainder starting at off into the
// largest power-of-two chunks that fit, inserting each into its avail
// list. cz is always a multiple of MinSizeBud, so this always
// terminates with no remainder (effectively the binary expansion of
// cz/MinSizeBud).
func (bd *BuddyArena) releaseTail(off, cz uint32) {
	for cz > 0 {
		m := nextPow2(cz)
		if m != cz {
			m >>= 1
		}
		bd.insertHead(log2Ceil(m), off)
		off += m
		cz -= m
	}
}

// Stats walks the main heap once, classifying every unit-aligned block
// as used (size area holds its class) or free (the unit is part of some
// avail-list entry's span), and adds the emergency arena's own stats
// when present. A lost unit (in neither) counts as neither, so
// used+free falls short of mem.
func (bd *BuddyArena) Stats() (mem, used, free uint32) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	mem, used, free = bd.walk(nil)
	if bd.emergency {
		m, u, fr := bd.ff.Stats()
		mem += m
		used += u
		free += fr
	}
	return
}

// Print renders the main heap's blocks as colored size tokens, followed
// by totals, then (if present) the emergency arena's own Print output.
func (bd *BuddyArena) Print(w io.Writer) {
	bd.mu.Lock()
	mem, used, free := bd.walk(w)
	bd.mu.Unlock()

	fmt.Fprintln(w)
	printTotals(w, mem, used, free)

	if bd.emergency {
		fmt.Fprintln(w, "-- emergency arena --")
		bd.ff.Print(w)
	}
}

// walk performs the single linear pass shared by Stats and Print. Used
// blocks are recognized by a non-zero size-area entry; free blocks are
// whatever sits between them, confirmed to head some avail list span by
// construction (Buddy never leaves a gap: every byte of the main heap
// belongs to exactly one block, used or free). A lost unit, found in
// neither, is skipped and added to neither total. If w is non-nil, one
// colored token per block is written to it.
func (bd *BuddyArena) walk(w io.Writer) (mem, used, free uint32) {
	mem = bd.msize
	off := uint32(0)
	first := true
	for off < bd.msize {
		unit := off / MinSizeBud
		k := bd.getSize(unit)
		var size uint32
		var isUsed bool
		if k != 0 {
			size = uint32(1) << k
			isUsed = true
		} else {
			var found bool
			size, found = bd.freeSpan(off)
			if !found {
				off += size
				continue
			}
			isUsed = false
		}

		if w != nil {
			if !first {
				fmt.Fprint(w, "|")
			}
			first = false
			if isUsed {
				fmt.Fprint(w, colorize(sgrUsed, size))
				used += size
			} else {
				fmt.Fprint(w, colorize(sgrFree, size))
				free += size
			}
		} else if isUsed {
			used += size
		} else {
			free += size
		}

		off += size
	}
	return
}

// freeSpan finds the size of the free block known to start at off by
// locating it in some avail list (its class is not recorded in the size
// area, since the size area only tracks allocated blocks). The bool is
// false if no avail list holds off.
func (bd *BuddyArena) freeSpan(off uint32) (uint32, bool) {
	for k := minSizeBudK; k <= bd.amax; k++ {
		if bd.inList(k, off) {
			return uint32(1) << k, true
		}
	}
	// Lost block: present in neither the size area nor any avail
	// list. Treat it as a single minimal unit so the walk still
	// terminates; Stats/Print will report it via the "missing" total.
	return MinSizeBud, false
}
