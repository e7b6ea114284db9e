// Package memman implements Knuth-style First-Fit and Buddy dynamic
// memory managers over a caller-supplied, fixed-size byte region.
package memman

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NoBlock is the pseudo-pointer sentinel meaning "no block". Every empty
// avail-list head and every free-block link with no neighbour holds this
// value. (Buddy size-area slots use 0, not NoBlock, for "no block here".)
const NoBlock uint32 = 0xFFFFFFFF

// MaxRegionSize is the largest region a Region will manage. Pseudo-pointers
// are 32-bit offsets, which caps any single arena at 4 GiB.
const MaxRegionSize uint32 = 0xFFFFFFFE

// MaxAllocSize is the largest single allocation either arena will attempt
// to satisfy.
const MaxAllocSize uint32 = 1 << 31

// Region is the sole owner of the unsafe surface used by the arenas. It
// wraps a contiguous byte buffer — either caller-supplied or obtained via
// an anonymous mmap — and translates between 32-bit pseudo-pointers
// (offsets from the region base) and host addresses. Higher-level logic
// (avail lists, size-area codec, split/join) never touches unsafe.Pointer
// directly; it goes through ReadU32/WriteU32/HostPtr.
type Region struct {
	buf     []byte
	mmapped bool
}

// NewMmapRegion allocates a fresh anonymous, private mapping of size bytes
// and wraps it in a Region.
func NewMmapRegion(size uint32) (*Region, error) {
	if size == 0 {
		return nil, errors.New("memman: region size must be > 0")
	}
	if size > MaxRegionSize {
		return nil, errors.New("memman: region size exceeds 4 GiB pseudo-pointer range")
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	return &Region{buf: data, mmapped: true}, nil
}

// WrapRegion adopts a caller-owned byte slice as a Region. The slice is
// never resized or freed by memman; the caller retains ownership and must
// keep it alive for as long as the Region is in use.
func WrapRegion(buf []byte) (*Region, error) {
	if len(buf) == 0 {
		return nil, errors.New("memman: region size must be > 0")
	}
	if uint64(len(buf)) > uint64(MaxRegionSize) {
		return nil, errors.New("memman: region size exceeds 4 GiB pseudo-pointer range")
	}

	return &Region{buf: buf}, nil
}

// Close releases the backing store if the Region owns an mmap. Wrapping a
// caller-supplied slice makes Close a no-op: the caller owns that memory.
func (r *Region) Close() error {
	if r == nil || !r.mmapped || r.buf == nil {
		return nil
	}

	err := unix.Munmap(r.buf)
	r.buf = nil
	r.mmapped = false
	return err
}

// Size returns the region's total byte length.
func (r *Region) Size() uint32 {
	return uint32(len(r.buf))
}

// Contains reports whether the byte range [off, off+n) lies entirely
// within the region.
func (r *Region) Contains(off, n uint32) bool {
	if off >= uint32(len(r.buf)) {
		return false
	}
	end := uint64(off) + uint64(n)
	return end <= uint64(len(r.buf))
}

// ReadU32 reads a little-endian 32-bit word at offset off.
func (r *Region) ReadU32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(r.buf[off : off+4])
}

// WriteU32 writes v as a little-endian 32-bit word at offset off.
func (r *Region) WriteU32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(r.buf[off:off+4], v)
}

// ReadByte reads a single byte at offset off.
func (r *Region) ReadByte(off uint32) byte {
	return r.buf[off]
}

// WriteByte writes a single byte at offset off.
func (r *Region) WriteByte(off uint32, v byte) {
	r.buf[off] = v
}

// Fill sets every byte in [off, off+n) to v.
func (r *Region) Fill(off, n uint32, v byte) {
	s := r.buf[off : off+n]
	for i := range s {
		s[i] = v
	}
}

// Slice returns the raw byte window [off, off+n) for bulk operations such
// as payload copies during extend. The returned slice aliases the region's
// backing store.
func (r *Region) Slice(off, n uint32) []byte {
	return r.buf[off : off+n]
}

// Sub carves out a sub-region view over [off, off+n) of the receiver's
// backing store. The returned Region aliases the same bytes — writes
// through either Region are visible through the other — but addresses
// them with its own zero-based pseudo-pointers. This is how a Buddy
// arena hands its embedded emergency arena a self-contained view of the
// secondary area without either arena needing to know the other's base
// offset.
func (r *Region) Sub(off, n uint32) (*Region, error) {
	if !r.Contains(off, n) {
		return nil, errors.New("memman: sub-region out of bounds")
	}
	return &Region{buf: r.buf[off : off+n : off+n]}, nil
}

// HostPtr converts a pseudo-pointer offset into a host address. This is
// the only place a caller-visible pointer is minted; everything upstream
// of it works in offsets.
func (r *Region) HostPtr(off uint32) unsafe.Pointer {
	return unsafe.Pointer(&r.buf[off])
}

// OffsetOf converts a host pointer, previously returned by HostPtr (or by
// get/extend), back into a pseudo-pointer offset. It fails if p does not
// reference a byte inside this region.
func (r *Region) OffsetOf(p unsafe.Pointer) (uint32, bool) {
	if len(r.buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&r.buf[0]))
	addr := uintptr(p)
	if addr < base {
		return 0, false
	}
	off := addr - base
	if off >= uintptr(len(r.buf)) {
		return 0, false
	}
	return uint32(off), true
}
