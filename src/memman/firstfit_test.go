package memman

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func newFFArena(t *testing.T, size uint32) *FFArena {
	t.Helper()
	buf := make([]byte, size)
	region, err := WrapRegion(buf)
	assert.NoError(t, err)
	f, err := InitFF(region)
	assert.NoError(t, err)
	return f
}

func checkFFWhole(t *testing.T, f *FFArena) {
	t.Helper()
	assert.Equal(t, f.hs, f.blockSize(0))
	assert.False(t, f.tagged(0))
	assert.Equal(t, uint32(0), f.first)
	assert.Equal(t, uint32(0), f.last)
}

func TestInitFFRejectsSmallRegion(t *testing.T) {
	buf := make([]byte, 32)
	region, err := WrapRegion(buf)
	assert.NoError(t, err)
	_, err = InitFF(region)
	assert.Error(t, err)
}

func TestFFInitSingleFreeBlock(t *testing.T) {
	f := newFFArena(t, 1<<16)
	checkFFWhole(t, f)

	mem, used, free := f.Stats()
	assert.Equal(t, uint32(1<<16), mem)
	assert.Equal(t, uint32(0), used)
	assert.Equal(t, mem, free)
}

// TestFFGetThenFreeRestoresWhole covers a 1 MiB region where a 27-byte
// allocation rounds to 32, and a single free() returns the arena to one
// whole avail block.
func TestFFGetThenFreeRestoresWhole(t *testing.T) {
	f := newFFArena(t, 1<<20)

	p, err := f.Get(27)
	assert.NoError(t, err)
	assert.NotNil(t, p)

	_, used, _ := f.Stats()
	assert.Equal(t, uint32(32), used)

	assert.NoError(t, f.Free(p))
	checkFFWhole(t, f)
}

func TestFFGetZeroFails(t *testing.T) {
	f := newFFArena(t, 1<<16)
	p, err := f.Get(0)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestFFGetTooLargeFails(t *testing.T) {
	f := newFFArena(t, 256)
	p, err := f.Get(1000)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrNoMem)
}

func TestFFDoubleFreeReturnsNotFound(t *testing.T) {
	f := newFFArena(t, 1<<16)
	p, err := f.Get(64)
	assert.NoError(t, err)

	assert.NoError(t, f.Free(p))
	err = f.Free(p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFFAllocationsDoNotOverlap(t *testing.T) {
	f := newFFArena(t, 4096)

	p1, err := f.Get(100)
	assert.NoError(t, err)
	p2, err := f.Get(100)
	assert.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	off1, _ := f.region.OffsetOf(p1)
	off2, _ := f.region.OffsetOf(p2)
	lo, hi := off1, off2
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.True(t, hi-lo >= 100, "allocations must not overlap within their requested span")
}

func TestFFAvailListStaysSortedBySize(t *testing.T) {
	f := newFFArena(t, 1 << 14)

	// Carve out several blocks of distinct sizes, then free a subset so
	// multiple differently sized free blocks coexist.
	a, _ := f.Get(40)
	b, _ := f.Get(400)
	c, _ := f.Get(120)
	_ = b

	assert.NoError(t, f.Free(a))
	assert.NoError(t, f.Free(c))

	prevSize := uint32(0)
	cur := f.first
	count := 0
	for cur != NoBlock {
		size := f.blockSize(cur)
		assert.GreaterOrEqual(t, size, prevSize)
		prevSize = size
		cur = f.nextOf(cur)
		count++
	}
	assert.Greater(t, count, 0)
}

func TestFFExtendNullIsGet(t *testing.T) {
	f := newFFArena(t, 4096)
	p, err := f.Extend(nil, 64)
	assert.NoError(t, err)
	assert.NotNil(t, p)
}

func TestFFExtendZeroFrees(t *testing.T) {
	f := newFFArena(t, 4096)
	p, err := f.Get(64)
	assert.NoError(t, err)

	q, err := f.Extend(p, 0)
	assert.Nil(t, q)
	assert.NoError(t, err)

	checkFFWhole(t, f)
}

func TestFFExtendPreservesContent(t *testing.T) {
	f := newFFArena(t, 4096)
	p, err := f.Get(16)
	assert.NoError(t, err)

	payload := f.region.Slice(mustOffset(t, f.region, p), 16)
	copy(payload, []byte("0123456789abcdef"))

	q, err := f.Extend(p, 64)
	assert.NoError(t, err)
	assert.NotNil(t, q)

	newPayload := f.region.Slice(mustOffset(t, f.region, q), 16)
	assert.True(t, bytes.Equal([]byte("0123456789abcdef"), newPayload))
}

func TestFFExtendShrinkPreservesPrefix(t *testing.T) {
	f := newFFArena(t, 4096)
	p, err := f.Get(64)
	assert.NoError(t, err)

	payload := f.region.Slice(mustOffset(t, f.region, p), 64)
	for i := range payload {
		payload[i] = byte(i)
	}

	q, err := f.Extend(p, 8)
	assert.NoError(t, err)
	newPayload := f.region.Slice(mustOffset(t, f.region, q), 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(i), newPayload[i])
	}
}

func TestFFPrintIncludesTotals(t *testing.T) {
	f := newFFArena(t, 1024)
	_, err := f.Get(100)
	assert.NoError(t, err)

	var buf bytes.Buffer
	f.Print(&buf)
	assert.Contains(t, buf.String(), "Total 1024")
	assert.Contains(t, buf.String(), "Used")
}

func mustOffset(t *testing.T, r *Region, p unsafe.Pointer) uint32 {
	t.Helper()
	off, ok := r.OffsetOf(p)
	assert.True(t, ok)
	return off
}
