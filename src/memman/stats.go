package memman

import (
	"fmt"
	"io"
)

// ANSI SGR codes used by Print on both arenas: 31 marks a used block red,
// 32 marks a free block green.
const (
	sgrUsed = 31
	sgrFree = 32
)

// colorize wraps size in an ANSI color prefix/reset pair for the
// introspection print format.
func colorize(sgr int, size uint32) string {
	return fmt.Sprintf("\x1b[%dm%d\x1b[0m", sgr, size)
}

// printTotals emits the trailing "Total | Used (n%) | Free [| missing:
// N]" summary shared by both arenas' Print implementations. missing is
// mem-(used+free); it is non-zero only when a prior operation corrupted
// the heap's bookkeeping, in which case it is surfaced as a diagnostic
// rather than silently absorbed.
func printTotals(w io.Writer, mem, used, free uint32) {
	pct := 0
	if mem > 0 {
		pct = int(uint64(used) * 100 / uint64(mem))
	}
	fmt.Fprintf(w, "Total %d | Used %d (%d%%) | Free %d", mem, used, pct, free)
	if missing := int64(mem) - int64(used) - int64(free); missing != 0 {
		fmt.Fprintf(w, " | missing: %d", missing)
	}
	fmt.Fprintln(w)
}
