package bufferlist

import (
	"os"
	"unsafe"

	"github.com/ncw/directio"
)

// SIMDAlign is the alignment of buffers handed to erasure-code plugins for
// encode output and decode input.
const SIMDAlign uint64 = 32

// PageSize is the platform page size used for page-aligned I/O buffers.
var PageSize = uint64(os.Getpagesize())

// AlignedAlloc returns a zeroed slice of n bytes whose first byte sits on an
// align boundary. align must be a power of two (or zero for no alignment).
func AlignedAlloc(n, align uint64) []byte {
	if n == 0 {
		return nil
	}
	if align <= 1 {
		return make([]byte, n)
	}
	// directio already hands out blocks aligned for O_DIRECT.
	if directio.AlignSize > 0 && align == uint64(directio.AlignSize) {
		return directio.AlignedBlock(int(n))[:n:n]
	}
	raw := make([]byte, n+align)
	shift := uint64(0)
	if rem := uint64(uintptr(unsafe.Pointer(&raw[0]))) & (align - 1); rem != 0 {
		shift = align - rem
	}
	return raw[shift : shift+n : shift+n]
}

// IsAlignedPtr reports whether b starts on an align boundary. Empty slices
// are considered aligned.
func IsAlignedPtr(b []byte, align uint64) bool {
	if len(b) == 0 || align <= 1 {
		return true
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))&(align-1) == 0
}

// IsPageAligned reports whether b both starts and ends on a page boundary.
func IsPageAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	start := uint64(uintptr(unsafe.Pointer(&b[0])))
	end := start + uint64(len(b))
	return start&(PageSize-1) == 0 && end&(PageSize-1) == 0
}

// AlignDown rounds v down to a multiple of align (a power of two).
func AlignDown(v, align uint64) uint64 { return v &^ (align - 1) }

// AlignUp rounds v up to a multiple of align (a power of two).
func AlignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// AlignPageNext rounds v up to the next page boundary.
func AlignPageNext(v uint64) uint64 { return AlignUp(v, PageSize) }
