/*
 * Copyright 2025 The gds-shmem Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package tma implements the trans-memory allocator: a bump allocator over
// a fixed byte range, typically a shared-memory segment. Every allocation
// returns the pre-advance cursor position and advances the cursor past the
// 8-byte aligned size. There is no free and no realloc; structures built
// through a TMA stay valid for every process that maps the backing segment.
//
// The cursor cell itself lives inside the managed range (as an offset from
// the range base), so an attaching reader sees the writer's high-water mark
// without any out-of-band bookkeeping.
package tma

import (
	"os"
	"unsafe"
)

// NilOffset marks an unset in-segment reference. Offset zero is never a
// valid allocation because the segment root structure occupies the base.
const NilOffset uint64 = 0

var debugMode = os.Getenv("GDS_SHMEM_DEBUG_MODE") != ""

// Align8 rounds n up to the next 8-byte boundary.
func Align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// TMA is a bump allocator over [base, base+size). The cursor cell is a
// uint64 offset-from-base that lives inside the managed range.
//
// Not safe for concurrent use: exactly one writer populates a segment, and
// readers never allocate.
type TMA struct {
	base unsafe.Pointer
	size uint64
	cur  *uint64
}

// New wires a TMA onto a mapped range. cursor must point into the range
// (normally a field of the segment's root structure). The caller is
// responsible for setting the initial cursor value, usually just past the
// root structure via Seed.
func New(base unsafe.Pointer, size uint64, cursor *uint64) *TMA {
	return &TMA{base: base, size: size, cur: cursor}
}

// Seed positions the cursor at the first byte past headerSize, aligned.
func (t *TMA) Seed(headerSize uint64) {
	*t.cur = Align8(headerSize)
}

// Used returns the number of bytes consumed so far, including the root
// header the cursor was seeded past.
func (t *TMA) Used() uint64 {
	return *t.cur
}

// Pointer converts an in-segment offset to a pointer in this mapping.
func (t *TMA) Pointer(off uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(t.base) + uintptr(off))
}

// OffsetOf converts a pointer in this mapping back to an in-segment offset.
func (t *TMA) OffsetOf(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p) - uintptr(t.base))
}

// Malloc allocates size bytes and returns the offset of the allocation.
// In debug mode the returned memory is zero-filled and the cursor is
// checked against the range bound; in normal builds running off the end of
// an undersized range corrupts adjacent memory, which is why the store
// encoder deliberately oversizes segments.
func (t *TMA) Malloc(size uint64) uint64 {
	off := *t.cur
	*t.cur = off + Align8(size)
	if debugMode {
		if t.size != 0 && *t.cur > t.size {
			panic("tma: allocation ran past end of arena")
		}
		b := unsafe.Slice((*byte)(t.Pointer(off)), size)
		for i := range b {
			b[i] = 0
		}
	}
	return off
}

// Calloc allocates nmemb*size zeroed bytes.
func (t *TMA) Calloc(nmemb, size uint64) uint64 {
	real := nmemb * size
	off := t.Malloc(real)
	b := unsafe.Slice((*byte)(t.Pointer(off)), real)
	for i := range b {
		b[i] = 0
	}
	return off
}

// Strdup copies s into the arena as a length-prefixed string record and
// returns its offset. LoadString reads it back.
func (t *TMA) Strdup(s string) uint64 {
	off := t.Malloc(8 + uint64(len(s)))
	*(*uint64)(t.Pointer(off)) = uint64(len(s))
	dst := unsafe.Slice((*byte)(t.Pointer(off+8)), len(s))
	copy(dst, s)
	return off
}

// LoadString reads a record written by Strdup. The returned string aliases
// segment memory; callers treating the segment as read-only must not hold
// it past detach.
func (t *TMA) LoadString(off uint64) string {
	if off == NilOffset {
		return ""
	}
	n := *(*uint64)(t.Pointer(off))
	if n == 0 {
		return ""
	}
	return unsafe.String((*byte)(t.Pointer(off+8)), n)
}

// Memmove copies src into the arena and returns the offset of the copy.
func (t *TMA) Memmove(src []byte) uint64 {
	off := t.Malloc(uint64(len(src)))
	dst := unsafe.Slice((*byte)(t.Pointer(off)), len(src))
	copy(dst, src)
	return off
}

// Bytes returns a view of n bytes at off.
func (t *TMA) Bytes(off, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(t.Pointer(off)), n)
}

// Free is a no-op. Arena memory is reclaimed when the segment is released.
func (t *TMA) Free(off uint64) {}

// Realloc is unsupported. Callers must never need to grow an allocation;
// invoking this is a programming error and fails fast.
func (t *TMA) Realloc(off, size uint64) uint64 {
	panic("tma: realloc is not supported")
}
