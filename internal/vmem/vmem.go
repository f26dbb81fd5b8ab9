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

// Package vmem locates unused regions ("holes") in the calling process's
// virtual address space. A segment creator maps its shared memory inside
// the biggest hole it can find so that the same address is very likely
// free in every peer process on the node, which is a precondition for
// attaching all peers at one negotiated base address.
package vmem

import "errors"

// HoleStrategy selects which qualifying hole FindHole returns.
type HoleStrategy int

const (
	// HoleBiggest picks the largest gap, reducing the chance that future
	// allocations in the attaching processes collide with the segment.
	HoleBiggest HoleStrategy = iota
	// HoleSmallest picks the smallest gap that still fits.
	HoleSmallest
)

// ErrNoHoleFound means no unused range of the requested size exists in the
// usable portion of the address space.
var ErrNoHoleFound = errors.New("vmem: no virtual-memory hole of requested size")

const (
	// Stay clear of the canonical low guard area and the kernel half of
	// the address space on 64-bit Linux.
	holeFloor   uintptr = 0x10000
	holeCeiling uintptr = 0x7fff_ffff_f000
)
