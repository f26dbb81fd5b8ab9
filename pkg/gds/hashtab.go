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

package gds

import (
	"unsafe"

	"github.com/opengds/gds-shmem/pkg/keyval"
	"github.com/opengds/gds-shmem/pkg/tma"
)

// smHashTable is an open-addressing hash table whose entry array lives in
// the arena. Keys are (rank, string) pairs; capacity is fixed at init, so
// the store encoder sizes it from the expected entry count before any
// insert. Linear probing, no deletion.
type smHashTable struct {
	capacity   uint64
	count      uint64
	entriesOff uint64
}

type smHashEntry struct {
	hash   uint64
	rank   uint32
	state  uint32 // 0 empty, 1 used
	keyOff uint64
	val    smValue
}

const smHashEntrySize = uint64(unsafe.Sizeof(smHashEntry{}))

// nextPow2 rounds n up to a power of two.
func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// htCapacityFor returns the table capacity for an expected entry count:
// at least double the count so probing stays short, floor of 16.
func htCapacityFor(n uint64) uint64 {
	if n < 8 {
		n = 8
	}
	return nextPow2(2 * n)
}

// htInit allocates the entry array in the arena. capacity must be a power
// of two.
func htInit(ht *smHashTable, arena *tma.TMA, capacity uint64) {
	ht.capacity = capacity
	ht.count = 0
	ht.entriesOff = arena.Calloc(capacity, smHashEntrySize)
}

func htEntry(arena *tma.TMA, ht *smHashTable, i uint64) *smHashEntry {
	return (*smHashEntry)(arena.Pointer(ht.entriesOff + i*smHashEntrySize))
}

// htHash is FNV-1a over the rank (little-endian) followed by the key.
func htHash(rank uint32, key string) uint64 {
	const (
		offset64 = 0xcbf29ce484222325
		prime64  = 0x00000100000001b3
	)
	h := uint64(offset64)
	for i := 0; i < 4; i++ {
		h ^= uint64(byte(rank >> (8 * i)))
		h *= prime64
	}
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= prime64
	}
	return h
}

// htPut inserts or replaces the value for (rank, key). Replacement leaks
// the previous payload into the arena; that is acceptable because job data
// is written once and segments are sized with headroom.
func htPut(arena *tma.TMA, ht *smHashTable, rank uint32, key string, v *keyval.Value) error {
	h := htHash(rank, key)
	mask := ht.capacity - 1
	for i := uint64(0); i < ht.capacity; i++ {
		e := htEntry(arena, ht, (h+i)&mask)
		if e.state == 0 {
			e.hash = h
			e.rank = rank
			e.keyOff = arena.Strdup(key)
			if err := storeValue(arena, v, &e.val); err != nil {
				return err
			}
			e.state = 1
			ht.count++
			return nil
		}
		if e.hash == h && e.rank == rank && arena.LoadString(e.keyOff) == key {
			e.val = smValue{}
			return storeValue(arena, v, &e.val)
		}
	}
	return ErrTableFull
}

// htGet finds the entry for (rank, key).
func htGet(arena *tma.TMA, ht *smHashTable, rank uint32, key string) (*smHashEntry, bool) {
	if ht.capacity == 0 {
		return nil, false
	}
	h := htHash(rank, key)
	mask := ht.capacity - 1
	for i := uint64(0); i < ht.capacity; i++ {
		e := htEntry(arena, ht, (h+i)&mask)
		if e.state == 0 {
			return nil, false
		}
		if e.hash == h && e.rank == rank && arena.LoadString(e.keyOff) == key {
			return e, true
		}
	}
	return nil, false
}

// htEachRank calls fn for every entry stored under rank.
func htEachRank(arena *tma.TMA, ht *smHashTable, rank uint32, fn func(key string, e *smHashEntry) bool) {
	for i := uint64(0); i < ht.capacity; i++ {
		e := htEntry(arena, ht, i)
		if e.state != 0 && e.rank == rank {
			if !fn(arena.LoadString(e.keyOff), e) {
				return
			}
		}
	}
}
