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
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengds/gds-shmem/pkg/keyval"
	"github.com/opengds/gds-shmem/pkg/tma"
)

// newTestArena builds an arena over heap memory. The cursor cell occupies
// the first 8 bytes, the way a segment root would.
func newTestArena(size uint64) *tma.TMA {
	buf := make([]byte, size)
	base := unsafe.Pointer(&buf[0])
	arena := tma.New(base, size, (*uint64)(base))
	arena.Seed(8)
	return arena
}

func TestNextPow2(t *testing.T) {
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 16: 16, 17: 32, 1000: 1024}
	for in, want := range cases {
		assert.Equal(t, want, nextPow2(in), "nextPow2(%d)", in)
	}
}

func TestHashtabPutGet(t *testing.T) {
	arena := newTestArena(1 << 20)
	var ht smHashTable
	htInit(&ht, arena, htCapacityFor(100))

	for rank := uint32(0); rank < 10; rank++ {
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key.%d", i)
			v := keyval.Uint64(key, uint64(rank)*100+uint64(i)).Value
			require.NoError(t, htPut(arena, &ht, rank, key, &v))
		}
	}
	assert.Equal(t, uint64(100), ht.count)

	e, ok := htGet(arena, &ht, 7, "key.3")
	require.True(t, ok)
	assert.Equal(t, uint64(703), e.val.u64)

	_, ok = htGet(arena, &ht, 7, "key.99")
	assert.False(t, ok)
	_, ok = htGet(arena, &ht, 99, "key.3")
	assert.False(t, ok)
}

func TestHashtabWildcardRankIsDistinct(t *testing.T) {
	arena := newTestArena(1 << 16)
	var ht smHashTable
	htInit(&ht, arena, 16)

	wild := keyval.String("hostname", "node0").Value
	require.NoError(t, htPut(arena, &ht, keyval.WildcardRank, "hostname", &wild))

	_, ok := htGet(arena, &ht, 0, "hostname")
	assert.False(t, ok, "rank 0 must not see the wildcard entry directly")
	e, ok := htGet(arena, &ht, keyval.WildcardRank, "hostname")
	require.True(t, ok)
	assert.Equal(t, "node0", loadValue(arena, &e.val).Str)
}

func TestHashtabReplace(t *testing.T) {
	arena := newTestArena(1 << 16)
	var ht smHashTable
	htInit(&ht, arena, 16)

	v1 := keyval.String("k", "first").Value
	require.NoError(t, htPut(arena, &ht, 1, "k", &v1))
	v2 := keyval.String("k", "second").Value
	require.NoError(t, htPut(arena, &ht, 1, "k", &v2))

	assert.Equal(t, uint64(1), ht.count)
	e, ok := htGet(arena, &ht, 1, "k")
	require.True(t, ok)
	assert.Equal(t, "second", loadValue(arena, &e.val).Str)
}

func TestHashtabFull(t *testing.T) {
	arena := newTestArena(1 << 16)
	var ht smHashTable
	htInit(&ht, arena, 16)

	for i := 0; i < 16; i++ {
		v := keyval.Uint32("k", uint32(i)).Value
		require.NoError(t, htPut(arena, &ht, uint32(i), "k", &v))
	}
	v := keyval.Uint32("k", 16).Value
	assert.ErrorIs(t, htPut(arena, &ht, 16, "k", &v), ErrTableFull)
}

func TestHashtabEachRank(t *testing.T) {
	arena := newTestArena(1 << 16)
	var ht smHashTable
	htInit(&ht, arena, 64)

	for i := 0; i < 5; i++ {
		v := keyval.Uint32(fmt.Sprintf("k.%d", i), uint32(i)).Value
		require.NoError(t, htPut(arena, &ht, 3, fmt.Sprintf("k.%d", i), &v))
	}
	other := keyval.Bool("other", true).Value
	require.NoError(t, htPut(arena, &ht, keyval.WildcardRank, "other", &other))

	seen := map[string]bool{}
	htEachRank(arena, &ht, 3, func(key string, e *smHashEntry) bool {
		seen[key] = true
		return true
	})
	assert.Len(t, seen, 5)
	assert.NotContains(t, seen, "other")
}
