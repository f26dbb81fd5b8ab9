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

//go:build linux

package vmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindHoleBiggest(t *testing.T) {
	addr, err := FindHole(HoleBiggest, 1<<20)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, addr, holeFloor)
	assert.Less(t, addr, holeCeiling)
	assert.Zero(t, addr%uintptr(os.Getpagesize()), "hole start not page aligned")
}

func TestFindHoleNotInsideExistingMapping(t *testing.T) {
	const size = 1 << 21
	addr, err := FindHole(HoleBiggest, size)
	require.NoError(t, err)

	maps, err := readSelfMaps()
	require.NoError(t, err)
	for _, m := range maps {
		overlap := addr < m.end && addr+size > m.start
		assert.Falsef(t, overlap, "hole [%#x,%#x) overlaps mapping [%#x,%#x)",
			addr, addr+uintptr(size), m.start, m.end)
	}
}

func TestFindHoleTooLarge(t *testing.T) {
	// More than the whole usable address space.
	_, err := FindHole(HoleBiggest, 1<<62)
	assert.ErrorIs(t, err, ErrNoHoleFound)
}
