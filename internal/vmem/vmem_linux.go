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
	"bufio"
	"os"
	"strconv"
	"strings"
)

// mapping is one region parsed out of /proc/self/maps.
type mapping struct {
	start, end uintptr
}

func readSelfMaps() ([]mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var maps []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		addrs, _, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		lo, hi, ok := strings.Cut(addrs, "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			continue
		}
		maps = append(maps, mapping{start: uintptr(start), end: uintptr(end)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// FindHole scans the process's mapped regions and returns the start of an
// unused virtual-address range at least size bytes long, chosen per the
// given strategy. The maps file is sorted by address, so holes are the gaps
// between consecutive regions plus the tail below the ceiling.
func FindHole(strategy HoleStrategy, size uint64) (uintptr, error) {
	maps, err := readSelfMaps()
	if err != nil {
		return 0, err
	}
	if len(maps) == 0 {
		return 0, ErrNoHoleFound
	}

	var bestStart uintptr
	var bestLen uintptr
	consider := func(start, end uintptr) {
		if start < holeFloor {
			start = holeFloor
		}
		if end > holeCeiling {
			end = holeCeiling
		}
		if end <= start {
			return
		}
		start = pageUp(start)
		if end <= start {
			return
		}
		length := end - start
		if uint64(length) < size {
			return
		}
		switch strategy {
		case HoleBiggest:
			if length > bestLen {
				bestStart, bestLen = start, length
			}
		case HoleSmallest:
			if bestLen == 0 || length < bestLen {
				bestStart, bestLen = start, length
			}
		}
	}

	prevEnd := uintptr(holeFloor)
	for _, m := range maps {
		if m.start > prevEnd {
			consider(prevEnd, m.start)
		}
		if m.end > prevEnd {
			prevEnd = m.end
		}
	}
	consider(prevEnd, holeCeiling)

	if bestLen == 0 {
		return 0, ErrNoHoleFound
	}
	return bestStart, nil
}

func pageUp(a uintptr) uintptr {
	page := uintptr(os.Getpagesize())
	return (a + page - 1) &^ (page - 1)
}
