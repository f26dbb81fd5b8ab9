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
	"sync"

	"github.com/opengds/gds-shmem/pkg/shmem"
)

// jobTracker is the per-namespace local handle for the two segments
// (job data and modex data) plus their lifecycle status. The tracker is
// process-local; only the segments themselves are shared.
type jobTracker struct {
	mu   sync.Mutex
	nsID string

	// populateMu serializes the create-and-populate sequence for each
	// segment. Connection handlers run concurrently, and exactly one of
	// them may pay for a segment; the rest wait here. Always taken
	// before mu.
	populateMu sync.Mutex

	segments [2]*shmem.Segment
	status   [2]Status

	smdata  *jobDataView
	smmodex *modexDataView
}

func newJobTracker(nsID string) *jobTracker {
	return &jobTracker{
		nsID:     nsID,
		segments: [2]*shmem.Segment{shmem.New(), shmem.New()},
	}
}

func (j *jobTracker) segment(id SegmentID) *shmem.Segment {
	return j.segments[id]
}

func (j *jobTracker) hasStatus(id SegmentID, flag Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status[id].has(flag)
}

func (j *jobTracker) setStatus(id SegmentID, flags Status) {
	j.mu.Lock()
	j.status[id] |= flags
	j.mu.Unlock()
}

func (j *jobTracker) clearStatus(id SegmentID, flags Status) {
	j.mu.Lock()
	j.status[id] &^= flags
	j.mu.Unlock()
}

// arenaUsed reports the bytes consumed inside a segment's arena, zero if
// the segment was never populated or attached.
func (j *jobTracker) arenaUsed(id SegmentID) uint64 {
	switch id {
	case JobDataSegment:
		if j.smdata != nil {
			return j.smdata.arena.Used()
		}
	case ModexDataSegment:
		if j.smmodex != nil {
			return j.smmodex.arena.Used()
		}
	}
	return 0
}

// emitUsageStats records final arena utilization for an attached segment
// before it goes away.
func (j *jobTracker) emitUsageStats(id SegmentID) {
	seg := j.segment(id)
	used := j.arenaUsed(id)
	if seg.Size == 0 || used == 0 {
		return
	}
	pct := 100 * float64(used) / float64(seg.Size)
	internalLogger.Infof("%s segment for %s: %d of %d bytes used (%.1f%%)",
		id.roleName(), j.nsID, used, seg.Size, pct)
	segmentBytesUsed.WithLabelValues(j.nsID, id.roleName()).Set(float64(used))
	segmentUtilization.WithLabelValues(j.nsID, id.roleName()).Set(pct)
}

// release detaches both segments and unlinks the backing files this
// process created. Safe to call more than once.
func (j *jobTracker) release() {
	for _, id := range []SegmentID{JobDataSegment, ModexDataSegment} {
		j.mu.Lock()
		st := j.status[id]
		j.status[id] = 0
		j.mu.Unlock()
		if !st.has(StatusAttached) {
			continue
		}
		j.emitUsageStats(id)
		if err := j.segment(id).Release(); err != nil {
			internalLogger.Warnf("releasing %s segment for %s: %v", id.roleName(), j.nsID, err)
		}
	}
	j.smdata = nil
	j.smmodex = nil
}
