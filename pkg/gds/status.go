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

import "fmt"

// SegmentID names which of a job's two segments an operation targets.
// The numeric values travel on the wire inside connection blobs.
type SegmentID uint32

const (
	// JobDataSegment backs static job-level metadata.
	JobDataSegment SegmentID = 0
	// ModexDataSegment backs exchanged per-rank data.
	ModexDataSegment SegmentID = 1
	// InvalidSegment is the not-a-segment sentinel.
	InvalidSegment SegmentID = ^SegmentID(0)
)

// roleName is the path component identifying a segment's role.
func (id SegmentID) roleName() string {
	switch id {
	case JobDataSegment:
		return "jobdata"
	case ModexDataSegment:
		return "modexdata"
	default:
		return "invalid"
	}
}

func (id SegmentID) String() string {
	return fmt.Sprintf("%s(%d)", id.roleName(), uint32(id))
}

// Status is the per-segment lifecycle bitset. A segment's contents may
// only be read once StatusReadyForUse is set, and is only unmapped and
// unlinked by the party that set StatusRelease.
type Status uint8

const (
	// StatusAttached: this process has a live mapping.
	StatusAttached Status = 1 << iota
	// StatusReadyForUse: the data inside the segment is complete.
	StatusReadyForUse
	// StatusRelease: this process created the segment and must release
	// its backing store.
	StatusRelease
)

func (s Status) has(flag Status) bool { return s&flag != 0 }
