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

	"github.com/opengds/gds-shmem/pkg/keyval"
)

// Fetch resolves key for one process directly from the shared segments.
// A rank of keyval.WildcardRank asks for job-level data; a concrete rank
// consults the job-data table first and falls through to the modex table.
// An empty key returns every record visible to the rank. The tracker must
// already exist; Fetch never creates namespaces.
func (m *Module) Fetch(proc Peer, key string) ([]keyval.Pair, error) {
	job, ok := m.jobs.Get(proc.Nspace)
	if !ok {
		return nil, fmt.Errorf("%w: namespace %q", ErrNotFound, proc.Nspace)
	}

	var pairs []keyval.Pair
	if job.hasStatus(JobDataSegment, StatusReadyForUse) {
		pairs = append(pairs, fetchFromJobData(job.smdata, proc.Rank, key)...)
	}
	if proc.Rank != keyval.WildcardRank && job.hasStatus(ModexDataSegment, StatusReadyForUse) {
		pairs = append(pairs, fetchFromModex(job.smmodex, proc.Rank, key)...)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: rank %d key %q in %q", ErrNotFound, proc.Rank, key, proc.Nspace)
	}
	return pairs, nil
}

func fetchFromJobData(v *jobDataView, rank uint32, key string) []keyval.Pair {
	if v == nil {
		return nil
	}
	if key == "" {
		// Job-level records live in both the table and the ordered
		// list; the list is the canonical full answer.
		if rank == keyval.WildcardRank {
			return loadKVList(v.arena, &v.root.jobInfo)
		}
		var pairs []keyval.Pair
		htEachRank(v.arena, &v.root.ht, rank, func(k string, e *smHashEntry) bool {
			pairs = append(pairs, keyval.Pair{Key: k, Value: loadValue(v.arena, &e.val)})
			return true
		})
		return pairs
	}
	if e, ok := htGet(v.arena, &v.root.ht, rank, key); ok {
		return []keyval.Pair{{Key: key, Value: loadValue(v.arena, &e.val)}}
	}
	// Rank-specific misses retry at the job level: static data applies
	// to every rank.
	if rank != keyval.WildcardRank {
		if e, ok := htGet(v.arena, &v.root.ht, keyval.WildcardRank, key); ok {
			return []keyval.Pair{{Key: key, Value: loadValue(v.arena, &e.val)}}
		}
	}
	return nil
}

func fetchFromModex(v *modexDataView, rank uint32, key string) []keyval.Pair {
	if v == nil {
		return nil
	}
	if key == "" {
		var pairs []keyval.Pair
		htEachRank(v.arena, &v.root.ht, rank, func(k string, e *smHashEntry) bool {
			pairs = append(pairs, keyval.Pair{Key: k, Value: loadValue(v.arena, &e.val)})
			return true
		})
		return pairs
	}
	if e, ok := htGet(v.arena, &v.root.ht, rank, key); ok {
		return []keyval.Pair{{Key: key, Value: loadValue(v.arena, &e.val)}}
	}
	return nil
}

// FetchNodeInfo returns the stored record for one node, looked up by
// hostname or any of its aliases. Hostname "" returns every node.
func (m *Module) FetchNodeInfo(nspace, hostname string) ([][]keyval.Pair, error) {
	job, ok := m.jobs.Get(nspace)
	if !ok || !job.hasStatus(JobDataSegment, StatusReadyForUse) {
		return nil, fmt.Errorf("%w: namespace %q", ErrNotFound, nspace)
	}
	v := job.smdata
	var out [][]keyval.Pair
	listEach(v.arena, &v.root.nodeInfo, func(off uint64) bool {
		if hostname == "" || nodeMatches(v, off, hostname) {
			out = append(out, loadNodeInfo(v.arena, off))
		}
		return true
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: node %q in %q", ErrNotFound, hostname, nspace)
	}
	return out, nil
}

func nodeMatches(v *jobDataView, off uint64, hostname string) bool {
	n := (*smNodeInfo)(v.arena.Pointer(off))
	if v.arena.LoadString(n.hostnameOff) == hostname {
		return true
	}
	match := false
	listEach(v.arena, &n.aliases, func(aoff uint64) bool {
		a := (*smAlias)(v.arena.Pointer(aoff))
		if v.arena.LoadString(a.nameOff) == hostname {
			match = true
			return false
		}
		return true
	})
	return match
}

// FetchAppInfo returns the stored record for one application number.
func (m *Module) FetchAppInfo(nspace string, appNum uint32) ([]keyval.Pair, error) {
	job, ok := m.jobs.Get(nspace)
	if !ok || !job.hasStatus(JobDataSegment, StatusReadyForUse) {
		return nil, fmt.Errorf("%w: namespace %q", ErrNotFound, nspace)
	}
	v := job.smdata
	var out []keyval.Pair
	listEach(v.arena, &v.root.appInfo, func(off uint64) bool {
		a := (*smAppInfo)(v.arena.Pointer(off))
		if a.appNum != appNum {
			return true
		}
		out = append(out, keyval.Uint32(keyval.KeyAppNum, a.appNum))
		out = append(out, loadKVList(v.arena, &a.info)...)
		return false
	})
	if out == nil {
		return nil, fmt.Errorf("%w: app %d in %q", ErrNotFound, appNum, nspace)
	}
	return out, nil
}

// FetchSessionInfo returns the stored record for one session ID.
func (m *Module) FetchSessionInfo(nspace string, sessionID uint32) ([]keyval.Pair, error) {
	job, ok := m.jobs.Get(nspace)
	if !ok || !job.hasStatus(JobDataSegment, StatusReadyForUse) {
		return nil, fmt.Errorf("%w: namespace %q", ErrNotFound, nspace)
	}
	v := job.smdata
	var out []keyval.Pair
	listEach(v.arena, &v.root.sessionInfo, func(off uint64) bool {
		s := (*smSessionInfo)(v.arena.Pointer(off))
		if s.sessionID != sessionID {
			return true
		}
		out = append(out, keyval.Uint32(keyval.KeySessionID, s.sessionID))
		out = append(out, loadKVList(v.arena, &s.info)...)
		return false
	})
	if out == nil {
		return nil, fmt.Errorf("%w: session %d in %q", ErrNotFound, sessionID, nspace)
	}
	return out, nil
}
