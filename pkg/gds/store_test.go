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
	"math/rand"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengds/gds-shmem/pkg/keyval"
)

func randomNodeInfo(r *rand.Rand, id int) keyval.Pair {
	node := []keyval.Pair{
		keyval.String(keyval.KeyHostname, fmt.Sprintf("node%d", id)),
		keyval.Uint32(keyval.KeyNodeID, uint32(id)),
	}
	for j, n := 0, r.Intn(24); j < n; j++ {
		node = append(node, keyval.String(fmt.Sprintf("n%d.k%d", id, j),
			strings.Repeat("z", r.Intn(8))))
	}
	return keyval.InfoArray(keyval.KeyNodeInfoArray, node...)
}

func randomJobPairs(r *rand.Rand, nPlain, nRanks, nPerRank int) []keyval.Pair {
	pairs := make([]keyval.Pair, 0, nPlain+1)
	for i := 0; i < nPlain; i++ {
		switch r.Intn(3) {
		case 0:
			pairs = append(pairs, keyval.String(fmt.Sprintf("job.k%d", i),
				strings.Repeat("x", r.Intn(64))))
		case 1:
			pairs = append(pairs, keyval.Uint64(fmt.Sprintf("job.k%d", i), r.Uint64()))
		default:
			pairs = append(pairs, keyval.Bool(fmt.Sprintf("job.k%d", i), r.Intn(2) == 0))
		}
	}
	// Structural records: node arrays of varying width, plus app/session
	// arrays carrying nested node arrays so the recursive expansion is in
	// play.
	for i, n := 0, r.Intn(20); i < n; i++ {
		pairs = append(pairs, randomNodeInfo(r, i))
	}
	for i, n := 0, r.Intn(4); i < n; i++ {
		pairs = append(pairs, keyval.InfoArray(keyval.KeyAppInfoArray,
			keyval.Uint32(keyval.KeyAppNum, uint32(i)),
			keyval.String("app.wdir", strings.Repeat("w", r.Intn(16))),
			randomNodeInfo(r, 100+i),
		))
	}
	ranks := make([]keyval.RankData, nRanks)
	for rank := 0; rank < nRanks; rank++ {
		rd := keyval.RankData{Rank: uint32(rank)}
		for j := 0; j < nPerRank; j++ {
			rd.Pairs = append(rd.Pairs, keyval.String(fmt.Sprintf("rank.k%d", j),
				strings.Repeat("y", r.Intn(32))))
		}
		ranks[rank] = rd
	}
	return append(pairs, keyval.ProcData(ranks...))
}

// storeIntoSizedSegment sizes a scratch segment for pairs, stores them
// through the full encoder, and reports arena consumption against the
// estimate.
func storeIntoSizedSegment(t *testing.T, m *Module, pairs []keyval.Pair) (used, size uint64) {
	t.Helper()
	st, err := computeJobStats(pairs)
	require.NoError(t, err)
	htCap := htCapacityFor(st.htEntries)
	size = m.jobSegmentSize(st, htCap)

	buf := make([]byte, size)
	view := newJobDataView(unsafe.Pointer(&buf[0]), size, htCap)
	job := newJobTracker("sizing.test")
	job.smdata = view
	job.segments[JobDataSegment].Size = size

	require.NoError(t, m.storeJobData(job, pairs))
	return view.arena.Used(), size
}

// The sizing formula must always leave the arena inside the segment: the
// encoder never checks bounds on the hot path, so the estimate carries
// the entire burden.
func TestJobSegmentSizingSafety(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	m := New(Config{SizeMultiplier: 1.0})

	for trial := 0; trial < 50; trial++ {
		pairs := randomJobPairs(r, 1+r.Intn(40), 1+r.Intn(16), 1+r.Intn(10))
		used, size := storeIntoSizedSegment(t, m, pairs)
		assert.LessOrEqual(t, used, size,
			"trial %d: arena overran its segment", trial)
	}
}

// Small structural records cost far more arena bytes (struct + key copy)
// than packed bytes, so an estimate keyed on packed size alone undershoots
// on info-array-heavy inputs. Densely structural job data must still fit.
func TestJobSegmentSizingSafetyDenseStructural(t *testing.T) {
	m := New(Config{SizeMultiplier: 1.0})

	var pairs []keyval.Pair
	for i := 0; i < 100; i++ {
		node := []keyval.Pair{
			keyval.String(keyval.KeyHostname, fmt.Sprintf("node%d", i)),
			keyval.Uint32(keyval.KeyNodeID, uint32(i)),
		}
		for j := 0; j < 20; j++ {
			node = append(node, keyval.Uint32(fmt.Sprintf("k%d", j), uint32(j)))
		}
		pairs = append(pairs, keyval.InfoArray(keyval.KeyNodeInfoArray, node...))
	}
	// An array under a plain key lands in both the table and the job-info
	// list, doubling its expansion.
	pairs = append(pairs, keyval.InfoArray("job.topology",
		keyval.Uint32("fabric.plane", 0),
		keyval.InfoArray("fabric.switches", keyval.Uint32("sw0", 1), keyval.Uint32("sw1", 2)),
	))

	used, size := storeIntoSizedSegment(t, m, pairs)
	assert.LessOrEqual(t, used, size, "arena overran its segment")
}

func TestComputeJobStatsCountsEntries(t *testing.T) {
	pairs := []keyval.Pair{
		keyval.String("a", "1"),
		keyval.Uint32("b", 2),
		keyval.InfoArray(keyval.KeyNodeInfoArray, keyval.String(keyval.KeyHostname, "n")),
		keyval.ProcData(
			keyval.RankData{Rank: 0, Pairs: []keyval.Pair{keyval.String("x", "1"), keyval.String("y", "2")}},
			keyval.RankData{Rank: 1, Pairs: []keyval.Pair{keyval.String("x", "3")}},
		),
	}
	st, err := computeJobStats(pairs)
	require.NoError(t, err)
	// Two plain pairs plus three per-rank entries; the info array goes
	// to a list, not the table.
	assert.Equal(t, uint64(5), st.htEntries)
	// One node-info container plus its single member.
	assert.Equal(t, uint64(2), st.listEntries)
	assert.Greater(t, st.packedSize, uint64(0))

	st, err = computeJobStats([]keyval.Pair{
		keyval.InfoArray("plain.array",
			keyval.Uint32("m", 1),
			keyval.InfoArray("nested", keyval.Uint32("n", 2))),
	})
	require.NoError(t, err)
	// The plain-keyed array takes one table slot and expands into both
	// the table entry and the job-info record: 2 x (container + two
	// members + nested container + one member).
	assert.Equal(t, uint64(1), st.htEntries)
	assert.Equal(t, uint64(10), st.listEntries)
}

func TestResolveBaseDir(t *testing.T) {
	t.Setenv("TMPDIR", "/env/tmp")

	assert.Equal(t, "/ns/dir", resolveBaseDir([]keyval.Pair{
		keyval.String(keyval.KeyTmpdir, "/job/tmp"),
		keyval.String(keyval.KeyNSDir, "/ns/dir"),
	}), "nsdir wins over tmpdir")

	assert.Equal(t, "/job/tmp", resolveBaseDir([]keyval.Pair{
		keyval.String(keyval.KeyTmpdir, "/job/tmp"),
	}))

	assert.Equal(t, "/env/tmp", resolveBaseDir(nil))

	t.Setenv("TMPDIR", "")
	assert.Equal(t, "/tmp", resolveBaseDir(nil))
}

func TestBackingPathPattern(t *testing.T) {
	m := New(Config{Hostname: "host1"})
	got := m.backingPath("/tmp/foo", "job.42", JobDataSegment)
	assert.Equal(t,
		fmt.Sprintf("/tmp/foo/opengds-gds-shmem.host1-job.42.jobdata.%d", os.Getpid()),
		got)
}
