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
	"os"
	"unsafe"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/opengds/gds-shmem/internal/vmem"
	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/keyval"
	"github.com/opengds/gds-shmem/pkg/shmem"
)

// segmentFluff pads every computed segment-size estimate. Running an
// arena off the end of its segment corrupts memory; the estimate must
// never come in low.
const segmentFluff = 2.5

// structEntrySize bounds the arena bytes one info-array record can
// consume beyond its packed payload: the widest per-record structure plus
// key copy and alignment overhead.
const structEntrySize = uint64(unsafe.Sizeof(smNodeInfo{})) + 32

// jobStats summarizes the collected job data for segment sizing.
type jobStats struct {
	// packedSize is the serialized size of every record, an upper bound
	// on the raw payload bytes landing in the arena.
	packedSize uint64
	// htEntries counts the records headed for the hash table: plain
	// key/values plus one entry per rank per per-rank key.
	htEntries uint64
	// listEntries counts the records materialized as in-segment list
	// structures: the members of every info array, nested ones included,
	// plus one container per array.
	listEntries uint64
}

// countArrayEntries sizes the list expansion of an info-array value: one
// container plus one record per member, descending into nested arrays.
// Zero for anything that is not an info array.
func countArrayEntries(v *keyval.Value) uint64 {
	if v.Type != keyval.TypeInfoArray {
		return 0
	}
	n := 1 + uint64(len(v.Pairs))
	for i := range v.Pairs {
		n += countArrayEntries(&v.Pairs[i].Value)
	}
	return n
}

// isStructuralArray reports whether a pair is one of the well-known
// node/app/session arrays that the store encoder keeps in dedicated lists.
func isStructuralArray(p *keyval.Pair) bool {
	if p.Value.Type != keyval.TypeInfoArray {
		return false
	}
	switch p.Key {
	case keyval.KeyNodeInfoArray, keyval.KeyAppInfoArray, keyval.KeySessionInfoArray:
		return true
	}
	return false
}

// computeJobStats measures pairs by packing them into a scratch buffer.
// The case split must mirror storeJobData exactly: every record the
// encoder will allocate has to be visible to the estimate.
func computeJobStats(pairs []keyval.Pair) (jobStats, error) {
	var st jobStats
	buf := codec.NewBuffer()
	defer buf.Release()
	for i := range pairs {
		p := &pairs[i]
		if err := buf.Pack(*p); err != nil {
			return st, err
		}
		switch {
		case p.Value.Type == keyval.TypeProcData:
			for _, rd := range p.Value.Procs {
				st.htEntries += uint64(len(rd.Pairs))
				for j := range rd.Pairs {
					st.listEntries += countArrayEntries(&rd.Pairs[j].Value)
				}
			}
		case isStructuralArray(p):
			st.listEntries += countArrayEntries(&p.Value)
		default:
			// Plain pairs land in both the table and the job-info
			// list, so an array-valued one expands twice.
			st.htEntries++
			st.listEntries += 2 * countArrayEntries(&p.Value)
		}
	}
	st.packedSize = uint64(buf.Len())
	return st, nil
}

// jobSegmentSize computes the job-data segment size: fixed structures,
// one table slot plus one worst-case record per slot, one worst-case
// structure per list record, the packed payload, all behind the fluff
// factor and the configured multiplier. The encoder does not bounds-check
// the hot path, so the result must dominate actual arena consumption for
// every input.
func (m *Module) jobSegmentSize(st jobStats, htCap uint64) uint64 {
	size := uint64(unsafe.Sizeof(jobDataRoot{}))
	size += htCap * smHashEntrySize
	size += htCap * uint64(unsafe.Sizeof(smKV{}))
	size += st.listEntries * structEntrySize
	size += st.packedSize
	return uint64(float64(size) * segmentFluff * m.cfg.sizeMultiplier())
}

// resolveBaseDir picks the directory for backing files, preferring the
// job's session directory, then its temp directory, then the environment.
func resolveBaseDir(pairs []keyval.Pair) string {
	for _, key := range []string{keyval.KeyNSDir, keyval.KeyTmpdir} {
		for i := range pairs {
			if pairs[i].Key == key && pairs[i].Value.Type == keyval.TypeString {
				return pairs[i].Value.Str
			}
		}
	}
	if d := os.Getenv("TMPDIR"); d != "" {
		return d
	}
	return "/tmp"
}

// backingPath builds the canonical backing-file name for one segment:
// <basedir>/<pkg>-gds-<module>.<host>-<nsid>.<role>.<pid>.
func (m *Module) backingPath(baseDir, nsID string, id SegmentID) string {
	return fmt.Sprintf("%s/%s-gds-%s.%s-%s.%s.%d",
		baseDir, pkgName, moduleName, m.cfg.hostname(), nsID, id.roleName(), os.Getpid())
}

// createAndAttach creates a segment's backing file in baseDir, finds a
// free address range, and maps it there. On success the tracker holds an
// attached, creator-owned segment.
func (m *Module) createAndAttach(job *jobTracker, id SegmentID, baseDir string, size uint64) error {
	seg := job.segment(id)
	path := m.backingPath(baseDir, job.nsID, id)
	if shmem.PathExists(path) {
		return fmt.Errorf("%w: backing file already exists: %s", ErrBadParameter, path)
	}
	if vm, err := mem.VirtualMemory(); err == nil && size > vm.Available {
		internalLogger.Warnf("%s segment estimate for %s (%d bytes) exceeds available memory (%d)",
			id.roleName(), job.nsID, size, vm.Available)
	}
	if err := seg.Create(size, path); err != nil {
		return err
	}
	addr, err := vmem.FindHole(vmem.HoleBiggest, seg.Size)
	if err != nil {
		_ = seg.Release()
		return fmt.Errorf("gds: no address hole of %d bytes: %w", seg.Size, err)
	}
	if err := seg.Attach(addr); err != nil {
		_ = seg.Release()
		return err
	}
	job.setStatus(id, StatusAttached|StatusRelease)
	segmentsCreated.WithLabelValues(id.roleName()).Inc()
	internalLogger.Debugf("created %s segment for %s: path=%s size=%d addr=0x%x",
		id.roleName(), job.nsID, seg.Path, seg.Size, seg.Base)
	return nil
}

// prepareJobSegment sizes, creates, and maps the job-data segment for the
// given collected records, leaving an empty root behind job.smdata.
func (m *Module) prepareJobSegment(job *jobTracker, pairs []keyval.Pair) error {
	st, err := computeJobStats(pairs)
	if err != nil {
		return err
	}
	htCap := htCapacityFor(st.htEntries)
	size := m.jobSegmentSize(st, htCap)
	if err := m.createAndAttach(job, JobDataSegment, resolveBaseDir(pairs), size); err != nil {
		return err
	}
	seg := job.segment(JobDataSegment)
	job.smdata = newJobDataView(unsafe.Pointer(seg.Base), seg.Size, htCap)
	return nil
}

// storeJobData walks the collected records into the attached job-data
// segment. Plain pairs land in the hash table under the wildcard rank and
// in the ordered job-info list; per-rank data is expanded to one table
// entry per rank; the structural info arrays become list records.
func (m *Module) storeJobData(job *jobTracker, pairs []keyval.Pair) error {
	v := job.smdata
	for i := range pairs {
		p := &pairs[i]
		switch {
		case p.Value.Type == keyval.TypeProcData:
			for _, rd := range p.Value.Procs {
				for j := range rd.Pairs {
					err := htPut(v.arena, &v.root.ht, rd.Rank, rd.Pairs[j].Key, &rd.Pairs[j].Value)
					if err != nil {
						return err
					}
				}
			}
		case p.Key == keyval.KeyNodeInfoArray && p.Value.Type == keyval.TypeInfoArray:
			if err := storeNodeInfo(v.arena, &v.root.nodeInfo, p.Value.Pairs); err != nil {
				return err
			}
		case p.Key == keyval.KeyAppInfoArray && p.Value.Type == keyval.TypeInfoArray:
			if err := storeAppInfo(v.arena, &v.root.appInfo, p.Value.Pairs); err != nil {
				return err
			}
		case p.Key == keyval.KeySessionInfoArray && p.Value.Type == keyval.TypeInfoArray:
			if err := storeSessionInfo(v.arena, &v.root.sessionInfo, p.Value.Pairs); err != nil {
				return err
			}
		default:
			if err := htPut(v.arena, &v.root.ht, keyval.WildcardRank, p.Key, &p.Value); err != nil {
				return err
			}
			if err := storeKV(v.arena, &v.root.jobInfo, p.Key, &p.Value); err != nil {
				return err
			}
		}
	}
	seg := job.segment(JobDataSegment)
	segmentBytesUsed.WithLabelValues(job.nsID, JobDataSegment.roleName()).Set(float64(v.arena.Used()))
	segmentUtilization.WithLabelValues(job.nsID, JobDataSegment.roleName()).
		Set(100 * float64(v.arena.Used()) / float64(seg.Size))
	return nil
}

// prepareModexSegment sizes, creates, and maps the modex segment. The
// exchanged payload size scales with the number of participating
// processes, so the estimate multiplies one packed contribution by the
// peer count and the table is sized for 256 keys per peer.
func (m *Module) prepareModexSegment(job *jobTracker, contribution uint64, npeers uint64) error {
	if npeers == 0 {
		npeers = 1
	}
	htCap := nextPow2(256 * npeers)
	size := uint64(unsafe.Sizeof(modexDataRoot{}))
	size += htCap * smHashEntrySize
	size += contribution * npeers
	size = uint64(float64(size) * segmentFluff * m.cfg.sizeMultiplier())

	baseDir := m.jobBaseDir(job)
	if err := m.createAndAttach(job, ModexDataSegment, baseDir, size); err != nil {
		return err
	}
	seg := job.segment(ModexDataSegment)
	job.smmodex = newModexDataView(unsafe.Pointer(seg.Base), seg.Size, htCap)
	return nil
}

// jobBaseDir recovers the backing directory for follow-on segments from
// the already-stored job data, falling back to the environment.
func (m *Module) jobBaseDir(job *jobTracker) string {
	if job.smdata != nil {
		for _, key := range []string{keyval.KeyNSDir, keyval.KeyTmpdir} {
			if e, ok := htGet(job.smdata.arena, &job.smdata.root.ht, keyval.WildcardRank, key); ok {
				if keyval.Type(e.val.typ) == keyval.TypeString {
					return string(job.smdata.arena.Bytes(e.val.dataOff, e.val.dataLen))
				}
			}
		}
	}
	if d := os.Getenv("TMPDIR"); d != "" {
		return d
	}
	return "/tmp"
}

// storeModexContribution merges one rank's exchanged pairs into the modex
// hash table.
func (m *Module) storeModexContribution(job *jobTracker, rank uint32, pairs []keyval.Pair) error {
	v := job.smmodex
	for i := range pairs {
		if err := htPut(v.arena, &v.root.ht, rank, pairs[i].Key, &pairs[i].Value); err != nil {
			return err
		}
	}
	return nil
}
