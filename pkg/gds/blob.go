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
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/keyval"
)

// Connection-blob keys. One blob describes one segment; a connection
// payload carries one segBlobKey record per ready segment.
const (
	segBlobKey = "SEG_BLOB"
	segNsidKey = "NSPACEID"
	segSmidKey = "SMSEGID"
	segPathKey = "SEG_PATH"
	segSizeKey = "SEG_SIZE"
	segAddrKey = "SEG_ADDR"
)

// unpackedSegBlob is one decoded segment descriptor.
type unpackedSegBlob struct {
	nsID    string
	smID    SegmentID
	segPath string
	segSize uint64
	segAddr uint64
}

// strToSize parses a size or address field in the given base, rejecting
// empty strings, stray characters, and overflow.
func strToSize(s string, base int) (uint64, error) {
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: numeric field %q (base %d): %v", ErrBadParameter, s, base, err)
	}
	return v, nil
}

// packConnectionInfo appends the five descriptor records for one segment.
// All values travel as strings; the segment ID is decimal, size and
// address are unprefixed lowercase hex.
func packConnectionInfo(job *jobTracker, id SegmentID, buf *codec.Buffer) error {
	seg := job.segment(id)
	records := []keyval.Pair{
		keyval.String(segNsidKey, job.nsID),
		keyval.String(segSmidKey, strconv.FormatUint(uint64(id), 10)),
		keyval.String(segPathKey, seg.Path),
		keyval.String(segSizeKey, strconv.FormatUint(seg.Size, 16)),
		keyval.String(segAddrKey, strconv.FormatUint(uint64(seg.Base), 16)),
	}
	for _, r := range records {
		if err := buf.Pack(r); err != nil {
			return err
		}
	}
	return nil
}

// packSegmentBlobs wraps one SEG_BLOB record per ready segment into reply.
func packSegmentBlobs(job *jobTracker, reply *codec.Buffer) error {
	for _, id := range []SegmentID{JobDataSegment, ModexDataSegment} {
		if !job.hasStatus(id, StatusReadyForUse) {
			continue
		}
		inner := codec.NewBuffer()
		err := packConnectionInfo(job, id, inner)
		if err == nil {
			err = reply.Pack(keyval.Bytes(segBlobKey, inner.Bytes()))
		}
		inner.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// unpackConnectionInfo decodes one segment descriptor. The read loop runs
// until a clean end-of-buffer, which is the success terminator; an
// unexpected key is the sender's bug, not a framing error, and surfaces
// as ErrBadParameter.
func unpackConnectionInfo(blob []byte) (*unpackedSegBlob, error) {
	out := &unpackedSegBlob{smID: InvalidSegment}
	buf := codec.Load(blob)
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnpackFailure, err)
		}
		if p.Value.Type != keyval.TypeString {
			return nil, fmt.Errorf("%w: key %q carried type %d", ErrTypeMismatch, p.Key, p.Value.Type)
		}
		switch p.Key {
		case segNsidKey:
			out.nsID = p.Value.Str
		case segSmidKey:
			id, err := strToSize(p.Value.Str, 10)
			if err != nil {
				return nil, err
			}
			out.smID = SegmentID(id)
		case segPathKey:
			out.segPath = p.Value.Str
		case segSizeKey:
			if out.segSize, err = strToSize(p.Value.Str, 16); err != nil {
				return nil, err
			}
		case segAddrKey:
			if out.segAddr, err = strToSize(p.Value.Str, 16); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected key %q in connection info", ErrBadParameter, p.Key)
		}
	}
}

// segmentFileBackoff retries opening a backing file whose path arrived in
// a fresh blob. The creating server unlinks only at namespace teardown,
// so a missing file here is a racing filesystem view, not a lost segment.
func segmentFileBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// attachSegment maps the described segment into this process if it is not
// mapped yet. Attaching is idempotent per (namespace, segment): repeat
// blobs for a live mapping are acknowledged without touching the map.
func (m *Module) attachSegment(info *unpackedSegBlob) error {
	if info.smID != JobDataSegment && info.smID != ModexDataSegment {
		return fmt.Errorf("%w: segment id %d", ErrBadParameter, uint32(info.smID))
	}
	job := m.tracker(info.nsID)
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status[info.smID].has(StatusAttached) {
		internalLogger.Tracef("%s segment for %s already attached", info.smID.roleName(), info.nsID)
		return nil
	}

	seg := job.segment(info.smID)
	err := backoff.Retry(func() error {
		oerr := seg.Open(info.segPath, info.segSize)
		if oerr != nil && !errors.Is(oerr, os.ErrNotExist) {
			return backoff.Permanent(oerr)
		}
		return oerr
	}, segmentFileBackoff())
	if err != nil {
		return err
	}
	if err := seg.Attach(uintptr(info.segAddr)); err != nil {
		_ = seg.Release()
		return err
	}

	switch info.smID {
	case JobDataSegment:
		job.smdata = attachJobDataView(unsafe.Pointer(seg.Base), seg.Size)
	case ModexDataSegment:
		job.smmodex = attachModexDataView(unsafe.Pointer(seg.Base), seg.Size)
	}
	job.status[info.smID] |= StatusAttached | StatusReadyForUse
	if err := seg.ProtectReadOnly(); err != nil {
		internalLogger.Warnf("write-protecting %s segment for %s: %v", info.smID.roleName(), info.nsID, err)
	}
	internalLogger.Debugf("attached %s segment for %s at 0x%x (%d bytes)",
		info.smID.roleName(), info.nsID, seg.Base, seg.Size)
	return nil
}
