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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/keyval"
)

// fakeTracker fabricates a tracker whose segment looks created and
// mapped, without touching the kernel.
func fakeTracker(nsID string, id SegmentID, path string, size uint64, base uintptr) *jobTracker {
	job := newJobTracker(nsID)
	seg := job.segment(id)
	seg.Path = path
	seg.Size = size
	seg.Base = base
	job.setStatus(id, StatusAttached|StatusReadyForUse|StatusRelease)
	return job
}

func TestConnectionInfoRoundTrip(t *testing.T) {
	job := fakeTracker("job.42", JobDataSegment,
		"/tmp/foo-gds-shmem.host1-job.42.jobdata.1234", 0x2000, 0x7f0000000000)

	buf := codec.NewBuffer()
	defer buf.Release()
	require.NoError(t, packConnectionInfo(job, JobDataSegment, buf))

	got, err := unpackConnectionInfo(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "job.42", got.nsID)
	assert.Equal(t, JobDataSegment, got.smID)
	assert.Equal(t, "/tmp/foo-gds-shmem.host1-job.42.jobdata.1234", got.segPath)
	assert.Equal(t, uint64(0x2000), got.segSize)
	assert.Equal(t, uint64(0x7f0000000000), got.segAddr)
}

func TestConnectionInfoWireEncoding(t *testing.T) {
	job := fakeTracker("job.42", ModexDataSegment, "/tmp/p", 0x2000, 0x7f0000000000)

	buf := codec.NewBuffer()
	defer buf.Release()
	require.NoError(t, packConnectionInfo(job, ModexDataSegment, buf))

	pairs, err := unpackAll(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, pairs, 5)

	byKey := map[string]string{}
	for _, p := range pairs {
		require.Equal(t, keyval.TypeString, p.Value.Type, "key %s", p.Key)
		byKey[p.Key] = p.Value.Str
	}
	assert.Equal(t, "1", byKey[segSmidKey], "segment id travels in decimal")
	assert.Equal(t, "2000", byKey[segSizeKey], "size travels in bare lowercase hex")
	assert.Equal(t, "7f0000000000", byKey[segAddrKey], "address travels in bare lowercase hex")
}

func TestUnpackConnectionInfoEmptyBlobSucceeds(t *testing.T) {
	got, err := unpackConnectionInfo(nil)
	require.NoError(t, err)
	assert.Equal(t, InvalidSegment, got.smID)
}

func TestUnpackConnectionInfoUnexpectedKey(t *testing.T) {
	buf := codec.NewBuffer()
	defer buf.Release()
	require.NoError(t, buf.Pack(keyval.String(segNsidKey, "job.42")))
	require.NoError(t, buf.Pack(keyval.String("BOGUS", "zzz")))
	require.NoError(t, buf.Pack(keyval.String(segPathKey, "/tmp/p")))

	_, err := unpackConnectionInfo(buf.Bytes())
	assert.ErrorIs(t, err, ErrBadParameter)
}

func TestUnpackConnectionInfoWrongValueType(t *testing.T) {
	buf := codec.NewBuffer()
	defer buf.Release()
	require.NoError(t, buf.Pack(keyval.Uint64(segSizeKey, 0x2000)))

	_, err := unpackConnectionInfo(buf.Bytes())
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestUnpackConnectionInfoTruncated(t *testing.T) {
	buf := codec.NewBuffer()
	defer buf.Release()
	require.NoError(t, buf.Pack(keyval.String(segNsidKey, "job.42")))

	_, err := unpackConnectionInfo(buf.Bytes()[:buf.Len()-3])
	assert.ErrorIs(t, err, ErrUnpackFailure)
}

func TestUnpackConnectionInfoMalformedNumbers(t *testing.T) {
	for _, bad := range []string{"", "0x2000", "20 00", "-1", "zz", "1ffffffffffffffff"} {
		buf := codec.NewBuffer()
		require.NoError(t, buf.Pack(keyval.String(segSizeKey, bad)))
		_, err := unpackConnectionInfo(buf.Bytes())
		assert.ErrorIs(t, err, ErrBadParameter, "size %q", bad)
		buf.Release()
	}

	buf := codec.NewBuffer()
	defer buf.Release()
	require.NoError(t, buf.Pack(keyval.String(segSmidKey, "ff")))
	_, err := unpackConnectionInfo(buf.Bytes())
	assert.ErrorIs(t, err, ErrBadParameter, "segment id must be decimal")
}

func TestPackSegmentBlobsSkipsUnreadySegments(t *testing.T) {
	job := fakeTracker("job.42", JobDataSegment, "/tmp/p", 0x2000, 0x7f0000000000)
	// Modex segment exists but was never marked ready.
	job.segment(ModexDataSegment).Path = "/tmp/q"
	job.setStatus(ModexDataSegment, StatusAttached)

	reply := codec.NewBuffer()
	defer reply.Release()
	require.NoError(t, packSegmentBlobs(job, reply))

	pairs, err := unpackAll(reply.Bytes())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, segBlobKey, pairs[0].Key)

	info, err := unpackConnectionInfo(pairs[0].Value.Bytes)
	require.NoError(t, err)
	assert.Equal(t, JobDataSegment, info.smID)
}
