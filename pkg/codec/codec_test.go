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

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengds/gds-shmem/pkg/keyval"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	in := []keyval.Pair{
		keyval.String("str", "value"),
		keyval.Bytes("bytes", []byte{1, 2, 3}),
		keyval.Uint32("u32", 42),
		keyval.Uint64("u64", 1<<40),
		keyval.Bool("flag", true),
		keyval.InfoArray("node.info.array",
			keyval.String("hostname", "node-0"),
			keyval.Uint32("nodeid", 7),
		),
		keyval.ProcData(
			keyval.RankData{Rank: 0, Pairs: []keyval.Pair{keyval.String("uri", "tcp://a")}},
			keyval.RankData{Rank: 1, Pairs: []keyval.Pair{keyval.String("uri", "tcp://b")}},
		),
	}

	b := NewBuffer()
	defer b.Release()
	for _, p := range in {
		require.NoError(t, b.Pack(p))
	}

	r := Load(b.Bytes())
	var out []keyval.Pair
	for {
		p, err := r.Unpack()
		if err == ErrEndOfBuffer {
			break
		}
		require.NoError(t, err)
		out = append(out, p)
	}
	assert.Equal(t, in, out)
}

func TestUnpackEmptyBufferIsEndOfBuffer(t *testing.T) {
	r := Load(nil)
	_, err := r.Unpack()
	assert.ErrorIs(t, err, ErrEndOfBuffer)
}

func TestUnpackTruncated(t *testing.T) {
	b := NewBuffer()
	defer b.Release()
	require.NoError(t, b.Pack(keyval.String("key", "a long enough value")))

	for cut := 1; cut < b.Len(); cut++ {
		r := Load(b.Bytes()[:cut])
		_, err := r.Unpack()
		require.Errorf(t, err, "cut=%d", cut)
		require.NotErrorIsf(t, err, ErrEndOfBuffer,
			"cut=%d: truncation must not look like clean termination", cut)
	}
}

func TestUnpackBadType(t *testing.T) {
	b := NewBuffer()
	defer b.Release()
	require.NoError(t, b.Pack(keyval.String("k", "v")))
	raw := append([]byte(nil), b.Bytes()...)
	// Corrupt the type byte: u16 keylen + "k" puts it at offset 3.
	raw[3] = 0xee
	_, err := Load(raw).Unpack()
	assert.ErrorIs(t, err, ErrBadType)
}

// A corrupt element count must fail as a truncated stream, not drive an
// allocation sized by attacker-controlled bytes.
func TestUnpackCorruptElementCount(t *testing.T) {
	corruptCount := func(t *testing.T, p keyval.Pair, off int) {
		t.Helper()
		b := NewBuffer()
		defer b.Release()
		require.NoError(t, b.Pack(p))
		raw := append([]byte(nil), b.Bytes()...)
		for i := 0; i < 4; i++ {
			raw[off+i] = 0xff
		}
		_, err := Load(raw).Unpack()
		assert.ErrorIs(t, err, ErrTruncated)
	}

	// u16 keylen + "k" + type byte put the count at offset 4.
	corruptCount(t, keyval.InfoArray("k", keyval.Uint32("m", 1)), 4)
	// ProcData packs under the fixed key, so its count sits past that header.
	procCountOff := 2 + len(keyval.KeyProcData) + 1
	corruptCount(t, keyval.ProcData(
		keyval.RankData{Rank: 0, Pairs: []keyval.Pair{keyval.Uint32("m", 1)}},
	), procCountOff)
	// Per-rank pair count: 4 count bytes + 4 rank bytes further in.
	corruptCount(t, keyval.ProcData(
		keyval.RankData{Rank: 0, Pairs: []keyval.Pair{keyval.Uint32("m", 1)}},
	), procCountOff+8)
}

func TestCopyPayload(t *testing.T) {
	src := NewBuffer()
	defer src.Release()
	require.NoError(t, src.Pack(keyval.String("k", "v")))

	dst := NewBuffer()
	defer dst.Release()
	dst.CopyPayload(src)
	dst.CopyPayload(src)
	assert.Equal(t, 2*src.Len(), dst.Len())

	p, err := Load(dst.Bytes()).Unpack()
	require.NoError(t, err)
	assert.Equal(t, "k", p.Key)
}
