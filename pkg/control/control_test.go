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

package control

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/gds"
	"github.com/opengds/gds-shmem/pkg/keyval"
)

type mapSource map[string][]keyval.Pair

func (s mapSource) FetchJobData(nspace string) ([]keyval.Pair, error) {
	p, ok := s[nspace]
	if !ok {
		return nil, fmt.Errorf("no data for %s", nspace)
	}
	return p, nil
}

func startTestServer(t *testing.T) (*Server, *gds.Module, string) {
	t.Helper()
	dir := t.TempDir()
	mod := gds.New(gds.Config{
		Source: mapSource{
			"job.7": {
				keyval.String(keyval.KeyTmpdir, dir),
				keyval.String("job.key", "job.value"),
			},
		},
		Hostname: "testhost",
	})
	require.NoError(t, mod.Init())
	require.NoError(t, mod.AddNamespace("job.7", 2, 4))

	sock := filepath.Join(dir, "gds.sock")
	srv, err := NewServer(sock, mod, 4)
	require.NoError(t, err)
	go func() {
		if serr := srv.Serve(); serr != nil {
			t.Errorf("serve: %v", serr)
		}
	}()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, mod.Finalize())
	})
	return srv, mod, sock
}

func TestRegisterOverSocket(t *testing.T) {
	_, _, sock := startTestServer(t)

	c1, err := Dial(sock)
	require.NoError(t, err)
	defer c1.Close()

	payload1, err := c1.Register("job.7", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, payload1)

	// A second client gets the cached payload, byte for byte.
	c2, err := Dial(sock)
	require.NoError(t, err)
	defer c2.Close()
	payload2, err := c2.Register("job.7", 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload1, payload2))

	_, err = c1.Register("no.such.job", 0)
	assert.Error(t, err, "unknown namespaces surface as remote errors")
}

func TestModexOverSocket(t *testing.T) {
	_, mod, sock := startTestServer(t)

	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	// Job data must exist first so the modex segment can find its
	// backing directory.
	_, err = c.Register("job.7", 0)
	require.NoError(t, err)

	contrib := codec.NewBuffer()
	defer contrib.Release()
	require.NoError(t, gds.PackModexContribution(contrib, 2, []keyval.Pair{
		keyval.String("endpoint", "shm://rank2"),
	}))
	require.NoError(t, c.StoreModex("job.7", contrib.Bytes()))

	got, err := mod.Fetch(gds.Peer{Nspace: "job.7", Rank: 2}, "endpoint")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shm://rank2", got[0].Value.Str)

	done, err := c.ModexComplete("job.7")
	require.NoError(t, err)
	assert.NotEmpty(t, done)

	_, err = c.ModexComplete("ghost")
	assert.Error(t, err)
}

func TestDialRetriesUntilServerIsUp(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "late.sock")

	ready := make(chan *Server, 1)
	go func() {
		mod := gds.New(gds.Config{})
		srv, err := NewServer(sock, mod, 1)
		if err != nil {
			t.Errorf("late server: %v", err)
			return
		}
		go func() { _ = srv.Serve() }()
		ready <- srv
	}()

	c, err := Dial(sock)
	require.NoError(t, err, "dial must outlast server startup")
	defer c.Close()
	srv := <-ready
	defer srv.Close()
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := frame{typ: msgPayload, payload: []byte("abc")}
	require.NoError(t, writeFrame(&buf, in))
	out, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, writeFrame(&buf, frame{typ: msgPayload, payload: make([]byte, maxFrameSize+1)}), ErrFrameTooLarge)

	// A forged header must be rejected before any allocation.
	hdr := []byte{0xff, 0xff, 0xff, 0xff, msgPayload}
	_, err := readFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
