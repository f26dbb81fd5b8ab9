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

// Package control carries the small messages that bootstrap shared-memory
// access: registration requests, connection payloads, and modex traffic.
// The actual job data never crosses this channel; a payload only tells a
// client where to map the segment that holds it.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/opengds/gds-shmem/internal/logging"
)

var internalLogger = logging.New("control")

// Message types on the wire.
const (
	msgRegister byte = iota + 1
	msgPayload
	msgStoreModex
	msgModexComplete
	msgError
)

// maxFrameSize bounds a single control message. Payloads describe
// segments instead of carrying data, so frames stay small; anything
// larger is a corrupt stream.
const maxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge means a frame header exceeded maxFrameSize.
	ErrFrameTooLarge = errors.New("control: frame exceeds size limit")

	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("control: connection closed")
)

// Request field keys. Requests reuse the payload codec so both ends share
// one wire format.
const (
	reqNspaceKey = "nspace"
	reqRankKey   = "rank"
	reqBlobKey   = "blob"
)

type frame struct {
	typ     byte
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(f.payload)))
	hdr[4] = f.typ
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(f.payload)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[:4])
	if n > maxFrameSize {
		return frame{}, ErrFrameTooLarge
	}
	f := frame{typ: hdr[4], payload: make([]byte, n)}
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, err
	}
	return f, nil
}

func errorFrame(err error) frame {
	return frame{typ: msgError, payload: []byte(err.Error())}
}

// closeConn logs instead of propagating: the peer may already be gone.
func closeConn(c net.Conn) {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		internalLogger.Tracef("closing control connection: %v", err)
	}
}

func remoteErr(payload []byte) error {
	return fmt.Errorf("control: server: %s", payload)
}
