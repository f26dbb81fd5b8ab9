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

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/keyval"
)

// Client is one process's connection to the control server. Requests are
// strictly serialized; the protocol is one reply per request.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// dialBackoff retries while the server is still coming up: clients are
// commonly launched in the same instant as the server that feeds them.
func dialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Dial connects to the control socket, retrying until the server answers
// or the backoff budget runs out.
func Dial(path string) (*Client, error) {
	var conn net.Conn
	err := backoff.Retry(func() error {
		var derr error
		conn, derr = net.Dial("unix", path)
		if derr == nil {
			return nil
		}
		if errors.Is(derr, os.ErrNotExist) || errors.Is(derr, syscall.ECONNREFUSED) {
			return derr
		}
		return backoff.Permanent(derr)
	}, dialBackoff())
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends one frame and waits for its reply.
func (c *Client) roundTrip(req frame) (frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return frame{}, ErrClosed
	}
	if err := writeFrame(c.conn, req); err != nil {
		return frame{}, err
	}
	resp, err := readFrame(c.conn)
	if err != nil {
		return frame{}, err
	}
	if resp.typ == msgError {
		return frame{}, remoteErr(resp.payload)
	}
	return resp, nil
}

// Register asks the server for this process's connection payload. The
// returned bytes feed gds.Module.StoreJobInfo.
func (c *Client) Register(nspace string, rank uint32) ([]byte, error) {
	req := codec.NewBuffer()
	defer req.Release()
	if err := req.Pack(keyval.String(reqNspaceKey, nspace)); err != nil {
		return nil, err
	}
	if err := req.Pack(keyval.Uint32(reqRankKey, rank)); err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(frame{typ: msgRegister, payload: req.Bytes()})
	if err != nil {
		return nil, err
	}
	return resp.payload, nil
}

// StoreModex ships one packed modex contribution to the server.
func (c *Client) StoreModex(nspace string, blob []byte) error {
	req := codec.NewBuffer()
	defer req.Release()
	if err := req.Pack(keyval.String(reqNspaceKey, nspace)); err != nil {
		return err
	}
	if err := req.Pack(keyval.Bytes(reqBlobKey, blob)); err != nil {
		return err
	}
	_, err := c.roundTrip(frame{typ: msgStoreModex, payload: req.Bytes()})
	return err
}

// ModexComplete declares the exchange finished and returns the payload
// describing the modex segments. The bytes feed
// gds.Module.RecvModexComplete.
func (c *Client) ModexComplete(nspaces ...string) ([]byte, error) {
	req := codec.NewBuffer()
	defer req.Release()
	for _, ns := range nspaces {
		if err := req.Pack(keyval.String(reqNspaceKey, ns)); err != nil {
			return nil, err
		}
	}
	resp, err := c.roundTrip(frame{typ: msgModexComplete, payload: req.Bytes()})
	if err != nil {
		return nil, err
	}
	return resp.payload, nil
}
