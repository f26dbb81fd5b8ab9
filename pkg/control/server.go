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
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/gds"
)

// Server answers control requests on a unix socket, handing each
// connection to a bounded worker pool. Every worker drives one client:
// requests are decoded, dispatched to the store module, and the responses
// drained to the socket from a per-connection outbound queue.
type Server struct {
	path string
	mod  *gds.Module
	ln   net.Listener
	pool *ants.Pool
}

// NewServer binds the socket and builds the worker pool. A stale socket
// file from a dead server is removed first.
func NewServer(path string, mod *gds.Module, workers int) (*Server, error) {
	safeRemoveSocket(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("control: worker pool: %w", err)
	}
	return &Server{path: path, mod: mod, ln: ln, pool: pool}, nil
}

// Serve accepts connections until Close. It returns nil on a clean
// shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		c := conn
		if err := s.pool.Submit(func() { s.handleConn(c) }); err != nil {
			internalLogger.Warnf("rejecting connection, worker pool: %v", err)
			closeConn(c)
		}
	}
}

// Close stops accepting, releases the workers, and removes the socket.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.pool.Release()
	safeRemoveSocket(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	outbox := queuepkg.New(16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			items, err := outbox.Get(1)
			if err != nil {
				return
			}
			f := items[0].(frame)
			if werr := writeFrame(conn, f); werr != nil {
				internalLogger.Tracef("control write: %v", werr)
				return
			}
		}
	}()

	for {
		f, err := readFrame(conn)
		if err != nil {
			break
		}
		if perr := outbox.Put(s.dispatch(f)); perr != nil {
			break
		}
	}
	outbox.Dispose()
	<-done
	closeConn(conn)
}

func (s *Server) dispatch(f frame) frame {
	switch f.typ {
	case msgRegister:
		return s.handleRegister(f.payload)
	case msgStoreModex:
		return s.handleStoreModex(f.payload)
	case msgModexComplete:
		return s.handleModexComplete(f.payload)
	default:
		return errorFrame(fmt.Errorf("unknown message type %d", f.typ))
	}
}

func (s *Server) handleRegister(payload []byte) frame {
	var peer gds.Peer
	buf := codec.Load(payload)
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			break
		}
		if err != nil {
			return errorFrame(err)
		}
		switch p.Key {
		case reqNspaceKey:
			peer.Nspace = p.Value.Str
		case reqRankKey:
			peer.Rank = p.Value.U32
		}
	}
	if peer.Nspace == "" {
		return errorFrame(errors.New("register without a namespace"))
	}

	reply := codec.NewBuffer()
	defer reply.Release()
	if err := s.mod.RegisterJobInfo(context.Background(), peer, reply); err != nil {
		return errorFrame(err)
	}
	return frame{typ: msgPayload, payload: append([]byte(nil), reply.Bytes()...)}
}

func (s *Server) handleStoreModex(payload []byte) frame {
	var nspace string
	var blob []byte
	buf := codec.Load(payload)
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			break
		}
		if err != nil {
			return errorFrame(err)
		}
		switch p.Key {
		case reqNspaceKey:
			nspace = p.Value.Str
		case reqBlobKey:
			blob = p.Value.Bytes
		}
	}
	if err := s.mod.StoreModex(context.Background(), nspace, codec.Load(blob)); err != nil {
		return errorFrame(err)
	}
	return frame{typ: msgPayload}
}

func (s *Server) handleModexComplete(payload []byte) frame {
	var nspaces []string
	buf := codec.Load(payload)
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			break
		}
		if err != nil {
			return errorFrame(err)
		}
		if p.Key == reqNspaceKey {
			nspaces = append(nspaces, p.Value.Str)
		}
	}
	reply := codec.NewBuffer()
	defer reply.Release()
	if err := s.mod.MarkModexComplete(context.Background(), nspaces, reply); err != nil {
		return errorFrame(err)
	}
	return frame{typ: msgPayload, payload: append([]byte(nil), reply.Bytes()...)}
}

// safeRemoveSocket unlinks a unix socket path, reporting whether a file
// was actually removed.
func safeRemoveSocket(path string) bool {
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			internalLogger.Warnf("removing socket %s: %v", path, err)
		}
		return false
	}
	return true
}
