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

// Package shmem manages file-backed shared-memory segments that are mapped
// at caller-chosen virtual addresses. The data published inside a segment
// is only coherent across processes if every attacher maps at the same
// base address, so Attach fails hard when the kernel maps elsewhere.
package shmem

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrAddressMismatch means the kernel honored the mapping but at a
	// different address than requested. Not retryable: the peers have
	// already agreed on the requested address.
	ErrAddressMismatch = errors.New("shmem: segment attached at unexpected address")

	// ErrNotAttached is returned when an operation needs a live mapping.
	ErrNotAttached = errors.New("shmem: segment not attached")

	// ErrNoSpace means the filesystem backing the segment directory does
	// not have enough free space for the requested size.
	ErrNoSpace = errors.New("shmem: insufficient free space for backing file")
)

// Segment is one shared-memory mapping plus its backing store.
type Segment struct {
	// Path of the backing file.
	Path string
	// Size in bytes, already padded to a page boundary.
	Size uint64
	// Base is the virtual address of the current mapping, zero when
	// detached.
	Base uintptr

	file        *os.File
	attached    bool
	creatorOwns bool
}

// New returns an empty, not-yet-sized segment handle.
func New() *Segment {
	return &Segment{}
}

// Attached reports whether the segment currently has a live mapping.
func (s *Segment) Attached() bool { return s.attached }

// CreatorOwns reports whether this process created the backing file and is
// therefore responsible for unlinking it.
func (s *Segment) CreatorOwns() bool { return s.creatorOwns }

// Create makes the backing file for a segment of at least size bytes. The
// size is padded up to a full page. The creating process owns the backing
// store; it still has to Attach before using the memory.
func (s *Segment) Create(size uint64, path string) error {
	real := padToPage(size)
	if !canBackOnFilesystem(real, path) {
		return fmt.Errorf("%w: path %s, size %d", ErrNoSpace, path, real)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("shmem: create backing file: %w", err)
	}
	if err := f.Truncate(int64(real)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("shmem: size backing file: %w", err)
	}
	s.file = f
	s.Path = path
	s.Size = real
	s.creatorOwns = true
	return nil
}

// Open prepares an existing backing file for attachment. Used by peers
// that learned the path from a connection blob.
func (s *Segment) Open(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("shmem: open backing file: %w", err)
	}
	s.file = f
	s.Path = path
	s.Size = padToPage(size)
	return nil
}

// Attach maps the segment at exactly reqAddr. On success the segment's
// Base is reqAddr. If the kernel picks a different address the mapping is
// torn down and ErrAddressMismatch is returned together with both
// addresses; a half-mapped segment is never left behind.
func (s *Segment) Attach(reqAddr uintptr) error {
	if s.file == nil {
		return fmt.Errorf("shmem: attach: %w", os.ErrInvalid)
	}
	got, err := mapAt(int(s.file.Fd()), reqAddr, s.Size)
	if err != nil {
		return fmt.Errorf("shmem: mmap: %w", err)
	}
	if got != reqAddr {
		_ = unmapAt(got, s.Size)
		return fmt.Errorf("%w: requested=0x%x actual=0x%x",
			ErrAddressMismatch, reqAddr, got)
	}
	s.Base = got
	s.attached = true
	return nil
}

// Detach unmaps the segment. The backing file stays in place.
func (s *Segment) Detach() error {
	if !s.attached {
		return nil
	}
	err := unmapAt(s.Base, s.Size)
	s.Base = 0
	s.attached = false
	if err != nil {
		return fmt.Errorf("shmem: munmap: %w", err)
	}
	return nil
}

// ProtectReadOnly drops write permission on the mapping. Clients attach to
// segments they must never mutate; this turns that discipline invariant
// into a hardware one.
func (s *Segment) ProtectReadOnly() error {
	if !s.attached {
		return ErrNotAttached
	}
	return protectReadOnly(s.Base, s.Size)
}

// Release detaches, closes, and, when this process created the segment,
// removes the backing file.
func (s *Segment) Release() error {
	err := s.Detach()
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.file = nil
	}
	if s.creatorOwns && s.Path != "" {
		if rerr := os.Remove(s.Path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

func padToPage(size uint64) uint64 {
	page := uint64(os.Getpagesize())
	return (size + page - 1) &^ (page - 1)
}
