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

import "errors"

var (
	// ErrNotSupported marks operations this module intentionally does
	// not implement.
	ErrNotSupported = errors.New("gds: operation not supported")

	// ErrNotFound is a tracker or key lookup miss when creation is
	// disallowed.
	ErrNotFound = errors.New("gds: not found")

	// ErrTypeMismatch means a decoded value carried the wrong wire type.
	ErrTypeMismatch = errors.New("gds: value type mismatch")

	// ErrBadParameter covers unexpected keys during decode and malformed
	// numeric fields.
	ErrBadParameter = errors.New("gds: bad parameter")

	// ErrOutOfMemory is an allocation failure while building an outgoing
	// message. Arena exhaustion is not reported through this error;
	// see tma.Malloc.
	ErrOutOfMemory = errors.New("gds: out of memory")

	// ErrUnpackFailure means a decode loop stopped on something other
	// than a clean end-of-buffer.
	ErrUnpackFailure = errors.New("gds: unpack failure")

	// ErrTableFull means the arena-resident hash table ran out of slots.
	// The sizing policy is supposed to make this unreachable.
	ErrTableFull = errors.New("gds: shared hash table full")
)
