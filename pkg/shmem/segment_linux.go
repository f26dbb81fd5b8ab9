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

package shmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapAt maps the file at the requested address. The address is a hint, not
// MAP_FIXED: we must not clobber an existing mapping, and a divergent
// result is detected and reported by the caller instead.
func mapAt(fd int, addr uintptr, size uint64) (uintptr, error) {
	p, err := unix.MmapPtr(fd, 0, unsafe.Pointer(addr), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

func unmapAt(addr uintptr, size uint64) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

func protectReadOnly(addr uintptr, size uint64) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Mprotect(mem, unix.PROT_READ)
}
