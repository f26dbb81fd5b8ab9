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

//go:build !linux

package shmem

import "errors"

var errUnsupported = errors.New("shmem: fixed-address mappings are only supported on linux")

func mapAt(fd int, addr uintptr, size uint64) (uintptr, error) {
	return 0, errUnsupported
}

func unmapAt(addr uintptr, size uint64) error {
	return errUnsupported
}

func protectReadOnly(addr uintptr, size uint64) error {
	return errUnsupported
}
