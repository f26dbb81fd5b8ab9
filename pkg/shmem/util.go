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

package shmem

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
)

// PathExists reports whether path names an existing file.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// canBackOnFilesystem checks that the filesystem holding path has room for
// a backing file of the given size. tmpfs mounts like /dev/shm fail hard
// at page-fault time when overcommitted, so refuse up front. On platforms
// without usable statfs data this always allows the creation.
func canBackOnFilesystem(size uint64, path string) bool {
	if runtime.GOOS != "linux" {
		return true
	}
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		// Can't tell; let the truncate surface the real failure.
		return true
	}
	return usage.Free >= size
}
