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
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exists")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.True(t, PathExists(path))
	assert.False(t, PathExists(path+".missing"))
}

func TestCanBackOnFilesystem(t *testing.T) {
	if runtime.GOOS != "linux" {
		assert.True(t, canBackOnFilesystem(1<<40, "anywhere"))
		return
	}
	dir := t.TempDir()
	usage, err := disk.Usage(dir)
	require.NoError(t, err)

	assert.True(t, canBackOnFilesystem(usage.Free, filepath.Join(dir, "fits")))
	assert.False(t, canBackOnFilesystem(usage.Free*2+1, filepath.Join(dir, "toolarge")))

	// Unstattable parents defer to the real create.
	assert.True(t, canBackOnFilesystem(1, "/no/such/dir/file"))
}
