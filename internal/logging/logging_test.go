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

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelGating(t *testing.T) {
	old := level
	defer SetLevel(old)

	var buf bytes.Buffer
	l := New("test")
	l.out = &buf

	SetLevel(LevelWarn)
	l.Infof("hidden")
	assert.Empty(t, buf.String())

	l.Warnf("visible %d", 1)
	out := buf.String()
	assert.Contains(t, out, "Warn")
	assert.Contains(t, out, "visible 1")
	assert.Contains(t, out, "test")
	assert.Contains(t, out, "logging_test.go")

	SetLevel(LevelNoPrint)
	buf.Reset()
	l.Errorf("silent")
	assert.Empty(t, buf.String())
}

func TestSetLevelRejectsOutOfRange(t *testing.T) {
	old := level
	defer SetLevel(old)

	SetLevel(LevelInfo)
	SetLevel(LevelNoPrint + 5)
	assert.Equal(t, LevelInfo, level)
}
