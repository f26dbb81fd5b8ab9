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

import "github.com/opengds/gds-shmem/internal/logging"

var internalLogger = logging.New("gds")

// SetLogLevel adjusts the module's internal log level; the default is
// Warn, and GDS_SHMEM_LOG_LEVEL sets the same value at startup.
func SetLogLevel(l int) {
	logging.SetLevel(l)
}
