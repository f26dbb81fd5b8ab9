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

import (
	"os"
	"strconv"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opengds/gds-shmem/pkg/keyval"
)

const (
	// pkgName and moduleName form the backing-file name pattern
	// <basedir>/<pkgName>-gds-<moduleName>.<host>-<nsid>.<role>.<pid>.
	pkgName    = "opengds"
	moduleName = "shmem"

	// defaultPriority is the module's standing in component selection
	// when the caller expresses no preference.
	defaultPriority = 20
	maxPriority     = 100
)

// JobDataSource supplies the complete set of collected job-level records
// for a namespace. The host framework implements it; the store encoder
// walks its output into the shared segment.
type JobDataSource interface {
	FetchJobData(nspace string) ([]keyval.Pair, error)
}

// Config carries the module's tunables. The zero value is usable: the
// segment-size multiplier falls back to the environment and then to 1.0,
// and the otel hooks stay disabled when nil.
type Config struct {
	// Source provides collected job metadata on the server side.
	Source JobDataSource

	// SizeMultiplier scales every computed segment-size estimate.
	// Zero means "use GDS_SHMEM_SEGMENT_SIZE_MULTIPLIER or 1.0".
	SizeMultiplier float64

	// Hostname overrides os.Hostname in backing-file names. Tests use
	// this for deterministic paths.
	Hostname string

	// Meter and Tracer enable optional otel instrumentation.
	Meter  metric.Meter
	Tracer trace.Tracer
}

func (c *Config) sizeMultiplier() float64 {
	if c.SizeMultiplier > 0 {
		return c.SizeMultiplier
	}
	if v := os.Getenv("GDS_SHMEM_SEGMENT_SIZE_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
		internalLogger.Warnf("ignoring invalid GDS_SHMEM_SEGMENT_SIZE_MULTIPLIER=%q", v)
	}
	return 1.0
}

func (c *Config) hostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
