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

import "github.com/prometheus/client_golang/prometheus"

var (
	segmentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gds_shmem_segments_created_total",
		Help: "Shared-memory segments created, by role.",
	}, []string{"role"})

	segmentBytesUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gds_shmem_segment_bytes_used",
		Help: "Arena bytes consumed inside a segment.",
	}, []string{"namespace", "role"})

	segmentUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gds_shmem_segment_utilization_percent",
		Help: "Arena bytes consumed as a percentage of segment size.",
	}, []string{"namespace", "role"})

	payloadDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gds_shmem_payload_deliveries_total",
		Help: "Connection payloads delivered to local clients.",
	})

	cachedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gds_shmem_cached_payload_deliveries_total",
		Help: "Deliveries served from a namespace's cached payload.",
	})
)

func init() {
	prometheus.MustRegister(
		segmentsCreated,
		segmentBytesUsed,
		segmentUtilization,
		payloadDeliveries,
		cachedDeliveries,
	)
}
