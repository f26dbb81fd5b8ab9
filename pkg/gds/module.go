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

// Package gds distributes job metadata among the processes of one host
// through shared-memory segments. The server collects the data once,
// lays it out in a segment mapped at a negotiated address, and hands each
// local client a small connection payload instead of the data itself;
// clients then resolve every lookup with direct reads of shared memory.
package gds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/keyval"
)

// Module is one process's handle on the shared-memory data store. A
// process is either the host server for its node or a client of it; the
// same type serves both roles, servers using the Register/Store entry
// points and clients the Store*Info receivers plus Fetch.
type Module struct {
	cfg      Config
	jobs     cmap.ConcurrentMap[string, *jobTracker]
	nspaces  cmap.ConcurrentMap[string, *Namespace]
	delivers metric.Int64Counter
}

// New builds a Module. Call Init before use.
func New(cfg Config) *Module {
	m := &Module{
		cfg:     cfg,
		jobs:    cmap.New[*jobTracker](),
		nspaces: cmap.New[*Namespace](),
	}
	if cfg.Meter != nil {
		var err error
		m.delivers, err = cfg.Meter.Int64Counter("gds.shmem.payload.deliveries")
		if err != nil {
			internalLogger.Warnf("creating delivery counter: %v", err)
		}
	}
	return m
}

// Name returns the module's selection name.
func (m *Module) Name() string { return moduleName }

// Init prepares the module for use.
func (m *Module) Init() error {
	internalLogger.Debugf("%s/%s initialized", pkgName, moduleName)
	return nil
}

// Finalize releases every tracked namespace and its segments.
func (m *Module) Finalize() error {
	for item := range m.jobs.IterBuffered() {
		item.Val.release()
	}
	m.jobs.Clear()
	for item := range m.nspaces.IterBuffered() {
		item.Val.releaseCache()
	}
	m.nspaces.Clear()
	internalLogger.Debugf("%s/%s finalized", pkgName, moduleName)
	return nil
}

// AssignPriority reports the module's standing for component selection.
// A directive naming specific modules (comma-separated under the "gds"
// key) either promotes this module to the top or rules it out entirely;
// absent directives yield the default priority.
func AssignPriority(directives []keyval.Pair) (priority int, selectable bool) {
	for i := range directives {
		if directives[i].Key != "gds" || directives[i].Value.Type != keyval.TypeString {
			continue
		}
		for _, want := range strings.Split(directives[i].Value.Str, ",") {
			if strings.TrimSpace(want) == moduleName {
				return maxPriority, true
			}
		}
		return 0, false
	}
	return defaultPriority, true
}

// CacheJobInfo is intentionally unimplemented: job data goes straight to
// the shared segment when the first client registers, there is nothing to
// stage in local memory beforehand.
func (m *Module) CacheJobInfo(nspace string, pairs []keyval.Pair) error {
	return ErrNotSupported
}

// tracker returns the jobTracker for nspace, creating it if needed.
func (m *Module) tracker(nspace string) *jobTracker {
	if job, ok := m.jobs.Get(nspace); ok {
		return job
	}
	job := newJobTracker(nspace)
	if !m.jobs.SetIfAbsent(nspace, job) {
		job, _ = m.jobs.Get(nspace)
	}
	return job
}

// namespace returns the Namespace record, creating an empty one if the
// host never announced it.
func (m *Module) namespace(name string) *Namespace {
	if ns, ok := m.nspaces.Get(name); ok {
		return ns
	}
	ns := &Namespace{Name: name}
	if !m.nspaces.SetIfAbsent(name, ns) {
		ns, _ = m.nspaces.Get(name)
	}
	return ns
}

// AddNamespace announces a job to this host: its name, how many of its
// processes run locally, and its total size. The counts drive delivery
// caching and modex segment sizing.
func (m *Module) AddNamespace(name string, nLocalProcs, nProcs uint32) error {
	if name == "" {
		return fmt.Errorf("%w: empty namespace name", ErrBadParameter)
	}
	ns := m.namespace(name)
	ns.mu.Lock()
	ns.NLocalProcs = nLocalProcs
	ns.NProcs = nProcs
	ns.mu.Unlock()
	internalLogger.Debugf("added namespace %s: nlocalprocs=%d nprocs=%d", name, nLocalProcs, nProcs)
	return nil
}

// DelNamespace tears down everything held for a job: cached payloads, the
// mappings, and the backing files this process created.
func (m *Module) DelNamespace(name string) error {
	if job, ok := m.jobs.Get(name); ok {
		job.release()
		m.jobs.Remove(name)
	}
	if ns, ok := m.nspaces.Get(name); ok {
		ns.releaseCache()
		m.nspaces.Remove(name)
	}
	return nil
}

// RegisterJobInfo handles one local client's registration on the server.
// The first registration for a namespace pays for everything: collecting
// the job data, sizing and creating the segment, and encoding it. The
// packed connection payload is appended to reply and, when more local
// clients are expected, retained so the later ones are served from cache.
func (m *Module) RegisterJobInfo(ctx context.Context, peer Peer, reply *codec.Buffer) error {
	ctx, end := m.startSpan(ctx, "gds.shmem.register_job_info")
	defer end()

	ns := m.namespace(peer.Nspace)
	if ns.copyCachedPayload(reply) {
		cachedDeliveries.Inc()
		m.noteDelivered(ctx, ns)
		internalLogger.Tracef("served %s rank %d from cached payload", peer.Nspace, peer.Rank)
		return nil
	}

	job := m.tracker(peer.Nspace)
	if err := m.ensureJobSegment(job); err != nil {
		return err
	}

	if err := packSegmentBlobs(job, reply); err != nil {
		return err
	}
	if ns.NLocalProcs > 1 {
		cache := codec.NewBuffer()
		cache.CopyPayload(reply)
		ns.setCachedPayload(cache)
	}
	m.noteDelivered(ctx, ns)
	return nil
}

// ensureJobSegment populates the job-data segment on the first
// registration for a namespace. Registrations arrive on concurrent
// connections; the first one in pays for collecting, sizing, and encoding
// while the rest wait here and find the segment ready.
func (m *Module) ensureJobSegment(job *jobTracker) error {
	job.populateMu.Lock()
	defer job.populateMu.Unlock()
	if job.hasStatus(JobDataSegment, StatusReadyForUse) {
		return nil
	}
	if m.cfg.Source == nil {
		return fmt.Errorf("%w: no job data source configured", ErrBadParameter)
	}
	pairs, err := m.cfg.Source.FetchJobData(job.nsID)
	if err != nil {
		return fmt.Errorf("gds: collecting job data for %s: %w", job.nsID, err)
	}
	if err := m.prepareJobSegment(job, pairs); err != nil {
		return err
	}
	if err := m.storeJobData(job, pairs); err != nil {
		return err
	}
	job.setStatus(JobDataSegment, StatusReadyForUse)
	return nil
}

func (m *Module) noteDelivered(ctx context.Context, ns *Namespace) {
	payloadDeliveries.Inc()
	if m.delivers != nil {
		m.delivers.Add(ctx, 1)
	}
	if ns.noteDelivery() {
		internalLogger.Debugf("all %d local clients of %s served, dropping cached payload",
			ns.NLocalProcs, ns.Name)
	}
}

// StoreJobInfo consumes a connection payload on the client: every record
// must be a segment descriptor blob, and each one is attached exactly
// once. A clean end-of-buffer terminates the loop successfully; anything
// else in the stream is an error.
func (m *Module) StoreJobInfo(nspace string, buf *codec.Buffer) error {
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnpackFailure, err)
		}
		if isToleratedJobInfoKey(p.Key) {
			internalLogger.Tracef("skipping %q in connection payload", p.Key)
			continue
		}
		if p.Key != segBlobKey {
			return fmt.Errorf("%w: unexpected key %q in connection payload", ErrBadParameter, p.Key)
		}
		if p.Value.Type != keyval.TypeBytes {
			return fmt.Errorf("%w: %q carried type %d", ErrTypeMismatch, p.Key, p.Value.Type)
		}
		info, err := unpackConnectionInfo(p.Value.Bytes)
		if err != nil {
			return err
		}
		if info.nsID != nspace {
			return fmt.Errorf("%w: payload for %q delivered to %q", ErrBadParameter, info.nsID, nspace)
		}
		if err := m.attachSegment(info); err != nil {
			return err
		}
	}
}

// StoreModex merges one modex payload into the namespace's modex segment
// on the server. Outer records carry the contributing rank as a decimal
// string key and the rank's packed pairs as the value. The segment is
// created lazily from the first contribution, scaled by the announced
// job size.
func (m *Module) StoreModex(ctx context.Context, nspace string, buf *codec.Buffer) error {
	_, end := m.startSpan(ctx, "gds.shmem.store_modex")
	defer end()

	// Merges mutate the segment arena, which admits exactly one writer;
	// concurrent contributions for one namespace are serialized.
	job := m.tracker(nspace)
	job.populateMu.Lock()
	defer job.populateMu.Unlock()
	if !job.hasStatus(ModexDataSegment, StatusAttached) {
		ns := m.namespace(nspace)
		if err := m.prepareModexSegment(job, uint64(buf.Len()), uint64(ns.NProcs)); err != nil {
			return err
		}
	}
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			job.setStatus(ModexDataSegment, StatusReadyForUse)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnpackFailure, err)
		}
		rank64, err := strToSize(p.Key, 10)
		if err != nil {
			return err
		}
		if p.Value.Type != keyval.TypeBytes {
			return fmt.Errorf("%w: modex record for rank %d carried type %d",
				ErrTypeMismatch, rank64, p.Value.Type)
		}
		pairs, err := unpackAll(p.Value.Bytes)
		if err != nil {
			return err
		}
		if err := m.storeModexContribution(job, uint32(rank64), pairs); err != nil {
			return err
		}
	}
}

// unpackAll decodes every record of a packed byte blob.
func unpackAll(data []byte) ([]keyval.Pair, error) {
	buf := codec.Load(data)
	var pairs []keyval.Pair
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			return pairs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnpackFailure, err)
		}
		pairs = append(pairs, p)
	}
}

// PackModexContribution is the sender-side helper matching StoreModex's
// wire form: rank as decimal key, packed pairs as the value.
func PackModexContribution(buf *codec.Buffer, rank uint32, pairs []keyval.Pair) error {
	inner := codec.NewBuffer()
	defer inner.Release()
	for i := range pairs {
		if err := inner.Pack(pairs[i]); err != nil {
			return err
		}
	}
	return buf.Pack(keyval.Bytes(strconv.FormatUint(uint64(rank), 10), inner.Bytes()))
}

// MarkModexComplete declares the exchange finished for the named
// namespaces and appends each one's modex segment descriptor to reply,
// ready for delivery to local clients.
func (m *Module) MarkModexComplete(ctx context.Context, nspaces []string, reply *codec.Buffer) error {
	_, end := m.startSpan(ctx, "gds.shmem.mark_modex_complete")
	defer end()

	for _, name := range nspaces {
		job, ok := m.jobs.Get(name)
		if !ok || !job.hasStatus(ModexDataSegment, StatusReadyForUse) {
			return fmt.Errorf("%w: no completed modex for %q", ErrNotFound, name)
		}
		inner := codec.NewBuffer()
		err := packConnectionInfo(job, ModexDataSegment, inner)
		if err == nil {
			err = reply.Pack(keyval.Bytes(segBlobKey, inner.Bytes()))
		}
		inner.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// RecvModexComplete consumes a modex-complete payload on the client,
// attaching the modex segments it describes.
func (m *Module) RecvModexComplete(buf *codec.Buffer) error {
	for {
		p, err := buf.Unpack()
		if errors.Is(err, codec.ErrEndOfBuffer) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnpackFailure, err)
		}
		if p.Key != segBlobKey || p.Value.Type != keyval.TypeBytes {
			return fmt.Errorf("%w: unexpected record %q in modex-complete payload", ErrBadParameter, p.Key)
		}
		info, err := unpackConnectionInfo(p.Value.Bytes)
		if err != nil {
			return err
		}
		if err := m.attachSegment(info); err != nil {
			return err
		}
	}
}

// isToleratedJobInfoKey marks records a server may interleave with
// segment blobs for other consumers; this module ignores them because the
// same data already lives in the segment.
func isToleratedJobInfoKey(key string) bool {
	switch key {
	case keyval.KeySessionInfoArray, keyval.KeyNodeInfoArray, keyval.KeyAppInfoArray:
		return true
	}
	return false
}

// SetupFork has nothing to do: children inherit the mappings.
func (m *Module) SetupFork(nspace string, rank uint32) error { return nil }

// SetSize is unnecessary here: segment sizes are computed from the
// collected data at creation time.
func (m *Module) SetSize(nspace string, size uint64) error { return nil }

// startSpan opens an otel span when tracing is configured.
func (m *Module) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if m.cfg.Tracer == nil {
		return ctx, func() {}
	}
	ctx, span := m.cfg.Tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
