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

// In-segment structures. Everything below lives inside a shared-memory
// segment and is read by processes that mapped the segment at the same
// base address. References between structures are 8-byte offsets from the
// segment base, never raw pointers, and offset 0 is nil (the root
// structure occupies the base). Layouts use only fixed-width fields so
// every process sees identical offsets.
//
// The writer builds these through the segment's arena; readers only
// dereference. Nothing here is safe for concurrent mutation: exactly one
// process populates a segment, then publishes it.

import (
	"fmt"
	"unsafe"

	"github.com/opengds/gds-shmem/pkg/keyval"
	"github.com/opengds/gds-shmem/pkg/tma"
)

// smList is an in-segment singly linked list. Items are any structure
// whose first 8 bytes are the next-item offset.
type smList struct {
	head  uint64
	tail  uint64
	count uint64
}

// smValue is the stored form of keyval.Value. Fixed 32 bytes: type word,
// inline integer, and an offset/length pair for out-of-line data. For
// TypeInfoArray dataOff locates a nested smList of smKV items.
type smValue struct {
	typ     uint32
	_       uint32
	u64     uint64
	dataOff uint64
	dataLen uint64
}

// smKV is one keyed record in an info list.
type smKV struct {
	next   uint64
	keyOff uint64
	val    smValue
}

// smAlias is one hostname alias.
type smAlias struct {
	next    uint64
	nameOff uint64
}

// smNodeInfo describes one node of the job.
type smNodeInfo struct {
	next        uint64
	nodeID      uint32
	_           uint32
	hostnameOff uint64
	aliases     smList // smAlias items
	info        smList // smKV items
}

// smAppInfo describes one application of the job.
type smAppInfo struct {
	next   uint64
	appNum uint32
	_      uint32
	info   smList // smKV items
	nodes  smList // smNodeInfo items
}

// smSessionInfo describes one session the job runs under.
type smSessionInfo struct {
	next      uint64
	sessionID uint32
	_         uint32
	info      smList // smKV items
	nodes     smList // smNodeInfo items
}

// jobDataRoot sits at the base of the job-data segment. The arena cursor
// is the first field so utilization is readable by any attacher.
type jobDataRoot struct {
	cursor      uint64
	jobInfo     smList // smKV: ordered job-level records
	nodeInfo    smList // smNodeInfo
	appInfo     smList // smAppInfo
	sessionInfo smList // smSessionInfo
	ht          smHashTable
}

// modexDataRoot sits at the base of the modex segment.
type modexDataRoot struct {
	cursor uint64
	ht     smHashTable
}

// jobDataView binds a mapped job-data segment to its arena.
type jobDataView struct {
	root  *jobDataRoot
	arena *tma.TMA
}

// modexDataView binds a mapped modex segment to its arena.
type modexDataView struct {
	root  *modexDataRoot
	arena *tma.TMA
}

// newJobDataView lays out a fresh root at base and prepares the hash
// table. Creator side only.
func newJobDataView(base unsafe.Pointer, size, htCapacity uint64) *jobDataView {
	root := (*jobDataRoot)(base)
	*root = jobDataRoot{}
	arena := tma.New(base, size, &root.cursor)
	arena.Seed(uint64(unsafe.Sizeof(jobDataRoot{})))
	htInit(&root.ht, arena, htCapacity)
	return &jobDataView{root: root, arena: arena}
}

// attachJobDataView points a view at a segment someone else populated.
// The arena is only used to resolve offsets; clients never allocate.
func attachJobDataView(base unsafe.Pointer, size uint64) *jobDataView {
	root := (*jobDataRoot)(base)
	return &jobDataView{root: root, arena: tma.New(base, size, &root.cursor)}
}

func newModexDataView(base unsafe.Pointer, size, htCapacity uint64) *modexDataView {
	root := (*modexDataRoot)(base)
	*root = modexDataRoot{}
	arena := tma.New(base, size, &root.cursor)
	arena.Seed(uint64(unsafe.Sizeof(modexDataRoot{})))
	htInit(&root.ht, arena, htCapacity)
	return &modexDataView{root: root, arena: arena}
}

func attachModexDataView(base unsafe.Pointer, size uint64) *modexDataView {
	root := (*modexDataRoot)(base)
	return &modexDataView{root: root, arena: tma.New(base, size, &root.cursor)}
}

// listAppend links the item at itemOff to the back of l. The item's first
// 8 bytes must be its next-offset field, already zero.
func listAppend(arena *tma.TMA, l *smList, itemOff uint64) {
	if l.head == tma.NilOffset {
		l.head = itemOff
	} else {
		*(*uint64)(arena.Pointer(l.tail)) = itemOff
	}
	l.tail = itemOff
	l.count++
}

// listEach walks l, calling fn with each item offset until fn returns
// false.
func listEach(arena *tma.TMA, l *smList, fn func(off uint64) bool) {
	for off := l.head; off != tma.NilOffset; {
		next := *(*uint64)(arena.Pointer(off))
		if !fn(off) {
			return
		}
		off = next
	}
}

// storeValue writes v into dst, copying variable-size payloads into the
// arena. Per-rank process data never reaches this level; the store
// encoder expands it beforehand.
func storeValue(arena *tma.TMA, v *keyval.Value, dst *smValue) error {
	dst.typ = uint32(v.Type)
	switch v.Type {
	case keyval.TypeString:
		dst.dataLen = uint64(len(v.Str))
		if len(v.Str) > 0 {
			dst.dataOff = arena.Memmove([]byte(v.Str))
		}
	case keyval.TypeBytes:
		dst.dataLen = uint64(len(v.Bytes))
		if len(v.Bytes) > 0 {
			dst.dataOff = arena.Memmove(v.Bytes)
		}
	case keyval.TypeUint32:
		dst.u64 = uint64(v.U32)
	case keyval.TypeUint64:
		dst.u64 = v.U64
	case keyval.TypeBool:
		if v.Flag {
			dst.u64 = 1
		}
	case keyval.TypeInfoArray:
		listOff := arena.Calloc(1, uint64(unsafe.Sizeof(smList{})))
		l := (*smList)(arena.Pointer(listOff))
		for i := range v.Pairs {
			if err := storeKV(arena, l, v.Pairs[i].Key, &v.Pairs[i].Value); err != nil {
				return err
			}
		}
		dst.dataOff = listOff
		dst.dataLen = l.count
	default:
		return fmt.Errorf("%w: cannot store value type %d", ErrBadParameter, v.Type)
	}
	return nil
}

// loadValue copies a stored value back out of the segment.
func loadValue(arena *tma.TMA, sv *smValue) keyval.Value {
	v := keyval.Value{Type: keyval.Type(sv.typ)}
	switch v.Type {
	case keyval.TypeString:
		v.Str = string(arena.Bytes(sv.dataOff, sv.dataLen))
	case keyval.TypeBytes:
		v.Bytes = append([]byte(nil), arena.Bytes(sv.dataOff, sv.dataLen)...)
	case keyval.TypeUint32:
		v.U32 = uint32(sv.u64)
	case keyval.TypeUint64:
		v.U64 = sv.u64
	case keyval.TypeBool:
		v.Flag = sv.u64 != 0
	case keyval.TypeInfoArray:
		l := (*smList)(arena.Pointer(sv.dataOff))
		v.Pairs = loadKVList(arena, l)
	}
	return v
}

// storeKV appends one keyed record to an info list.
func storeKV(arena *tma.TMA, l *smList, key string, v *keyval.Value) error {
	off := arena.Calloc(1, uint64(unsafe.Sizeof(smKV{})))
	kv := (*smKV)(arena.Pointer(off))
	kv.keyOff = arena.Strdup(key)
	if err := storeValue(arena, v, &kv.val); err != nil {
		return err
	}
	listAppend(arena, l, off)
	return nil
}

// loadKVList copies every record of an smKV list out of the segment.
func loadKVList(arena *tma.TMA, l *smList) []keyval.Pair {
	pairs := make([]keyval.Pair, 0, l.count)
	listEach(arena, l, func(off uint64) bool {
		kv := (*smKV)(arena.Pointer(off))
		pairs = append(pairs, keyval.Pair{
			Key:   arena.LoadString(kv.keyOff),
			Value: loadValue(arena, &kv.val),
		})
		return true
	})
	return pairs
}

// storeNodeInfo builds an smNodeInfo from an info-array's pairs, peeling
// off the well-known hostname/nodeid/alias keys and keeping the rest as
// the node's info list.
func storeNodeInfo(arena *tma.TMA, l *smList, pairs []keyval.Pair) error {
	off := arena.Calloc(1, uint64(unsafe.Sizeof(smNodeInfo{})))
	n := (*smNodeInfo)(arena.Pointer(off))
	n.nodeID = ^uint32(0)
	for i := range pairs {
		p := &pairs[i]
		switch p.Key {
		case keyval.KeyHostname:
			n.hostnameOff = arena.Strdup(p.Value.Str)
		case keyval.KeyNodeID:
			n.nodeID = p.Value.U32
		case keyval.KeyHostAlias:
			aoff := arena.Calloc(1, uint64(unsafe.Sizeof(smAlias{})))
			a := (*smAlias)(arena.Pointer(aoff))
			a.nameOff = arena.Strdup(p.Value.Str)
			listAppend(arena, &n.aliases, aoff)
		default:
			if err := storeKV(arena, &n.info, p.Key, &p.Value); err != nil {
				return err
			}
		}
	}
	listAppend(arena, l, off)
	return nil
}

// storeAppInfo builds an smAppInfo from an info-array's pairs.
func storeAppInfo(arena *tma.TMA, l *smList, pairs []keyval.Pair) error {
	off := arena.Calloc(1, uint64(unsafe.Sizeof(smAppInfo{})))
	a := (*smAppInfo)(arena.Pointer(off))
	for i := range pairs {
		p := &pairs[i]
		switch {
		case p.Key == keyval.KeyAppNum:
			a.appNum = p.Value.U32
		case p.Key == keyval.KeyNodeInfoArray && p.Value.Type == keyval.TypeInfoArray:
			if err := storeNodeInfo(arena, &a.nodes, p.Value.Pairs); err != nil {
				return err
			}
		default:
			if err := storeKV(arena, &a.info, p.Key, &p.Value); err != nil {
				return err
			}
		}
	}
	listAppend(arena, l, off)
	return nil
}

// storeSessionInfo builds an smSessionInfo from an info-array's pairs.
func storeSessionInfo(arena *tma.TMA, l *smList, pairs []keyval.Pair) error {
	off := arena.Calloc(1, uint64(unsafe.Sizeof(smSessionInfo{})))
	s := (*smSessionInfo)(arena.Pointer(off))
	s.sessionID = ^uint32(0)
	for i := range pairs {
		p := &pairs[i]
		switch {
		case p.Key == keyval.KeySessionID:
			s.sessionID = p.Value.U32
		case p.Key == keyval.KeyNodeInfoArray && p.Value.Type == keyval.TypeInfoArray:
			if err := storeNodeInfo(arena, &s.nodes, p.Value.Pairs); err != nil {
				return err
			}
		default:
			if err := storeKV(arena, &s.info, p.Key, &p.Value); err != nil {
				return err
			}
		}
	}
	listAppend(arena, l, off)
	return nil
}

// loadNodeInfo copies one node record out of the segment.
func loadNodeInfo(arena *tma.TMA, off uint64) []keyval.Pair {
	n := (*smNodeInfo)(arena.Pointer(off))
	pairs := []keyval.Pair{
		keyval.String(keyval.KeyHostname, arena.LoadString(n.hostnameOff)),
		keyval.Uint32(keyval.KeyNodeID, n.nodeID),
	}
	listEach(arena, &n.aliases, func(aoff uint64) bool {
		a := (*smAlias)(arena.Pointer(aoff))
		pairs = append(pairs, keyval.String(keyval.KeyHostAlias, arena.LoadString(a.nameOff)))
		return true
	})
	pairs = append(pairs, loadKVList(arena, &n.info)...)
	return pairs
}
