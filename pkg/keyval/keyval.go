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

// Package keyval defines the generic key/value record model exchanged
// between the host framework and the shared-memory store: flat string,
// byte, and integer values, info arrays for structural (node/app/session)
// records, and nested per-rank process data.
package keyval

// Type tags a Value's active representation.
type Type uint8

const (
	TypeUndef Type = iota
	TypeString
	TypeBytes
	TypeUint32
	TypeUint64
	TypeBool
	// TypeInfoArray nests a list of pairs, used for node/app/session
	// info records.
	TypeInfoArray
	// TypeProcData nests per-rank pair lists; the store encoder expands
	// these into one hash-table entry per rank.
	TypeProcData
)

// WildcardRank addresses job-level data that belongs to no single rank.
const WildcardRank = ^uint32(0)

// Well-known keys understood by the store encoder.
const (
	KeyProcData         = "proc.data"
	KeySessionInfoArray = "session.info.array"
	KeyNodeInfoArray    = "node.info.array"
	KeyAppInfoArray     = "app.info.array"

	KeyHostname  = "hostname"
	KeyNodeID    = "nodeid"
	KeyHostAlias = "host.alias"
	KeyAppNum    = "appnum"
	KeySessionID = "session.id"
	KeyTmpdir    = "tmpdir"
	KeyNSDir     = "nsdir"
)

// Value is a tagged union. Only the field selected by Type is meaningful.
type Value struct {
	Type  Type
	Str   string
	Bytes []byte
	U32   uint32
	U64   uint64
	Flag  bool
	Pairs []Pair     // TypeInfoArray
	Procs []RankData // TypeProcData
}

// Pair is one keyed record.
type Pair struct {
	Key   string
	Value Value
}

// RankData carries the pairs contributed by a single rank.
type RankData struct {
	Rank  uint32
	Pairs []Pair
}

// String builds a string-typed pair.
func String(key, val string) Pair {
	return Pair{Key: key, Value: Value{Type: TypeString, Str: val}}
}

// Bytes builds a byte-object pair.
func Bytes(key string, val []byte) Pair {
	return Pair{Key: key, Value: Value{Type: TypeBytes, Bytes: val}}
}

// Uint32 builds a 32-bit unsigned pair.
func Uint32(key string, val uint32) Pair {
	return Pair{Key: key, Value: Value{Type: TypeUint32, U32: val}}
}

// Uint64 builds a 64-bit unsigned pair.
func Uint64(key string, val uint64) Pair {
	return Pair{Key: key, Value: Value{Type: TypeUint64, U64: val}}
}

// Bool builds a boolean pair.
func Bool(key string, val bool) Pair {
	return Pair{Key: key, Value: Value{Type: TypeBool, Flag: val}}
}

// InfoArray builds a nested info-array pair.
func InfoArray(key string, pairs ...Pair) Pair {
	return Pair{Key: key, Value: Value{Type: TypeInfoArray, Pairs: pairs}}
}

// ProcData builds a per-rank data pair.
func ProcData(ranks ...RankData) Pair {
	return Pair{Key: KeyProcData, Value: Value{Type: TypeProcData, Procs: ranks}}
}
