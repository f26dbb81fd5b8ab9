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

// Package codec is the pack/unpack primitive used to move key/value
// records across the control channel. Records are self-describing:
// length-prefixed key, one type byte, then a type-specific payload, all
// little endian. Unpack loops run until ErrEndOfBuffer, which is the
// expected success terminator, not a failure.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/opengds/gds-shmem/pkg/keyval"
)

var (
	// ErrEndOfBuffer signals that the read cursor sat exactly at the end
	// of the buffer when the next record was requested.
	ErrEndOfBuffer = errors.New("codec: end of buffer")

	// ErrTruncated means a record header promised more bytes than remain.
	ErrTruncated = errors.New("codec: truncated record")

	// ErrBadType means a record carried an unknown type byte.
	ErrBadType = errors.New("codec: unknown value type")
)

// Buffer is a pack destination and unpack source. The backing storage is
// pooled; call Release when done with a buffer obtained from NewBuffer.
type Buffer struct {
	bb     *bytebufferpool.ByteBuffer
	pooled bool
	rpos   int
}

// NewBuffer returns an empty buffer drawn from the pool.
func NewBuffer() *Buffer {
	return &Buffer{bb: bytebufferpool.Get(), pooled: true}
}

// Load wraps existing bytes for unpacking. The bytes are not copied.
func Load(data []byte) *Buffer {
	return &Buffer{bb: &bytebufferpool.ByteBuffer{B: data}}
}

// Release returns pooled storage. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	if b.pooled {
		bytebufferpool.Put(b.bb)
		b.bb = nil
	}
}

// Bytes returns the full packed contents.
func (b *Buffer) Bytes() []byte { return b.bb.B }

// Len returns the number of packed bytes.
func (b *Buffer) Len() int { return len(b.bb.B) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.bb.B) - b.rpos }

// CopyPayload appends src's full contents, leaving src untouched. Used to
// replay a cached reply to another peer.
func (b *Buffer) CopyPayload(src *Buffer) {
	b.bb.B = append(b.bb.B, src.bb.B...)
}

func (b *Buffer) putU16(v uint16) { b.bb.B = binary.LittleEndian.AppendUint16(b.bb.B, v) }
func (b *Buffer) putU32(v uint32) { b.bb.B = binary.LittleEndian.AppendUint32(b.bb.B, v) }
func (b *Buffer) putU64(v uint64) { b.bb.B = binary.LittleEndian.AppendUint64(b.bb.B, v) }

func (b *Buffer) takeU16() (uint16, error) {
	if b.Remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint16(b.bb.B[b.rpos:])
	b.rpos += 2
	return v, nil
}

func (b *Buffer) takeU32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(b.bb.B[b.rpos:])
	b.rpos += 4
	return v, nil
}

func (b *Buffer) takeU64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(b.bb.B[b.rpos:])
	b.rpos += 8
	return v, nil
}

func (b *Buffer) takeBytes(n int) ([]byte, error) {
	if b.Remaining() < n {
		return nil, ErrTruncated
	}
	v := b.bb.B[b.rpos : b.rpos+n]
	b.rpos += n
	return v, nil
}

// Smallest possible encodings, used to bound wire-supplied counts.
const (
	minPairSize     = 2 + 1 + 1 // empty key, type byte, bool payload
	minRankDataSize = 4 + 4     // rank, zero pair count
)

// capAlloc bounds an element count read off the wire by what the
// remaining bytes could possibly hold. A corrupt count then fails with
// ErrTruncated on its first element instead of driving a giant
// preallocation.
func (b *Buffer) capAlloc(n uint32, minSize int) int {
	if max := b.Remaining() / minSize; uint64(n) > uint64(max) {
		return max
	}
	return int(n)
}

// Pack appends one record to the buffer.
func (b *Buffer) Pack(p keyval.Pair) error {
	if len(p.Key) > 0xffff {
		return fmt.Errorf("codec: key too long: %d bytes", len(p.Key))
	}
	b.putU16(uint16(len(p.Key)))
	b.bb.B = append(b.bb.B, p.Key...)
	b.bb.B = append(b.bb.B, byte(p.Value.Type))
	return b.packValue(&p.Value)
}

func (b *Buffer) packValue(v *keyval.Value) error {
	switch v.Type {
	case keyval.TypeString:
		b.putU32(uint32(len(v.Str)))
		b.bb.B = append(b.bb.B, v.Str...)
	case keyval.TypeBytes:
		b.putU32(uint32(len(v.Bytes)))
		b.bb.B = append(b.bb.B, v.Bytes...)
	case keyval.TypeUint32:
		b.putU32(v.U32)
	case keyval.TypeUint64:
		b.putU64(v.U64)
	case keyval.TypeBool:
		var f byte
		if v.Flag {
			f = 1
		}
		b.bb.B = append(b.bb.B, f)
	case keyval.TypeInfoArray:
		b.putU32(uint32(len(v.Pairs)))
		for i := range v.Pairs {
			if err := b.Pack(v.Pairs[i]); err != nil {
				return err
			}
		}
	case keyval.TypeProcData:
		b.putU32(uint32(len(v.Procs)))
		for i := range v.Procs {
			rd := &v.Procs[i]
			b.putU32(rd.Rank)
			b.putU32(uint32(len(rd.Pairs)))
			for j := range rd.Pairs {
				if err := b.Pack(rd.Pairs[j]); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("%w: %d", ErrBadType, v.Type)
	}
	return nil
}

// Unpack reads the next record. ErrEndOfBuffer means the previous record
// was the last one; any other error means the stream is corrupt.
func (b *Buffer) Unpack() (keyval.Pair, error) {
	if b.Remaining() == 0 {
		return keyval.Pair{}, ErrEndOfBuffer
	}
	return b.unpackPair()
}

func (b *Buffer) unpackPair() (keyval.Pair, error) {
	var p keyval.Pair
	klen, err := b.takeU16()
	if err != nil {
		return p, err
	}
	key, err := b.takeBytes(int(klen))
	if err != nil {
		return p, err
	}
	p.Key = string(key)
	tb, err := b.takeBytes(1)
	if err != nil {
		return p, err
	}
	p.Value.Type = keyval.Type(tb[0])
	if err := b.unpackValue(&p.Value); err != nil {
		return p, fmt.Errorf("key %q: %w", p.Key, err)
	}
	return p, nil
}

func (b *Buffer) unpackValue(v *keyval.Value) error {
	switch v.Type {
	case keyval.TypeString:
		n, err := b.takeU32()
		if err != nil {
			return err
		}
		raw, err := b.takeBytes(int(n))
		if err != nil {
			return err
		}
		v.Str = string(raw)
	case keyval.TypeBytes:
		n, err := b.takeU32()
		if err != nil {
			return err
		}
		raw, err := b.takeBytes(int(n))
		if err != nil {
			return err
		}
		v.Bytes = append([]byte(nil), raw...)
	case keyval.TypeUint32:
		n, err := b.takeU32()
		if err != nil {
			return err
		}
		v.U32 = n
	case keyval.TypeUint64:
		n, err := b.takeU64()
		if err != nil {
			return err
		}
		v.U64 = n
	case keyval.TypeBool:
		raw, err := b.takeBytes(1)
		if err != nil {
			return err
		}
		v.Flag = raw[0] != 0
	case keyval.TypeInfoArray:
		n, err := b.takeU32()
		if err != nil {
			return err
		}
		v.Pairs = make([]keyval.Pair, 0, b.capAlloc(n, minPairSize))
		for i := uint32(0); i < n; i++ {
			p, err := b.unpackPair()
			if err != nil {
				return err
			}
			v.Pairs = append(v.Pairs, p)
		}
	case keyval.TypeProcData:
		n, err := b.takeU32()
		if err != nil {
			return err
		}
		v.Procs = make([]keyval.RankData, 0, b.capAlloc(n, minRankDataSize))
		for i := uint32(0); i < n; i++ {
			var rd keyval.RankData
			if rd.Rank, err = b.takeU32(); err != nil {
				return err
			}
			np, err := b.takeU32()
			if err != nil {
				return err
			}
			rd.Pairs = make([]keyval.Pair, 0, b.capAlloc(np, minPairSize))
			for j := uint32(0); j < np; j++ {
				p, err := b.unpackPair()
				if err != nil {
					return err
				}
				rd.Pairs = append(rd.Pairs, p)
			}
			v.Procs = append(v.Procs, rd)
		}
	default:
		return fmt.Errorf("%w: %d", ErrBadType, v.Type)
	}
	return nil
}
