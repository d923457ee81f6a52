// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const defaultBufferSize = 32

var (
	ErrShortBuffer = errors.New("codec: short buffer")
	ErrTooLarge    = errors.New("codec: buffer too large")
)

// OutputBuffer is an append-only little-endian writer. Its backing array
// doubles when a write would overflow and is never shrunk.
type OutputBuffer struct {
	buf   []byte
	count int
}

// NewOutputBuffer returns a buffer with the given initial capacity. A size
// of zero or less selects the default of 32 bytes.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &OutputBuffer{buf: make([]byte, size)}
}

// Bytes returns the written portion of the buffer.
func (o *OutputBuffer) Bytes() []byte { return o.buf[:o.count] }

// Len returns the number of bytes written.
func (o *OutputBuffer) Len() int { return o.count }

// Cap returns the capacity of the backing array.
func (o *OutputBuffer) Cap() int { return len(o.buf) }

func (o *OutputBuffer) ensureCapacity(n int) {
	minCapacity := o.count + n
	if minCapacity > len(o.buf) {
		o.grow(minCapacity)
	}
}

func (o *OutputBuffer) grow(minCapacity int) {
	newCapacity := len(o.buf) << 1
	if newCapacity < minCapacity {
		newCapacity = minCapacity
	}
	if newCapacity < 0 {
		panic(ErrTooLarge)
	}
	grown := make([]byte, newCapacity)
	copy(grown, o.buf[:o.count])
	o.buf = grown
}

func (o *OutputBuffer) WriteByte(v byte) error {
	o.ensureCapacity(1)
	o.buf[o.count] = v
	o.count++
	return nil
}

func (o *OutputBuffer) WriteBool(v bool) {
	if v {
		o.WriteByte(1)
		return
	}
	o.WriteByte(0)
}

func (o *OutputBuffer) WriteShort(v int16) {
	o.ensureCapacity(2)
	binary.LittleEndian.PutUint16(o.buf[o.count:], uint16(v))
	o.count += 2
}

func (o *OutputBuffer) WriteInt(v int32) {
	o.ensureCapacity(4)
	binary.LittleEndian.PutUint32(o.buf[o.count:], uint32(v))
	o.count += 4
}

func (o *OutputBuffer) WriteUInt(v uint32) {
	o.ensureCapacity(4)
	binary.LittleEndian.PutUint32(o.buf[o.count:], v)
	o.count += 4
}

func (o *OutputBuffer) WriteDouble(v float64) {
	o.ensureCapacity(8)
	binary.LittleEndian.PutUint64(o.buf[o.count:], math.Float64bits(v))
	o.count += 8
}

// WriteString writes an int32 byte length followed by the UTF-8 bytes.
func (o *OutputBuffer) WriteString(s string) {
	o.ensureCapacity(4 + len(s))
	o.WriteInt(int32(len(s)))
	o.count += copy(o.buf[o.count:], s)
}

// WriteBytes writes an int32 length followed by the raw bytes.
func (o *OutputBuffer) WriteBytes(b []byte) {
	o.ensureCapacity(4 + len(b))
	o.WriteInt(int32(len(b)))
	o.count += copy(o.buf[o.count:], b)
}

// InputBuffer reads what an OutputBuffer wrote. Every read past the end
// reports ErrShortBuffer instead of panicking.
type InputBuffer struct {
	buf []byte
	pos int
}

func NewInputBuffer(b []byte) *InputBuffer {
	return &InputBuffer{buf: b}
}

// Remaining returns the number of unread bytes.
func (in *InputBuffer) Remaining() int { return len(in.buf) - in.pos }

func (in *InputBuffer) check(n int) error {
	if n < 0 || in.pos+n > len(in.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, in.pos, in.Remaining())
	}
	return nil
}

func (in *InputBuffer) ReadByte() (byte, error) {
	if err := in.check(1); err != nil {
		return 0, err
	}
	v := in.buf[in.pos]
	in.pos++
	return v, nil
}

func (in *InputBuffer) ReadBool() (bool, error) {
	v, err := in.ReadByte()
	return v != 0, err
}

func (in *InputBuffer) ReadShort() (int16, error) {
	if err := in.check(2); err != nil {
		return 0, err
	}
	v := int16(binary.LittleEndian.Uint16(in.buf[in.pos:]))
	in.pos += 2
	return v, nil
}

func (in *InputBuffer) ReadInt() (int32, error) {
	v, err := in.ReadUInt()
	return int32(v), err
}

func (in *InputBuffer) ReadUInt() (uint32, error) {
	if err := in.check(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(in.buf[in.pos:])
	in.pos += 4
	return v, nil
}

func (in *InputBuffer) ReadDouble() (float64, error) {
	if err := in.check(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(in.buf[in.pos:]))
	in.pos += 8
	return v, nil
}

func (in *InputBuffer) ReadString() (string, error) {
	b, err := in.next()
	return string(b), err
}

// ReadBytes returns a copy of the next length-prefixed byte run.
func (in *InputBuffer) ReadBytes() ([]byte, error) {
	b, err := in.next()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (in *InputBuffer) next() ([]byte, error) {
	n, err := in.ReadInt()
	if err != nil {
		return nil, err
	}
	if err := in.check(int(n)); err != nil {
		return nil, err
	}
	b := in.buf[in.pos : in.pos+int(n)]
	in.pos += int(n)
	return b, nil
}
