// Copyright (c) 2015,2016 Damian Gryski <damian@gryski.com>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice,
// this list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
// this list of conditions and the following disclaimer in the documentation
// and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND
// ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package tsink

import "io"

type bit bool

const (
	zero bit = false
	one  bit = true
)

// bstream is a write-only stream of bits backed by a byte slice.
type bstream struct {
	stream []byte
	// The number of bits still free in the last byte of the stream.
	count uint8
}

func (b *bstream) bytes() []byte {
	return b.stream
}

func (b *bstream) reset() {
	b.stream = b.stream[:0]
	b.count = 0
}

func (b *bstream) writeBit(bit bit) {
	if b.count == 0 {
		b.stream = append(b.stream, 0)
		b.count = 8
	}
	i := len(b.stream) - 1
	if bit {
		b.stream[i] |= 1 << (b.count - 1)
	}
	b.count--
}

func (b *bstream) writeByte(byt byte) {
	if b.count == 0 {
		b.stream = append(b.stream, 0)
		b.count = 8
	}
	i := len(b.stream) - 1

	// Complete the last byte with the leftmost bits of byt.
	b.stream[i] |= byt >> (8 - b.count)

	b.stream = append(b.stream, 0)
	i++
	b.stream[i] = byt << b.count
}

// writeBits writes the nbits lowest bits of u, most significant bit first.
func (b *bstream) writeBits(u uint64, nbits int) {
	u <<= 64 - uint(nbits)
	for nbits >= 8 {
		byt := byte(u >> 56)
		b.writeByte(byt)
		u <<= 8
		nbits -= 8
	}
	for nbits > 0 {
		b.writeBit((u >> 63) == 1)
		u <<= 1
		nbits--
	}
}

// bstreamReader reads bits back from a byte slice without mutating it, so
// it is safe to run directly against a memory-mapped region.
type bstreamReader struct {
	stream []byte
	off    int
	// The number of bits not yet read from stream[off].
	count uint8
}

func newBReader(b []byte) *bstreamReader {
	return &bstreamReader{stream: b, count: 8}
}

func (b *bstreamReader) readBit() (bit, error) {
	if b.count == 0 {
		b.off++
		b.count = 8
	}
	if b.off >= len(b.stream) {
		return false, io.EOF
	}
	b.count--
	d := (b.stream[b.off] >> b.count) & 1
	return d == 1, nil
}

// ReadByte reads the next 8 bits. It satisfies io.ByteReader so varints can
// be read straight off the bit stream with encoding/binary.
func (b *bstreamReader) ReadByte() (byte, error) {
	if b.count == 0 {
		b.off++
		b.count = 8
	}
	if b.off >= len(b.stream) {
		return 0, io.EOF
	}
	if b.count == 8 {
		b.count = 0
		return b.stream[b.off], nil
	}

	// The byte spans two bytes of the underlying stream.
	byt := b.stream[b.off] << (8 - b.count)
	b.off++
	if b.off >= len(b.stream) {
		return 0, io.EOF
	}
	byt |= b.stream[b.off] >> b.count
	return byt, nil
}

// readBits reads nbits bits, most significant bit first.
func (b *bstreamReader) readBits(nbits int) (uint64, error) {
	var u uint64
	for nbits >= 8 {
		byt, err := b.ReadByte()
		if err != nil {
			return 0, err
		}
		u = u<<8 | uint64(byt)
		nbits -= 8
	}
	for nbits > 0 {
		bit, err := b.readBit()
		if err != nil {
			return 0, err
		}
		u <<= 1
		if bit {
			u |= 1
		}
		nbits--
	}
	return u, nil
}
