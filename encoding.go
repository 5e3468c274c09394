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

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
)

// A series block starts with the number of points and the first point in
// plain form, followed by delta-of-delta encoded timestamps and
// XOR-compressed values:
/*
   +----------------+--------------+------------+-----------------------------+
   | count(uvarint) | t0(varint)   | v0(64bit)  | samples (dod + xor, bits)   |
   +----------------+--------------+------------+-----------------------------+
*/

type seriesEncoder interface {
	// encodePoints encodes the whole series. Points must be sorted by
	// timestamp. Not goroutine safe; it's caller's responsibility to lock it.
	encodePoints(points []DataPoint) error
	// flush writes the encoded block to the backend writer.
	flush() error
}

type encoderFactory func(w io.Writer) seriesEncoder

func newSeriesEncoder(w io.Writer) seriesEncoder {
	return &gorillaEncoder{w: w}
}

type gorillaEncoder struct {
	// backend stream writer
	w io.Writer
	b bstream

	// XOR compression state
	prevV    uint64
	leading  uint8
	trailing uint8
}

func (e *gorillaEncoder) encodePoints(points []DataPoint) error {
	e.b.reset()
	e.leading = 0xff
	e.trailing = 0
	e.prevV = 0

	buf := make([]byte, binary.MaxVarintLen64)
	writeUvarint := func(u uint64) {
		n := binary.PutUvarint(buf, u)
		for _, byt := range buf[:n] {
			e.b.writeByte(byt)
		}
	}
	writeVarint := func(v int64) {
		n := binary.PutVarint(buf, v)
		for _, byt := range buf[:n] {
			e.b.writeByte(byt)
		}
	}

	writeUvarint(uint64(len(points)))
	if len(points) == 0 {
		return nil
	}

	var prevT, prevDelta int64
	for i := range points {
		point := &points[i]
		switch i {
		case 0:
			writeVarint(point.Timestamp)
			e.b.writeBits(math.Float64bits(point.Value), 64)
			e.prevV = math.Float64bits(point.Value)
		case 1:
			prevDelta = point.Timestamp - prevT
			writeVarint(prevDelta)
			e.encodeValue(point.Value)
		default:
			delta := point.Timestamp - prevT
			dod := delta - prevDelta
			prevDelta = delta
			switch {
			case dod == 0:
				e.b.writeBit(zero)
			case bitRange(dod, 14):
				e.b.writeBits(0b10, 2)
				e.b.writeBits(uint64(dod), 14)
			case bitRange(dod, 17):
				e.b.writeBits(0b110, 3)
				e.b.writeBits(uint64(dod), 17)
			case bitRange(dod, 20):
				e.b.writeBits(0b1110, 4)
				e.b.writeBits(uint64(dod), 20)
			default:
				e.b.writeBits(0b1111, 4)
				e.b.writeBits(uint64(dod), 64)
			}
			e.encodeValue(point.Value)
		}
		prevT = point.Timestamp
	}
	return nil
}

func (e *gorillaEncoder) encodeValue(v float64) {
	cur := math.Float64bits(v)
	xor := e.prevV ^ cur
	e.prevV = cur

	if xor == 0 {
		e.b.writeBit(zero)
		return
	}
	e.b.writeBit(one)

	leading := uint8(bits.LeadingZeros64(xor))
	trailing := uint8(bits.TrailingZeros64(xor))
	// Clamp so the count fits into 5 bits.
	if leading >= 32 {
		leading = 31
	}

	if e.leading != 0xff && leading >= e.leading && trailing >= e.trailing {
		// Reuse the previous meaningful-bit window.
		e.b.writeBit(zero)
		e.b.writeBits(xor>>e.trailing, 64-int(e.leading)-int(e.trailing))
		return
	}

	e.leading, e.trailing = leading, trailing
	e.b.writeBit(one)
	e.b.writeBits(uint64(leading), 5)
	sigbits := 64 - leading - trailing
	// sigbits of 64 is encoded as 0; the decoder maps it back.
	e.b.writeBits(uint64(sigbits), 6)
	e.b.writeBits(xor>>trailing, int(sigbits))
}

func (e *gorillaEncoder) flush() error {
	if _, err := e.w.Write(e.b.bytes()); err != nil {
		return fmt.Errorf("failed to write encoded block: %w", err)
	}
	e.b.reset()
	return nil
}

// bitRange reports whether x fits into a signed field of nbits bits.
func bitRange(x int64, nbits uint8) bool {
	return -((int64(1)<<(nbits-1))-1) <= x && x <= int64(1)<<(nbits-1)
}

type seriesDecoder interface {
	// decodePoint reads the next point. It returns io.EOF after the last
	// point of the block.
	decodePoint(dst *DataPoint) error
}

type decoderFactory func(r io.Reader) (seriesDecoder, error)

// newSeriesDecoder reads the block header frame from the given reader.
// Failures past the header surface as ErrCorruptBlock from decodePoint.
func newSeriesDecoder(r io.Reader) (seriesDecoder, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read series block: %w", err)
	}
	br := newBReader(data)
	num, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read the number of points", ErrCorruptBlock)
	}
	return &gorillaDecoder{br: br, numPoints: num}, nil
}

type gorillaDecoder struct {
	br        *bstreamReader
	numPoints uint64
	read      uint64

	t        int64
	delta    int64
	v        uint64
	leading  uint8
	trailing uint8
}

func (d *gorillaDecoder) decodePoint(dst *DataPoint) error {
	if d.read >= d.numPoints {
		return io.EOF
	}

	switch d.read {
	case 0:
		t, err := binary.ReadVarint(d.br)
		if err != nil {
			return fmt.Errorf("%w: failed to read first timestamp", ErrCorruptBlock)
		}
		v, err := d.br.readBits(64)
		if err != nil {
			return fmt.Errorf("%w: failed to read first value", ErrCorruptBlock)
		}
		d.t, d.v = t, v
	case 1:
		delta, err := binary.ReadVarint(d.br)
		if err != nil {
			return fmt.Errorf("%w: failed to read first delta", ErrCorruptBlock)
		}
		d.delta = delta
		d.t += delta
		if err := d.decodeValue(); err != nil {
			return err
		}
	default:
		dod, err := d.readDod()
		if err != nil {
			return err
		}
		d.delta += dod
		d.t += d.delta
		if err := d.decodeValue(); err != nil {
			return err
		}
	}

	d.read++
	dst.Timestamp = d.t
	dst.Value = math.Float64frombits(d.v)
	return nil
}

func (d *gorillaDecoder) readDod() (int64, error) {
	var prefix uint8
	for i := 0; i < 4; i++ {
		bit, err := d.br.readBit()
		if err != nil {
			return 0, fmt.Errorf("%w: failed to read timestamp prefix", ErrCorruptBlock)
		}
		if bit == zero {
			break
		}
		prefix++
	}

	var nbits uint8
	switch prefix {
	case 0:
		return 0, nil
	case 1:
		nbits = 14
	case 2:
		nbits = 17
	case 3:
		nbits = 20
	case 4:
		nbits = 64
	}
	u, err := d.br.readBits(int(nbits))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read timestamp delta-of-delta", ErrCorruptBlock)
	}
	dod := int64(u)
	if nbits != 64 && u > uint64(1)<<(nbits-1) {
		dod = int64(u) - int64(1)<<nbits
	}
	return dod, nil
}

func (d *gorillaDecoder) decodeValue() error {
	bit, err := d.br.readBit()
	if err != nil {
		return fmt.Errorf("%w: failed to read value control bit", ErrCorruptBlock)
	}
	if bit == zero {
		// Same value as before.
		return nil
	}

	bit, err = d.br.readBit()
	if err != nil {
		return fmt.Errorf("%w: failed to read window control bit", ErrCorruptBlock)
	}
	if bit == one {
		leading, err := d.br.readBits(5)
		if err != nil {
			return fmt.Errorf("%w: failed to read leading-zero count", ErrCorruptBlock)
		}
		sigbits, err := d.br.readBits(6)
		if err != nil {
			return fmt.Errorf("%w: failed to read meaningful-bit count", ErrCorruptBlock)
		}
		if sigbits == 0 {
			sigbits = 64
		}
		if uint64(leading)+sigbits > 64 {
			return fmt.Errorf("%w: invalid meaningful-bit window", ErrCorruptBlock)
		}
		d.leading = uint8(leading)
		d.trailing = 64 - uint8(leading) - uint8(sigbits)
	}

	sigbits := 64 - int(d.leading) - int(d.trailing)
	u, err := d.br.readBits(sigbits)
	if err != nil {
		return fmt.Errorf("%w: failed to read value bits", ErrCorruptBlock)
	}
	d.v ^= u << d.trailing
	return nil
}
