// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size bitmap.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of small integers.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits.
	size uint32

	// bitBlock holds the bits, 64 per entry.
	bitBlock []uint64
}

// New creates an empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	return i < b.size && b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i := int(start / 64)
	w := b.bitBlock[i] | (uint64(1)<<(start%64) - 1)
	for {
		if w != ^uint64(0) {
			if r := uint32(i*64 + bits.TrailingZeros64(^w)); r < b.size {
				return r, nil
			}
			break
		}
		i++
		if i == len(b.bitBlock) {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.bitBlock[blockNum] &^= mask
		b.numOnes--
	}
}

// Clone returns a copy of b.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{numOnes: b.numOnes, size: b.size, bitBlock: make([]uint64, len(b.bitBlock))}
	copy(c.bitBlock, b.bitBlock)
	return c
}

// ForEach calls f for every set bit in ascending order.
func (b *Bitmap) ForEach(f func(i uint32)) {
	for blk, w := range b.bitBlock {
		for w != 0 {
			r := bits.TrailingZeros64(w)
			f(uint32(blk*64 + r))
			w &^= uint64(1) << r
		}
	}
}
