// Copyright (c) 2023 Paweł Gaczyński
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

// Package bitalloc implements a fixed-capacity identifier allocator backed by a bitmap.
// It is not safe for concurrent use.
package bitalloc

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrExhausted  = errors.New("bit allocator exhausted")
	ErrOutOfRange = errors.New("bit index out of range")
)

const wordBits = 64

type Allocator struct {
	words    []uint64
	capacity int
	used     int
	// next is where the search for a free bit starts, so identifiers are handed
	// out in rotating order instead of always reusing the lowest free one.
	next int
}

func New(capacity int) *Allocator {
	if capacity < 0 {
		capacity = 0
	}

	return &Allocator{
		words:    make([]uint64, (capacity+wordBits-1)/wordBits),
		capacity: capacity,
	}
}

// Alloc returns the next free index.
func (a *Allocator) Alloc() (int, error) {
	if a.used == a.capacity {
		return 0, ErrExhausted
	}

	for scanned := 0; scanned < a.capacity; {
		idx := (a.next + scanned) % a.capacity
		word, bit := idx/wordBits, idx%wordBits

		free := ^a.words[word] >> bit
		if free == 0 {
			scanned += wordBits - bit

			continue
		}

		offset := bits.TrailingZeros64(free)
		idx += offset
		if idx >= a.capacity {
			scanned += a.capacity - (idx - offset)

			continue
		}

		a.words[idx/wordBits] |= 1 << (idx % wordBits)
		a.used++
		a.next = (idx + 1) % a.capacity

		return idx, nil
	}

	return 0, ErrExhausted
}

// AllocAt marks a specific index as used.
func (a *Allocator) AllocAt(idx int) error {
	if idx < 0 || idx >= a.capacity {
		return fmt.Errorf("%w: %d", ErrOutOfRange, idx)
	}

	if a.Used(idx) {
		return fmt.Errorf("%w: %d already used", ErrExhausted, idx)
	}

	a.words[idx/wordBits] |= 1 << (idx % wordBits)
	a.used++

	return nil
}

func (a *Allocator) Free(idx int) {
	if !a.Used(idx) {
		return
	}

	a.words[idx/wordBits] &^= 1 << (idx % wordBits)
	a.used--
}

func (a *Allocator) Used(idx int) bool {
	if idx < 0 || idx >= a.capacity {
		return false
	}

	return a.words[idx/wordBits]&(1<<(idx%wordBits)) != 0
}

func (a *Allocator) InUse() int {
	return a.used
}

func (a *Allocator) Capacity() int {
	return a.capacity
}

func (a *Allocator) Full() bool {
	return a.used == a.capacity
}

// ForEach calls fn for every used index in ascending order until fn returns false.
func (a *Allocator) ForEach(fn func(idx int) bool) {
	for w, word := range a.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit

			if !fn(w*wordBits + bit) {
				return
			}
		}
	}
}
