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

// Package dma provides memory regions that are visible to a device. Every buffer
// has a process-local view and a device address (physical or IOMMU address).
package dma

import (
	"os"
)

var PageSize = os.Getpagesize()

// Buffer is a contiguous DMA region. It is owned by whoever allocated it and must be
// returned to the same Allocator.
type Buffer struct {
	buf  []byte
	addr uint64
}

func NewBuffer(buf []byte, addr uint64) *Buffer {
	return &Buffer{buf: buf, addr: addr}
}

func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Addr returns the device-visible address of the first byte.
func (b *Buffer) Addr() uint64 {
	return b.addr
}

func (b *Buffer) Size() int {
	return len(b.buf)
}

func (b *Buffer) Zero() {
	clear(b.buf)
}

// Slice returns the local view of [offset, offset+size).
func (b *Buffer) Slice(offset, size int) []byte {
	return b.buf[offset : offset+size]
}

type Allocator interface {
	Alloc(size int) (*Buffer, error)
	Free(buffer *Buffer) error
}

// Translator resolves device addresses back to local memory. Device models use it the
// same way real hardware walks PRP entries.
type Translator interface {
	Translate(addr uint64, size int) ([]byte, error)
}

// AdjustSize rounds size up to a whole number of pages.
func AdjustSize(size int) int {
	return (size + PageSize - 1) / PageSize * PageSize
}
