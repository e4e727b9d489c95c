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

package dma

import (
	"fmt"
	"sort"
	"sync"

	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	"golang.org/x/sys/unix"
)

const defaultBaseAddr uint64 = 0x1_0000_0000

type PoolOption func(*Pool)

// WithLimit caps the number of bytes the pool hands out. Zero means unlimited.
func WithLimit(limit int) PoolOption {
	return func(p *Pool) {
		p.limit = limit
	}
}

// WithBaseAddr sets the first device address handed out by the pool.
func WithBaseAddr(addr uint64) PoolOption {
	return func(p *Pool) {
		p.nextAddr = addr
	}
}

// WithLockedMemory pins allocations with mlock so they are never paged out.
func WithLockedMemory(locked bool) PoolOption {
	return func(p *Pool) {
		p.locked = locked
	}
}

type region struct {
	addr uint64
	buf  []byte
}

// Pool is an Allocator backed by anonymous mmap regions. Device addresses are
// assigned from a private, monotonically growing address space and can be
// translated back with Translate, which makes the pool usable as the IOMMU view of
// a device model.
type Pool struct {
	mu        sync.Mutex
	regions   []region
	nextAddr  uint64
	limit     int
	allocated int
	locked    bool
}

func NewPool(opts ...PoolOption) *Pool {
	pool := &Pool{
		nextAddr: defaultBaseAddr,
	}
	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, gnvmeErrors.ErrorDMAAllocation(size, fmt.Errorf("invalid size"))
	}
	size = AdjustSize(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && p.allocated+size > p.limit {
		return nil, gnvmeErrors.ErrorDMAAllocation(size, fmt.Errorf("limit of %d bytes reached", p.limit))
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, gnvmeErrors.ErrorDMAAllocation(size, err)
	}

	if p.locked {
		if err = unix.Mlock(buf); err != nil {
			_ = unix.Munmap(buf)

			return nil, gnvmeErrors.ErrorDMAAllocation(size, err)
		}
	}

	addr := p.nextAddr
	p.nextAddr += uint64(size)
	p.allocated += size
	p.regions = append(p.regions, region{addr: addr, buf: buf})

	return NewBuffer(buf, addr), nil
}

func (p *Pool) Free(buffer *Buffer) error {
	if buffer == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.find(buffer.Addr())
	if idx < 0 || p.regions[idx].addr != buffer.Addr() {
		return gnvmeErrors.ErrorAddressNotMapped(buffer.Addr())
	}

	buf := p.regions[idx].buf
	p.regions = append(p.regions[:idx], p.regions[idx+1:]...)
	p.allocated -= len(buf)

	if p.locked {
		_ = unix.Munlock(buf)
	}

	return unix.Munmap(buf)
}

func (p *Pool) Translate(addr uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.find(addr)
	if idx < 0 {
		return nil, gnvmeErrors.ErrorAddressNotMapped(addr)
	}

	reg := p.regions[idx]
	offset := int(addr - reg.addr)
	if offset+size > len(reg.buf) {
		return nil, gnvmeErrors.ErrorAddressNotMapped(addr + uint64(size) - 1)
	}

	return reg.buf[offset : offset+size], nil
}

// Allocated returns the number of bytes currently handed out.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.allocated
}

// find returns the index of the region containing addr or -1.
func (p *Pool) find(addr uint64) int {
	idx := sort.Search(len(p.regions), func(i int) bool {
		return p.regions[i].addr > addr
	}) - 1
	if idx < 0 {
		return -1
	}

	reg := p.regions[idx]
	if addr >= reg.addr+uint64(len(reg.buf)) {
		return -1
	}

	return idx
}
