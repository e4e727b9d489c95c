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

// Package mmio abstracts a device register window.
package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a little-endian register window. Offsets are in bytes from the window base.
type Window interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
	Read64(offset uint32) uint64
	Write64(offset uint32, value uint64)
}

// Mapped is a Window over memory that is mapped to the device, for example a PCI BAR.
// Accesses use atomic loads and stores so the compiler never merges or elides them.
type Mapped struct {
	mem   []byte
	unmap func([]byte) error
}

func NewMapped(mem []byte) *Mapped {
	return &Mapped{mem: mem}
}

// MapResource maps size bytes of a PCI resource file (for example
// /sys/bus/pci/devices/0000:01:00.0/resource0) as a register window.
func MapResource(path string, size int) (*Mapped, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Mapped{mem: mem, unmap: unix.Munmap}, nil
}

func (m *Mapped) ptr32(offset uint32) *uint32 {
	_ = m.mem[offset+3]

	return (*uint32)(unsafe.Pointer(&m.mem[offset]))
}

func (m *Mapped) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(m.ptr32(offset))
}

func (m *Mapped) Write32(offset uint32, value uint32) {
	atomic.StoreUint32(m.ptr32(offset), value)
}

// Read64 reads the low dword first, as required for 64-bit registers on
// controllers that do not support 64-bit accesses.
func (m *Mapped) Read64(offset uint32) uint64 {
	low := m.Read32(offset)
	high := m.Read32(offset + 4)

	return uint64(high)<<32 | uint64(low)
}

func (m *Mapped) Write64(offset uint32, value uint64) {
	m.Write32(offset, uint32(value))
	m.Write32(offset+4, uint32(value>>32))
}

func (m *Mapped) Close() error {
	if m.unmap == nil {
		return nil
	}

	return m.unmap(m.mem)
}
