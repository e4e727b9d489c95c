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

package nvme

import (
	"sync/atomic"
	"unsafe"

	"github.com/pawelgaczynski/gnvme/pkg/dma"
)

type queue struct {
	buffer    *dma.Buffer
	entries   uint32
	entrySize uint32
	id        uint16
}

func (q *queue) entry(idx uint32) []byte {
	offset := idx * q.entrySize

	return q.buffer.Bytes()[offset : offset+q.entrySize]
}

func (q *queue) ID() uint16 {
	return q.id
}

func (q *queue) Entries() uint32 {
	return q.entries
}

// Addr returns the device address of the ring.
func (q *queue) Addr() uint64 {
	return q.buffer.Addr()
}

func (q *queue) Buffer() *dma.Buffer {
	return q.buffer
}

// Sq is a submission ring. Only the tail is tracked by the host; the device consumes
// entries up to the tail published through the doorbell.
type Sq struct {
	queue
	tail uint32
}

func NewSq(id uint16, buffer *dma.Buffer, entries uint32) *Sq {
	return &Sq{
		queue: queue{buffer: buffer, entries: entries, entrySize: SqeSize, id: id},
	}
}

// Next returns the zeroed entry at the tail and advances the local tail. The device does
// not see the entry until the tail is written to the doorbell.
func (sq *Sq) Next() Sqe {
	entry := Sqe(sq.entry(sq.tail))
	entry.Reset()
	sq.tail = (sq.tail + 1) % sq.entries

	return entry
}

func (sq *Sq) Tail() uint32 {
	return sq.tail
}

// Full reports whether advancing the tail would make it reach head.
func (sq *Sq) Full(head uint32) bool {
	return (sq.tail+1)%sq.entries == head
}

// Cq is a completion ring. New entries are recognized by their phase bit, which the
// device inverts on every pass over the ring.
type Cq struct {
	queue
	head  uint32
	phase bool
}

func NewCq(id uint16, buffer *dma.Buffer, entries uint32) *Cq {
	return &Cq{
		queue: queue{buffer: buffer, entries: entries, entrySize: CqeSize, id: id},
		phase: true,
	}
}

// Peek returns the entry at head if the device already posted it.
func (cq *Cq) Peek() (Cqe, bool) {
	entry := Cqe(cq.entry(cq.head))
	// The status field is the last one the device writes; load it atomically before
	// trusting any other field of the entry.
	dword := atomic.LoadUint32((*uint32)(unsafe.Pointer(&entry[cqeCid])))
	if (dword>>16)&1 != uint32(boolBit(cq.phase)) {
		return nil, false
	}

	return entry, true
}

// Advance consumes the entry at head and flips the phase on wrap around.
func (cq *Cq) Advance() {
	cq.head++
	if cq.head == cq.entries {
		cq.head = 0
		cq.phase = !cq.phase
	}
}

func (cq *Cq) Head() uint32 {
	return cq.head
}

func (cq *Cq) Phase() bool {
	return cq.phase
}
