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

package gnvme

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pawelgaczynski/gnvme/nvme"
	"github.com/pawelgaczynski/gnvme/nvmesim"
	"github.com/pawelgaczynski/gnvme/pkg/dma"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	. "github.com/stretchr/testify/require"
)

type testDriver struct {
	*Driver
	device *nvmesim.Device
	pool   *dma.Pool
}

func newTestDriver(t *testing.T, simOpts []nvmesim.Option, opts ...ConfigOption) *testDriver {
	t.Helper()

	pool := dma.NewPool()
	device := nvmesim.New(pool, simOpts...)
	config := NewConfig(append([]ConfigOption{WithBufferSize(1 << 20)}, opts...)...)

	driver, err := NewDriver(config, Platform{Window: device, Allocator: pool})
	NoError(t, err)

	t.Cleanup(func() {
		NoError(t, driver.Close())
		Zero(t, pool.Allocated())
	})

	return &testDriver{Driver: driver, device: device, pool: pool}
}

func (d *testDriver) createQueue(t *testing.T) uint16 {
	t.Helper()

	qid, err := d.CreateIoQueue(d.config.BufferSize)
	NoError(t, err)

	return qid
}

// submit checks and, when accepted, submits req.
func (d *testDriver) submit(t *testing.T, qid uint16, req Request) (Decision, Request) {
	t.Helper()

	decision, effective := d.CheckAcceptance(qid, req)
	if decision == Accepted {
		_, err := d.Submit(qid, effective)
		NoError(t, err)
	}

	return decision, effective
}

// complete delivers every posted completion of queue qid.
func (d *testDriver) complete(qid uint16) []Completion {
	var completions []Completion
	d.WithAnyCompletedJob(qid, func(cid uint16) {
		d.WithCompletedRequest(qid, cid, func(completion Completion) {
			completions = append(completions, completion)
		})
	})

	return completions
}

func read(block uint64, count uint32, offset uint64) Request {
	return Request{Operation: OperationRead, BlockNumber: block, Count: count, Offset: offset}
}

func write(block uint64, count uint32, offset uint64) Request {
	return Request{Operation: OperationWrite, BlockNumber: block, Count: count, Offset: offset}
}

func TestDriverReadCompletes(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithNamespace(1048576, 9)})
	qid := driver.createQueue(t)

	Equal(t, uint64(1048576), driver.Info().Namespace.BlockCount)
	Equal(t, uint32(512), driver.Info().Namespace.BlockSize)

	decision, _ := driver.submit(t, qid, read(0, 8, 0))
	Equal(t, Accepted, decision)
	Equal(t, 1, driver.SubmitsInFlight())
	driver.Commit(qid)

	completions := driver.complete(qid)
	Len(t, completions, 1)
	True(t, completions[0].Success)
	Equal(t, uint32(8), completions[0].Request.Count)
	Equal(t, 0, driver.Queue(qid).InFlight())
	Equal(t, 0, driver.SubmitsInFlight())
}

func TestDriverOverlappingWritesRetry(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true)})
	qid := driver.createQueue(t)

	decision, _ := driver.submit(t, qid, write(100, 10, 0))
	Equal(t, Accepted, decision)
	driver.Commit(qid)

	second := write(105, 10, 8*nvme.PageSize)
	for i := 0; i < 3; i++ {
		decision, _ = driver.CheckAcceptance(qid, second)
		Equal(t, Retry, decision)
	}

	Equal(t, 1, driver.device.ProcessIo())
	Len(t, driver.complete(qid), 1)

	decision, _ = driver.submit(t, qid, second)
	Equal(t, Accepted, decision)
}

func TestDriverOverlapRelations(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true)})
	qid := driver.createQueue(t)

	decision, _ := driver.submit(t, qid, write(100, 10, 0))
	Equal(t, Accepted, decision)

	tests := []struct {
		name     string
		block    uint64
		count    uint32
		decision Decision
	}{
		{"contained", 102, 3, Retry},
		{"containing", 95, 25, Retry},
		{"crossing start", 95, 6, Retry},
		{"crossing end", 109, 6, Retry},
		{"same range", 100, 10, Retry},
		{"adjacent after", 110, 10, Accepted},
		{"adjacent before", 90, 10, Accepted},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			decision, _ := driver.CheckAcceptance(qid, read(test.block, test.count, 0))
			Equal(t, test.decision, decision)
		})
	}

	// Flushes never overlap anything.
	decision, _ = driver.submit(t, qid, Request{Operation: OperationSync})
	Equal(t, Accepted, decision)
	decision, _ = driver.CheckAcceptance(qid, read(0, 1, 0))
	Equal(t, Accepted, decision)
}

func TestDriverNoAcceptedOverlappingPair(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true), nvmesim.WithNamespace(256, 9)})
	qid := driver.createQueue(t)

	var accepted []Request
	for block := uint64(0); block < 240; block += 3 {
		for _, count := range []uint32{1, 4, 9} {
			decision, effective := driver.submit(t, qid, read(block, count, 0))
			if decision == Accepted {
				accepted = append(accepted, effective)
			}
		}
	}

	NotEmpty(t, accepted)
	for i := range accepted {
		for j := i + 1; j < len(accepted); j++ {
			False(t, accepted[i].overlaps(accepted[j]), "%v overlaps %v", accepted[i], accepted[j])
		}
	}
}

func TestDriverClampsToMaxCount(t *testing.T) {
	// MDTS of one gives two memory pages per command.
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithMdts(1)}, WithBufferSize(8<<20))
	qid := driver.createQueue(t)

	maxCount := driver.Info().Namespace.MaxCount
	Equal(t, uint32(16), maxCount)

	decision, effective := driver.submit(t, qid, read(0, 8192, 0))
	Equal(t, Accepted, decision)
	Equal(t, maxCount, effective.Count)
	driver.Commit(qid)

	completions := driver.complete(qid)
	Len(t, completions, 1)
	True(t, completions[0].Success)
	Equal(t, maxCount, completions[0].Request.Count)
	Equal(t, maxCount, driver.device.MaxBlocks())
}

func TestDriverClampedRangeIsChecked(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithMdts(1), nvmesim.WithManualIo(true)})
	qid := driver.createQueue(t)

	decision, _ := driver.submit(t, qid, write(0, 16, 0))
	Equal(t, Accepted, decision)

	// Clamped to [16, 32), which does not touch the request in flight.
	decision, effective := driver.CheckAcceptance(qid, read(16, 1000, 0))
	Equal(t, Accepted, decision)
	Equal(t, uint32(16), effective.Count)
}

func TestSetDataPointer(t *testing.T) {
	const (
		addr     = uint64(0x10_0000)
		pageAddr = uint64(0x20_0000)
	)

	tests := []struct {
		name  string
		pages uint64
		prp2  uint64
	}{
		{"one page", 1, 0},
		{"two pages", 2, addr + nvme.PageSize},
		{"three pages", 3, pageAddr},
		{"max pages", 512, pageAddr},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sqe := nvme.Sqe(make([]byte, nvme.SqeSize))
			page := make([]byte, nvme.PageSize)

			setDataPointer(sqe, addr, test.pages*nvme.PageSize, page, pageAddr)
			Equal(t, addr, sqe.Prp1())
			Equal(t, test.prp2, sqe.Prp2())

			if test.pages <= 2 {
				Equal(t, make([]byte, nvme.PageSize), page)

				return
			}

			for i := uint64(0); i < test.pages-1; i++ {
				Equal(t, addr+(i+1)*nvme.PageSize, binary.LittleEndian.Uint64(page[i*8:]))
			}
			for i := test.pages - 1; i < nvme.PageSize/8; i++ {
				Zero(t, binary.LittleEndian.Uint64(page[i*8:]))
			}
		})
	}
}

func TestDriverDataRoundTrip(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithMdts(0)})
	qid := driver.createQueue(t)
	buffer := driver.Queue(qid).Buffer()

	const size = 64 << 10
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i*7 + i/512)
	}
	copy(buffer, pattern)

	decision, _ := driver.submit(t, qid, write(1000, size/512, 0))
	Equal(t, Accepted, decision)
	driver.Commit(qid)
	completions := driver.complete(qid)
	Len(t, completions, 1)
	True(t, completions[0].Success)

	Equal(t, pattern[:512], driver.device.ReadBlock(1000))
	Equal(t, pattern[size-512:], driver.device.ReadBlock(1000+size/512-1))

	decision, _ = driver.submit(t, qid, read(1000, size/512, size))
	Equal(t, Accepted, decision)
	driver.Commit(qid)
	completions = driver.complete(qid)
	Len(t, completions, 1)
	True(t, completions[0].Success)
	True(t, bytes.Equal(pattern, buffer[size:2*size]))

	decision, _ = driver.submit(t, qid, Request{Operation: OperationTrim, BlockNumber: 1000, Count: 1})
	Equal(t, Accepted, decision)
	driver.Commit(qid)
	Len(t, driver.complete(qid), 1)
	Equal(t, make([]byte, 512), driver.device.ReadBlock(1000))
}

func TestDriverRejections(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithNamespace(1024, 9)})
	qid := driver.createQueue(t)
	readOnly := &Session{writeable: false}

	tests := []struct {
		name string
		req  Request
	}{
		{"misaligned offset", read(0, 1, 512)},
		{"invalid operation", Request{Operation: OperationInvalid}},
		{"unknown operation", Request{Operation: Operation(42)}},
		{"zero count", read(0, 0, 0)},
		{"outside namespace", read(1024, 1, 0)},
		{"crossing namespace end", read(1020, 8, 0)},
		{"outside buffer", read(0, 8, 1 << 20)},
		{"crossing buffer end", read(0, 16, 1<<20 - nvme.PageSize)},
		{"write on read only session", Request{Operation: OperationWrite, Count: 1, session: readOnly}},
		{"trim on read only session", Request{Operation: OperationTrim, Count: 1, session: readOnly}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			decision, _ := driver.CheckAcceptance(qid, test.req)
			Equal(t, Rejected, decision)
		})
	}

	decision, _ := driver.CheckAcceptance(qid, Request{Operation: OperationRead, Count: 1, session: readOnly})
	Equal(t, Accepted, decision)
	decision, _ = driver.CheckAcceptance(qid, Request{Operation: OperationSync, session: readOnly})
	Equal(t, Accepted, decision)
}

func TestDriverQueueFullRetry(t *testing.T) {
	const entries = 8
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true)}, WithIoEntries(entries))
	qid := driver.createQueue(t)

	for i := 0; i < entries-1; i++ {
		decision, _ := driver.submit(t, qid, Request{Operation: OperationSync})
		Equal(t, Accepted, decision)
	}

	decision, _ := driver.CheckAcceptance(qid, Request{Operation: OperationSync})
	Equal(t, Retry, decision)
	decision, _ = driver.CheckAcceptance(qid, Request{Operation: OperationSync})
	Equal(t, Retry, decision)
	Equal(t, entries-1, driver.Queue(qid).InFlight())

	driver.Commit(qid)
	Equal(t, 1, driver.device.ProcessIoQueue(qid, 1))
	Len(t, driver.complete(qid), 1)

	decision, _ = driver.CheckAcceptance(qid, Request{Operation: OperationSync})
	Equal(t, Accepted, decision)
}

func TestDriverCompletionMismatchDropped(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true)})
	qid := driver.createQueue(t)
	queue := driver.Queue(qid)

	cid, err := driver.Submit(qid, Request{Operation: OperationSync})
	NoError(t, err)

	False(t, queue.MarkCompletedRequest(cid, nvme.RequestID(qid+1, cid), true))
	False(t, queue.MarkCompletedRequest(cid+1, nvme.RequestID(qid, cid+1), true))
	Equal(t, 1, queue.InFlight())

	called := false
	queue.WithCompletedRequest(cid+1, func(Completion) { called = true })
	False(t, called)

	True(t, queue.MarkCompletedRequest(cid, nvme.RequestID(qid, cid), true))
	False(t, queue.MarkCompletedRequest(cid, nvme.RequestID(qid, cid), true))

	driver.WithCompletedRequest(qid, cid, func(completion Completion) {
		called = true
		True(t, completion.Success)
	})
	True(t, called)
	Equal(t, 0, queue.InFlight())
	Equal(t, 0, driver.SubmitsInFlight())
}

func TestDriverCreateIoQueueRollback(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithMaxQueues(2)})
	allocated := driver.pool.Allocated()

	driver.device.FailAdmin(nvme.AdminCreateIoSq, 1)
	_, err := driver.CreateIoQueue(1 << 20)
	ErrorIs(t, err, gnvmeErrors.ErrIoQueueCreation)
	Equal(t, allocated, driver.pool.Allocated())

	first := driver.createQueue(t)
	second := driver.createQueue(t)
	ElementsMatch(t, []uint16{1, 2}, []uint16{first, second})

	_, err = driver.CreateIoQueue(1 << 20)
	ErrorIs(t, err, gnvmeErrors.ErrQueueIDsExhausted)

	NoError(t, driver.FreeIoQueue(first))
	Equal(t, first, driver.createQueue(t))
	ErrorIs(t, driver.FreeIoQueue(7), gnvmeErrors.ErrInvalidQueue)
}

func TestDriverStopAndResume(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true)})
	first := driver.createQueue(t)
	second := driver.createQueue(t)

	NoError(t, driver.Resume())
	Equal(t, PowerRunning, driver.State())

	decision, _ := driver.submit(t, first, write(0, 8, 0))
	Equal(t, Accepted, decision)
	driver.Commit(first)

	False(t, driver.Stop())
	Equal(t, PowerStopping, driver.State())
	True(t, driver.ControllerPresent())

	decision, _ = driver.CheckAcceptance(second, read(100, 1, 0))
	Equal(t, Retry, decision)

	Equal(t, 1, driver.device.ProcessIo())
	Len(t, driver.complete(first), 1)

	True(t, driver.Stop())
	Equal(t, PowerStopped, driver.State())
	False(t, driver.ControllerPresent())
	Equal(t, 0, driver.device.IoQueues())

	decision, _ = driver.CheckAcceptance(second, read(100, 1, 0))
	Equal(t, Retry, decision)

	NoError(t, driver.Resume())
	Equal(t, PowerRunning, driver.State())
	True(t, driver.ControllerPresent())
	Equal(t, 2, driver.device.IoQueues())

	decision, _ = driver.submit(t, second, read(100, 1, 0))
	Equal(t, Accepted, decision)
	driver.Commit(second)
	Equal(t, 1, driver.device.ProcessIo())
	completions := driver.complete(second)
	Len(t, completions, 1)
	True(t, completions[0].Success)
}

func TestDriverCreateIoQueueAfterFailedRollback(t *testing.T) {
	driver := newTestDriver(t, nil, WithMaxIoQueues(1))

	driver.device.FailAdmin(nvme.AdminCreateIoSq, 1)
	driver.device.FailAdmin(nvme.AdminDeleteIoCq, 1)
	_, err := driver.CreateIoQueue(1 << 20)
	ErrorIs(t, err, gnvmeErrors.ErrIoQueueCreation)

	for i := 0; i < 3; i++ {
		qid := driver.createQueue(t)
		Equal(t, uint16(1), qid)
		Equal(t, 1, driver.device.IoQueues())
		NoError(t, driver.FreeIoQueue(qid))
	}
}

func TestDriverFreeIoQueueRetry(t *testing.T) {
	driver := newTestDriver(t, nil, WithMaxIoQueues(1))
	qid := driver.createQueue(t)

	driver.device.FailAdmin(nvme.AdminDeleteIoSq, 1)
	ErrorIs(t, driver.FreeIoQueue(qid), gnvmeErrors.ErrQueueDeleteFailed)
	NotNil(t, driver.Queue(qid))
	Equal(t, 1, driver.device.IoQueues())

	_, err := driver.CreateIoQueue(1 << 20)
	ErrorIs(t, err, gnvmeErrors.ErrQueueIDsExhausted)

	NoError(t, driver.FreeIoQueue(qid))
	Nil(t, driver.Queue(qid))
	Equal(t, 0, driver.device.IoQueues())
	Equal(t, qid, driver.createQueue(t))
}

func TestDriverResumeCancelsStop(t *testing.T) {
	driver := newTestDriver(t, []nvmesim.Option{nvmesim.WithManualIo(true)})
	qid := driver.createQueue(t)

	decision, _ := driver.submit(t, qid, write(0, 8, 0))
	Equal(t, Accepted, decision)
	driver.Commit(qid)

	False(t, driver.Stop())
	Equal(t, PowerStopping, driver.State())

	NoError(t, driver.Resume())
	Equal(t, PowerRunning, driver.State())
	True(t, driver.ControllerPresent())

	decision, _ = driver.submit(t, qid, read(100, 1, 0))
	Equal(t, Accepted, decision)
	driver.Commit(qid)

	Equal(t, 2, driver.device.ProcessIo())
	Len(t, driver.complete(qid), 2)
	Equal(t, PowerRunning, driver.State())
	Equal(t, 1, driver.device.IoQueues())
}
