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
	"fmt"

	"github.com/pawelgaczynski/gnvme/nvme"
	"github.com/pawelgaczynski/gnvme/pkg/bitalloc"
	"github.com/pawelgaczynski/gnvme/pkg/dma"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type inFlightRequest struct {
	request     Request
	compositeID uint32
	success     bool
	completed   bool
}

// IoQueue tracks the requests submitted through one I/O queue pair. It owns the DMA
// data buffer the requests transfer from or to and one PRP list page per command id.
type IoQueue struct {
	id       uint16
	data     *dma.Buffer
	prp      *dma.Buffer
	cids     *bitalloc.Allocator
	requests []inFlightRequest
	logger   zerolog.Logger
}

func newIoQueue(id uint16, allocator dma.Allocator, bufferSize int, entries uint32, logger zerolog.Logger,
) (*IoQueue, error) {
	slots := int(entries) - 1
	if slots < 1 {
		return nil, gnvmeErrors.ErrorIoQueueCreation(id, fmt.Errorf("ring of %d entries", entries))
	}

	data, err := allocator.Alloc(bufferSize)
	if err != nil {
		return nil, gnvmeErrors.ErrorIoQueueCreation(id, err)
	}

	prp, err := allocator.Alloc(slots * nvme.PageSize)
	if err != nil {
		return nil, gnvmeErrors.ErrorIoQueueCreation(id, multierr.Append(err, allocator.Free(data)))
	}

	return &IoQueue{
		id:       id,
		data:     data,
		prp:      prp,
		cids:     bitalloc.New(slots),
		requests: make([]inFlightRequest, slots),
		logger:   logger,
	}, nil
}

func (q *IoQueue) logDebug() *zerolog.Event {
	return q.logger.Debug().Uint16("qid", q.id)
}

func (q *IoQueue) logWarn() *zerolog.Event {
	return q.logger.Warn().Uint16("qid", q.id)
}

func (q *IoQueue) ID() uint16 {
	return q.id
}

// Buffer returns the local view of the data buffer.
func (q *IoQueue) Buffer() []byte {
	return q.data.Bytes()
}

func (q *IoQueue) BufferSize() int {
	return q.data.Size()
}

// InFlight returns the number of command ids in use.
func (q *IoQueue) InFlight() int {
	return q.cids.InUse()
}

// AdoptRequest assigns a free command id to req.
func (q *IoQueue) AdoptRequest(req Request) (uint16, error) {
	idx, err := q.cids.Alloc()
	if err != nil {
		return 0, fmt.Errorf("%w, qid: %d", gnvmeErrors.ErrCommandIDsExhausted, q.id)
	}

	cid := uint16(idx)
	q.requests[idx] = inFlightRequest{
		request:     req,
		compositeID: nvme.RequestID(q.id, cid),
	}

	return cid, nil
}

// MarkCompletedRequest records the result of command cid. A completion that does not
// belong to a request of this queue is dropped and false is returned.
func (q *IoQueue) MarkCompletedRequest(cid uint16, compositeID uint32, success bool) bool {
	if int(cid) >= len(q.requests) || !q.cids.Used(int(cid)) {
		q.logWarn().Uint16("cid", cid).Uint32("id", compositeID).Msg("Completion for unused command id")

		return false
	}

	slot := &q.requests[cid]
	if slot.compositeID != compositeID || slot.completed {
		q.logWarn().
			Uint16("cid", cid).
			Uint32("id", compositeID).
			Uint32("expected id", slot.compositeID).
			Bool("completed", slot.completed).
			Msg("Completion does not match submitted request")

		return false
	}

	slot.success = success
	slot.completed = true

	return true
}

// WithCompletedRequest hands the completed request cid to fn and frees the command id.
// It does nothing unless cid was marked completed.
func (q *IoQueue) WithCompletedRequest(cid uint16, fn func(Completion)) {
	if int(cid) >= len(q.requests) || !q.cids.Used(int(cid)) || !q.requests[cid].completed {
		return
	}

	slot := q.requests[cid]
	q.requests[cid] = inFlightRequest{}
	q.cids.Free(int(cid))

	q.logDebug().Uint16("cid", cid).Bool("success", slot.success).Msg("Request completed")
	fn(Completion{Request: slot.request, Success: slot.success})
}

// abandon marks every request in flight as completed without success and returns
// their command ids.
func (q *IoQueue) abandon() []uint16 {
	var cids []uint16
	q.cids.ForEach(func(idx int) bool {
		q.requests[idx].completed = true
		q.requests[idx].success = false
		cids = append(cids, uint16(idx))

		return true
	})

	return cids
}

// ForAnyRequest reports whether pred holds for any request in flight.
func (q *IoQueue) ForAnyRequest(pred func(Request) bool) bool {
	found := false
	q.cids.ForEach(func(idx int) bool {
		found = pred(q.requests[idx].request)

		return !found
	})

	return found
}

// prpPage returns the PRP list page of command cid and its device address.
func (q *IoQueue) prpPage(cid uint16) ([]byte, uint64) {
	offset := int(cid) * nvme.PageSize

	return q.prp.Slice(offset, nvme.PageSize), q.prp.Addr() + uint64(offset)
}

func (q *IoQueue) Close(allocator dma.Allocator) error {
	err := multierr.Combine(allocator.Free(q.data), allocator.Free(q.prp))
	q.data, q.prp = nil, nil

	return err
}
