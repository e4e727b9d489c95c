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
	"math/rand"
	"testing"

	"github.com/pawelgaczynski/gnvme/logger"
	"github.com/pawelgaczynski/gnvme/nvme"
	"github.com/pawelgaczynski/gnvme/pkg/dma"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	. "github.com/stretchr/testify/require"
)

func newTestIoQueue(t *testing.T, entries uint32) *IoQueue {
	t.Helper()

	pool := dma.NewPool()
	queue, err := newIoQueue(3, pool, 64<<10, entries, logger.NewLogger("test", logger.Disabled, false))
	NoError(t, err)
	t.Cleanup(func() {
		NoError(t, queue.Close(pool))
		Zero(t, pool.Allocated())
	})

	return queue
}

func TestIoQueueCommandIDsUnique(t *testing.T) {
	const entries = 32
	queue := newTestIoQueue(t, entries)
	random := rand.New(rand.NewSource(1))

	inFlight := make(map[uint16]uint64)
	for step := 0; step < 10000; step++ {
		if len(inFlight) < entries-1 && random.Intn(3) != 0 {
			block := uint64(step)
			cid, err := queue.AdoptRequest(read(block, 1, 0))
			NoError(t, err)

			_, used := inFlight[cid]
			False(t, used, "command id %d handed out twice", cid)
			inFlight[cid] = block

			continue
		}

		for cid, block := range inFlight {
			True(t, queue.MarkCompletedRequest(cid, nvme.RequestID(3, cid), true))
			queue.WithCompletedRequest(cid, func(completion Completion) {
				Equal(t, block, completion.Request.BlockNumber)
			})
			delete(inFlight, cid)

			break
		}

		Equal(t, len(inFlight), queue.InFlight())
	}
}

func TestIoQueueCommandIDsExhausted(t *testing.T) {
	const entries = 4
	queue := newTestIoQueue(t, entries)

	for i := 0; i < entries-1; i++ {
		_, err := queue.AdoptRequest(Request{Operation: OperationSync})
		NoError(t, err)
	}

	_, err := queue.AdoptRequest(Request{Operation: OperationSync})
	ErrorIs(t, err, gnvmeErrors.ErrCommandIDsExhausted)
}

func TestIoQueueCompletionRequiresMark(t *testing.T) {
	queue := newTestIoQueue(t, 8)

	cid, err := queue.AdoptRequest(write(8, 8, 0))
	NoError(t, err)

	called := false
	queue.WithCompletedRequest(cid, func(Completion) { called = true })
	False(t, called)
	Equal(t, 1, queue.InFlight())

	True(t, queue.MarkCompletedRequest(cid, nvme.RequestID(3, cid), false))
	queue.WithCompletedRequest(cid, func(completion Completion) {
		called = true
		False(t, completion.Success)
		Equal(t, uint64(8), completion.Request.BlockNumber)
	})
	True(t, called)
	Equal(t, 0, queue.InFlight())
}

func TestIoQueueForAnyRequest(t *testing.T) {
	queue := newTestIoQueue(t, 8)

	_, err := queue.AdoptRequest(write(8, 8, 0))
	NoError(t, err)
	_, err = queue.AdoptRequest(Request{Operation: OperationSync})
	NoError(t, err)

	True(t, queue.ForAnyRequest(func(req Request) bool { return req.Operation == OperationSync }))
	False(t, queue.ForAnyRequest(func(req Request) bool { return req.Operation == OperationTrim }))

	cids := queue.abandon()
	Len(t, cids, 2)
	for _, cid := range cids {
		queue.WithCompletedRequest(cid, func(completion Completion) {
			False(t, completion.Success)
		})
	}
	Equal(t, 0, queue.InFlight())
}

func TestIoQueuePrpPages(t *testing.T) {
	queue := newTestIoQueue(t, 8)

	first, firstAddr := queue.prpPage(0)
	last, lastAddr := queue.prpPage(6)
	Len(t, first, nvme.PageSize)
	Len(t, last, nvme.PageSize)
	Equal(t, firstAddr+6*nvme.PageSize, lastAddr)
}

func TestRequestOverlaps(t *testing.T) {
	base := read(100, 10, 0)

	True(t, base.overlaps(read(109, 1, 0)))
	True(t, base.overlaps(read(0, 101, 0)))
	False(t, base.overlaps(read(110, 1, 0)))
	False(t, base.overlaps(read(0, 100, 0)))
	Equal(t, uint64(110), base.end())
}
