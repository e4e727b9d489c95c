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
	"fmt"

	"github.com/pawelgaczynski/gnvme/pkg/dma"
	"go.uber.org/multierr"
)

// maxHmbDescriptors is the number of descriptors fitting the single list page.
const maxHmbDescriptors = PageSize / HmbDescriptorSize

type hostMemoryBuffer struct {
	list   *dma.Buffer
	chunks []*dma.Buffer
	size   uint64
}

func (h *hostMemoryBuffer) release(allocator dma.Allocator) error {
	var err error
	for _, chunk := range h.chunks {
		err = multierr.Append(err, allocator.Free(chunk))
	}
	h.chunks = nil

	if h.list != nil {
		err = multierr.Append(err, allocator.Free(h.list))
		h.list = nil
	}

	return err
}

func alignUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) / alignment * alignment
}

func alignDown(value, alignment uint64) uint64 {
	return value / alignment * alignment
}

// hmbLayout returns the chunk size and chunk count for a host memory buffer of at most
// size bytes. A zero count means the buffer cannot satisfy the controller minimum.
func hmbLayout(size, chunkSize uint64, hmpre, hmmin uint32) (uint64, uint64) {
	preferred := uint64(hmpre) * PageSize
	minimum := uint64(hmmin) * PageSize

	if preferred == 0 {
		return chunkSize, 0
	}

	if preferred < chunkSize {
		chunkSize = alignUp(preferred, PageSize)
	}

	size = min(alignUp(size, chunkSize), alignDown(preferred, chunkSize), maxHmbDescriptors*chunkSize)
	if size == 0 || size < minimum {
		return chunkSize, 0
	}

	return chunkSize, size / chunkSize
}

// SetupHmb offers up to size bytes of host memory to the controller. The buffer is
// optional: every failure leaves it disabled and is only logged.
func (c *Controller) SetupHmb(size uint64) bool {
	if c.hmb != nil {
		return true
	}

	if size == 0 || c.info.Hmpre == 0 {
		c.logDebug().Uint64("size", size).Uint32("hmpre", c.info.Hmpre).Msg("Host memory buffer not used")

		return false
	}

	if size < uint64(c.info.Hmmin)*PageSize {
		c.logWarn().
			Uint64("size", size).
			Uint64("hmmin", uint64(c.info.Hmmin)*PageSize).
			Msg("Host memory buffer below controller minimum, disabled")

		return false
	}

	chunkSize, count := hmbLayout(size, c.config.hmbChunkSize, c.info.Hmpre, c.info.Hmmin)
	if count == 0 {
		c.logWarn().Uint64("size", size).Msg("Host memory buffer cannot satisfy controller minimum, disabled")

		return false
	}

	hmb, err := c.allocHmb(chunkSize, count)
	if err != nil {
		c.logWarn().Err(err).Msg("Host memory buffer allocation failed, disabled")

		return false
	}

	_, err = c.adminCommand(cidSetHmb, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminSetFeatures))
		feature := SqeHmb{SqeFeature{sqe}}
		feature.SetFid(FeatureHostMemoryBuffer)
		feature.SetEhm(true)
		feature.SetHsize(uint32(hmb.size / PageSize))
		feature.SetDescriptorList(hmb.list.Addr())
		feature.SetEntryCount(uint32(len(hmb.chunks)))

		return "enable host memory buffer"
	})
	if err != nil {
		c.logWarn().Err(multierr.Append(err, hmb.release(c.allocator))).Msg("Host memory buffer rejected, disabled")

		return false
	}

	c.hmb = hmb
	c.logInfo().
		Uint64("size", hmb.size).
		Int("chunks", len(hmb.chunks)).
		Uint64("chunk size", chunkSize).
		Msg("Host memory buffer enabled")

	return true
}

func (c *Controller) allocHmb(chunkSize, count uint64) (*hostMemoryBuffer, error) {
	hmb := &hostMemoryBuffer{}

	list, err := c.alloc("HMB descriptor list", PageSize)
	if err != nil {
		return nil, err
	}
	hmb.list = list
	list.Zero()

	for i := uint64(0); i < count; i++ {
		chunk, err := c.alloc(fmt.Sprintf("HMB chunk %d", i), int(chunkSize))
		if err != nil {
			return nil, multierr.Append(err, hmb.release(c.allocator))
		}
		hmb.chunks = append(hmb.chunks, chunk)

		HmbDescriptor(list.Slice(int(i)*HmbDescriptorSize, HmbDescriptorSize)).
			Set(chunk.Addr(), uint32(chunkSize/PageSize))
		hmb.size += chunkSize
	}

	return hmb, nil
}

func (c *Controller) disableHmb() error {
	_, err := c.adminCommand(cidDisableHmb, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminSetFeatures))
		feature := SqeHmb{SqeFeature{sqe}}
		feature.SetFid(FeatureHostMemoryBuffer)
		feature.SetEhm(false)

		return "disable host memory buffer"
	})

	return err
}
