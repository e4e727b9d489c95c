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

package nvmesim

import (
	"encoding/binary"

	"github.com/pawelgaczynski/gnvme/nvme"
)

func (d *Device) executeIo(sqe nvme.Sqe) (uint32, uint8, uint8) {
	d.commands++

	if sqe.Nsid() != nsid {
		return 0, nvme.SctGeneric, nvme.ScInvalidField
	}

	opcode := nvme.IoOpcode(sqe.Opcode())
	if opcode == nvme.IoFlush {
		d.flushes++

		return 0, nvme.SctGeneric, nvme.ScSuccess
	}

	io := nvme.SqeIo{Sqe: sqe}
	slba := io.Slba()
	count := uint32(io.Nlb()) + 1
	d.maxBlocks = max(d.maxBlocks, count)

	if slba >= d.config.blockCount || uint64(count) > d.config.blockCount-slba {
		return 0, nvme.SctGeneric, nvme.ScLbaOutOfRange
	}

	switch opcode {
	case nvme.IoWriteZeroes:
		for lba := slba; lba < slba+uint64(count); lba++ {
			delete(d.blocks, lba)
		}

		return 0, nvme.SctGeneric, nvme.ScSuccess
	case nvme.IoRead, nvme.IoWrite:
		size := int(count) * int(d.blockSize())
		if d.config.mdts != 0 && size > d.cap.MinPageSize()<<d.config.mdts {
			return 0, nvme.SctGeneric, nvme.ScInvalidField
		}

		segments, err := d.prpSegments(sqe, size)
		if err != nil {
			d.logger.Warn().Err(err).Uint16("cid", sqe.Cid()).Msg("Invalid PRP")

			return 0, nvme.SctGeneric, nvme.ScDataTransferErr
		}

		d.transfer(opcode == nvme.IoWrite, slba, segments)

		return 0, nvme.SctGeneric, nvme.ScSuccess
	}

	return 0, nvme.SctGeneric, nvme.ScInvalidOpcode
}

// prpSegments resolves the data pointer of a command into local memory segments.
func (d *Device) prpSegments(sqe nvme.Sqe, size int) ([][]byte, error) {
	first := nvme.PageSize - int(sqe.Prp1()%nvme.PageSize)
	first = min(first, size)

	segment, err := d.translator.Translate(sqe.Prp1(), first)
	if err != nil {
		return nil, err
	}
	segments := [][]byte{segment}
	size -= first

	if size == 0 {
		return segments, nil
	}

	if size <= nvme.PageSize {
		segment, err = d.translator.Translate(sqe.Prp2(), size)
		if err != nil {
			return nil, err
		}

		return append(segments, segment), nil
	}

	pages := (size + nvme.PageSize - 1) / nvme.PageSize

	list, err := d.translator.Translate(sqe.Prp2(), pages*8)
	if err != nil {
		return nil, err
	}

	for i := 0; i < pages; i++ {
		length := min(size, nvme.PageSize)

		segment, err = d.translator.Translate(binary.LittleEndian.Uint64(list[i*8:]), length)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
		size -= length
	}

	return segments, nil
}

func (d *Device) transfer(write bool, lba uint64, segments [][]byte) {
	blockSize := int(d.blockSize())
	block, offset := lba, 0

	for _, segment := range segments {
		for len(segment) > 0 {
			data, ok := d.blocks[block]
			if !ok && write {
				data = make([]byte, blockSize)
				d.blocks[block] = data
			}

			n := min(len(segment), blockSize-offset)
			if write {
				copy(data[offset:], segment[:n])
			} else if ok {
				copy(segment[:n], data[offset:])
			} else {
				clear(segment[:n])
			}

			segment = segment[n:]
			offset += n
			if offset == blockSize {
				block++
				offset = 0
			}
		}
	}
}
