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

// Package nvmesim implements an NVMe controller model on top of host memory. The model
// executes commands when doorbells are written and reads and writes data through the
// device addresses of a dma.Translator, so the driver runs unmodified against it.
package nvmesim

import (
	"sync"

	"github.com/pawelgaczynski/gnvme/nvme"
	"github.com/pawelgaczynski/gnvme/pkg/dma"
	"github.com/rs/zerolog"
)

const nsid = 1

type submissionQueue struct {
	addr    uint64
	entries uint32
	head    uint32
	tail    uint32
	cqid    uint16
}

type completionQueue struct {
	addr    uint64
	entries uint32
	head    uint32
	tail    uint32
	phase   bool
}

func (cq *completionQueue) full() bool {
	return (cq.tail+1)%cq.entries == cq.head
}

// Device is a simulated controller. It implements mmio.Window.
type Device struct {
	mu         sync.Mutex
	config     config
	translator dma.Translator
	logger     zerolog.Logger

	cap  nvme.Cap
	vs   nvme.Vs
	cc   nvme.Cc
	csts nvme.Csts
	aqa  nvme.Aqa
	asq  uint64
	acq  uint64

	intms uint32

	sqs map[uint16]*submissionQueue
	cqs map[uint16]*completionQueue

	blocks     map[uint64][]byte
	hmbEnabled bool
	hmbSize    uint32
	hmbChunks  uint32
	granted    uint16

	commands  int
	flushes   int
	maxBlocks uint32
}

func New(translator dma.Translator, opts ...Option) *Device {
	cfg := newConfig(opts...)
	device := &Device{
		config:     cfg,
		translator: translator,
		logger:     cfg.logger,
		cap:        nvme.NewCap(cfg.mqes, cfg.timeout, cfg.mpsmin, cfg.mpsmin),
		vs:         nvme.NewVs(1, 4, 0),
		blocks:     make(map[uint64][]byte),
	}
	device.reset()

	if cfg.fatal {
		device.csts = device.csts.WithCfs(true)
	}

	return device
}

func (d *Device) reset() {
	d.sqs = make(map[uint16]*submissionQueue)
	d.cqs = make(map[uint16]*completionQueue)
	d.csts = d.csts.WithRdy(false)
	d.hmbEnabled = false
	d.granted = 0
}

func (d *Device) blockSize() uint32 {
	return 1 << d.config.blockSizeShift
}

func (d *Device) Read32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case nvme.RegCap:
		return uint32(d.cap)
	case nvme.RegCap + 4:
		return uint32(d.cap >> 32)
	case nvme.RegVs:
		return uint32(d.vs)
	case nvme.RegIntms, nvme.RegIntmc:
		return d.intms
	case nvme.RegCc:
		return uint32(d.cc)
	case nvme.RegCsts:
		return uint32(d.csts)
	case nvme.RegAqa:
		return uint32(d.aqa)
	case nvme.RegAsq:
		return uint32(d.asq)
	case nvme.RegAsq + 4:
		return uint32(d.asq >> 32)
	case nvme.RegAcq:
		return uint32(d.acq)
	case nvme.RegAcq + 4:
		return uint32(d.acq >> 32)
	}

	return 0
}

func (d *Device) Read64(offset uint32) uint64 {
	low := d.Read32(offset)
	high := d.Read32(offset + 4)

	return uint64(high)<<32 | uint64(low)
}

func (d *Device) Write64(offset uint32, value uint64) {
	d.Write32(offset, uint32(value))
	d.Write32(offset+4, uint32(value>>32))
}

func (d *Device) Write32(offset uint32, value uint32) {
	var interrupt bool

	d.mu.Lock()
	switch {
	case offset >= nvme.DoorbellBase:
		interrupt = d.doorbell(offset, value)
	case offset == nvme.RegIntms:
		d.intms |= value
	case offset == nvme.RegIntmc:
		d.intms &^= value
	case offset == nvme.RegCc:
		d.writeCc(nvme.Cc(value))
	case offset == nvme.RegAqa:
		d.aqa = nvme.Aqa(value)
	case offset == nvme.RegAsq:
		d.asq = d.asq&^0xffffffff | uint64(value)
	case offset == nvme.RegAsq+4:
		d.asq = d.asq&0xffffffff | uint64(value)<<32
	case offset == nvme.RegAcq:
		d.acq = d.acq&^0xffffffff | uint64(value)
	case offset == nvme.RegAcq+4:
		d.acq = d.acq&0xffffffff | uint64(value)<<32
	}
	d.mu.Unlock()

	if interrupt && d.config.interrupt != nil {
		d.config.interrupt()
	}
}

func (d *Device) writeCc(cc nvme.Cc) {
	enabling := cc.En() && !d.cc.En()
	disabling := !cc.En() && d.cc.En()
	d.cc = cc

	switch {
	case enabling:
		if d.config.neverReady || d.csts.Cfs() {
			return
		}

		d.sqs[0] = &submissionQueue{addr: d.asq, entries: uint32(d.aqa.Asqs()) + 1}
		d.cqs[0] = &completionQueue{addr: d.acq, entries: uint32(d.aqa.Acqs()) + 1, phase: true}
		d.csts = d.csts.WithRdy(true)
		d.logger.Debug().Uint64("asq", d.asq).Uint64("acq", d.acq).Msg("Controller enabled")
	case disabling:
		d.reset()
		d.logger.Debug().Msg("Controller disabled")
	}
}

// doorbell handles a doorbell write and reports whether I/O completions were posted.
func (d *Device) doorbell(offset, value uint32) bool {
	if !d.csts.Rdy() {
		return false
	}

	index := (offset - nvme.DoorbellBase) / 4
	qid := uint16(index / 2)

	if index%2 == 1 {
		if cq, ok := d.cqs[qid]; ok {
			cq.head = value % cq.entries
		}

		if qid == 0 || d.config.manualIo {
			return false
		}

		// Freed completion slots may unblock pending commands.
		return d.processAll() > 0
	}

	sq, ok := d.sqs[qid]
	if !ok {
		d.logger.Warn().Uint16("qid", qid).Msg("Doorbell write for unknown submission queue")

		return false
	}
	sq.tail = value % sq.entries

	if qid == 0 {
		d.processAdmin()

		return false
	}

	if d.config.manualIo {
		return false
	}

	return d.process(qid) > 0
}

// ProcessIo executes every pending I/O command and returns the number of completions
// posted. The interrupt function is called if any completion was posted.
func (d *Device) ProcessIo() int {
	d.mu.Lock()
	posted := d.processAll()
	d.mu.Unlock()

	if posted > 0 && d.config.interrupt != nil {
		d.config.interrupt()
	}

	return posted
}

// ProcessIoQueue executes at most limit pending commands of queue qid.
func (d *Device) ProcessIoQueue(qid uint16, limit int) int {
	d.mu.Lock()
	posted := 0
	if sq, ok := d.sqs[qid]; ok && qid != 0 {
		posted = d.processLimit(qid, sq, limit)
	}
	d.mu.Unlock()

	if posted > 0 && d.config.interrupt != nil {
		d.config.interrupt()
	}

	return posted
}

func (d *Device) processAll() int {
	posted := 0
	for qid := range d.sqs {
		if qid != 0 {
			posted += d.process(qid)
		}
	}

	return posted
}

func (d *Device) process(qid uint16) int {
	return d.processLimit(qid, d.sqs[qid], -1)
}

func (d *Device) processLimit(qid uint16, sq *submissionQueue, limit int) int {
	posted := 0
	for sq.head != sq.tail && posted != limit {
		cq, ok := d.cqs[sq.cqid]
		if !ok || cq.full() {
			break
		}

		sqe, err := d.entry(sq)
		if err != nil {
			d.logger.Error().Err(err).Uint16("qid", qid).Msg("Submission queue not mapped")

			break
		}
		sq.head = (sq.head + 1) % sq.entries

		dw0, sct, sc := d.executeIo(sqe)
		d.post(cq, dw0, sq.head, qid, sqe.Cid(), sct, sc)
		posted++
	}

	return posted
}

func (d *Device) entry(sq *submissionQueue) (nvme.Sqe, error) {
	data, err := d.translator.Translate(sq.addr+uint64(sq.head)*nvme.SqeSize, nvme.SqeSize)
	if err != nil {
		return nil, err
	}

	return nvme.Sqe(data), nil
}

func (d *Device) post(cq *completionQueue, dw0 uint32, sqhd uint32, sqid, cid uint16, sct, sc uint8) bool {
	data, err := d.translator.Translate(cq.addr+uint64(cq.tail)*nvme.CqeSize, nvme.CqeSize)
	if err != nil {
		d.logger.Error().Err(err).Uint16("sqid", sqid).Msg("Completion queue not mapped")

		return false
	}

	nvme.Cqe(data).Post(dw0, uint16(sqhd), sqid, cid, cq.phase, sct, sc)

	cq.tail++
	if cq.tail == cq.entries {
		cq.tail = 0
		cq.phase = !cq.phase
	}

	return true
}

func (d *Device) processAdmin() {
	sq := d.sqs[0]
	cq := d.cqs[0]

	for sq.head != sq.tail && !cq.full() {
		sqe, err := d.entry(sq)
		if err != nil {
			d.logger.Error().Err(err).Msg("Admin submission queue not mapped")

			return
		}
		sq.head = (sq.head + 1) % sq.entries

		if d.config.staleAdmin > 0 {
			d.config.staleAdmin--
			d.post(cq, 0, sq.head, 0, sqe.Cid()^0xffff, nvme.SctGeneric, nvme.ScSuccess)

			if cq.full() {
				return
			}
		}

		dw0, sct, sc := d.executeAdmin(sqe)
		d.post(cq, dw0, sq.head, 0, sqe.Cid(), sct, sc)
	}
}

// Commands returns the number of I/O commands executed.
func (d *Device) Commands() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.commands
}

// Flushes returns the number of flush commands executed.
func (d *Device) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.flushes
}

// MaxBlocks returns the largest block count of a single executed I/O command.
func (d *Device) MaxBlocks() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.maxBlocks
}

// HostMemoryBuffer reports whether the host memory buffer is enabled, its size in 4 KiB
// units and the number of descriptors.
func (d *Device) HostMemoryBuffer() (bool, uint32, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.hmbEnabled, d.hmbSize, d.hmbChunks
}

// IoQueues returns the number of I/O submission queues that exist.
func (d *Device) IoQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	queues := 0
	for qid := range d.sqs {
		if qid != 0 {
			queues++
		}
	}

	return queues
}

// ReadBlock returns a copy of block lba of namespace 1.
func (d *Device) ReadBlock(lba uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	block := make([]byte, d.blockSize())
	copy(block, d.blocks[lba])

	return block
}

// SetFatal sets or clears CSTS.CFS.
func (d *Device) SetFatal(fatal bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.csts = d.csts.WithCfs(fatal)
}

// SetStaleAdminCompletions changes the number of stale admin completions to inject.
func (d *Device) SetStaleAdminCompletions(count int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.config.staleAdmin = count
}

// FailAdmin fails the next count admin commands with the given opcode.
func (d *Device) FailAdmin(opcode nvme.AdminOpcode, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.config.failOpcodes[opcode] = count
}
