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
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/pawelgaczynski/gnvme/logger"
	"github.com/pawelgaczynski/gnvme/nvme"
	"github.com/pawelgaczynski/gnvme/pkg/bitalloc"
	"github.com/pawelgaczynski/gnvme/pkg/dma"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	"github.com/pawelgaczynski/gnvme/pkg/mmio"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Platform gives access to one controller: its register window and the memory the
// controller can reach with DMA.
type Platform struct {
	Window    mmio.Window
	Allocator dma.Allocator
}

// Info is a snapshot of the identified controller.
type Info struct {
	Controller nvme.ControllerInfo
	Namespace  nvme.NamespaceInfo
	HmbEnabled bool
	IoQueues   uint16
}

// Driver turns block requests into NVMe commands. Apart from State, Info and
// SubmitsInFlight it must be used from a single goroutine.
type Driver struct {
	config     Config
	platform   Platform
	controller *nvme.Controller
	queues     map[uint16]*IoQueue
	qids       *bitalloc.Allocator
	inFlight   int
	power      *powerControl
	info       atomic.Pointer[Info]
	logger     zerolog.Logger
}

// NewDriver initializes the controller behind platform. It fails if the controller does
// not become ready or cannot be identified.
func NewDriver(config Config, platform Platform) (*Driver, error) {
	driver := &Driver{
		config:   config,
		platform: platform,
		queues:   make(map[uint16]*IoQueue),
		power:    newPowerControl(),
		logger:   logger.NewLogger("driver", config.LoggerLevel, config.PrettyLogger),
	}

	if err := driver.initController(); err != nil {
		return nil, err
	}

	return driver, nil
}

func (d *Driver) logDebug() *zerolog.Event {
	return d.logger.Debug().Str("state", d.power.state().String())
}

func (d *Driver) logInfo() *zerolog.Event {
	return d.logger.Info().Str("state", d.power.state().String())
}

func (d *Driver) logWarn() *zerolog.Event {
	return d.logger.Warn().Str("state", d.power.state().String())
}

func (d *Driver) logError(err error) *zerolog.Event {
	return d.logger.Error().Str("state", d.power.state().String()).Err(err)
}

func (d *Driver) initController() error {
	controller := nvme.NewController(d.platform.Window, d.platform.Allocator,
		nvme.WithAdminEntries(d.config.AdminEntries),
		nvme.WithIoEntries(d.config.IoEntries),
		nvme.WithPollInterval(d.config.PollInterval),
		nvme.WithLogger(logger.NewLogger("nvme", d.config.LoggerLevel, d.config.PrettyLogger)),
		nvme.WithVerboseRegs(d.config.VerboseRegs),
		nvme.WithVerboseIdentify(d.config.VerboseIdentify),
		nvme.WithVerboseMem(d.config.VerboseMem),
	)

	err := controller.Init()
	if err == nil {
		err = controller.Identify()
	}

	var granted uint16
	if err == nil {
		controller.SetupHmb(d.config.MaxHmbSize)
		granted, err = controller.SetupNumQueues(max(1, d.config.MaxIoQueues))
	}

	if err != nil {
		return multierr.Append(err, controller.Close())
	}

	if d.qids == nil {
		d.qids = bitalloc.New(int(granted))
	} else if int(granted) < d.qids.Capacity() {
		d.logWarn().
			Uint16("granted", granted).
			Int("previous", d.qids.Capacity()).
			Msg("Controller granted fewer I/O queues than before")
	}

	d.controller = controller
	d.info.Store(&Info{
		Controller: controller.Info(),
		Namespace:  controller.Namespace(),
		HmbEnabled: controller.HmbEnabled(),
		IoQueues:   granted,
	})

	d.logInfo().
		Str("serial", controller.Info().Serial).
		Uint64("blocks", controller.Namespace().BlockCount).
		Uint32("block size", controller.Namespace().BlockSize).
		Uint16("io queues", granted).
		Bool("hmb", controller.HmbEnabled()).
		Msg("Controller ready")

	return nil
}

// Info returns the snapshot taken when the controller was last initialized.
func (d *Driver) Info() Info {
	return *d.info.Load()
}

func (d *Driver) ControllerPresent() bool {
	return d.controller != nil
}

// SubmitsInFlight returns the number of submitted requests that were not completed yet.
func (d *Driver) SubmitsInFlight() int {
	return d.inFlight
}

func (d *Driver) State() PowerState {
	return d.power.state()
}

// Queue returns the I/O queue qid or nil.
func (d *Driver) Queue(qid uint16) *IoQueue {
	return d.queues[qid]
}

func (d *Driver) queue(qid uint16) *IoQueue {
	queue, ok := d.queues[qid]
	if !ok {
		panic(gnvmeErrors.ErrorInvalidQueue(qid))
	}

	return queue
}

// CreateIoQueue creates an I/O queue pair with a data buffer of bufferSize bytes.
func (d *Driver) CreateIoQueue(bufferSize int) (uint16, error) {
	if d.controller == nil {
		return 0, gnvmeErrors.ErrControllerNotPresent
	}

	idx, err := d.qids.Alloc()
	if err != nil {
		return 0, gnvmeErrors.ErrQueueIDsExhausted
	}
	qid := uint16(idx + 1)

	queue, err := newIoQueue(qid, d.platform.Allocator, bufferSize, d.controller.MaxIoEntries(), d.logger)
	if err != nil {
		d.qids.Free(idx)

		return 0, err
	}

	if err = d.controller.SetupIo(qid, qid); err != nil {
		d.qids.Free(idx)

		return 0, multierr.Append(err, queue.Close(d.platform.Allocator))
	}

	d.queues[qid] = queue
	d.logDebug().Uint16("qid", qid).Int("buffer size", bufferSize).Msg("I/O queue created")

	return qid, nil
}

// FreeIoQueue deletes the I/O queue pair qid. Requests still in flight are lost. When
// the controller fails to delete the queue, the queue and its id stay allocated and
// FreeIoQueue may be called again.
func (d *Driver) FreeIoQueue(qid uint16) error {
	queue, ok := d.queues[qid]
	if !ok {
		return gnvmeErrors.ErrorInvalidQueue(qid)
	}

	if d.controller != nil {
		if err := d.controller.DeleteIo(qid, qid); err != nil {
			return err
		}
	}

	d.inFlight -= queue.InFlight()
	delete(d.queues, qid)
	d.qids.Free(int(qid) - 1)
	d.logDebug().Uint16("qid", qid).Msg("I/O queue freed")

	return queue.Close(d.platform.Allocator)
}

// CheckAcceptance decides whether req can be submitted to queue qid now. The returned
// request carries the block count that will be transferred.
func (d *Driver) CheckAcceptance(qid uint16, req Request) (Decision, Request) {
	decision, reason := d.checkAcceptance(qid, &req)

	if d.config.VerboseChecks {
		d.logDebug().
			Uint16("qid", qid).
			Object("request", req).
			Str("decision", decision.String()).
			Str("reason", reason).
			Msg("Acceptance check")
	}

	return decision, req
}

func (d *Driver) checkAcceptance(qid uint16, req *Request) (Decision, string) {
	if d.power.state() != PowerRunning || d.controller == nil {
		return Retry, "controller not running"
	}

	queue := d.queue(qid)
	if d.controller.IoQueueFull(qid) {
		return Retry, "queue full"
	}

	if req.Offset%nvme.PageSize != 0 {
		return Rejected, "offset not page aligned"
	}

	switch req.Operation {
	case OperationSync:
		return Accepted, ""
	case OperationRead, OperationWrite, OperationTrim:
	default:
		return Rejected, "invalid operation"
	}

	if req.Operation != OperationRead && req.session != nil && !req.session.writeable {
		return Rejected, "session is read only"
	}

	if req.Count == 0 {
		return Rejected, "empty request"
	}

	ns := d.controller.Namespace()
	req.Count = min(req.Count, ns.MaxCount)

	if req.BlockNumber >= ns.BlockCount || uint64(req.Count) > ns.BlockCount-req.BlockNumber {
		return Rejected, "range outside namespace"
	}

	if req.Operation != OperationTrim {
		size := uint64(req.Count) * uint64(ns.BlockSize)
		if req.Offset > uint64(queue.BufferSize()) || size > uint64(queue.BufferSize())-req.Offset {
			return Rejected, "range outside buffer"
		}
	}

	if queue.ForAnyRequest(func(other Request) bool {
		return other.Operation != OperationSync && req.overlaps(other)
	}) {
		return Retry, "overlaps request in flight"
	}

	return Accepted, ""
}

// Submit writes the command for an accepted request to queue qid. The command is
// visible to the controller after Commit.
func (d *Driver) Submit(qid uint16, req Request) (uint16, error) {
	if d.controller == nil {
		return 0, gnvmeErrors.ErrControllerNotPresent
	}

	queue := d.queue(qid)
	ns := d.controller.Namespace()

	if req.Operation != OperationSync {
		req.Count = min(req.Count, ns.MaxCount)
	}

	cid, err := queue.AdoptRequest(req)
	if err != nil {
		return 0, err
	}

	sqe := d.controller.IoCommand(qid, cid)

	switch req.Operation {
	case OperationRead, OperationWrite:
		opcode := nvme.IoRead
		if req.Operation == OperationWrite {
			opcode = nvme.IoWrite
		}
		sqe.SetOpcode(uint8(opcode))

		io := nvme.SqeIo{Sqe: sqe}
		io.SetSlba(req.BlockNumber)
		io.SetNlb(uint16(req.Count - 1))

		page, pageAddr := queue.prpPage(cid)
		setDataPointer(sqe, queue.data.Addr()+req.Offset, uint64(req.Count)*uint64(ns.BlockSize), page, pageAddr)
	case OperationSync:
		sqe.SetOpcode(uint8(nvme.IoFlush))
	case OperationTrim:
		sqe.SetOpcode(uint8(nvme.IoWriteZeroes))

		io := nvme.SqeIo{Sqe: sqe}
		io.SetSlba(req.BlockNumber)
		io.SetNlb(uint16(req.Count - 1))
	case OperationInvalid:
		panic(fmt.Sprintf("submitting %s request", req.Operation))
	}

	d.inFlight++

	if d.config.VerboseIo {
		d.logInfo().
			Uint16("qid", qid).
			Uint16("cid", cid).
			Object("request", req).
			Uint64("prp1", sqe.Prp1()).
			Uint64("prp2", sqe.Prp2()).
			Msg("Submit")
	}

	return cid, nil
}

// setDataPointer fills PRP1 and PRP2 for a transfer of size bytes starting at the page
// aligned address addr. Transfers of more than two pages use a PRP list in page.
func setDataPointer(sqe nvme.Sqe, addr, size uint64, page []byte, pageAddr uint64) {
	pages := (size + nvme.PageSize - 1) / nvme.PageSize
	sqe.SetPrp1(addr)

	switch {
	case pages == 2:
		sqe.SetPrp2(addr + nvme.PageSize)
	case pages > 2:
		for i := uint64(1); i < pages; i++ {
			binary.LittleEndian.PutUint64(page[(i-1)*8:], addr+i*nvme.PageSize)
		}
		sqe.SetPrp2(pageAddr)
	}
}

// Commit makes all submitted commands of queue qid visible to the controller.
func (d *Driver) Commit(qid uint16) {
	if d.controller != nil {
		d.controller.CommitIo(qid)
	}
}

// WithAnyCompletedJob consumes every posted completion of queue qid and calls fn with
// the command id of each one that matches a submitted request.
func (d *Driver) WithAnyCompletedJob(qid uint16, fn func(cid uint16)) {
	if d.controller == nil {
		return
	}

	queue := d.queue(qid)
	handled := false

	for d.controller.HandleIoCompletion(qid, func(cqe nvme.Cqe) {
		if d.config.VerboseIo {
			d.logInfo().Object("cqe", cqe).Msg("Completion")
		}

		if !cqe.Succeeded() {
			d.logWarn().Object("cqe", cqe).Msg("I/O command failed")
		}

		if queue.MarkCompletedRequest(cqe.Cid(), cqe.RequestID(), cqe.Succeeded()) {
			fn(cqe.Cid())
		}
	}) {
		handled = true
	}

	if handled {
		d.controller.AckIoCompletions(qid)
	}
}

// WithCompletedRequest hands the completed request cid of queue qid to fn and frees its
// command id.
func (d *Driver) WithCompletedRequest(qid uint16, cid uint16, fn func(Completion)) {
	d.queue(qid).WithCompletedRequest(cid, func(completion Completion) {
		d.inFlight--
		fn(completion)
	})
}

func (d *Driver) sortedQids() []uint16 {
	qids := make([]uint16, 0, len(d.queues))
	for qid := range d.queues {
		qids = append(qids, qid)
	}
	sort.Slice(qids, func(i, j int) bool { return qids[i] < qids[j] })

	return qids
}

// Stop moves the driver towards the stopped state. Requests are not accepted once
// stopping; the controller is torn down when no submission is in flight. Stop returns
// true when the driver is stopped.
func (d *Driver) Stop() bool {
	switch d.power.state() {
	case PowerStopped:
		return true
	case PowerRunning:
		d.power.set(PowerStopping)
		d.logInfo().Int("in flight", d.inFlight).Msg("Stopping")
	case PowerStopping:
	}

	if d.inFlight > 0 {
		return false
	}

	if err := d.teardown(); err != nil {
		d.logWarn().Err(err).Msg("Controller teardown")
	}
	d.power.set(PowerStopped)
	d.logInfo().Msg("Stopped")

	return true
}

func (d *Driver) teardown() error {
	if d.controller == nil {
		return nil
	}

	var err error
	for _, qid := range d.sortedQids() {
		err = multierr.Append(err, d.controller.DeleteIo(qid, qid))
	}
	err = multierr.Append(err, d.controller.Close())
	d.controller = nil

	return err
}

// Resume re-initializes a stopped controller and recreates every I/O queue. A stop
// that is still draining is cancelled and the driver keeps running.
func (d *Driver) Resume() error {
	switch d.power.state() {
	case PowerRunning:
		return nil
	case PowerStopping:
		d.power.set(PowerRunning)
		d.logInfo().Int("in flight", d.inFlight).Msg("Stop cancelled")

		return nil
	case PowerStopped:
	}

	if err := d.initController(); err != nil {
		d.logError(err).Msg("Resume failed")

		return err
	}

	for _, qid := range d.sortedQids() {
		if err := d.controller.SetupIo(qid, qid); err != nil {
			d.logError(err).Uint16("qid", qid).Msg("Recreating I/O queue failed")

			return multierr.Append(err, d.teardown())
		}
	}

	d.power.set(PowerRunning)
	d.logInfo().Int("io queues", len(d.queues)).Msg("Resumed")

	return nil
}

// Close frees every I/O queue and shuts the controller down.
func (d *Driver) Close() error {
	err := d.teardown()

	for qid, queue := range d.queues {
		err = multierr.Append(err, queue.Close(d.platform.Allocator))
		delete(d.queues, qid)
	}
	d.inFlight = 0

	return err
}

// AbandonRequests completes every request in flight without success. It is used when
// the engine shuts down with commands still owned by the controller.
func (d *Driver) AbandonRequests(fn func(Completion)) {
	for _, qid := range d.sortedQids() {
		for _, cid := range d.queues[qid].abandon() {
			d.WithCompletedRequest(qid, cid, fn)
		}
	}
}
