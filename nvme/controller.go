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
	"sync"
	"time"

	"github.com/pawelgaczynski/gnvme/pkg/dma"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	"github.com/pawelgaczynski/gnvme/pkg/mmio"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	// maxPrpListEntries is the number of entries of a single PRP list page.
	maxPrpListEntries = PageSize / 8
	// maxBlocksPerCommand is the NLB limit of a single I/O command.
	maxBlocksPerCommand = 1 << 16
	// Supported LBA data sizes range from 512 bytes to 2 GiB.
	minBlockSizeShift = 9
	maxBlockSizeShift = 31
	// adminQid is the queue id of the admin ring pair.
	adminQid = 0
)

type ControllerInfo struct {
	Vid             uint16
	Cntlid          uint16
	Serial          string
	Model           string
	Firmware        string
	Version         Vs
	NamespaceCount  uint32
	MaxTransferSize uint64 // in bytes, 0 if the controller reports no limit
	// Host memory buffer sizes in PageSize units.
	Hmpre uint32
	Hmmin uint32
	// VolatileWriteCache reports whether flushes have an effect.
	VolatileWriteCache bool
}

type NamespaceInfo struct {
	ID         uint32
	BlockSize  uint32
	BlockCount uint64
	// MaxCount is the maximum number of blocks one request may transfer.
	MaxCount uint32
}

type ioPair struct {
	sq *Sq
	cq *Cq
	// sqLive is cleared once the device no longer knows the submission queue.
	sqLive   bool
	unusable bool
}

// Controller drives one NVMe controller through its register window. Admin exchanges
// are serialized internally; all I/O queue methods must be called from a single goroutine.
type Controller struct {
	window    mmio.Window
	allocator dma.Allocator
	config    controllerConfig
	logger    zerolog.Logger

	capability   Cap
	version      Vs
	timeout      time.Duration
	adminEntries uint32
	ioEntries    uint32

	adminMu     sync.Mutex
	adminSq     *Sq
	adminCq     *Cq
	adminSqHead uint32
	identify    *dma.Buffer

	ioQueues    map[uint16]*ioPair
	maxIoQueues uint16

	info      ControllerInfo
	namespace NamespaceInfo
	hmb       *hostMemoryBuffer
}

func NewController(window mmio.Window, allocator dma.Allocator, opts ...ControllerOption) *Controller {
	config := newControllerConfig(opts...)

	return &Controller{
		window:    window,
		allocator: allocator,
		config:    config,
		logger:    config.logger,
		ioQueues:  make(map[uint16]*ioPair),
	}
}

func (c *Controller) logDebug() *zerolog.Event {
	return c.logger.Debug().Str("controller", c.info.Serial)
}

func (c *Controller) logInfo() *zerolog.Event {
	return c.logger.Info().Str("controller", c.info.Serial)
}

func (c *Controller) logWarn() *zerolog.Event {
	return c.logger.Warn().Str("controller", c.info.Serial)
}

func (c *Controller) logError(err error) *zerolog.Event {
	return c.logger.Error().Str("controller", c.info.Serial).Err(err)
}

// Init resets the controller, registers the admin queue pair and enables the
// controller. Capability derived limits are read once here.
func (c *Controller) Init() error {
	c.capability = Cap(c.window.Read64(RegCap))
	c.version = Vs(c.window.Read32(RegVs))
	c.timeout = c.capability.Timeout()

	if c.config.verboseRegs {
		c.logInfo().
			Str("cap", fmt.Sprintf("%#016x", uint64(c.capability))).
			Uint16("mqes", c.capability.Mqes()).
			Uint8("to", c.capability.To()).
			Uint8("dstrd", c.capability.Dstrd()).
			Uint8("mpsmin", c.capability.Mpsmin()).
			Uint8("mpsmax", c.capability.Mpsmax()).
			Str("version", c.version.String()).
			Msg("Controller registers")
	}

	if c.capability.MinPageSize() > PageSize || c.capability.MaxPageSize() < PageSize {
		return fmt.Errorf("%w: %w, min: %d, max: %d", gnvmeErrors.ErrInitializationFailed,
			gnvmeErrors.ErrUnsupportedPageSize, c.capability.MinPageSize(), c.capability.MaxPageSize())
	}

	if c.capability.Dstrd() != 0 {
		return gnvmeErrors.ErrorInitializationFailed(
			fmt.Sprintf("doorbell stride %d not supported", c.capability.Dstrd()))
	}

	maxEntries := c.capability.MaxEntries()
	c.adminEntries = min(c.config.adminEntries, maxEntries)
	c.ioEntries = min(c.config.ioEntries, maxEntries)

	return c.reset()
}

func (c *Controller) reset() error {
	cc := Cc(c.window.Read32(RegCc))
	if cc.En() {
		c.window.Write32(RegCc, uint32(cc.WithEn(false)))
	}

	if err := c.waitForReady(false); err != nil {
		return err
	}

	// Mask all vectors, then unmask the single vector the driver uses.
	c.window.Write32(RegIntms, ^uint32(0))
	c.window.Write32(RegIntmc, 1)

	cc = Cc(0).
		WithCss(0).
		WithMps(PageShift - 12).
		WithAms(0).
		WithShn(0).
		WithIosqes(SqeSizeShift).
		WithIocqes(CqeSizeShift)
	c.window.Write32(RegCc, uint32(cc))

	if err := c.setupAdmin(); err != nil {
		return err
	}

	c.window.Write32(RegCc, uint32(cc.WithEn(true)))

	return c.waitForReady(true)
}

func (c *Controller) pollAttempts() int {
	return max(1, int(c.timeout/c.config.pollInterval))
}

func (c *Controller) waitForReady(ready bool) error {
	for attempt := c.pollAttempts(); attempt > 0; attempt-- {
		csts := Csts(c.window.Read32(RegCsts))
		if csts.Cfs() {
			return gnvmeErrors.ErrorInitializationFailed("controller fatal status")
		}

		if csts.Rdy() == ready {
			return nil
		}

		c.config.sleep(c.config.pollInterval)
	}

	return gnvmeErrors.ErrorInitializationFailed(
		fmt.Sprintf("CSTS.RDY did not become %t within %s", ready, c.timeout))
}

func (c *Controller) alloc(what string, size int) (*dma.Buffer, error) {
	buffer, err := c.allocator.Alloc(size)
	if err != nil {
		return nil, err
	}

	if c.config.verboseMem {
		c.logInfo().
			Str("what", what).
			Int("size", buffer.Size()).
			Str("addr", fmt.Sprintf("%#x", buffer.Addr())).
			Msg("DMA allocation")
	}

	return buffer, nil
}

func (c *Controller) setupAdmin() error {
	if c.adminSq == nil {
		sqBuffer, err := c.alloc("admin SQ", int(c.adminEntries*SqeSize))
		if err != nil {
			return fmt.Errorf("%w: %w", gnvmeErrors.ErrInitializationFailed, err)
		}

		cqBuffer, err := c.alloc("admin CQ", int(c.adminEntries*CqeSize))
		if err != nil {
			_ = c.allocator.Free(sqBuffer)

			return fmt.Errorf("%w: %w", gnvmeErrors.ErrInitializationFailed, err)
		}

		c.adminSq = NewSq(adminQid, sqBuffer, c.adminEntries)
		c.adminCq = NewCq(adminQid, cqBuffer, c.adminEntries)
	}

	c.adminSq.Buffer().Zero()
	c.adminCq.Buffer().Zero()
	c.adminSq.tail = 0
	c.adminSqHead = 0
	c.adminCq.head = 0
	c.adminCq.phase = true

	c.window.Write32(RegAqa, uint32(NewAqa(c.adminEntries, c.adminEntries)))
	c.window.Write64(RegAsq, c.adminSq.Addr())
	c.window.Write64(RegAcq, c.adminCq.Addr())

	return nil
}

// Capability returns CAP as read during Init.
func (c *Controller) Capability() Cap {
	return c.capability
}

func (c *Controller) Version() Vs {
	return c.version
}

func (c *Controller) Info() ControllerInfo {
	return c.info
}

func (c *Controller) Namespace() NamespaceInfo {
	return c.namespace
}

// MaxIoEntries returns the I/O ring size after capping by CAP.MQES.
func (c *Controller) MaxIoEntries() uint32 {
	return c.ioEntries
}

func (c *Controller) PageSize() int {
	return PageSize
}

// MaxIoQueues returns the number of I/O queue pairs granted by SetupNumQueues.
func (c *Controller) MaxIoQueues() uint16 {
	return c.maxIoQueues
}

func (c *Controller) HmbEnabled() bool {
	return c.hmb != nil
}

// Identify reads controller and namespace data. Only the first active namespace is used.
func (c *Controller) Identify() error {
	if c.identify == nil {
		buffer, err := c.alloc("identify", PageSize)
		if err != nil {
			return err
		}
		c.identify = buffer
	}

	data := c.identify.Bytes()[:PageSize]

	_, err := c.adminCommand(cidIdentifyController, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminIdentify))
		sqe.SetPrp1(c.identify.Addr())
		SqeIdentify{sqe}.SetCns(CnsController)

		return "identify controller"
	})
	if err != nil {
		return err
	}

	ctrl, err := DecodeIdentifyController(data)
	if err != nil {
		return err
	}

	c.info = ControllerInfo{
		Vid:                ctrl.Vid,
		Cntlid:             ctrl.Cntlid,
		Serial:             ctrl.Serial(),
		Model:              ctrl.Model(),
		Firmware:           ctrl.Firmware(),
		Version:            c.version,
		NamespaceCount:     ctrl.Nn,
		Hmpre:              ctrl.Hmpre,
		Hmmin:              ctrl.Hmmin,
		VolatileWriteCache: ctrl.Vwc&1 != 0,
	}
	if ctrl.Mdts != 0 {
		c.info.MaxTransferSize = uint64(c.capability.MinPageSize()) << ctrl.Mdts
	}

	_, err = c.adminCommand(cidNamespaceList, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminIdentify))
		sqe.SetPrp1(c.identify.Addr())
		SqeIdentify{sqe}.SetCns(CnsNamespaceList)

		return "identify namespace list"
	})
	if err != nil {
		return err
	}

	nsid := FirstNamespace(data)
	if nsid == 0 {
		return gnvmeErrors.ErrNoNamespace
	}

	_, err = c.adminCommand(cidIdentifyNamespace, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminIdentify))
		sqe.SetNsid(nsid)
		sqe.SetPrp1(c.identify.Addr())
		SqeIdentify{sqe}.SetCns(CnsNamespace)

		return "identify namespace"
	})
	if err != nil {
		return err
	}

	ns, err := DecodeIdentifyNamespace(data)
	if err != nil {
		return err
	}

	shift := ns.BlockSizeShift()
	if shift < minBlockSizeShift || shift > maxBlockSizeShift {
		return gnvmeErrors.ErrorInitializationFailed(fmt.Sprintf("unsupported LBA data size shift %d", shift))
	}

	c.namespace = NamespaceInfo{
		ID:         nsid,
		BlockSize:  1 << shift,
		BlockCount: ns.Nsze,
	}
	c.namespace.MaxCount = uint32(min(uint64(maxBlocksPerCommand),
		c.MaxTransferSize()/uint64(c.namespace.BlockSize)))
	if c.namespace.MaxCount == 0 {
		return gnvmeErrors.ErrorInitializationFailed(fmt.Sprintf(
			"block size %d exceeds maximum transfer size %d", c.namespace.BlockSize, c.MaxTransferSize()))
	}

	if c.config.verboseIdentify {
		c.logInfo().
			Str("serial", c.info.Serial).
			Str("model", c.info.Model).
			Str("firmware", c.info.Firmware).
			Str("version", c.info.Version.String()).
			Uint64("mdts", c.info.MaxTransferSize).
			Uint32("hmpre", c.info.Hmpre).
			Uint32("hmmin", c.info.Hmmin).
			Uint32("nsid", c.namespace.ID).
			Uint32("block size", c.namespace.BlockSize).
			Uint64("block count", c.namespace.BlockCount).
			Uint32("max count", c.namespace.MaxCount).
			Msg("Identify")
	}

	return nil
}

// MaxTransferSize is the largest transfer of one command, limited by MDTS and by the
// single PRP list page each command identifier owns.
func (c *Controller) MaxTransferSize() uint64 {
	limit := uint64(maxPrpListEntries * PageSize)
	if c.info.MaxTransferSize != 0 {
		limit = min(limit, c.info.MaxTransferSize)
	}

	return limit
}

// SetupNumQueues negotiates the number of I/O queue pairs and returns the granted count.
// Fewer granted queues are not an error.
func (c *Controller) SetupNumQueues(count uint16) (uint16, error) {
	if count == 0 {
		count = 1
	}

	dw0, err := c.adminCommand(cidSetNumQueues, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminSetFeatures))
		numq := SqeNumQueues{SqeFeature{sqe}}
		numq.SetFid(FeatureNumQueues)
		numq.SetNsqr(count - 1)
		numq.SetNcqr(count - 1)

		return "set number of queues"
	})
	if err != nil {
		return 0, err
	}

	nsqa := uint32(dw0&0xffff) + 1
	ncqa := uint32(dw0>>16) + 1
	granted := uint16(min(uint32(count), nsqa, ncqa))

	if granted < count {
		c.logWarn().
			Uint16("requested", count).
			Uint16("granted", granted).
			Msg("Controller granted fewer I/O queues than requested")
	}
	c.maxIoQueues = granted

	return granted, nil
}

func (c *Controller) ioPair(qid uint16) *ioPair {
	pair, ok := c.ioQueues[qid]
	if !ok {
		panic(gnvmeErrors.ErrorInvalidQueue(qid))
	}

	return pair
}

// SetupIo creates an I/O completion queue and an I/O submission queue bound to it.
func (c *Controller) SetupIo(cqid, sqid uint16) error {
	if sqid == adminQid || sqid > c.maxIoQueues || cqid == adminQid || cqid > c.maxIoQueues {
		return gnvmeErrors.ErrorInvalidQueue(sqid)
	}

	if pair, ok := c.ioQueues[sqid]; ok {
		if !pair.unusable {
			return gnvmeErrors.ErrorIoQueueCreation(sqid, fmt.Errorf("queue already exists"))
		}

		// A previous delete failed, the device may still own the rings.
		if err := c.DeleteIo(cqid, sqid); err != nil {
			return err
		}
		c.logInfo().Uint16("sqid", sqid).Msg("Reclaimed I/O queue")
	}

	cqBuffer, err := c.alloc("I/O CQ", int(c.ioEntries*CqeSize))
	if err != nil {
		return gnvmeErrors.ErrorIoQueueCreation(sqid, err)
	}

	sqBuffer, err := c.alloc("I/O SQ", int(c.ioEntries*SqeSize))
	if err != nil {
		return gnvmeErrors.ErrorIoQueueCreation(sqid, multierr.Append(err, c.allocator.Free(cqBuffer)))
	}

	cq := NewCq(cqid, cqBuffer, c.ioEntries)
	sq := NewSq(sqid, sqBuffer, c.ioEntries)

	_, err = c.adminCommand(cidCreateIoCq, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminCreateIoCq))
		sqe.SetPrp1(cq.Addr())
		create := SqeCreateCq{sqe}
		create.SetQid(cqid)
		create.SetQsize(uint16(c.ioEntries - 1))
		create.SetPc(true)
		create.SetIen(true)
		create.SetIv(0)

		return "create I/O CQ"
	})
	if err != nil {
		err = multierr.Combine(err, c.allocator.Free(sqBuffer), c.allocator.Free(cqBuffer))

		return gnvmeErrors.ErrorIoQueueCreation(sqid, err)
	}

	_, err = c.adminCommand(cidCreateIoSq, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(AdminCreateIoSq))
		sqe.SetPrp1(sq.Addr())
		create := SqeCreateSq{sqe}
		create.SetQid(sqid)
		create.SetQsize(uint16(c.ioEntries - 1))
		create.SetPc(true)
		create.SetQprio(QprioUrgent)
		create.SetCqid(cqid)

		return "create I/O SQ"
	})
	if err != nil {
		if deleteErr := c.deleteQueue(cidDeleteIoCq, AdminDeleteIoCq, cqid); deleteErr != nil {
			// The device may still own the CQ memory.
			c.ioQueues[sqid] = &ioPair{sq: sq, cq: cq, unusable: true}

			return gnvmeErrors.ErrorIoQueueCreation(sqid, multierr.Append(err, deleteErr))
		}
		err = multierr.Combine(err, c.allocator.Free(sqBuffer), c.allocator.Free(cqBuffer))

		return gnvmeErrors.ErrorIoQueueCreation(sqid, err)
	}

	c.ioQueues[sqid] = &ioPair{sq: sq, cq: cq, sqLive: true}
	c.logDebug().Uint16("cqid", cqid).Uint16("sqid", sqid).Msg("I/O queue created")

	return nil
}

func (c *Controller) deleteQueue(cid uint16, opcode AdminOpcode, qid uint16) error {
	_, err := c.adminCommand(cid, func(sqe Sqe) string {
		sqe.SetOpcode(uint8(opcode))
		SqeDeleteQueue{sqe}.SetQid(qid)

		return opcode.String()
	})

	return err
}

// DeleteIo deletes the submission queue and then its completion queue. After a failure
// the queue id stays reserved until DeleteIo succeeds.
func (c *Controller) DeleteIo(cqid, sqid uint16) error {
	pair, ok := c.ioQueues[sqid]
	if !ok {
		return gnvmeErrors.ErrorInvalidQueue(sqid)
	}

	if pair.sqLive {
		if err := c.deleteQueue(cidDeleteIoSq, AdminDeleteIoSq, sqid); err != nil {
			pair.unusable = true

			return gnvmeErrors.ErrorQueueDeleteFailed(sqid, err)
		}
		pair.sqLive = false
	}

	if err := c.deleteQueue(cidDeleteIoCq, AdminDeleteIoCq, cqid); err != nil {
		pair.unusable = true

		return gnvmeErrors.ErrorQueueDeleteFailed(sqid, err)
	}

	delete(c.ioQueues, sqid)
	c.logDebug().Uint16("cqid", cqid).Uint16("sqid", sqid).Msg("I/O queue deleted")

	return multierr.Combine(c.allocator.Free(pair.sq.Buffer()), c.allocator.Free(pair.cq.Buffer()))
}

// IoCommand returns the next submission slot of queue qid with command and namespace
// id filled in. The command becomes visible to the device with CommitIo.
func (c *Controller) IoCommand(qid, cid uint16) Sqe {
	sqe := c.ioPair(qid).sq.Next()
	sqe.SetCid(cid)
	sqe.SetNsid(c.namespace.ID)

	return sqe
}

// IoQueueFull reports whether one more submission would overrun the ring. Every command
// produces exactly one completion, so the completion head trails the submission tail by
// the number of commands in flight.
func (c *Controller) IoQueueFull(qid uint16) bool {
	pair := c.ioPair(qid)

	return pair.sq.Full(pair.cq.Head())
}

// CommitIo publishes all prepared submissions of queue qid.
func (c *Controller) CommitIo(qid uint16) {
	NewDoorbell(c.window, qid).WriteSqTail(c.ioPair(qid).sq.Tail())
}

// HandleIoCompletion passes the next posted completion of queue qid to fn and consumes
// it. The device is not told about consumed entries until AckIoCompletions.
func (c *Controller) HandleIoCompletion(qid uint16, fn func(Cqe)) bool {
	cq := c.ioPair(qid).cq

	cqe, ok := cq.Peek()
	if !ok {
		return false
	}

	fn(cqe)
	cq.Advance()

	return true
}

func (c *Controller) AckIoCompletions(qid uint16) {
	NewDoorbell(c.window, qid).WriteCqHead(c.ioPair(qid).cq.Head())
}

// Close disables the controller and releases every DMA region it owns.
func (c *Controller) Close() error {
	var err error

	if c.hmb != nil && c.adminSq != nil {
		if disableErr := c.disableHmb(); disableErr != nil {
			c.logWarn().Err(disableErr).Msg("Disabling host memory buffer failed")
		}
	}

	if c.adminSq != nil {
		cc := Cc(c.window.Read32(RegCc))
		c.window.Write32(RegCc, uint32(cc.WithEn(false)))
		err = multierr.Append(err, c.waitForReady(false))
	}

	for qid, pair := range c.ioQueues {
		err = multierr.Append(err, c.allocator.Free(pair.sq.Buffer()))
		err = multierr.Append(err, c.allocator.Free(pair.cq.Buffer()))
		delete(c.ioQueues, qid)
	}

	if c.hmb != nil {
		err = multierr.Append(err, c.hmb.release(c.allocator))
		c.hmb = nil
	}

	if c.identify != nil {
		err = multierr.Append(err, c.allocator.Free(c.identify))
		c.identify = nil
	}

	if c.adminSq != nil {
		err = multierr.Append(err, c.allocator.Free(c.adminSq.Buffer()))
		err = multierr.Append(err, c.allocator.Free(c.adminCq.Buffer()))
		c.adminSq, c.adminCq = nil, nil
	}

	return err
}
