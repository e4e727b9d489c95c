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
	"github.com/pawelgaczynski/gnvme/nvme"
)

func (d *Device) executeAdmin(sqe nvme.Sqe) (uint32, uint8, uint8) {
	opcode := nvme.AdminOpcode(sqe.Opcode())

	if remaining := d.config.failOpcodes[opcode]; remaining > 0 {
		d.config.failOpcodes[opcode] = remaining - 1
		d.logger.Debug().Str("opcode", opcode.String()).Msg("Injected admin failure")

		return 0, nvme.SctGeneric, nvme.ScInternalError
	}

	switch opcode {
	case nvme.AdminIdentify:
		return d.identify(nvme.SqeIdentify{Sqe: sqe})
	case nvme.AdminSetFeatures:
		return d.setFeatures(nvme.SqeFeature{Sqe: sqe})
	case nvme.AdminCreateIoCq:
		return d.createCq(nvme.SqeCreateCq{Sqe: sqe})
	case nvme.AdminCreateIoSq:
		return d.createSq(nvme.SqeCreateSq{Sqe: sqe})
	case nvme.AdminDeleteIoSq:
		return d.deleteSq(nvme.SqeDeleteQueue{Sqe: sqe})
	case nvme.AdminDeleteIoCq:
		return d.deleteCq(nvme.SqeDeleteQueue{Sqe: sqe})
	}

	return 0, nvme.SctGeneric, nvme.ScInvalidOpcode
}

func (d *Device) identify(sqe nvme.SqeIdentify) (uint32, uint8, uint8) {
	data, err := d.translator.Translate(sqe.Prp1(), nvme.PageSize)
	if err != nil {
		return 0, nvme.SctGeneric, nvme.ScDataTransferErr
	}
	clear(data)

	switch sqe.Cns() {
	case nvme.CnsController:
		ctrl := &nvme.IdentifyController{
			Vid:    0x1b36,
			Ssvid:  0x1af4,
			Mdts:   d.config.mdts,
			Cntlid: 1,
			Ver:    uint32(d.vs),
			Hmpre:  d.config.hmpre,
			Hmmin:  d.config.hmmin,
			Sqes:   nvme.SqeSizeShift<<4 | nvme.SqeSizeShift,
			Cqes:   nvme.CqeSizeShift<<4 | nvme.CqeSizeShift,
			Nn:     nsid,
		}
		if d.config.vwc {
			ctrl.Vwc = 1
		}
		ctrl.SetStrings(d.config.serial, d.config.model, d.config.firmware)

		if err = ctrl.Encode(data); err != nil {
			return 0, nvme.SctGeneric, nvme.ScInternalError
		}
	case nvme.CnsNamespaceList:
		if sqe.Nsid() < nsid {
			data[0] = nsid
		}
	case nvme.CnsNamespace:
		if sqe.Nsid() != nsid {
			return 0, nvme.SctGeneric, nvme.ScInvalidField
		}

		ns := &nvme.IdentifyNamespace{
			Nsze: d.config.blockCount,
			Ncap: d.config.blockCount,
			Nuse: d.config.blockCount,
		}
		ns.Lbaf[0] = nvme.NewLbaFormat(0, d.config.blockSizeShift, 0)

		if err = ns.Encode(data); err != nil {
			return 0, nvme.SctGeneric, nvme.ScInternalError
		}
	default:
		return 0, nvme.SctGeneric, nvme.ScInvalidField
	}

	return 0, nvme.SctGeneric, nvme.ScSuccess
}

func (d *Device) setFeatures(sqe nvme.SqeFeature) (uint32, uint8, uint8) {
	switch sqe.Fid() {
	case nvme.FeatureNumQueues:
		numq := nvme.SqeNumQueues{SqeFeature: sqe}
		// Queue counts may only change once per controller reset.
		if d.granted == 0 {
			d.granted = min(numq.Nsqr()+1, numq.Ncqr()+1, d.config.maxQueues)
		}

		return uint32(d.granted-1) | uint32(d.granted-1)<<16, nvme.SctGeneric, nvme.ScSuccess
	case nvme.FeatureHostMemoryBuffer:
		return d.setHmb(nvme.SqeHmb{SqeFeature: sqe})
	}

	return 0, nvme.SctGeneric, nvme.ScInvalidField
}

func (d *Device) setHmb(sqe nvme.SqeHmb) (uint32, uint8, uint8) {
	if !sqe.Ehm() {
		d.hmbEnabled = false
		d.hmbSize, d.hmbChunks = 0, 0

		return 0, nvme.SctGeneric, nvme.ScSuccess
	}

	if d.config.hmpre == 0 || sqe.Hsize() < d.config.hmmin || d.hmbEnabled {
		return 0, nvme.SctGeneric, nvme.ScInvalidField
	}

	count := sqe.EntryCount()
	list, err := d.translator.Translate(sqe.DescriptorList(), int(count)*nvme.HmbDescriptorSize)
	if err != nil {
		return 0, nvme.SctGeneric, nvme.ScDataTransferErr
	}

	var pages uint32
	for i := 0; i < int(count); i++ {
		descriptor := nvme.HmbDescriptor(list[i*nvme.HmbDescriptorSize : (i+1)*nvme.HmbDescriptorSize])
		if _, err = d.translator.Translate(descriptor.Badd(), int(descriptor.Bsize())*nvme.PageSize); err != nil {
			return 0, nvme.SctGeneric, nvme.ScDataTransferErr
		}
		pages += descriptor.Bsize()
	}

	if pages != sqe.Hsize() {
		return 0, nvme.SctGeneric, nvme.ScInvalidField
	}

	d.hmbEnabled = true
	d.hmbSize = pages
	d.hmbChunks = count

	return 0, nvme.SctGeneric, nvme.ScSuccess
}

func (d *Device) validQid(qid uint16) bool {
	return qid != 0 && qid <= d.config.maxQueues && (d.granted == 0 || qid <= d.granted)
}

func (d *Device) createCq(sqe nvme.SqeCreateCq) (uint32, uint8, uint8) {
	qid := sqe.Qid()
	if _, exists := d.cqs[qid]; exists || !d.validQid(qid) {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueID
	}

	entries := uint32(sqe.Qsize()) + 1
	if entries < 2 || entries > d.cap.MaxEntries() || !sqe.Pc() {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueSize
	}

	if _, err := d.translator.Translate(sqe.Prp1(), int(entries)*nvme.CqeSize); err != nil {
		return 0, nvme.SctGeneric, nvme.ScDataTransferErr
	}

	d.cqs[qid] = &completionQueue{addr: sqe.Prp1(), entries: entries, phase: true}

	return 0, nvme.SctGeneric, nvme.ScSuccess
}

func (d *Device) createSq(sqe nvme.SqeCreateSq) (uint32, uint8, uint8) {
	qid := sqe.Qid()
	if _, exists := d.sqs[qid]; exists || !d.validQid(qid) {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueID
	}

	if _, ok := d.cqs[sqe.Cqid()]; !ok || sqe.Cqid() == 0 {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueID
	}

	entries := uint32(sqe.Qsize()) + 1
	if entries < 2 || entries > d.cap.MaxEntries() || !sqe.Pc() {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueSize
	}

	if _, err := d.translator.Translate(sqe.Prp1(), int(entries)*nvme.SqeSize); err != nil {
		return 0, nvme.SctGeneric, nvme.ScDataTransferErr
	}

	d.sqs[qid] = &submissionQueue{addr: sqe.Prp1(), entries: entries, cqid: sqe.Cqid()}

	return 0, nvme.SctGeneric, nvme.ScSuccess
}

func (d *Device) deleteSq(sqe nvme.SqeDeleteQueue) (uint32, uint8, uint8) {
	qid := sqe.Qid()
	if _, ok := d.sqs[qid]; !ok || qid == 0 {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueID
	}
	delete(d.sqs, qid)

	return 0, nvme.SctGeneric, nvme.ScSuccess
}

func (d *Device) deleteCq(sqe nvme.SqeDeleteQueue) (uint32, uint8, uint8) {
	qid := sqe.Qid()
	if _, ok := d.cqs[qid]; !ok || qid == 0 {
		return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueID
	}

	for _, sq := range d.sqs {
		if sq.cqid == qid {
			return 0, nvme.SctCommandSpecific, nvme.ScInvalidQueueID
		}
	}
	delete(d.cqs, qid)

	return 0, nvme.SctGeneric, nvme.ScSuccess
}
