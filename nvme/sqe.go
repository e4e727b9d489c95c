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

import "encoding/binary"

// Submission queue entry field offsets.
const (
	sqeCdw0  = 0x00
	sqeNsid  = 0x04
	sqeMptr  = 0x10
	sqePrp1  = 0x18
	sqePrp2  = 0x20
	sqeCdw10 = 0x28
)

var (
	cdw0Opc  = bitfield{0, 8}
	cdw0Fuse = bitfield{8, 2}
	cdw0Psdt = bitfield{14, 2}
	cdw0Cid  = bitfield{16, 16}
)

// Sqe is a view over one 64 byte submission queue entry.
type Sqe []byte

func (s Sqe) dword(offset int) uint32 {
	return binary.LittleEndian.Uint32(s[offset:])
}

func (s Sqe) setDword(offset int, value uint32) {
	binary.LittleEndian.PutUint32(s[offset:], value)
}

func (s Sqe) field(offset int, f bitfield) uint32 {
	return uint32(f.get(uint64(s.dword(offset))))
}

func (s Sqe) setField(offset int, f bitfield, value uint32) {
	s.setDword(offset, uint32(f.set(uint64(s.dword(offset)), uint64(value))))
}

func cdwOffset(n int) int {
	return sqeCdw10 + (n-10)*4
}

func (s Sqe) Opcode() uint8          { return uint8(s.field(sqeCdw0, cdw0Opc)) }
func (s Sqe) SetOpcode(opcode uint8) { s.setField(sqeCdw0, cdw0Opc, uint32(opcode)) }
func (s Sqe) Fuse() uint8            { return uint8(s.field(sqeCdw0, cdw0Fuse)) }
func (s Sqe) Psdt() uint8            { return uint8(s.field(sqeCdw0, cdw0Psdt)) }
func (s Sqe) Cid() uint16            { return uint16(s.field(sqeCdw0, cdw0Cid)) }
func (s Sqe) SetCid(cid uint16)      { s.setField(sqeCdw0, cdw0Cid, uint32(cid)) }
func (s Sqe) Nsid() uint32           { return s.dword(sqeNsid) }
func (s Sqe) SetNsid(nsid uint32)    { s.setDword(sqeNsid, nsid) }
func (s Sqe) Mptr() uint64           { return binary.LittleEndian.Uint64(s[sqeMptr:]) }
func (s Sqe) Prp1() uint64           { return binary.LittleEndian.Uint64(s[sqePrp1:]) }
func (s Sqe) SetPrp1(addr uint64)    { binary.LittleEndian.PutUint64(s[sqePrp1:], addr) }
func (s Sqe) Prp2() uint64           { return binary.LittleEndian.Uint64(s[sqePrp2:]) }
func (s Sqe) SetPrp2(addr uint64)    { binary.LittleEndian.PutUint64(s[sqePrp2:], addr) }
func (s Sqe) Cdw(n int) uint32       { return s.dword(cdwOffset(n)) }
func (s Sqe) SetCdw(n int, v uint32) { s.setDword(cdwOffset(n), v) }

func (s Sqe) Reset() {
	clear(s)
}

// SqeIdentify is an Identify admin command.
type SqeIdentify struct{ Sqe }

var identifyCns = bitfield{0, 8}

func (s SqeIdentify) Cns() uint8       { return uint8(s.field(cdwOffset(10), identifyCns)) }
func (s SqeIdentify) SetCns(cns uint8) { s.setField(cdwOffset(10), identifyCns, uint32(cns)) }

// SqeFeature is a Get Features or Set Features admin command.
type SqeFeature struct{ Sqe }

var (
	featureFid = bitfield{0, 8}
	featureSv  = bitfield{31, 1}
)

func (s SqeFeature) Fid() uint8          { return uint8(s.field(cdwOffset(10), featureFid)) }
func (s SqeFeature) SetFid(fid uint8)    { s.setField(cdwOffset(10), featureFid, uint32(fid)) }
func (s SqeFeature) Saveable() bool      { return s.field(cdwOffset(10), featureSv) != 0 }
func (s SqeFeature) SetSaveable(sv bool) { s.setField(cdwOffset(10), featureSv, uint32(boolBit(sv))) }

// SqeNumQueues is a Set Features command for the Number of Queues feature. Counts are zero based.
type SqeNumQueues struct{ SqeFeature }

var (
	numqNsqr = bitfield{0, 16}
	numqNcqr = bitfield{16, 16}
)

func (s SqeNumQueues) Nsqr() uint16     { return uint16(s.field(cdwOffset(11), numqNsqr)) }
func (s SqeNumQueues) SetNsqr(n uint16) { s.setField(cdwOffset(11), numqNsqr, uint32(n)) }
func (s SqeNumQueues) Ncqr() uint16     { return uint16(s.field(cdwOffset(11), numqNcqr)) }
func (s SqeNumQueues) SetNcqr(n uint16) { s.setField(cdwOffset(11), numqNcqr, uint32(n)) }

// SqeHmb is a Set Features command for the Host Memory Buffer feature.
type SqeHmb struct{ SqeFeature }

var (
	hmbEhm = bitfield{0, 1}
	hmbMr  = bitfield{1, 1}
)

func (s SqeHmb) Ehm() bool           { return s.field(cdwOffset(11), hmbEhm) != 0 }
func (s SqeHmb) SetEhm(enable bool)  { s.setField(cdwOffset(11), hmbEhm, uint32(boolBit(enable))) }
func (s SqeHmb) Mr() bool            { return s.field(cdwOffset(11), hmbMr) != 0 }
func (s SqeHmb) SetMr(returned bool) { s.setField(cdwOffset(11), hmbMr, uint32(boolBit(returned))) }

// Hsize is the buffer size in memory page size units.
func (s SqeHmb) Hsize() uint32         { return s.Cdw(12) }
func (s SqeHmb) SetHsize(pages uint32) { s.SetCdw(12, pages) }

// DescriptorList returns the address of the descriptor list (HMDLUA:HMDLLA).
func (s SqeHmb) DescriptorList() uint64 {
	return uint64(s.Cdw(14))<<32 | uint64(s.Cdw(13))
}

func (s SqeHmb) SetDescriptorList(addr uint64) {
	s.SetCdw(13, uint32(addr))
	s.SetCdw(14, uint32(addr>>32))
}

func (s SqeHmb) EntryCount() uint32         { return s.Cdw(15) }
func (s SqeHmb) SetEntryCount(count uint32) { s.SetCdw(15, count) }

var (
	queueQid   = bitfield{0, 16}
	queueQsize = bitfield{16, 16}
	queuePc    = bitfield{0, 1}
)

// SqeCreateCq is a Create I/O Completion Queue admin command. The size is zero based.
type SqeCreateCq struct{ Sqe }

var (
	createCqIen = bitfield{1, 1}
	createCqIv  = bitfield{16, 16}
)

func (s SqeCreateCq) Qid() uint16          { return uint16(s.field(cdwOffset(10), queueQid)) }
func (s SqeCreateCq) SetQid(qid uint16)    { s.setField(cdwOffset(10), queueQid, uint32(qid)) }
func (s SqeCreateCq) Qsize() uint16        { return uint16(s.field(cdwOffset(10), queueQsize)) }
func (s SqeCreateCq) SetQsize(size uint16) { s.setField(cdwOffset(10), queueQsize, uint32(size)) }
func (s SqeCreateCq) Pc() bool             { return s.field(cdwOffset(11), queuePc) != 0 }
func (s SqeCreateCq) SetPc(pc bool)        { s.setField(cdwOffset(11), queuePc, uint32(boolBit(pc))) }
func (s SqeCreateCq) Ien() bool            { return s.field(cdwOffset(11), createCqIen) != 0 }
func (s SqeCreateCq) SetIen(ien bool)      { s.setField(cdwOffset(11), createCqIen, uint32(boolBit(ien))) }
func (s SqeCreateCq) Iv() uint16           { return uint16(s.field(cdwOffset(11), createCqIv)) }
func (s SqeCreateCq) SetIv(iv uint16)      { s.setField(cdwOffset(11), createCqIv, uint32(iv)) }

// SqeCreateSq is a Create I/O Submission Queue admin command. The size is zero based.
type SqeCreateSq struct{ Sqe }

var (
	createSqQprio = bitfield{1, 2}
	createSqCqid  = bitfield{16, 16}
)

// Queue priorities for weighted round robin arbitration.
const (
	QprioUrgent uint8 = 0b00
	QprioHigh   uint8 = 0b01
	QprioMedium uint8 = 0b10
	QprioLow    uint8 = 0b11
)

func (s SqeCreateSq) Qid() uint16          { return uint16(s.field(cdwOffset(10), queueQid)) }
func (s SqeCreateSq) SetQid(qid uint16)    { s.setField(cdwOffset(10), queueQid, uint32(qid)) }
func (s SqeCreateSq) Qsize() uint16        { return uint16(s.field(cdwOffset(10), queueQsize)) }
func (s SqeCreateSq) SetQsize(size uint16) { s.setField(cdwOffset(10), queueQsize, uint32(size)) }
func (s SqeCreateSq) Pc() bool             { return s.field(cdwOffset(11), queuePc) != 0 }
func (s SqeCreateSq) SetPc(pc bool)        { s.setField(cdwOffset(11), queuePc, uint32(boolBit(pc))) }
func (s SqeCreateSq) Qprio() uint8         { return uint8(s.field(cdwOffset(11), createSqQprio)) }
func (s SqeCreateSq) SetQprio(prio uint8)  { s.setField(cdwOffset(11), createSqQprio, uint32(prio)) }
func (s SqeCreateSq) Cqid() uint16         { return uint16(s.field(cdwOffset(11), createSqCqid)) }
func (s SqeCreateSq) SetCqid(cqid uint16)  { s.setField(cdwOffset(11), createSqCqid, uint32(cqid)) }

// SqeDeleteQueue is a Delete I/O Submission or Completion Queue admin command.
type SqeDeleteQueue struct{ Sqe }

func (s SqeDeleteQueue) Qid() uint16       { return uint16(s.field(cdwOffset(10), queueQid)) }
func (s SqeDeleteQueue) SetQid(qid uint16) { s.setField(cdwOffset(10), queueQid, uint32(qid)) }

// SqeIo is a Read, Write, Write Zeroes or Flush command of the NVM command set.
type SqeIo struct{ Sqe }

var (
	ioNlb  = bitfield{0, 16}
	ioDeac = bitfield{25, 1}
	ioFua  = bitfield{30, 1}
)

func (s SqeIo) Slba() uint64 {
	return binary.LittleEndian.Uint64(s.Sqe[cdwOffset(10):])
}

func (s SqeIo) SetSlba(lba uint64) {
	binary.LittleEndian.PutUint64(s.Sqe[cdwOffset(10):], lba)
}

// Nlb is the zero based number of logical blocks.
func (s SqeIo) Nlb() uint16       { return uint16(s.field(cdwOffset(12), ioNlb)) }
func (s SqeIo) SetNlb(nlb uint16) { s.setField(cdwOffset(12), ioNlb, uint32(nlb)) }
func (s SqeIo) Deac() bool        { return s.field(cdwOffset(12), ioDeac) != 0 }
func (s SqeIo) SetDeac(deac bool) { s.setField(cdwOffset(12), ioDeac, uint32(boolBit(deac))) }
func (s SqeIo) Fua() bool         { return s.field(cdwOffset(12), ioFua) != 0 }
func (s SqeIo) SetFua(fua bool)   { s.setField(cdwOffset(12), ioFua, uint32(boolBit(fua))) }

// HmbDescriptorSize is the size of one host memory buffer descriptor entry.
const HmbDescriptorSize = 16

// HmbDescriptor is a view over one host memory buffer descriptor entry.
type HmbDescriptor []byte

func (d HmbDescriptor) Badd() uint64  { return binary.LittleEndian.Uint64(d[0:]) }
func (d HmbDescriptor) Bsize() uint32 { return binary.LittleEndian.Uint32(d[8:]) }

func (d HmbDescriptor) Set(addr uint64, pages uint32) {
	binary.LittleEndian.PutUint64(d[0:], addr)
	binary.LittleEndian.PutUint32(d[8:], pages)
	binary.LittleEndian.PutUint32(d[12:], 0)
}
