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
	"encoding/binary"

	"github.com/rs/zerolog"
)

// Completion queue entry field offsets.
const (
	cqeDw0    = 0x0
	cqeDw1    = 0x4
	cqeSqhd   = 0x8
	cqeSqid   = 0xa
	cqeCid    = 0xc
	cqeStatus = 0xe
)

var (
	statusP   = bitfield{0, 1}
	statusSc  = bitfield{1, 8}
	statusSct = bitfield{9, 3}
	statusCrd = bitfield{12, 2}
	statusM   = bitfield{14, 1}
	statusDnr = bitfield{15, 1}
)

// Cqe is a view over one 16 byte completion queue entry.
type Cqe []byte

func (c Cqe) Dw0() uint32    { return binary.LittleEndian.Uint32(c[cqeDw0:]) }
func (c Cqe) Dw1() uint32    { return binary.LittleEndian.Uint32(c[cqeDw1:]) }
func (c Cqe) Sqhd() uint16   { return binary.LittleEndian.Uint16(c[cqeSqhd:]) }
func (c Cqe) Sqid() uint16   { return binary.LittleEndian.Uint16(c[cqeSqid:]) }
func (c Cqe) Cid() uint16    { return binary.LittleEndian.Uint16(c[cqeCid:]) }
func (c Cqe) Status() uint16 { return binary.LittleEndian.Uint16(c[cqeStatus:]) }

func (c Cqe) Phase() bool { return statusP.flag(uint64(c.Status())) }
func (c Cqe) Sc() uint8   { return uint8(statusSc.get(uint64(c.Status()))) }
func (c Cqe) Sct() uint8  { return uint8(statusSct.get(uint64(c.Status()))) }
func (c Cqe) Crd() uint8  { return uint8(statusCrd.get(uint64(c.Status()))) }
func (c Cqe) More() bool  { return statusM.flag(uint64(c.Status())) }
func (c Cqe) Dnr() bool   { return statusDnr.flag(uint64(c.Status())) }

func (c Cqe) Succeeded() bool {
	return c.Sc() == ScSuccess && c.Sct() == SctGeneric
}

// RequestID returns the queue scoped composite id of the completed command.
func (c Cqe) RequestID() uint32 {
	return RequestID(c.Sqid(), c.Cid())
}

// RequestID combines a submission queue id and a command id.
func RequestID(qid, cid uint16) uint32 {
	return uint32(qid)<<16 | uint32(cid)
}

// Post fills the entry the way a controller does. The status word is written last
// so the phase bit never becomes visible before the rest of the entry.
func (c Cqe) Post(dw0 uint32, sqhd, sqid, cid uint16, phase bool, sct, sc uint8) {
	binary.LittleEndian.PutUint32(c[cqeDw0:], dw0)
	binary.LittleEndian.PutUint32(c[cqeDw1:], 0)
	binary.LittleEndian.PutUint16(c[cqeSqhd:], sqhd)
	binary.LittleEndian.PutUint16(c[cqeSqid:], sqid)
	binary.LittleEndian.PutUint16(c[cqeCid:], cid)

	var status uint64
	status = statusP.set(status, boolBit(phase))
	status = statusSct.set(status, uint64(sct))
	status = statusSc.set(status, uint64(sc))
	status = statusDnr.set(status, boolBit(sc != ScSuccess))
	binary.LittleEndian.PutUint16(c[cqeStatus:], uint16(status))
}

func (c Cqe) MarshalZerologObject(e *zerolog.Event) {
	e.Uint32("dw0", c.Dw0()).
		Uint16("sqhd", c.Sqhd()).
		Uint16("sqid", c.Sqid()).
		Uint16("cid", c.Cid()).
		Bool("phase", c.Phase()).
		Uint8("sct", c.Sct()).
		Uint8("sc", c.Sc()).
		Bool("dnr", c.Dnr())
}
