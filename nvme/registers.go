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
	"time"

	"github.com/pawelgaczynski/gnvme/pkg/mmio"
)

// Register offsets from the controller base.
const (
	RegCap   uint32 = 0x00
	RegVs    uint32 = 0x08
	RegIntms uint32 = 0x0c
	RegIntmc uint32 = 0x10
	RegCc    uint32 = 0x14
	RegCsts  uint32 = 0x1c
	RegNssr  uint32 = 0x20
	RegAqa   uint32 = 0x24
	RegAsq   uint32 = 0x28
	RegAcq   uint32 = 0x30

	DoorbellBase uint32 = 0x1000
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	SqeSizeShift = 6
	SqeSize      = 1 << SqeSizeShift
	CqeSizeShift = 4
	CqeSize      = 1 << CqeSizeShift

	timeoutUnit = 500 * time.Millisecond
)

type bitfield struct {
	shift uint
	width uint
}

func (f bitfield) mask() uint64 {
	return 1<<f.width - 1
}

func (f bitfield) get(value uint64) uint64 {
	return value >> f.shift & f.mask()
}

func (f bitfield) set(value, field uint64) uint64 {
	return value&^(f.mask()<<f.shift) | (field&f.mask())<<f.shift
}

func (f bitfield) flag(value uint64) bool {
	return f.get(value) != 0
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

var (
	capMqes   = bitfield{0, 16}
	capCqr    = bitfield{16, 1}
	capAms    = bitfield{17, 2}
	capTo     = bitfield{24, 8}
	capDstrd  = bitfield{32, 4}
	capNssrs  = bitfield{36, 1}
	capCss    = bitfield{37, 8}
	capMpsmin = bitfield{48, 4}
	capMpsmax = bitfield{52, 4}
)

// Cap is the controller capabilities register.
type Cap uint64

func (c Cap) Mqes() uint16  { return uint16(capMqes.get(uint64(c))) }
func (c Cap) Cqr() bool     { return capCqr.flag(uint64(c)) }
func (c Cap) Ams() uint8    { return uint8(capAms.get(uint64(c))) }
func (c Cap) To() uint8     { return uint8(capTo.get(uint64(c))) }
func (c Cap) Dstrd() uint8  { return uint8(capDstrd.get(uint64(c))) }
func (c Cap) Nssrs() bool   { return capNssrs.flag(uint64(c)) }
func (c Cap) Css() uint8    { return uint8(capCss.get(uint64(c))) }
func (c Cap) Mpsmin() uint8 { return uint8(capMpsmin.get(uint64(c))) }
func (c Cap) Mpsmax() uint8 { return uint8(capMpsmax.get(uint64(c))) }

// MaxEntries returns the largest queue size the controller supports.
func (c Cap) MaxEntries() uint32 {
	return uint32(c.Mqes()) + 1
}

// Timeout is the worst case time to wait for CSTS.RDY to change.
func (c Cap) Timeout() time.Duration {
	return time.Duration(c.To()) * timeoutUnit
}

func (c Cap) MinPageSize() int {
	return 1 << (PageShift + int(c.Mpsmin()))
}

func (c Cap) MaxPageSize() int {
	return 1 << (PageShift + int(c.Mpsmax()))
}

// NewCap builds a capabilities value. It is used by device models.
func NewCap(mqes uint16, timeout uint8, mpsmin, mpsmax uint8) Cap {
	var value uint64
	value = capMqes.set(value, uint64(mqes))
	value = capCqr.set(value, 1)
	value = capTo.set(value, uint64(timeout))
	value = capCss.set(value, 1)
	value = capMpsmin.set(value, uint64(mpsmin))
	value = capMpsmax.set(value, uint64(mpsmax))

	return Cap(value)
}

var (
	vsTer = bitfield{0, 8}
	vsMnr = bitfield{8, 8}
	vsMjr = bitfield{16, 16}
)

// Vs is the version register.
type Vs uint32

func (v Vs) Major() uint16   { return uint16(vsMjr.get(uint64(v))) }
func (v Vs) Minor() uint8    { return uint8(vsMnr.get(uint64(v))) }
func (v Vs) Tertiary() uint8 { return uint8(vsTer.get(uint64(v))) }

func (v Vs) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Tertiary())
}

func NewVs(major uint16, minor, tertiary uint8) Vs {
	value := vsMjr.set(0, uint64(major))
	value = vsMnr.set(value, uint64(minor))

	return Vs(vsTer.set(value, uint64(tertiary)))
}

var (
	ccEn     = bitfield{0, 1}
	ccCss    = bitfield{4, 3}
	ccMps    = bitfield{7, 4}
	ccAms    = bitfield{11, 3}
	ccShn    = bitfield{14, 2}
	ccIosqes = bitfield{16, 4}
	ccIocqes = bitfield{20, 4}
)

// Cc is the controller configuration register. The With methods return a modified copy.
type Cc uint32

func (c Cc) En() bool      { return ccEn.flag(uint64(c)) }
func (c Cc) Css() uint8    { return uint8(ccCss.get(uint64(c))) }
func (c Cc) Mps() uint8    { return uint8(ccMps.get(uint64(c))) }
func (c Cc) Ams() uint8    { return uint8(ccAms.get(uint64(c))) }
func (c Cc) Shn() uint8    { return uint8(ccShn.get(uint64(c))) }
func (c Cc) Iosqes() uint8 { return uint8(ccIosqes.get(uint64(c))) }
func (c Cc) Iocqes() uint8 { return uint8(ccIocqes.get(uint64(c))) }

func (c Cc) WithEn(en bool) Cc        { return Cc(ccEn.set(uint64(c), boolBit(en))) }
func (c Cc) WithCss(css uint8) Cc     { return Cc(ccCss.set(uint64(c), uint64(css))) }
func (c Cc) WithMps(mps uint8) Cc     { return Cc(ccMps.set(uint64(c), uint64(mps))) }
func (c Cc) WithAms(ams uint8) Cc     { return Cc(ccAms.set(uint64(c), uint64(ams))) }
func (c Cc) WithShn(shn uint8) Cc     { return Cc(ccShn.set(uint64(c), uint64(shn))) }
func (c Cc) WithIosqes(sqes uint8) Cc { return Cc(ccIosqes.set(uint64(c), uint64(sqes))) }
func (c Cc) WithIocqes(cqes uint8) Cc { return Cc(ccIocqes.set(uint64(c), uint64(cqes))) }

var (
	cstsRdy   = bitfield{0, 1}
	cstsCfs   = bitfield{1, 1}
	cstsShst  = bitfield{2, 2}
	cstsNssro = bitfield{4, 1}
	cstsPp    = bitfield{5, 1}
)

// Csts is the controller status register.
type Csts uint32

func (c Csts) Rdy() bool   { return cstsRdy.flag(uint64(c)) }
func (c Csts) Cfs() bool   { return cstsCfs.flag(uint64(c)) }
func (c Csts) Shst() uint8 { return uint8(cstsShst.get(uint64(c))) }
func (c Csts) Nssro() bool { return cstsNssro.flag(uint64(c)) }
func (c Csts) Pp() bool    { return cstsPp.flag(uint64(c)) }

func (c Csts) WithRdy(rdy bool) Csts { return Csts(cstsRdy.set(uint64(c), boolBit(rdy))) }
func (c Csts) WithCfs(cfs bool) Csts { return Csts(cstsCfs.set(uint64(c), boolBit(cfs))) }

var (
	aqaAsqs = bitfield{0, 12}
	aqaAcqs = bitfield{16, 12}
)

// Aqa is the admin queue attributes register. Sizes are zero based.
type Aqa uint32

func (a Aqa) Asqs() uint16 { return uint16(aqaAsqs.get(uint64(a))) }
func (a Aqa) Acqs() uint16 { return uint16(aqaAcqs.get(uint64(a))) }

func NewAqa(sqEntries, cqEntries uint32) Aqa {
	value := aqaAsqs.set(0, uint64(sqEntries-1))

	return Aqa(aqaAcqs.set(value, uint64(cqEntries-1)))
}

// SqTailDoorbell returns the offset of the submission queue tail doorbell with CAP.DSTRD 0.
func SqTailDoorbell(qid uint16) uint32 {
	return DoorbellBase + uint32(qid)*8
}

// CqHeadDoorbell returns the offset of the completion queue head doorbell with CAP.DSTRD 0.
func CqHeadDoorbell(qid uint16) uint32 {
	return SqTailDoorbell(qid) + 4
}

// Doorbell is the pair of doorbell registers of one queue id.
type Doorbell struct {
	window mmio.Window
	qid    uint16
}

func NewDoorbell(window mmio.Window, qid uint16) Doorbell {
	return Doorbell{window: window, qid: qid}
}

func (d Doorbell) WriteSqTail(tail uint32) {
	d.window.Write32(SqTailDoorbell(d.qid), tail)
}

func (d Doorbell) WriteCqHead(head uint32) {
	d.window.Write32(CqHeadDoorbell(d.qid), head)
}
