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
	"testing"
	"time"

	. "github.com/stretchr/testify/require"
)

type fakeWindow struct {
	regs map[uint32]uint32
}

func (w *fakeWindow) Read32(offset uint32) uint32 {
	return w.regs[offset]
}

func (w *fakeWindow) Write32(offset uint32, value uint32) {
	w.regs[offset] = value
}

func (w *fakeWindow) Read64(offset uint32) uint64 {
	return uint64(w.regs[offset+4])<<32 | uint64(w.regs[offset])
}

func (w *fakeWindow) Write64(offset uint32, value uint64) {
	w.regs[offset] = uint32(value)
	w.regs[offset+4] = uint32(value >> 32)
}

func TestCap(t *testing.T) {
	capability := NewCap(1023, 20, 0, 4)
	Equal(t, uint16(1023), capability.Mqes())
	Equal(t, uint32(1024), capability.MaxEntries())
	Equal(t, uint8(20), capability.To())
	Equal(t, 10*time.Second, capability.Timeout())
	Equal(t, 4096, capability.MinPageSize())
	Equal(t, 65536, capability.MaxPageSize())
	True(t, capability.Cqr())
	Equal(t, uint8(0), capability.Dstrd())
	Equal(t, uint8(1), capability.Css())

	raw := uint64(0x00f0_0020_1400_03ff)
	capability = Cap(raw)
	Equal(t, uint16(0x3ff), capability.Mqes())
	Equal(t, uint8(0x14), capability.To())
	Equal(t, uint8(0), capability.Mpsmin())
	Equal(t, uint8(0xf), capability.Mpsmax())
	Equal(t, uint8(1), capability.Css())
}

func TestCc(t *testing.T) {
	cc := Cc(0).WithEn(true).WithCss(0).WithMps(0).WithShn(1).WithIosqes(6).WithIocqes(4)
	Equal(t, uint32(0x0046_4001), uint32(cc))
	True(t, cc.En())
	Equal(t, uint8(1), cc.Shn())
	Equal(t, uint8(6), cc.Iosqes())
	Equal(t, uint8(4), cc.Iocqes())

	cc = cc.WithEn(false)
	False(t, cc.En())
	Equal(t, uint8(6), cc.Iosqes())
}

func TestCstsAqaVs(t *testing.T) {
	csts := Csts(0).WithRdy(true)
	True(t, csts.Rdy())
	False(t, csts.Cfs())
	csts = csts.WithCfs(true)
	Equal(t, uint32(3), uint32(csts))

	aqa := NewAqa(32, 16)
	Equal(t, uint16(31), aqa.Asqs())
	Equal(t, uint16(15), aqa.Acqs())
	Equal(t, uint32(0x000f_001f), uint32(aqa))

	vs := NewVs(1, 4, 0)
	Equal(t, uint32(0x0001_0400), uint32(vs))
	Equal(t, "1.4.0", vs.String())
}

func TestDoorbells(t *testing.T) {
	Equal(t, uint32(0x1000), SqTailDoorbell(0))
	Equal(t, uint32(0x1004), CqHeadDoorbell(0))
	Equal(t, uint32(0x1018), SqTailDoorbell(3))
	Equal(t, uint32(0x101c), CqHeadDoorbell(3))

	window := &fakeWindow{regs: make(map[uint32]uint32)}
	doorbell := NewDoorbell(window, 2)
	doorbell.WriteSqTail(7)
	doorbell.WriteCqHead(5)
	Equal(t, uint32(7), window.regs[0x1010])
	Equal(t, uint32(5), window.regs[0x1014])
}
