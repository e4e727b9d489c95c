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
	"testing"

	. "github.com/stretchr/testify/require"
)

func TestIdentifyControllerLayout(t *testing.T) {
	ctrl := &IdentifyController{
		Vid:    0x8086,
		Mdts:   5,
		Cntlid: 0x21,
		Ver:    uint32(NewVs(1, 4, 0)),
		Hmpre:  0x800,
		Hmmin:  0x100,
		Sqes:   0x66,
		Cqes:   0x44,
		Nn:     4,
		Vwc:    1,
	}
	ctrl.SetStrings("S123", "Model X", "FW1")

	data := make([]byte, PageSize)
	NoError(t, ctrl.Encode(data))

	Equal(t, uint16(0x8086), binary.LittleEndian.Uint16(data[0:]))
	Equal(t, "S123", string(data[4:8]))
	Equal(t, byte(' '), data[8])
	Equal(t, byte(5), data[77])
	Equal(t, uint16(0x21), binary.LittleEndian.Uint16(data[78:]))
	Equal(t, uint32(0x800), binary.LittleEndian.Uint32(data[272:]))
	Equal(t, uint32(0x100), binary.LittleEndian.Uint32(data[276:]))
	Equal(t, byte(0x66), data[512])
	Equal(t, uint32(4), binary.LittleEndian.Uint32(data[516:]))
	Equal(t, byte(1), data[525])

	decoded, err := DecodeIdentifyController(data)
	NoError(t, err)
	Equal(t, "S123", decoded.Serial())
	Equal(t, "Model X", decoded.Model())
	Equal(t, "FW1", decoded.Firmware())
	Equal(t, ctrl.Hmpre, decoded.Hmpre)
	Equal(t, ctrl.Mdts, decoded.Mdts)
}

func TestIdentifyNamespaceLayout(t *testing.T) {
	ns := &IdentifyNamespace{
		Nsze:  1 << 20,
		Ncap:  1 << 20,
		Flbas: 1,
	}
	ns.Lbaf[0] = NewLbaFormat(0, 9, 0)
	ns.Lbaf[1] = NewLbaFormat(8, 12, 2)

	data := make([]byte, PageSize)
	NoError(t, ns.Encode(data))

	Equal(t, uint64(1<<20), binary.LittleEndian.Uint64(data[0:]))
	Equal(t, byte(1), data[26])
	Equal(t, uint32(9<<16), binary.LittleEndian.Uint32(data[128:]))
	Equal(t, uint32(2<<24|12<<16|8), binary.LittleEndian.Uint32(data[132:]))

	decoded, err := DecodeIdentifyNamespace(data)
	NoError(t, err)
	Equal(t, uint8(12), decoded.BlockSizeShift())
	Equal(t, uint16(8), decoded.MetadataSize())
	Equal(t, ns.Nsze, decoded.Nsze)
}

func TestFirstNamespace(t *testing.T) {
	data := make([]byte, PageSize)
	Equal(t, uint32(0), FirstNamespace(data))

	binary.LittleEndian.PutUint32(data[0:], 3)
	binary.LittleEndian.PutUint32(data[4:], 7)
	Equal(t, uint32(3), FirstNamespace(data))
	Equal(t, uint32(0), FirstNamespace(data[:2]))
}
