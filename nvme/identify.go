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
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/lunixbochs/struc"
)

// IdentifyController holds the fields of the Identify Controller data structure the
// driver uses. Reserved fields keep the byte offsets of the following fields intact.
type IdentifyController struct {
	Vid     uint16     `struc:"uint16,little"`
	Ssvid   uint16     `struc:"uint16,little"`
	Sn      [20]uint8  `struc:"[20]uint8"`
	Mn      [40]uint8  `struc:"[40]uint8"`
	Fr      [8]uint8   `struc:"[8]uint8"`
	Rab     uint8      `struc:"uint8"`
	Ieee    [3]uint8   `struc:"[3]uint8"`
	Cmic    uint8      `struc:"uint8"`
	Mdts    uint8      `struc:"uint8"`
	Cntlid  uint16     `struc:"uint16,little"`
	Ver     uint32     `struc:"uint32,little"`
	Rsvd84  [188]uint8 `struc:"[188]uint8"`
	Hmpre   uint32     `struc:"uint32,little"`
	Hmmin   uint32     `struc:"uint32,little"`
	Rsvd280 [232]uint8 `struc:"[232]uint8"`
	Sqes    uint8      `struc:"uint8"`
	Cqes    uint8      `struc:"uint8"`
	Maxcmd  uint16     `struc:"uint16,little"`
	Nn      uint32     `struc:"uint32,little"`
	Oncs    uint16     `struc:"uint16,little"`
	Fuses   uint16     `struc:"uint16,little"`
	Fna     uint8      `struc:"uint8"`
	Vwc     uint8      `struc:"uint8"`
}

// IdentifyNamespace holds the leading part of the Identify Namespace data structure.
type IdentifyNamespace struct {
	Nsze   uint64     `struc:"uint64,little"`
	Ncap   uint64     `struc:"uint64,little"`
	Nuse   uint64     `struc:"uint64,little"`
	Nsfeat uint8      `struc:"uint8"`
	Nlbaf  uint8      `struc:"uint8"`
	Flbas  uint8      `struc:"uint8"`
	Mc     uint8      `struc:"uint8"`
	Dpc    uint8      `struc:"uint8"`
	Dps    uint8      `struc:"uint8"`
	Nmic   uint8      `struc:"uint8"`
	Rescap uint8      `struc:"uint8"`
	Rsvd32 [96]uint8  `struc:"[96]uint8"`
	Lbaf   [16]uint32 `struc:"[16]uint32,little"`
}

var (
	lbafMs    = bitfield{0, 16}
	lbafLbads = bitfield{16, 8}
	lbafRp    = bitfield{24, 2}
)

const flbasFormatMask = 0xf

// BlockSizeShift returns LBADS of the formatted LBA format.
func (ns *IdentifyNamespace) BlockSizeShift() uint8 {
	return uint8(lbafLbads.get(uint64(ns.Lbaf[ns.Flbas&flbasFormatMask])))
}

// MetadataSize returns MS of the formatted LBA format.
func (ns *IdentifyNamespace) MetadataSize() uint16 {
	return uint16(lbafMs.get(uint64(ns.Lbaf[ns.Flbas&flbasFormatMask])))
}

// NewLbaFormat builds an LBA format descriptor. It is used by device models.
func NewLbaFormat(metadataSize uint16, blockSizeShift uint8, relativePerformance uint8) uint32 {
	value := lbafMs.set(0, uint64(metadataSize))
	value = lbafLbads.set(value, uint64(blockSizeShift))

	return uint32(lbafRp.set(value, uint64(relativePerformance)))
}

func DecodeIdentifyController(data []byte) (*IdentifyController, error) {
	var id IdentifyController
	if err := struc.Unpack(bytes.NewReader(data), &id); err != nil {
		return nil, err
	}

	return &id, nil
}

func DecodeIdentifyNamespace(data []byte) (*IdentifyNamespace, error) {
	var id IdentifyNamespace
	if err := struc.Unpack(bytes.NewReader(data), &id); err != nil {
		return nil, err
	}

	return &id, nil
}

// Encode writes the structure in wire format into data.
func (id *IdentifyController) Encode(data []byte) error {
	return encode(data, id)
}

func (ns *IdentifyNamespace) Encode(data []byte) error {
	return encode(data, ns)
}

func encode(data []byte, value any) error {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, value); err != nil {
		return err
	}

	clear(data)
	copy(data, buf.Bytes())

	return nil
}

// NamespaceListEntries is the number of ids in an Identify Active Namespace ID list.
const NamespaceListEntries = PageSize / 4

// FirstNamespace returns the first active namespace id of a namespace list or 0. The list
// is sorted and terminated by the first zero entry.
func FirstNamespace(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}

	return binary.LittleEndian.Uint32(data)
}

func identifyString(field []uint8) string {
	return strings.TrimRight(string(field), " \x00")
}

func (id *IdentifyController) Serial() string   { return identifyString(id.Sn[:]) }
func (id *IdentifyController) Model() string    { return identifyString(id.Mn[:]) }
func (id *IdentifyController) Firmware() string { return identifyString(id.Fr[:]) }

// SetStrings fills the space padded ASCII fields. It is used by device models.
func (id *IdentifyController) SetStrings(serial, model, firmware string) {
	padField(id.Sn[:], serial)
	padField(id.Mn[:], model)
	padField(id.Fr[:], firmware)
}

func padField(field []uint8, value string) {
	for i := range field {
		field[i] = ' '
	}
	copy(field, value)
}
