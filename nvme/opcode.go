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

import "fmt"

// AdminOpcode is an opcode of the admin command set.
type AdminOpcode uint8

const (
	AdminDeleteIoSq  AdminOpcode = 0x00
	AdminCreateIoSq  AdminOpcode = 0x01
	AdminGetLogPage  AdminOpcode = 0x02
	AdminDeleteIoCq  AdminOpcode = 0x04
	AdminCreateIoCq  AdminOpcode = 0x05
	AdminIdentify    AdminOpcode = 0x06
	AdminSetFeatures AdminOpcode = 0x09
	AdminGetFeatures AdminOpcode = 0x0a
)

func (o AdminOpcode) String() string {
	switch o {
	case AdminDeleteIoSq:
		return "delete I/O SQ"
	case AdminCreateIoSq:
		return "create I/O SQ"
	case AdminGetLogPage:
		return "get log page"
	case AdminDeleteIoCq:
		return "delete I/O CQ"
	case AdminCreateIoCq:
		return "create I/O CQ"
	case AdminIdentify:
		return "identify"
	case AdminSetFeatures:
		return "set features"
	case AdminGetFeatures:
		return "get features"
	}

	return fmt.Sprintf("admin opcode %#02x", uint8(o))
}

// IoOpcode is an opcode of the NVM command set.
type IoOpcode uint8

const (
	IoFlush       IoOpcode = 0x00
	IoWrite       IoOpcode = 0x01
	IoRead        IoOpcode = 0x02
	IoWriteZeroes IoOpcode = 0x08
)

func (o IoOpcode) String() string {
	switch o {
	case IoFlush:
		return "flush"
	case IoWrite:
		return "write"
	case IoRead:
		return "read"
	case IoWriteZeroes:
		return "write zeroes"
	}

	return fmt.Sprintf("I/O opcode %#02x", uint8(o))
}

// Identify CNS values.
const (
	CnsNamespace     uint8 = 0x00
	CnsController    uint8 = 0x01
	CnsNamespaceList uint8 = 0x02
)

// Feature identifiers.
const (
	FeatureNumQueues        uint8 = 0x07
	FeatureHostMemoryBuffer uint8 = 0x0d
)

// Status code types.
const (
	SctGeneric         uint8 = 0x0
	SctCommandSpecific uint8 = 0x1
	SctMediaError      uint8 = 0x2
)

// Generic status codes.
const (
	ScSuccess          uint8 = 0x00
	ScInvalidOpcode    uint8 = 0x01
	ScInvalidField     uint8 = 0x02
	ScDataTransferErr  uint8 = 0x04
	ScInternalError    uint8 = 0x06
	ScLbaOutOfRange    uint8 = 0x80
	ScInvalidQueueID   uint8 = 0x01 // command specific
	ScInvalidQueueSize uint8 = 0x02 // command specific
)
