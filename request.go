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
	"fmt"

	"github.com/rs/zerolog"
)

type Operation int

const (
	OperationInvalid Operation = iota
	OperationRead
	OperationWrite
	OperationSync
	OperationTrim
)

func (o Operation) String() string {
	switch o {
	case OperationRead:
		return "READ"
	case OperationWrite:
		return "WRITE"
	case OperationSync:
		return "SYNC"
	case OperationTrim:
		return "TRIM"
	}

	return fmt.Sprintf("INVALID(%d)", int(o))
}

// Request is a block request. Offset is the byte position of the data inside the
// I/O queue buffer returned by Session.Buffer.
type Request struct {
	Operation   Operation
	BlockNumber uint64
	Count       uint32
	Offset      uint64
	// Tag is not interpreted by the engine.
	Tag uint64

	session *Session
}

// end returns the first block after the request range.
func (r Request) end() uint64 {
	return r.BlockNumber + uint64(r.Count)
}

// overlaps reports whether two block ranges intersect. This covers one range containing,
// being contained in or crossing the other.
func (r Request) overlaps(other Request) bool {
	return r.BlockNumber < other.end() && other.BlockNumber < r.end()
}

func (r Request) MarshalZerologObject(e *zerolog.Event) {
	e.Str("op", r.Operation.String()).
		Uint64("block", r.BlockNumber).
		Uint32("count", r.Count).
		Uint64("offset", r.Offset).
		Uint64("tag", r.Tag)
}

// Decision is the result of the admission check of a request.
type Decision int

const (
	// Accepted requests may be submitted right away.
	Accepted Decision = iota
	// Rejected requests are completed without success.
	Rejected
	// Retry requests are checked again on the next drain.
	Retry
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "ACCEPTED"
	case Rejected:
		return "REJECTED"
	case Retry:
		return "RETRY"
	}

	return fmt.Sprintf("Decision(%d)", int(d))
}

// Completion is delivered once for every request submitted to a session. The request
// carries the effective block count, which may be smaller than the submitted one.
type Completion struct {
	Request Request
	Success bool
}
