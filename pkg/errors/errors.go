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

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInitializationFailed occurs when the controller does not become ready or reports a fatal status.
	ErrInitializationFailed = errors.New("controller initialization failed")
	// ErrAdminCommandFailed occurs when an admin command does not complete within its retry budget
	// or completes with an error status.
	ErrAdminCommandFailed = errors.New("admin command failed")
	// ErrIoQueueCreation occurs when an I/O queue pair could not be created.
	ErrIoQueueCreation = errors.New("I/O queue creation failed")
	// ErrQueueDeleteFailed occurs when deleting an I/O queue pair failed. The queue id must not be
	// reused until a subsequent delete succeeds.
	ErrQueueDeleteFailed = errors.New("I/O queue deletion failed")
	// ErrCommandIDsExhausted occurs when no command identifier is left in an I/O queue.
	ErrCommandIDsExhausted = errors.New("command identifiers exhausted")
	// ErrQueueIDsExhausted occurs when no I/O queue identifier is left.
	ErrQueueIDsExhausted = errors.New("I/O queue identifiers exhausted")
	// ErrControllerNotPresent occurs when a command is issued while the controller is torn down.
	ErrControllerNotPresent = errors.New("controller not present")
	// ErrNoNamespace occurs when the controller does not report any active namespace.
	ErrNoNamespace = errors.New("no active namespace")
	// ErrDMAAllocation occurs when DMA memory could not be allocated.
	ErrDMAAllocation = errors.New("DMA allocation failed")
	// ErrInvalidQueue occurs when an unknown I/O queue id is used.
	ErrInvalidQueue = errors.New("invalid queue")
	// ErrUnsupportedPageSize occurs when the controller cannot operate with the host page size.
	ErrUnsupportedPageSize = errors.New("unsupported memory page size")
	// ErrAddressNotMapped occurs when a device address does not belong to any DMA region.
	ErrAddressNotMapped = errors.New("device address not mapped")
	// ErrEngineRunning occurs when trying to start already running engine.
	ErrEngineRunning = errors.New("engine already running")
	// ErrEngineStopped occurs when trying to use an engine that is not running.
	ErrEngineStopped = errors.New("engine stopped")
	// ErrSessionClosed occurs when submitting to a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidState occurs when operation is called in invalid state.
	ErrInvalidState = errors.New("invalid state")
)

func ErrorAdminCommandFailed(op string, cid uint16) error {
	return fmt.Errorf("%w, op: %s, cid: %#x", ErrAdminCommandFailed, op, cid)
}

func ErrorAdminCommandStatus(op string, sct, sc uint8) error {
	return fmt.Errorf("%w, op: %s, sct: %#x, sc: %#x", ErrAdminCommandFailed, op, sct, sc)
}

func ErrorInitializationFailed(reason string) error {
	return fmt.Errorf("%w, reason: %s", ErrInitializationFailed, reason)
}

func ErrorInvalidQueue(qid uint16) error {
	return fmt.Errorf("%w, qid: %d", ErrInvalidQueue, qid)
}

func ErrorQueueDeleteFailed(qid uint16, err error) error {
	return fmt.Errorf("%w, qid: %d: %w", ErrQueueDeleteFailed, qid, err)
}

func ErrorIoQueueCreation(qid uint16, err error) error {
	return fmt.Errorf("%w, qid: %d: %w", ErrIoQueueCreation, qid, err)
}

func ErrorDMAAllocation(size int, err error) error {
	return fmt.Errorf("%w, size: %d: %w", ErrDMAAllocation, size, err)
}

func ErrorAddressNotMapped(addr uint64) error {
	return fmt.Errorf("%w, addr: %#x", ErrAddressNotMapped, addr)
}

func ErrorInvalidState(op, state string) error {
	return fmt.Errorf("%w, op: %s, state: %s", ErrInvalidState, op, state)
}
