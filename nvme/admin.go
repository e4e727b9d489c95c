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
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
)

// Command identifiers reserved for admin operations. Each operation uses its own id so
// a late completion of an earlier exchange can never satisfy a later one.
const (
	cidIdentifyController uint16 = 0x0100 + iota
	cidNamespaceList
	cidIdentifyNamespace
	cidSetNumQueues
	cidSetHmb
	cidDisableHmb
	cidCreateIoCq
	cidCreateIoSq
	cidDeleteIoSq
	cidDeleteIoCq
)

// adminCommand submits one admin command prepared by fill and waits for its completion.
// fill returns the operation name used in errors and logs. The value of DW0 of the
// completion is returned.
func (c *Controller) adminCommand(cid uint16, fill func(Sqe) string) (uint32, error) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	if c.adminSq == nil {
		return 0, gnvmeErrors.ErrControllerNotPresent
	}

	if c.adminSq.Full(c.adminSqHead) {
		return 0, gnvmeErrors.ErrorAdminCommandFailed("admin submission queue full", cid)
	}

	sqe := c.adminSq.Next()
	op := fill(sqe)
	sqe.SetCid(cid)

	NewDoorbell(c.window, adminQid).WriteSqTail(c.adminSq.Tail())

	for attempt := c.pollAttempts(); attempt > 0; attempt-- {
		var (
			matched bool
			dw0     uint32
			err     error
		)

		for !matched {
			cqe, ok := c.adminCq.Peek()
			if !ok {
				break
			}

			c.adminSqHead = uint32(cqe.Sqhd()) % c.adminSq.Entries()

			if cqe.Cid() == cid {
				matched = true
				dw0 = cqe.Dw0()

				if !cqe.Succeeded() {
					err = gnvmeErrors.ErrorAdminCommandStatus(op, cqe.Sct(), cqe.Sc())
				}
			} else {
				c.logWarn().
					Str("op", op).
					Uint16("expected cid", cid).
					Uint16("cid", cqe.Cid()).
					Msg("Ignoring unexpected admin completion")
			}

			c.adminCq.Advance()
			NewDoorbell(c.window, adminQid).WriteCqHead(c.adminCq.Head())
		}

		if matched {
			if err != nil {
				c.logError(err).Msg("Admin command failed")
			} else {
				c.logDebug().Str("op", op).Uint32("dw0", dw0).Msg("Admin command completed")
			}

			return dw0, err
		}

		c.config.sleep(c.config.pollInterval)
	}

	err := gnvmeErrors.ErrorAdminCommandFailed(op, cid)
	c.logError(err).Msg("Admin command timed out")

	return 0, err
}
