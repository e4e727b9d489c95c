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

package nvmesim

import (
	"github.com/pawelgaczynski/gnvme/logger"
	"github.com/pawelgaczynski/gnvme/nvme"
	"github.com/rs/zerolog"
)

const (
	defaultBlockCount     = 1 << 20
	defaultBlockSizeShift = 9
	defaultMaxQueues      = 16
	defaultMqes           = 1023
	defaultTimeout        = 2
	defaultMdts           = 5
)

type Option func(*config)

type config struct {
	blockCount     uint64
	blockSizeShift uint8
	maxQueues      uint16
	mqes           uint16
	timeout        uint8
	mpsmin         uint8
	mdts           uint8
	hmpre          uint32
	hmmin          uint32
	vwc            bool
	serial         string
	model          string
	firmware       string
	manualIo       bool
	neverReady     bool
	fatal          bool
	staleAdmin     int
	failOpcodes    map[nvme.AdminOpcode]int
	interrupt      func()
	logger         zerolog.Logger
}

// WithNamespace sets the geometry of namespace 1.
func WithNamespace(blockCount uint64, blockSizeShift uint8) Option {
	return func(c *config) {
		c.blockCount = blockCount
		c.blockSizeShift = blockSizeShift
	}
}

// WithMaxQueues sets the number of I/O queue pairs the device grants.
func WithMaxQueues(queues uint16) Option {
	return func(c *config) {
		c.maxQueues = queues
	}
}

// WithMqes sets CAP.MQES, the zero based maximum queue size.
func WithMqes(mqes uint16) Option {
	return func(c *config) {
		c.mqes = mqes
	}
}

// WithTimeout sets CAP.TO in 500 ms units.
func WithTimeout(timeout uint8) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

func WithMpsmin(mpsmin uint8) Option {
	return func(c *config) {
		c.mpsmin = mpsmin
	}
}

// WithMdts sets the maximum data transfer size as a power of two of the minimum page size.
// Zero means no limit.
func WithMdts(mdts uint8) Option {
	return func(c *config) {
		c.mdts = mdts
	}
}

// WithHostMemoryBuffer sets HMPRE and HMMIN in 4 KiB units.
func WithHostMemoryBuffer(preferred, minimum uint32) Option {
	return func(c *config) {
		c.hmpre = preferred
		c.hmmin = minimum
	}
}

func WithVolatileWriteCache(vwc bool) Option {
	return func(c *config) {
		c.vwc = vwc
	}
}

func WithIdentity(serial, model, firmware string) Option {
	return func(c *config) {
		c.serial = serial
		c.model = model
		c.firmware = firmware
	}
}

// WithManualIo stops the device from executing I/O commands when the submission
// doorbell is written. Commands then run on ProcessIo.
func WithManualIo(manual bool) Option {
	return func(c *config) {
		c.manualIo = manual
	}
}

// WithNeverReady keeps CSTS.RDY cleared after the controller is enabled.
func WithNeverReady(neverReady bool) Option {
	return func(c *config) {
		c.neverReady = neverReady
	}
}

// WithFatal reports CSTS.CFS.
func WithFatal(fatal bool) Option {
	return func(c *config) {
		c.fatal = fatal
	}
}

// WithStaleAdminCompletions posts a completion with an unknown command id before the
// response of each of the next count admin commands.
func WithStaleAdminCompletions(count int) Option {
	return func(c *config) {
		c.staleAdmin = count
	}
}

// WithFailingAdmin fails the next count admin commands with the given opcode.
func WithFailingAdmin(opcode nvme.AdminOpcode, count int) Option {
	return func(c *config) {
		c.failOpcodes[opcode] = count
	}
}

// WithInterrupt sets the function called after I/O completions are posted.
func WithInterrupt(interrupt func()) Option {
	return func(c *config) {
		c.interrupt = interrupt
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts ...Option) config {
	cfg := config{
		blockCount:     defaultBlockCount,
		blockSizeShift: defaultBlockSizeShift,
		maxQueues:      defaultMaxQueues,
		mqes:           defaultMqes,
		timeout:        defaultTimeout,
		mdts:           defaultMdts,
		serial:         "GNVME0001",
		model:          "gnvme simulated controller",
		firmware:       "1.0",
		failOpcodes:    make(map[nvme.AdminOpcode]int),
		logger:         logger.NewLogger("nvmesim", logger.ErrorLevel, false),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}
