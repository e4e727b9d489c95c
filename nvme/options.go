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
	"time"

	"github.com/pawelgaczynski/gnvme/logger"
	"github.com/rs/zerolog"
)

const (
	defaultAdminEntries = 32
	defaultIoEntries    = 128
	defaultPollInterval = time.Millisecond
	defaultHmbChunkSize = 2 << 20
)

type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	adminEntries    uint32
	ioEntries       uint32
	pollInterval    time.Duration
	sleep           func(time.Duration)
	hmbChunkSize    uint64
	logger          zerolog.Logger
	verboseRegs     bool
	verboseIdentify bool
	verboseMem      bool
}

// WithAdminEntries sets the admin ring size. It is capped by CAP.MQES.
func WithAdminEntries(entries uint32) ControllerOption {
	return func(c *controllerConfig) {
		c.adminEntries = entries
	}
}

// WithIoEntries sets the I/O ring size. It is capped by CAP.MQES.
func WithIoEntries(entries uint32) ControllerOption {
	return func(c *controllerConfig) {
		c.ioEntries = entries
	}
}

// WithPollInterval sets the fixed interval between polls of CSTS and the admin ring.
func WithPollInterval(interval time.Duration) ControllerOption {
	return func(c *controllerConfig) {
		c.pollInterval = interval
	}
}

// WithSleep replaces time.Sleep in the polling loops.
func WithSleep(sleep func(time.Duration)) ControllerOption {
	return func(c *controllerConfig) {
		c.sleep = sleep
	}
}

func WithHmbChunkSize(size uint64) ControllerOption {
	return func(c *controllerConfig) {
		c.hmbChunkSize = size
	}
}

func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *controllerConfig) {
		c.logger = logger
	}
}

func WithVerboseRegs(verbose bool) ControllerOption {
	return func(c *controllerConfig) {
		c.verboseRegs = verbose
	}
}

func WithVerboseIdentify(verbose bool) ControllerOption {
	return func(c *controllerConfig) {
		c.verboseIdentify = verbose
	}
}

func WithVerboseMem(verbose bool) ControllerOption {
	return func(c *controllerConfig) {
		c.verboseMem = verbose
	}
}

func newControllerConfig(opts ...ControllerOption) controllerConfig {
	config := controllerConfig{
		adminEntries: defaultAdminEntries,
		ioEntries:    defaultIoEntries,
		pollInterval: defaultPollInterval,
		sleep:        time.Sleep,
		hmbChunkSize: defaultHmbChunkSize,
		logger:       logger.NewLogger("nvme", logger.ErrorLevel, false),
	}
	for _, opt := range opts {
		opt(&config)
	}

	return config
}
