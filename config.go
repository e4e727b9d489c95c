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
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxHmbSize   = 32 << 20
	defaultBufferSize   = 4 << 20
	defaultIoEntries    = 128
	defaultAdminEntries = 32
	defaultMaxIoQueues  = 16
	defaultPollInterval = time.Millisecond
)

type ConfigOption func(*Config)

type Config struct {
	// MaxHmbSize is the largest host memory buffer offered to the controller. Zero disables it.
	MaxHmbSize uint64
	// BufferSize is the size of the DMA data buffer of each I/O queue.
	BufferSize int
	// IoEntries is the requested size of each I/O ring, capped by the controller.
	IoEntries uint32
	// AdminEntries is the requested size of the admin ring, capped by the controller.
	AdminEntries uint32
	// MaxIoQueues is the number of I/O queue pairs requested from the controller.
	MaxIoQueues uint16
	// PollInterval is the interval between polls during reset and admin exchanges.
	PollInterval time.Duration
	// SharedQueue makes all sessions use a single I/O queue.
	SharedQueue bool
	// AsyncHandler delivers completions outside of the engine goroutine.
	AsyncHandler bool
	// GoroutinePool delivers async completions with a worker pool instead of new goroutines.
	GoroutinePool bool

	VerboseIdentify bool
	VerboseIo       bool
	VerboseRegs     bool
	VerboseMem      bool
	VerboseChecks   bool

	LoggerLevel  zerolog.Level
	PrettyLogger bool
}

func WithMaxHmbSize(size uint64) ConfigOption {
	return func(c *Config) {
		c.MaxHmbSize = size
	}
}

func WithBufferSize(bufferSize int) ConfigOption {
	return func(c *Config) {
		c.BufferSize = bufferSize
	}
}

func WithIoEntries(entries uint32) ConfigOption {
	return func(c *Config) {
		c.IoEntries = entries
	}
}

func WithAdminEntries(entries uint32) ConfigOption {
	return func(c *Config) {
		c.AdminEntries = entries
	}
}

func WithMaxIoQueues(queues uint16) ConfigOption {
	return func(c *Config) {
		c.MaxIoQueues = queues
	}
}

func WithPollInterval(interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithSharedQueue(sharedQueue bool) ConfigOption {
	return func(c *Config) {
		c.SharedQueue = sharedQueue
	}
}

func WithAsyncHandler(asyncHandler bool) ConfigOption {
	return func(c *Config) {
		c.AsyncHandler = asyncHandler
	}
}

func WithGoroutinePool(goroutinePool bool) ConfigOption {
	return func(c *Config) {
		c.GoroutinePool = goroutinePool
	}
}

func WithVerboseIdentify(verbose bool) ConfigOption {
	return func(c *Config) {
		c.VerboseIdentify = verbose
	}
}

func WithVerboseIo(verbose bool) ConfigOption {
	return func(c *Config) {
		c.VerboseIo = verbose
	}
}

func WithVerboseRegs(verbose bool) ConfigOption {
	return func(c *Config) {
		c.VerboseRegs = verbose
	}
}

func WithVerboseMem(verbose bool) ConfigOption {
	return func(c *Config) {
		c.VerboseMem = verbose
	}
}

func WithVerboseChecks(verbose bool) ConfigOption {
	return func(c *Config) {
		c.VerboseChecks = verbose
	}
}

func WithLoggerLevel(loggerLevel zerolog.Level) ConfigOption {
	return func(c *Config) {
		c.LoggerLevel = loggerLevel
	}
}

func WithPrettyLogger(prettyLogger bool) ConfigOption {
	return func(c *Config) {
		c.PrettyLogger = prettyLogger
	}
}

func NewConfig(opts ...ConfigOption) Config {
	config := Config{
		MaxHmbSize:   defaultMaxHmbSize,
		BufferSize:   defaultBufferSize,
		IoEntries:    defaultIoEntries,
		AdminEntries: defaultAdminEntries,
		MaxIoQueues:  defaultMaxIoQueues,
		PollInterval: defaultPollInterval,
		LoggerLevel:  zerolog.ErrorLevel,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return config
}
