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
	"sync/atomic"
)

type PowerState int32

const (
	PowerRunning PowerState = iota
	PowerStopping
	PowerStopped
)

func (s PowerState) String() string {
	switch s {
	case PowerRunning:
		return "RUNNING"
	case PowerStopping:
		return "STOPPING"
	case PowerStopped:
		return "STOPPED"
	}

	return fmt.Sprintf("PowerState(%d)", int32(s))
}

type powerControl struct {
	current atomic.Int32
}

func newPowerControl() *powerControl {
	return &powerControl{}
}

func (p *powerControl) state() PowerState {
	return PowerState(p.current.Load())
}

func (p *powerControl) set(state PowerState) {
	p.current.Store(int32(state))
}

// powerWaiters holds the callers blocked on a suspend until the driver reports that it
// stopped.
type powerWaiters struct {
	waiting []chan error
}

func (w *powerWaiters) add(reply chan error) {
	w.waiting = append(w.waiting, reply)
}

func (w *powerWaiters) pending() bool {
	return len(w.waiting) > 0
}

func (w *powerWaiters) notify(err error) {
	for _, reply := range w.waiting {
		reply <- err
	}
	w.waiting = nil
}
