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
	"sync/atomic"

	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	"github.com/pawelgaczynski/gnvme/pkg/queue"
)

type CompletionHandler interface {
	// OnComplete fires once for every request submitted to the session, including
	// rejected ones. Unless the engine uses an async handler it runs on the engine
	// goroutine and must not block.
	OnComplete(session *Session, completion Completion)
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(session *Session, completion Completion)

func (f CompletionHandlerFunc) OnComplete(session *Session, completion Completion) {
	f(session, completion)
}

type SessionOptions struct {
	// Writeable allows WRITE and TRIM requests.
	Writeable bool
	// BufferSize overrides the configured data buffer size of a dedicated I/O queue.
	BufferSize int
	Handler    CompletionHandler
}

// Session is a client of the engine. Requests submitted to a session are checked and
// submitted in order; a request that has to be retried holds back the later ones.
type Session struct {
	engine    *Engine
	writeable bool
	handler   CompletionHandler
	requests  queue.LockFreeQueue[Request]
	closed    atomic.Bool

	// Owned by the engine goroutine.
	qid        uint16
	buffer     []byte
	bufferSize int
	head       *Request
	inFlight   int
	closing    bool
	closeReply chan error
}

func newSession(engine *Engine, options SessionOptions) *Session {
	return &Session{
		engine:     engine,
		writeable:  options.Writeable,
		handler:    options.Handler,
		requests:   queue.New[Request](),
		bufferSize: options.BufferSize,
	}
}

// Submit queues req and wakes up the engine. The result is delivered to the session
// handler.
func (s *Session) Submit(req Request) error {
	if s.closed.Load() {
		return gnvmeErrors.ErrSessionClosed
	}

	if !s.engine.IsRunning() {
		return gnvmeErrors.ErrEngineStopped
	}

	req.session = s
	s.requests.Push(req)
	s.engine.signalRequest()

	return nil
}

// Buffer returns the DMA data buffer requests of this session transfer from or to.
// Sessions sharing an I/O queue share its buffer.
func (s *Session) Buffer() []byte {
	return s.buffer
}

func (s *Session) Writeable() bool {
	return s.writeable
}

// Close waits until every request of the session completed and releases its I/O queue.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return gnvmeErrors.ErrSessionClosed
	}

	return s.engine.call(controlRequest{kind: controlCloseSession, session: s})
}

func (s *Session) peek() (Request, bool) {
	if s.head == nil {
		req, ok := s.requests.Pop()
		if !ok {
			return Request{}, false
		}
		s.head = &req
	}

	return *s.head, true
}

func (s *Session) advance() {
	s.head = nil
}

func (s *Session) idle() bool {
	return s.head == nil && s.requests.IsEmpty() && s.inFlight == 0
}
