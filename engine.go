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
	"context"
	"sync/atomic"

	"github.com/alitto/pond"
	"github.com/pawelgaczynski/gnvme/logger"
	gnvmeErrors "github.com/pawelgaczynski/gnvme/pkg/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	inactive uint32 = iota
	running
	closing
)

const (
	goPoolMaxWorkers  = 256
	goPoolMaxCapacity = 4096
)

type controlKind int

const (
	controlOpenSession controlKind = iota
	controlCloseSession
	controlSuspend
	controlResume
)

type controlRequest struct {
	kind    controlKind
	session *Session
	reply   chan error
}

type sharedQueue struct {
	qid  uint16
	refs int
}

// Engine owns one controller. All driver work happens on the goroutine running Start,
// woken up by interrupts, new requests and control requests.
type Engine struct {
	config Config
	driver *Driver
	logger zerolog.Logger
	state  atomic.Uint32

	interruptChan chan struct{}
	requestChan   chan struct{}
	controlChan   chan controlRequest
	doneChan      chan struct{}

	sessions   []*Session
	shared     *sharedQueue
	// releasing holds I/O queues whose delete failed; freeing them is retried.
	releasing  []uint16
	suspending powerWaiters
	pool       *pond.WorkerPool
}

// NewEngine initializes the controller behind platform.
func NewEngine(config Config, platform Platform) (*Engine, error) {
	driver, err := NewDriver(config, platform)
	if err != nil {
		return nil, errors.Wrapf(err, "initializing controller")
	}

	engine := &Engine{
		config:        config,
		driver:        driver,
		logger:        logger.NewLogger("engine", config.LoggerLevel, config.PrettyLogger),
		interruptChan: make(chan struct{}, 1),
		requestChan:   make(chan struct{}, 1),
		controlChan:   make(chan controlRequest),
		doneChan:      make(chan struct{}),
	}
	if config.AsyncHandler && config.GoroutinePool {
		engine.pool = pond.New(goPoolMaxWorkers, goPoolMaxCapacity)
	}

	return engine, nil
}

func (e *Engine) logDebug() *zerolog.Event {
	return e.logger.Debug().Int("sessions", len(e.sessions))
}

func (e *Engine) logInfo() *zerolog.Event {
	return e.logger.Info().Int("sessions", len(e.sessions))
}

func (e *Engine) logError(err error) *zerolog.Event {
	return e.logger.Error().Int("sessions", len(e.sessions)).Err(err)
}

// Start runs the engine until ctx is cancelled. It frees every I/O queue and shuts the
// controller down before returning.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(inactive, running) {
		return gnvmeErrors.ErrEngineRunning
	}
	e.logInfo().Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(e.shutdown(), "closing engine")
		case <-e.interruptChan:
		case <-e.requestChan:
		case req := <-e.controlChan:
			e.control(req)
		}

		e.drain()
	}
}

func (e *Engine) IsRunning() bool {
	return e.state.Load() == running
}

// Interrupt notifies the engine that completions may have been posted.
func (e *Engine) Interrupt() {
	select {
	case e.interruptChan <- struct{}{}:
	default:
	}
}

func (e *Engine) signalRequest() {
	select {
	case e.requestChan <- struct{}{}:
	default:
	}
}

func (e *Engine) Info() Info {
	return e.driver.Info()
}

func (e *Engine) State() PowerState {
	return e.driver.State()
}

// OpenSession registers a new client. Without a shared queue each session gets its own
// I/O queue pair.
func (e *Engine) OpenSession(options SessionOptions) (*Session, error) {
	session := newSession(e, options)
	if err := e.call(controlRequest{kind: controlOpenSession, session: session}); err != nil {
		session.closed.Store(true)

		return nil, err
	}

	return session, nil
}

// Suspend stops accepting requests, waits for every submitted request to complete and
// shuts the controller down. Queued requests are kept until Resume.
func (e *Engine) Suspend() error {
	return e.call(controlRequest{kind: controlSuspend})
}

// Resume re-initializes the controller and recreates the I/O queues of all sessions.
func (e *Engine) Resume() error {
	return e.call(controlRequest{kind: controlResume})
}

func (e *Engine) call(req controlRequest) error {
	if !e.IsRunning() {
		return gnvmeErrors.ErrEngineStopped
	}
	req.reply = make(chan error, 1)

	select {
	case e.controlChan <- req:
	case <-e.doneChan:
		return gnvmeErrors.ErrEngineStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-e.doneChan:
		return gnvmeErrors.ErrEngineStopped
	}
}

func (e *Engine) control(req controlRequest) {
	switch req.kind {
	case controlOpenSession:
		req.reply <- e.openSession(req.session)
	case controlCloseSession:
		req.session.closing = true
		req.session.closeReply = req.reply
	case controlSuspend:
		e.suspending.add(req.reply)
	case controlResume:
		stopping := e.driver.State() == PowerStopping
		err := e.driver.Resume()
		if err == nil {
			if stopping {
				e.suspending.notify(gnvmeErrors.ErrorInvalidState("suspend", PowerRunning.String()))
			}
			e.signalRequest()
		}
		req.reply <- err
	}
}

func (e *Engine) openSession(session *Session) error {
	e.retryRelease()

	var qid uint16

	if e.config.SharedQueue && e.shared != nil {
		e.shared.refs++
		qid = e.shared.qid
	} else {
		bufferSize := e.config.BufferSize
		if session.bufferSize > 0 && !e.config.SharedQueue {
			bufferSize = session.bufferSize
		}

		var err error
		if qid, err = e.driver.CreateIoQueue(bufferSize); err != nil {
			e.logError(err).Msg("Opening session failed")

			return err
		}

		if e.config.SharedQueue {
			e.shared = &sharedQueue{qid: qid, refs: 1}
		}
	}

	session.qid = qid
	session.buffer = e.driver.Queue(qid).Buffer()
	e.sessions = append(e.sessions, session)
	e.logDebug().Uint16("qid", qid).Bool("writeable", session.writeable).Msg("Session opened")

	return nil
}

func (e *Engine) releaseSession(session *Session) error {
	for i, s := range e.sessions {
		if s == session {
			e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)

			break
		}
	}

	if e.shared != nil && e.shared.qid == session.qid {
		e.shared.refs--
		if e.shared.refs > 0 {
			return nil
		}
		e.shared = nil
	}

	err := e.driver.FreeIoQueue(session.qid)
	if errors.Is(err, gnvmeErrors.ErrQueueDeleteFailed) {
		e.logError(err).Uint16("qid", session.qid).Msg("Freeing I/O queue failed, retrying later")
		e.releasing = append(e.releasing, session.qid)
	}

	return err
}

// retryRelease frees the I/O queues whose delete failed earlier.
func (e *Engine) retryRelease() {
	pending := e.releasing[:0]

	for _, qid := range e.releasing {
		err := e.driver.FreeIoQueue(qid)
		if errors.Is(err, gnvmeErrors.ErrQueueDeleteFailed) {
			pending = append(pending, qid)

			continue
		}

		if err != nil {
			e.logError(err).Uint16("qid", qid).Msg("Freeing I/O queue failed")
		} else {
			e.logDebug().Uint16("qid", qid).Msg("I/O queue freed")
		}
	}
	e.releasing = pending
}

// drain delivers posted completions, submits queued requests and advances pending
// power transitions and session closes. It never blocks.
func (e *Engine) drain() {
	qids := e.activeQids()

	for _, qid := range qids {
		e.driver.WithAnyCompletedJob(qid, func(cid uint16) {
			e.driver.WithCompletedRequest(qid, cid, e.deliver)
		})
	}

	submitted := make(map[uint16]bool, len(qids))
	for _, session := range e.sessions {
		if e.submitQueued(session) {
			submitted[session.qid] = true
		}
	}

	for _, qid := range qids {
		if submitted[qid] {
			e.driver.Commit(qid)
		}
	}

	if len(e.releasing) > 0 && e.driver.ControllerPresent() {
		e.retryRelease()
	}

	if e.suspending.pending() && e.driver.Stop() {
		e.suspending.notify(nil)
	}

	for _, session := range append([]*Session(nil), e.sessions...) {
		if session.closing && session.idle() {
			session.closeReply <- e.releaseSession(session)
			e.logDebug().Uint16("qid", session.qid).Msg("Session closed")
		}
	}
}

func (e *Engine) activeQids() []uint16 {
	seen := make(map[uint16]bool, len(e.sessions))
	qids := make([]uint16, 0, len(e.sessions))

	for _, session := range e.sessions {
		if !seen[session.qid] {
			seen[session.qid] = true
			qids = append(qids, session.qid)
		}
	}

	return qids
}

// submitQueued submits queued requests of session until one has to be retried. It
// reports whether any command was written.
func (e *Engine) submitQueued(session *Session) bool {
	submitted := false

	for {
		req, ok := session.peek()
		if !ok {
			return submitted
		}

		decision, effective := e.driver.CheckAcceptance(session.qid, req)

		switch decision {
		case Accepted:
			if _, err := e.driver.Submit(session.qid, effective); err != nil {
				e.logError(err).Uint16("qid", session.qid).Msg("Submit failed")

				return submitted
			}
			session.inFlight++
			submitted = true
		case Rejected:
			session.inFlight++
			e.deliver(Completion{Request: effective, Success: false})
		case Retry:
			return submitted
		}

		session.advance()
	}
}

func (e *Engine) deliver(completion Completion) {
	session := completion.Request.session
	if session == nil {
		return
	}
	session.inFlight--

	handler := session.handler
	if handler == nil {
		return
	}

	if !e.config.AsyncHandler {
		handler.OnComplete(session, completion)

		return
	}

	if e.pool != nil {
		e.pool.Submit(func() {
			handler.OnComplete(session, completion)
		})
	} else {
		go handler.OnComplete(session, completion)
	}
}

func (e *Engine) shutdown() error {
	e.state.Store(closing)
	close(e.doneChan)

	e.driver.AbandonRequests(e.deliver)

	for _, session := range e.sessions {
		session.closed.Store(true)
		for {
			req, ok := session.peek()
			if !ok {
				break
			}
			session.advance()
			session.inFlight++
			e.deliver(Completion{Request: req, Success: false})
		}

		if session.closeReply != nil {
			session.closeReply <- gnvmeErrors.ErrEngineStopped
		}
	}
	e.sessions = nil
	e.shared = nil
	e.releasing = nil
	e.suspending.notify(gnvmeErrors.ErrEngineStopped)

	err := e.driver.Close()
	if e.pool != nil {
		e.pool.StopAndWait()
	}
	e.logInfo().Msg("Engine stopped")

	return err
}
