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

// Package queue provides the Michael-Scott lock-free queue used to hand block
// requests from client goroutines to the single engine goroutine.
package queue

import (
	"sync/atomic"
	"unsafe"
)

// LockFreeQueue is safe for any number of concurrent producers and consumers.
type LockFreeQueue[T any] interface {
	// Push appends value at the tail.
	Push(value T)
	// Pop removes the head value. ok is false when the queue is empty.
	Pop() (value T, ok bool)
	IsEmpty() bool
	Len() int32
}

type msQueue[T any] struct {
	head unsafe.Pointer
	tail unsafe.Pointer
	len  int32
}

type node[T any] struct {
	value T
	next  unsafe.Pointer
}

func New[T any]() LockFreeQueue[T] {
	sentinel := unsafe.Pointer(&node[T]{})

	return &msQueue[T]{head: sentinel, tail: sentinel}
}

func (q *msQueue[T]) Push(value T) {
	item := &node[T]{value: value}

	for {
		var (
			tail = load[T](&q.tail)
			next = load[T](&tail.next)
		)

		if tail != load[T](&q.tail) {
			continue
		}

		if next != nil {
			cas(&q.tail, tail, next)

			continue
		}

		if cas(&tail.next, nil, item) {
			cas(&q.tail, tail, item)
			atomic.AddInt32(&q.len, 1)

			return
		}
	}
}

func (q *msQueue[T]) Pop() (T, bool) {
	for {
		var (
			head = load[T](&q.head)
			tail = load[T](&q.tail)
			next = load[T](&head.next)
		)

		if head != load[T](&q.head) {
			continue
		}

		if head == tail {
			if next == nil {
				var zero T

				return zero, false
			}

			cas(&q.tail, tail, next)

			continue
		}

		value := next.value
		if cas(&q.head, head, next) {
			atomic.AddInt32(&q.len, -1)

			return value, true
		}
	}
}

func (q *msQueue[T]) IsEmpty() bool {
	return atomic.LoadInt32(&q.len) == 0
}

func (q *msQueue[T]) Len() int32 {
	return atomic.LoadInt32(&q.len)
}

func load[T any](p *unsafe.Pointer) *node[T] {
	return (*node[T])(atomic.LoadPointer(p))
}

func cas[T any](p *unsafe.Pointer, oldNode, newNode *node[T]) bool {
	return atomic.CompareAndSwapPointer(p, unsafe.Pointer(oldNode), unsafe.Pointer(newNode))
}
