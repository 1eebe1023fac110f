// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package queue provides a lock-free multi-producer, single-consumer
// FIFO queue.  Any number of goroutines may Push; only one goroutine
// at a time may Pop, Peek, or Drain.
//
// The algorithm is Dmitry Vyukov's non-intrusive MPSC queue: producers
// atomically swap themselves in as the new head and then link the
// previous head to themselves; the consumer follows next pointers from
// a stub node.  A producer that has swapped but not yet linked makes
// the queue briefly look shorter than it is, which the consumer sees
// as "empty for now".
package queue

import "sync/atomic"

type node[T any] struct {
	next  atomic.Pointer[node[T]]
	value T
}

// Queue is an unbounded MPSC FIFO.  The zero value is not usable; call
// New.
type Queue[T any] struct {
	head   atomic.Pointer[node[T]] // most recently pushed, touched by producers
	tail   *node[T]                // consumer-owned; its successor is the front
	length atomic.Int64
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	stub := &node[T]{}
	q.head.Store(stub)
	q.tail = stub
	return q
}

// Push appends v to the back of the queue.  Safe from any goroutine.
func (q *Queue[T]) Push(v T) {
	n := &node[T]{value: v}
	q.length.Add(1)
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Pop removes and returns the front of the queue.  Consumer only.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	q.tail = next
	v := next.value
	next.value = zero
	q.length.Add(-1)
	return v, true
}

// Peek returns the front of the queue without removing it.  Consumer
// only.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	return next.value, true
}

// Drain pops every currently visible item and passes it to fn.
// Consumer only.
func (q *Queue[T]) Drain(fn func(T)) int {
	count := 0
	for {
		v, ok := q.Pop()
		if !ok {
			return count
		}
		fn(v)
		count++
	}
}

// Len returns the number of pushed items not yet popped.  Under
// concurrent pushes this is approximate.
func (q *Queue[T]) Len() int {
	return int(q.length.Load())
}

// Empty says whether the consumer would currently find nothing.
// Consumer only.
func (q *Queue[T]) Empty() bool {
	return q.tail.next.Load() == nil
}
