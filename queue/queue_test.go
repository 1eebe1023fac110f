// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package queue

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFIFO(t *testing.T) {
	q := New[int]()
	assert.True(t, q.Empty())
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	v, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, 0, v)

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok = q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestDrain(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	var got []string
	n := q.Drain(func(s string) { got = append(got, s) })
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, q.Empty())
}

// TestConcurrentProducers pushes from several goroutines and checks
// that each producer's items come out in its own order.
func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const each = 2000
	q := New[[2]int]()
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Push([2]int{p, i})
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	seen := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for seen < producers*each {
		v, ok := q.Pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		assert.Equal(t, last[v[0]]+1, v[1])
		last[v[0]] = v[1]
		seen++
	}
	<-done
	assert.True(t, q.Empty())
}
