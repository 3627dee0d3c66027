// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"sync"
	"time"

	"github.com/veilroute/veilroute/core/queue"
	"github.com/veilroute/veilroute/core/worker"
)

// TimerQueue fires an action callback for each queued value once its
// deadline passes.  Priorities are absolute deadlines in nanoseconds since
// the Unix epoch; the action runs on the queue's worker goroutine, so it
// must not block for long.
type TimerQueue struct {
	worker.Worker

	cond  *sync.Cond
	mutex sync.RWMutex
	queue *queue.PriorityQueue

	action func(interface{})

	wakech chan struct{}
}

// NewTimerQueue constructs a TimerQueue around the given action.  The
// returned queue is inert until Start is called.
func NewTimerQueue(action func(interface{})) *TimerQueue {
	return &TimerQueue{
		queue:  queue.New(),
		action: action,
		cond:   sync.NewCond(new(sync.Mutex)),
	}
}

// Start spawns the worker goroutine.
func (t *TimerQueue) Start() {
	t.Go(t.worker)
}

// Push schedules value to be handed to the action callback once the wall
// clock passes deadline, expressed in nanoseconds since the Unix epoch.
func (t *TimerQueue) Push(deadline uint64, value interface{}) {
	t.mutex.Lock()
	t.queue.Enqueue(deadline, value)
	t.mutex.Unlock()
	t.cond.Signal()
}

// Cancel removes the first scheduled entry for which match returns true and
// returns it, or nil when nothing matched.  Cancelled entries never reach
// the action callback.
func (t *TimerQueue) Cancel(match func(value interface{}) bool) *queue.Entry {
	t.mutex.Lock()
	e := t.queue.FilterOnce(match)
	t.mutex.Unlock()
	t.cond.Signal()
	return e
}

// Len returns the number of scheduled entries.
func (t *TimerQueue) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.queue.Len()
}

// wakeupCh returns the channel that fires upon Signal of the TimerQueue's
// sync.Cond.
func (t *TimerQueue) wakeupCh() chan struct{} {
	if t.wakech != nil {
		return t.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			t.cond.L.Lock()
			t.cond.Wait()
			t.cond.L.Unlock()
			select {
			case <-t.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	t.wakech = c
	return c
}

// forward pops the earliest entry and invokes the action callback with its
// value.
func (t *TimerQueue) forward() {
	t.mutex.Lock()
	e := t.queue.Pop()
	t.mutex.Unlock()
	if e == nil {
		return
	}
	t.action(e.Value)
}

func (t *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		t.mutex.Lock()
		if e := t.queue.Peek(); e != nil {
			timeLeft := int64(e.Priority) - time.Now().UnixNano()
			if timeLeft <= 0 {
				t.mutex.Unlock()
				t.forward()
				continue
			}
			c = time.After(time.Duration(timeLeft))
		}
		t.mutex.Unlock()
		select {
		case <-t.HaltCh():
			t.cond.Signal()
			return
		case <-c:
			t.forward()
		case <-t.wakeupCh():
		}
	}
}
