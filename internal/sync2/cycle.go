// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

package sync2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle repeatedly runs a function on an interval, and can additionally be
// paused, restarted, or triggered out of band. The optimizer (§4.F) uses
// it to drive its periodic reconsideration of the current permutation.
type Cycle struct {
	interval int64 // nanoseconds, atomic

	initOnce sync.Once
	control  chan cycleMessage
	stop     chan struct{}
	stopOnce sync.Once
}

type cycleKind int

const (
	cycleTrigger cycleKind = iota
	cyclePause
	cycleRestart
)

type cycleMessage struct {
	kind cycleKind
	done chan struct{}
}

// NewCycle creates a cycle with the given interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

func (cycle *Cycle) init() {
	cycle.initOnce.Do(func() {
		cycle.control = make(chan cycleMessage)
		cycle.stop = make(chan struct{})
	})
}

// SetInterval changes the ticking interval; it only takes effect the next
// time the timer resets.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	atomic.StoreInt64(&cycle.interval, int64(interval))
}

func (cycle *Cycle) getInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&cycle.interval))
}

// Start launches the cycle's loop in group, calling fn on every tick (and
// on every explicit Trigger) until the context is cancelled or Stop/Close
// is called.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	cycle.init()
	group.Go(func() error {
		return cycle.run(ctx, fn)
	})
}

func (cycle *Cycle) run(ctx context.Context, fn func(ctx context.Context) error) error {
	var timer *time.Timer
	paused := false

	resetTimer := func() {
		interval := cycle.getInterval()
		if interval <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(interval)
		} else {
			timer.Reset(interval)
		}
	}
	resetTimer()

	for {
		var timerCh <-chan time.Time
		if !paused && timer != nil {
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-cycle.stop:
			return nil

		case msg := <-cycle.control:
			switch msg.kind {
			case cyclePause:
				paused = true
			case cycleRestart:
				paused = false
				resetTimer()
			case cycleTrigger:
				err := fn(ctx)
				if msg.done != nil {
					close(msg.done)
				}
				if err != nil {
					return err
				}
				resetTimer()
			}

		case <-timerCh:
			if err := fn(ctx); err != nil {
				return err
			}
			resetTimer()
		}
	}
}

func (cycle *Cycle) send(kind cycleKind, done chan struct{}) {
	cycle.init()
	select {
	case cycle.control <- cycleMessage{kind: kind, done: done}:
	case <-cycle.stop:
	}
}

// Pause suspends automatic ticking until Restart is called.
func (cycle *Cycle) Pause() {
	cycle.send(cyclePause, nil)
}

// Restart resumes automatic ticking, starting a fresh interval.
func (cycle *Cycle) Restart() {
	cycle.send(cycleRestart, nil)
}

// Trigger requests an immediate run without waiting for it to finish.
func (cycle *Cycle) Trigger() {
	cycle.send(cycleTrigger, nil)
}

// TriggerWait requests an immediate run and blocks until it has finished.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.send(cycleTrigger, done)
	select {
	case <-done:
	case <-cycle.stop:
	}
}

// Stop terminates the cycle's loop; safe to call more than once.
func (cycle *Cycle) Stop() {
	cycle.init()
	cycle.stopOnce.Do(func() {
		close(cycle.stop)
	})
}

// Close is an alias for Stop, for parity with other lifecycle types.
func (cycle *Cycle) Close() {
	cycle.Stop()
}
