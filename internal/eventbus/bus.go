// Package eventbus fans engine lifecycle signals out to in-process
// subscribers. Publishing never blocks; a subscriber that falls behind
// its buffer loses events.
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by the monitoring engine.
const (
	EventJobFired     = "job.fired"
	EventJobSkipped   = "job.skipped"
	EventJobFailed    = "job.failed"
	EventSampleStored = "sample.stored"
	EventIdleAlert    = "idle.alert"
	EventReportSent   = "report.sent"
)

// Event is one signal. Data should stay small and JSON-friendly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.RWMutex
	subs []chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends run under the read lock; unsubscribe closes under the write
	// lock, so a send can never hit a closed channel.
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			for i, s := range f.subs {
				if s == ch {
					last := len(f.subs) - 1
					f.subs[i] = f.subs[last]
					f.subs = f.subs[:last]
					break
				}
			}
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, unsub
}
