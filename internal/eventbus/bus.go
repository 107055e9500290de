// Package eventbus fans pipeline events out to in-process observers such as
// metrics. Publishing never blocks: a subscriber whose buffer is full misses
// the event.
package eventbus

import (
	"slices"
	"sync"
	"time"
)

const (
	DispatchAttempt = "dispatch.attempt"
	DispatchRun     = "dispatch.run"
	DispatchDerived = "dispatch.derived"
	SweepDone       = "sweep.done"
	ComposeDone     = "compose.done"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus { return &fanout{} }

// Nop drops every event. Its subscriptions are closed immediately.
func Nop() Bus { return nop{} }

type nop struct{}

func (nop) Publish(Event) {}

func (nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type fanout struct {
	mu   sync.RWMutex
	subs []chan Event
}

// Publish holds the read lock across the sends so unsubscribe cannot close a
// channel mid-send.
func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(c chan Event) bool { return c == ch })
			b.mu.Unlock()
			close(ch)
		})
	}
}
