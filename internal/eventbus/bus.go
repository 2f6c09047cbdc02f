// Package eventbus decouples the scheduler from its firing listeners: every
// job lifecycle transition (fired, failed, skipped, misfired) is published
// as a typed event that logging or dashboard listeners consume.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the scheduler.
const (
	EventJobFired    = "job.fired"
	EventJobFailed   = "job.failed"
	EventJobSkipped  = "job.skipped"
	EventJobMisfired = "job.misfired"
)

// JobEvent identifies the job a lifecycle event belongs to. Error carries
// the failure message for job.failed; Reason explains job.skipped and
// job.misfired ("max_instances", "queue_full", "misfire_grace_exceeded").
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	TaskType string    `json:"task_type"`
	Due      time.Time `json:"due"`
	Error    string    `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Event is one published job lifecycle transition.
type Event struct {
	Type string
	Time time.Time
	Job  JobEvent
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event, so a stalled listener cannot stall
// the scheduler's dispatch path.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus. It owns no background goroutines;
// subscribers bring their own.
func New() Bus {
	return &memBus{subs: map[int]chan Event{}}
}

type memBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// Publish delivers e to every subscriber buffer with room. Sends happen
// under the read lock, which excludes the channel close in unsubscribe.
func (b *memBus) Publish(e Event) {
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

// Subscribe registers a buffered listener channel. The unsubscribe func is
// idempotent and closes the channel, ending the listener's range loop.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsub
}
