package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline and the delivery queue.
const (
	TypeBatchProcessed   = "pipeline.batch"
	TypeDeliveryQueued   = "delivery.queued"
	TypeDeliverySent     = "delivery.sent"
	TypeDeliveryFailed   = "delivery.failed"
	TypeDeliveryDropped  = "delivery.dropped"
	TypeEncounterSkipped = "pipeline.skipped"
)

// Event is an in-process signal about pipeline or delivery progress. It is
// informational only: nothing in the delivery path depends on it.
//
// Publish never blocks. A subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// Publish stamps and publishes an event on b. A nil b is ignored.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// Publish holds the read lock while sending, so unsubscribe (which closes
// under the write lock) can never race a send.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries missed by slow subscribers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
