// Package bus is the process-local publish/subscribe plane for domain
// events. Producers (scheduler, RPC handlers, the LLM layer) call Emit,
// which enqueues and returns immediately; a single broadcast worker drains
// the queue and fans out to subscribers in emission order, so every
// subscriber observes the same ordering.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// defaultQueueSize bounds the emit queue when the caller passes 0.
const defaultQueueSize = 1024

// Subscriber receives every event emitted on the bus. Implementations must
// not block: the broadcast worker calls subscribers inline, and a slow
// subscriber stalls delivery for everyone behind it.
type Subscriber func(event domain.Event)

// Bus is a multi-producer single-consumer event queue with fan-out.
type Bus struct {
	queue chan domain.Event

	mu   sync.RWMutex
	subs map[string]Subscriber

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Bus with the given queue capacity (0 means default).
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		queue:  make(chan domain.Event, queueSize),
		subs:   make(map[string]Subscriber),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers fn under id, replacing any previous subscriber with
// the same id.
func (b *Bus) Subscribe(id string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = fn
}

// Unsubscribe removes the subscriber registered under id, if any.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit enqueues an event and returns immediately. If the queue is full the
// event is dropped and logged; producers never block on slow consumers.
func (b *Bus) Emit(event domain.Event) {
	select {
	case b.queue <- event:
	default:
		slog.Warn("event bus queue full, dropping event", "event_type", event.Type)
	}
}

// Start launches the broadcast worker. It returns immediately; the worker
// runs until Stop is called or ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case event := <-b.queue:
				b.dispatch(event)
			}
		}
	}()
}

// Stop signals the broadcast worker to exit and waits for it. Events still
// queued at Stop are discarded. Safe to call multiple times.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Bus) dispatch(event domain.Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}
