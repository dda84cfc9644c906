// Package eventbus is the live, best-effort fan-out layer on top of the
// durable eventlog: local Go-channel subscribers (for the status API's
// websocket tail, which `cpctl watch` reads) and, when a NATS client is
// supplied, a mirrored publish onto commandpost.events so external
// listeners (a future dashboard) see events as they happen. Neither path is authoritative
// — internal/eventlog is — so a dropped or never-connected subscriber
// never loses data, only liveness.
package eventbus

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	natspkg "github.com/seanfdz/commandpost/internal/nats"
	"github.com/seanfdz/commandpost/internal/types"
)

const (
	maxBackpressureRetries = 3
	backpressureRetryDelay = 10 * time.Millisecond
	subscriberBufferSize   = 100
)

// subscription is one local listener's channel plus its type filter.
type subscription struct {
	ch    chan types.Event
	types map[types.EventType]bool // nil/empty means "all types"
}

// NATSPublisher is the subset of *nats.Client the bus needs, so tests can
// substitute a no-op without standing up a real server.
type NATSPublisher interface {
	PublishJSON(subject string, v interface{}) error
}

// Bus fans out appended events to local subscribers and, if configured,
// mirrors them onto NATS.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	nats    NATSPublisher
	dropped uint64
	logger  *log.Logger
}

// New returns a Bus. nats may be nil to run purely in-process.
func New(natsClient NATSPublisher) *Bus {
	return &Bus{
		nats:   natsClient,
		logger: log.New(os.Stdout, "[EVENTBUS] ", log.LstdFlags),
	}
}

// Subscribe returns a channel that receives every future Publish call
// matching one of the given types (nil/empty means every type).
func (b *Bus) Subscribe(wantTypes ...types.EventType) <-chan types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	filter := make(map[types.EventType]bool, len(wantTypes))
	for _, t := range wantTypes {
		filter[t] = true
	}
	sub := &subscription{ch: make(chan types.Event, subscriberBufferSize), types: filter}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Bus) Unsubscribe(ch <-chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching local subscriber (best-effort,
// with brief backpressure retries before dropping) and mirrors it to
// NATS if configured. Never returns an error: this layer is advisory.
func (b *Bus) Publish(ev *types.Event) {
	if b.nats != nil {
		if err := b.nats.PublishJSON(natspkg.SubjectEvents, ev); err != nil {
			b.logger.Printf("mirror to nats failed: %v", err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.EventType] {
			continue
		}
		b.sendWithBackpressure(sub, ev)
	}
}

func (b *Bus) sendWithBackpressure(sub *subscription, ev *types.Event) {
	select {
	case sub.ch <- *ev:
		return
	default:
	}
	for retry := 1; retry <= maxBackpressureRetries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.ch <- *ev:
			return
		default:
		}
	}
	dropped := atomic.AddUint64(&b.dropped, 1)
	b.logger.Printf("dropped event %s after %d retries (subscriber channel full, total dropped=%d)",
		ev.EventID, maxBackpressureRetries, dropped)
}

// DroppedCount returns the number of events dropped due to a full
// subscriber channel, for the status API's health endpoint.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
