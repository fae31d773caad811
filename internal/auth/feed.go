package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrFeedClosed is returned when subscribing to a closed feed
var ErrFeedClosed = errors.New("auth: feed closed")

// DefaultEventBuffer is the per-subscriber buffer size
const DefaultEventBuffer = 16

// Source is an upstream stream of auth state changes. Open returns a
// channel that is closed when ctx is cancelled or the upstream ends.
type Source interface {
	Open(ctx context.Context) (<-chan StateChange, error)
}

// Feed fans auth state changes out to subscribers. The upstream Source is
// opened when the first subscriber arrives and released when the last one
// leaves; a later subscriber opens it again.
type Feed struct {
	source Source
	buffer int
	logger zerolog.Logger

	openMu sync.Mutex

	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	upstream    context.CancelFunc // nil while no upstream is open
	generation  uint64
	opens       uint64
	closed      bool
}

type subscriber struct {
	id uint64
	ch chan StateChange
}

// NewFeed creates a Feed. source may be nil, in which case only locally
// published events are delivered.
func NewFeed(source Source, buffer int, logger zerolog.Logger) *Feed {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Feed{
		source:      source,
		buffer:      buffer,
		logger:      logger.With().Str("component", "auth-feed").Logger(),
		subscribers: make(map[uint64]*subscriber),
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes; it
// is also called when ctx ends. initial, when non-nil, is delivered first.
func (f *Feed) Subscribe(ctx context.Context, initial *StateChange) (<-chan StateChange, func(), error) {
	// openMu keeps a second subscriber from opening another upstream while
	// the first one is still dialing. f.mu is not held across Open.
	f.openMu.Lock()
	defer f.openMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, ErrFeedClosed
	}
	if f.source != nil && f.upstream == nil {
		f.mu.Unlock()

		upstreamCtx, cancel := context.WithCancel(context.Background())
		events, err := f.source.Open(upstreamCtx)
		if err != nil {
			cancel()
			return nil, nil, err
		}

		// upstream is still nil: only a holder of openMu installs one
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			cancel()
			return nil, nil, ErrFeedClosed
		}
		f.startUpstream(cancel, events)
	}

	f.nextID++
	sub := &subscriber{id: f.nextID, ch: make(chan StateChange, f.buffer)}
	if initial != nil {
		sub.ch <- *initial
	}
	f.subscribers[sub.id] = sub
	count := len(f.subscribers)
	f.mu.Unlock()

	f.logger.Debug().Uint64("subscriberID", sub.id).Int("subscribers", count).Msg("subscriber added")

	var once sync.Once
	release := func() { once.Do(func() { f.remove(sub.id) }) }
	stop := context.AfterFunc(ctx, release)
	unsubscribe := func() {
		stop()
		release()
	}
	return sub.ch, unsubscribe, nil
}

// startUpstream installs an opened upstream and starts its pump. Must be
// called with f.mu held.
func (f *Feed) startUpstream(cancel context.CancelFunc, events <-chan StateChange) {
	f.generation++
	f.opens++
	f.upstream = cancel
	gen := f.generation

	f.logger.Info().Uint64("generation", gen).Msg("opened upstream auth subscription")
	go f.pump(gen, events)
}

func (f *Feed) pump(gen uint64, events <-chan StateChange) {
	for ev := range events {
		f.Publish(ev)
	}

	f.mu.Lock()
	if f.generation == gen && f.upstream != nil {
		f.upstream()
		f.upstream = nil
		f.logger.Warn().Uint64("generation", gen).Msg("upstream auth subscription ended")
	}
	f.mu.Unlock()
}

// remove drops a subscriber and releases the upstream after the last one
func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subscribers[id]
	if !ok {
		return
	}
	delete(f.subscribers, id)
	close(sub.ch)

	if len(f.subscribers) == 0 && f.upstream != nil {
		f.upstream()
		f.upstream = nil
		f.logger.Info().Msg("released upstream auth subscription (no more subscribers)")
	}
}

// Publish delivers ev to every subscriber. A subscriber whose buffer is full
// misses the event.
func (f *Feed) Publish(ev StateChange) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subscribers {
		select {
		case sub.ch <- ev:
		default:
			f.logger.Warn().
				Uint64("subscriberID", sub.id).
				Str("event", string(ev.Event)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// Subscribers returns the current subscriber count
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// UpstreamOpen reports whether an upstream subscription is held
func (f *Feed) UpstreamOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upstream != nil
}

// Opens returns how many times the upstream has been opened
func (f *Feed) Opens() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Close closes every subscriber channel and releases the upstream
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subscribers {
		close(sub.ch)
		delete(f.subscribers, id)
	}
	if f.upstream != nil {
		f.upstream()
		f.upstream = nil
	}
	f.logger.Info().Msg("auth feed closed")
}
