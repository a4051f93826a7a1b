package dynconf

import (
	"log/slog"
	"sync"

	"github.com/c360/runway/errors"
)

// Callback receives snapshots for one subscriber. Calls for a given
// subscription never overlap and arrive in version order, though versions
// may be skipped when updates outpace the callback.
type Callback func(Snapshot)

// Source holds the current snapshot and fans updates out to subscribers
type Source struct {
	mu      sync.RWMutex
	current Snapshot
	subs    map[*Subscription]struct{}
	closed  bool
	logger  *slog.Logger
}

// NewSource creates a source with an empty initial snapshot
func NewSource(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Current returns the latest published snapshot
func (s *Source) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Publish installs a new snapshot and notifies every subscriber. Publish
// never blocks on subscriber callbacks.
func (s *Source) Publish(snap Snapshot) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Source", "Publish", "source state check")
	}
	if snap.version <= s.current.version && s.current.values != nil {
		stale := snap.version
		cur := s.current.version
		s.mu.Unlock()
		s.logger.Warn("ignoring stale config snapshot",
			"version", stale,
			"current", cur)
		return nil
	}
	s.current = snap
	targets := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.offer(snap)
	}
	return nil
}

// Subscribe registers a callback. The callback immediately receives the
// current snapshot if one has been published, then each subsequent update.
func (s *Source) Subscribe(name string, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Source", "Subscribe", "callback validation")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrAlreadyStopped, "Source", "Subscribe", "source state check")
	}

	sub := &Subscription{
		name:   name,
		source: s,
		cb:     cb,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	initial := s.current
	hasInitial := s.current.values != nil
	s.mu.Unlock()

	go sub.deliverLoop()

	if hasInitial {
		sub.offer(initial)
	}
	return sub, nil
}

// Close stops the source. Existing subscriptions are cancelled and their
// delivery goroutines joined before Close returns.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	targets := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for _, sub := range targets {
		sub.stop()
	}
}

// SubscriberCount returns the number of live subscriptions
func (s *Source) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Subscription is one subscriber's registration with a source
type Subscription struct {
	name   string
	source *Source
	cb     Callback

	mu      sync.Mutex
	pending *Snapshot

	// lastOffered is the highest version ever accepted by offer. It makes
	// offers monotone even when a Publish races the initial snapshot
	// handed out by Subscribe.
	lastOffered int64

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// Name returns the label the subscription was registered under
func (sub *Subscription) Name() string {
	return sub.name
}

// Unsubscribe detaches the callback. It blocks until any in-flight callback
// invocation returns; after Unsubscribe returns the callback is never
// invoked again. Unsubscribe is idempotent and safe from any goroutine
// except the callback itself.
func (sub *Subscription) Unsubscribe() {
	if sub == nil {
		return
	}
	sub.source.mu.Lock()
	delete(sub.source.subs, sub)
	sub.source.mu.Unlock()

	sub.stop()
}

func (sub *Subscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
	})
	<-sub.exited
}

// offer replaces the pending snapshot and pokes the delivery goroutine.
// Older pending snapshots are superseded, never queued. Snapshots whose
// version is not strictly newer than any previously offered one are
// dropped, so concurrent offers cannot reorder deliveries.
func (sub *Subscription) offer(snap Snapshot) {
	sub.mu.Lock()
	if snap.version <= sub.lastOffered {
		sub.mu.Unlock()
		return
	}
	sub.lastOffered = snap.version
	sub.pending = &snap
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) deliverLoop() {
	defer close(sub.exited)

	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}

		sub.mu.Lock()
		snap := sub.pending
		sub.pending = nil
		sub.mu.Unlock()

		if snap == nil {
			continue
		}

		// Re-check cancellation after the callback too: a racing
		// Unsubscribe must not see another delivery.
		select {
		case <-sub.done:
			return
		default:
		}

		sub.cb(*snap)
	}
}
