// Package statistics provides the pull-model statistics tree of the
// runway runtime. Modules register extender callbacks under a dotted
// prefix; consumers collect a structured value tree on demand. Extenders
// are invoked only at collection time, never on a timer, and must be safe
// to call concurrently with any other module's extender.
package statistics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/c360/runway/errors"
)

// Request scopes a collection. An empty Prefix collects the full tree;
// otherwise only extenders whose prefix falls under Request.Prefix run.
type Request struct {
	Prefix string
}

// Extender produces one subtree of statistics. The returned value must be
// JSON-marshalable (maps, slices, numbers, strings).
type Extender func(req Request) any

// Storage holds the registered extenders for one run
type Storage struct {
	mu        sync.RWMutex
	extenders map[string]Extender
}

// NewStorage creates an empty statistics storage
func NewStorage() *Storage {
	return &Storage{
		extenders: make(map[string]Extender),
	}
}

// RegisterExtender registers an extender under a dotted prefix such as
// "manager" or "pubsub.subscriptions". The returned entry deregisters the
// extender; a module must unregister no later than its teardown begins.
func (s *Storage) RegisterExtender(prefix string, fn Extender) (*Entry, error) {
	if prefix == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Storage", "RegisterExtender", "prefix validation")
	}
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Storage", "RegisterExtender", "extender validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.extenders[prefix]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("extender %q already registered", prefix),
			"Storage", "RegisterExtender", "duplicate prefix check")
	}

	s.extenders[prefix] = fn
	return &Entry{storage: s, prefix: prefix}, nil
}

// Count returns the number of registered extenders
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.extenders)
}

// Collect invokes matching extenders and assembles their results into a
// nested tree keyed by the dotted prefix segments. Extenders run outside
// the storage lock so a slow extender never blocks registration, and so an
// extender may itself consult the storage.
func (s *Storage) Collect(req Request) map[string]any {
	type pending struct {
		prefix string
		fn     Extender
	}

	s.mu.RLock()
	matched := make([]pending, 0, len(s.extenders))
	for prefix, fn := range s.extenders {
		if matchesPrefix(prefix, req.Prefix) {
			matched = append(matched, pending{prefix, fn})
		}
	}
	s.mu.RUnlock()

	tree := make(map[string]any)
	for _, p := range matched {
		insert(tree, strings.Split(p.prefix, "."), p.fn(req))
	}
	return tree
}

// matchesPrefix reports whether an extender registered at extPrefix is in
// scope for a request prefix. A request for "pubsub" matches extenders at
// "pubsub" and "pubsub.subscriptions" but not "pubsubx".
func matchesPrefix(extPrefix, reqPrefix string) bool {
	if reqPrefix == "" {
		return true
	}
	if extPrefix == reqPrefix {
		return true
	}
	return strings.HasPrefix(extPrefix, reqPrefix+".")
}

// insert places value at the path given by segments, creating intermediate
// maps. A collision with a non-map node keeps the deeper write.
func insert(tree map[string]any, segments []string, value any) {
	cur := tree
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

// Entry is a registration handle. Unregister is idempotent; no collection
// started after it returns will invoke the extender.
type Entry struct {
	storage *Storage
	prefix  string
	once    sync.Once
}

// Unregister removes the extender from the storage
func (e *Entry) Unregister() {
	if e == nil {
		return
	}
	e.once.Do(func() {
		e.storage.mu.Lock()
		delete(e.storage.extenders, e.prefix)
		e.storage.mu.Unlock()
	})
}
