// Package dynconf is the dynamic configuration module. It watches a
// JetStream KV bucket through the pubsub module's connection and publishes
// each revision of the bucket as an immutable snapshot on a dynconf.Source.
package dynconf

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/runway/dynconf"
	"github.com/c360/runway/errors"
	"github.com/c360/runway/module"
	"github.com/c360/runway/modules/pubsub"
)

// DefaultName is the conventional module name for dynamic config
const DefaultName = "dynconf"

// Config is the dynconf module's static configuration
type Config struct {
	Bucket       string `json:"bucket"`
	FetchTimeout string `json:"fetch_timeout"`
}

// Module watches the KV bucket and feeds the snapshot source
type Module struct {
	source  *dynconf.Source
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	values  map[string]json.RawMessage
	version int64
}

// Factory constructs the dynconf module. It requires the pubsub module,
// reads the bucket's current contents, publishes the initial snapshot, and
// keeps watching for updates.
func Factory(cfg json.RawMessage, rctx module.Context) (module.Module, error) {
	var c Config
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, errors.WrapInvalid(err, "dynconf", "Factory", "config parse")
		}
	}
	if c.Bucket == "" {
		c.Bucket = "runway-config"
	}
	fetchTimeout := 10 * time.Second
	if c.FetchTimeout != "" {
		d, err := time.ParseDuration(c.FetchTimeout)
		if err != nil {
			return nil, errors.WrapInvalid(err, "dynconf", "Factory", "fetch timeout parse")
		}
		fetchTimeout = d
	}

	deps := rctx.Deps()
	logger := deps.GetLoggerWithModule(rctx.ModuleName())

	ps, err := module.ResolveAs[*pubsub.Module](rctx, pubsub.DefaultName)
	if err != nil {
		return nil, err
	}

	setupCtx, setupCancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer setupCancel()

	bucket, err := ps.Client().KeyValueBucket(setupCtx, c.Bucket)
	if err != nil {
		return nil, err
	}

	// UpdatesOnly is deliberately off: the watcher replays current keys
	// first, which seeds the initial snapshot.
	watcher, err := bucket.WatchAll(setupCtx)
	if err != nil {
		return nil, errors.WrapTransient(err, "dynconf", "Factory", "bucket watch")
	}

	m := &Module{
		source:  dynconf.NewSource(logger),
		watcher: watcher,
		done:    make(chan struct{}),
		values:  make(map[string]json.RawMessage),
	}

	// Drain the replay up to the nil marker so the module comes up with
	// a complete view of the bucket.
	if err := m.consumeReplay(setupCtx); err != nil {
		_ = watcher.Stop()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.watchLoop(watchCtx, logger)

	logger.Info("dynamic config watching bucket",
		"bucket", c.Bucket,
		"keys", len(m.values))
	return m, nil
}

// Source returns the snapshot source modules subscribe to
func (m *Module) Source() *dynconf.Source {
	return m.source
}

// consumeReplay applies the watcher's initial replay and publishes the
// first snapshot. The jetstream watcher signals end of replay with a nil
// entry.
func (m *Module) consumeReplay(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "dynconf", "consumeReplay", "initial bucket read")
		case entry, ok := <-m.watcher.Updates():
			if !ok {
				return errors.WrapTransient(
					errors.ErrConnectionLost,
					"dynconf", "consumeReplay", "watcher channel")
			}
			if entry == nil {
				m.publishSnapshot()
				return nil
			}
			m.applyEntry(entry)
		}
	}
}

func (m *Module) watchLoop(ctx context.Context, logger *slog.Logger) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-m.watcher.Updates():
			if !ok {
				logger.Warn("dynamic config watcher closed")
				return
			}
			if entry == nil {
				continue
			}
			m.applyEntry(entry)
			m.publishSnapshot()
		}
	}
}

func (m *Module) applyEntry(entry jetstream.KeyValueEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(m.values, entry.Key())
	default:
		m.values[entry.Key()] = json.RawMessage(entry.Value())
	}
	if rev := int64(entry.Revision()); rev > m.version {
		m.version = rev
	}
}

func (m *Module) publishSnapshot() {
	m.mu.Lock()
	snap := dynconf.NewSnapshot(m.version, m.values)
	m.mu.Unlock()

	_ = m.source.Publish(snap)
}

// Destroy stops the watcher and closes the snapshot source. Subscribers
// are cancelled before Destroy returns.
func (m *Module) Destroy() error {
	if m.cancel != nil {
		m.cancel()
	}
	// Stop errors are benign here; the watch loop exits via the context.
	_ = m.watcher.Stop()
	<-m.done
	m.source.Close()
	return nil
}
