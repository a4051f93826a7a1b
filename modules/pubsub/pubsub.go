// Package pubsub provides the shared NATS connection as a module. Other
// modules resolve "pubsub" to publish or subscribe; subscription tokens
// deliver messages sequentially per subscription and drop on overflow
// rather than blocking the connection.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/runway/errors"
	"github.com/c360/runway/module"
	"github.com/c360/runway/modules/statstorage"
	"github.com/c360/runway/natsclient"
	"github.com/c360/runway/statistics"
)

// DefaultName is the conventional module name for the pubsub module
const DefaultName = "pubsub"

// Config is the pubsub module's static configuration
type Config struct {
	URL            string `json:"url"`
	MaxReconnects  int    `json:"max_reconnects"`
	ConnectTimeout string `json:"connect_timeout"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	Token          string `json:"token,omitempty"`
}

// Module owns the NATS client for the run
type Module struct {
	client    *natsclient.Client
	statEntry *statistics.Entry
}

// Factory constructs the pubsub module. If a statistics storage module is
// part of the run, the client's connection counters are exposed under the
// "pubsub" prefix.
func Factory(cfg json.RawMessage, rctx module.Context) (module.Module, error) {
	var c Config
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, errors.WrapInvalid(err, "pubsub", "Factory", "config parse")
		}
	}
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}

	deps := rctx.Deps()
	logger := deps.GetLoggerWithModule(rctx.ModuleName())

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(c.MaxReconnects),
		natsclient.WithClientName(deps.Meta.Service),
	}
	if c.Username != "" {
		opts = append(opts, natsclient.WithUserInfo(c.Username, c.Password))
	}
	if c.Token != "" {
		opts = append(opts, natsclient.WithToken(c.Token))
	}
	if c.ConnectTimeout != "" {
		d, err := time.ParseDuration(c.ConnectTimeout)
		if err != nil {
			return nil, errors.WrapInvalid(err, "pubsub", "Factory", "connect timeout parse")
		}
		opts = append(opts, natsclient.WithTimeout(d))
	}

	client, err := natsclient.NewClient(c.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(context.Background()); err != nil {
		return nil, err
	}

	m := &Module{client: client}

	if stats, serr := module.ResolveAs[*statstorage.Module](rctx, statstorage.DefaultName); serr == nil {
		entry, rerr := stats.Storage().RegisterExtender("pubsub", func(_ statistics.Request) any {
			return client.GetStats()
		})
		if rerr != nil {
			logger.Warn("pubsub statistics registration failed", "error", rerr)
		} else {
			m.statEntry = entry
		}
	} else if !errors.IsUnknownModule(serr) {
		client.Close(context.Background())
		return nil, serr
	}

	return m, nil
}

// Client returns the shared NATS client
func (m *Module) Client() *natsclient.Client {
	return m.client
}

// Destroy unregisters the statistics extender and closes the connection
func (m *Module) Destroy() error {
	m.statEntry.Unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.client.Close(ctx)
}
