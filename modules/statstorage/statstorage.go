// Package statstorage wraps the statistics storage as a resolvable module
// so other modules can register extenders by resolving "statistics-storage".
package statstorage

import (
	"encoding/json"

	"github.com/c360/runway/errors"
	"github.com/c360/runway/module"
	"github.com/c360/runway/statistics"
)

// DefaultName is the conventional module name for the statistics storage
const DefaultName = "statistics-storage"

// Module exposes a statistics.Storage to the rest of the module set
type Module struct {
	storage *statistics.Storage
}

// NewFactory returns a factory closed over an externally owned storage.
// The storage is created by the process entry point so the manager's own
// extender can be registered before any module boots.
func NewFactory(storage *statistics.Storage) module.Factory {
	return func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
		if storage == nil {
			return nil, errors.WrapInvalid(
				errors.ErrInvalidConfig,
				"statstorage", "NewFactory", "storage validation")
		}
		logger := rctx.Deps().GetLoggerWithModule(rctx.ModuleName())
		logger.Debug("statistics storage module ready",
			"extenders", storage.Count())
		return &Module{storage: storage}, nil
	}
}

// Storage returns the underlying statistics storage
func (m *Module) Storage() *statistics.Storage {
	return m.storage
}

// Destroy implements module.Module. The storage itself is owned by the
// process and outlives the run.
func (m *Module) Destroy() error {
	return nil
}
