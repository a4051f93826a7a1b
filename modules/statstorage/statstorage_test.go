package statstorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runway/module"
	"github.com/c360/runway/statistics"
)

type stubContext struct{ name string }

func (s *stubContext) Resolve(string) (module.Module, error) { return nil, nil }
func (s *stubContext) ModuleName() string                    { return s.name }
func (s *stubContext) Deps() module.Dependencies             { return module.Dependencies{} }

func TestFactoryExposesStorage(t *testing.T) {
	storage := statistics.NewStorage()
	factory := NewFactory(storage)

	inst, err := factory(nil, &stubContext{name: DefaultName})
	require.NoError(t, err)

	mod, ok := inst.(*Module)
	require.True(t, ok)
	assert.Same(t, storage, mod.Storage())

	require.NoError(t, mod.Destroy())
}

func TestFactoryRejectsNilStorage(t *testing.T) {
	factory := NewFactory(nil)
	_, err := factory(nil, &stubContext{name: DefaultName})
	require.Error(t, err)
}
