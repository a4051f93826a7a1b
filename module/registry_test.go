package module

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runway/errors"
)

type fakeModule struct{ label string }

func (fakeModule) Destroy() error { return nil }

func fakeFactory(json.RawMessage, Context) (Module, error) {
	return fakeModule{}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Registration{
		Name:        "pubsub",
		Description: "shared NATS connection",
		Factory:     fakeFactory,
	}))

	reg, ok := r.Lookup("pubsub")
	require.True(t, ok)
	assert.Equal(t, "pubsub", reg.Name)
	assert.NotNil(t, reg.Factory)

	_, ok = r.Lookup("ghost")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(&Registration{Name: "", Factory: fakeFactory}))
	require.Error(t, r.Register(&Registration{Name: "x", Factory: nil}))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Registration{Name: "dup", Factory: fakeFactory}))
	err := r.Register(&Registration{Name: "dup", Factory: fakeFactory})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateModule)
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&Registration{Name: name, Factory: fakeFactory}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.List())
}

type stubContext struct {
	modules map[string]Module
}

func (s *stubContext) Resolve(name string) (Module, error) {
	m, ok := s.modules[name]
	if !ok {
		return nil, errors.ErrUnknownModule
	}
	return m, nil
}

func (s *stubContext) ModuleName() string { return "stub" }
func (s *stubContext) Deps() Dependencies { return Dependencies{} }

func TestResolveAs(t *testing.T) {
	rctx := &stubContext{modules: map[string]Module{
		"fake": fakeModule{label: "hi"},
	}}

	m, err := ResolveAs[fakeModule](rctx, "fake")
	require.NoError(t, err)
	assert.Equal(t, "hi", m.label)

	_, err = ResolveAs[fakeModule](rctx, "ghost")
	require.Error(t, err)

	_, err = ResolveAs[*fakeModule](rctx, "fake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not")
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "not-started", StateNotStarted.String())
	assert.Equal(t, "constructing", StateConstructing.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "destroying", StateDestroying.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StateNotStarted.Terminal())
	assert.False(t, StateConstructing.Terminal())
	assert.True(t, StateReady.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDestroying.Terminal())
}

func TestDependenciesLoggerFallback(t *testing.T) {
	var d Dependencies
	require.NotNil(t, d.GetLogger())
	require.NotNil(t, d.GetLoggerWithModule("m"))
}
