package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runway/errors"
	"github.com/c360/runway/module"
	"github.com/c360/runway/statistics"
)

// recorder collects lifecycle events across goroutines
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) filter(prefix string) []string {
	var out []string
	for _, e := range r.list() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

type plainModule struct {
	name string
	rec  *recorder
}

func (m *plainModule) Destroy() error {
	m.rec.add("destroy:" + m.name)
	return nil
}

type hookedModule struct {
	plainModule
	allReadyErr error
}

func (m *hookedModule) OnAllModulesReady() error {
	m.rec.add("allready:" + m.name)
	return m.allReadyErr
}

func (m *hookedModule) OnShutdownStart() {
	m.rec.add("shutdown:" + m.name)
}

func plainFactory(name string, rec *recorder, deps ...string) module.Factory {
	return func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
		for _, dep := range deps {
			if _, err := rctx.Resolve(dep); err != nil {
				return nil, err
			}
		}
		return &plainModule{name: name, rec: rec}, nil
	}
}

func hookedFactory(name string, rec *recorder, deps ...string) module.Factory {
	return func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
		for _, dep := range deps {
			if _, err := rctx.Resolve(dep); err != nil {
				return nil, err
			}
		}
		return &hookedModule{plainModule: plainModule{name: name, rec: rec}}, nil
	}
}

func TestStartDiamondDependencies(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "top", Factory: plainFactory("top", rec, "base", "mid")},
		{Name: "mid", Factory: plainFactory("mid", rec, "base")},
		{Name: "base", Factory: plainFactory("base", rec)},
	})
	require.NoError(t, err)
	assert.Equal(t, RunRunning, mgr.State())

	for _, name := range []string{"base", "mid", "top"} {
		inst, rerr := mgr.Resolve(name)
		require.NoError(t, rerr)
		require.NotNil(t, inst)
	}

	require.NoError(t, mgr.Stop(time.Second))
	assert.Equal(t, RunStopped, mgr.State())

	// Teardown is the reverse of completion, and completion respects
	// dependencies: base before mid before top.
	assert.Equal(t, []string{"destroy:top", "destroy:mid", "destroy:base"}, rec.filter("destroy:"))
}

func TestStartIndependentModules(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	specs := make([]ModuleSpec, 0, 8)
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("m%d", i)
		specs = append(specs, ModuleSpec{Name: name, Factory: plainFactory(name, rec)})
	}
	require.NoError(t, mgr.Start(context.Background(), specs))
	require.NoError(t, mgr.Stop(time.Second))

	// No ordering guarantees between independent modules, but every one
	// of them must be destroyed exactly once.
	assert.Len(t, rec.filter("destroy:"), 8)
}

func TestFactoryErrorFailsRunAndTearsDownConstructed(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	bootErr := fmt.Errorf("listen failed")
	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "ok", Factory: plainFactory("ok", rec)},
		{Name: "bad", Factory: func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
			// Wait for ok first so the test observes a deterministic
			// constructed set.
			if _, rerr := rctx.Resolve("ok"); rerr != nil {
				return nil, rerr
			}
			return nil, bootErr
		}},
		{Name: "dependent", Factory: plainFactory("dependent", rec, "bad")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
	assert.ErrorIs(t, err, bootErr)
	assert.Equal(t, RunFailed, mgr.State())

	// Only the module that finished construction gets destroyed.
	assert.Equal(t, []string{"destroy:ok"}, rec.filter("destroy:"))
}

func TestCancellationWhileWaiting(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	gate := make(chan struct{})
	slowStarted := make(chan struct{})
	waiting := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-waiting
		cancel()
		// Let the cancellation propagate to the suspended resolver
		// before the slow factory is released.
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()

	err := mgr.Start(ctx, []ModuleSpec{
		{Name: "slow", Factory: func(_ json.RawMessage, _ module.Context) (module.Module, error) {
			close(slowStarted)
			<-gate
			return &plainModule{name: "slow", rec: rec}, nil
		}},
		{Name: "waiter", Factory: func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
			// Cancel only once both factories are demonstrably past
			// the point of being skipped.
			<-slowStarted
			close(waiting)
			if _, rerr := rctx.Resolve("slow"); rerr != nil {
				return nil, rerr
			}
			return &plainModule{name: "waiter", rec: rec}, nil
		}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsLoadCancelled(err), "expected load-cancelled, got: %v", err)

	// The slow module finished constructing, so it is destroyed; the
	// waiter never produced an instance.
	assert.Equal(t, []string{"destroy:slow"}, rec.filter("destroy:"))
}

func TestSkippedModulesGetNoTeardown(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mgr.Start(ctx, []ModuleSpec{
		{Name: "a", Factory: plainFactory("a", rec)},
		{Name: "b", Factory: plainFactory("b", rec)},
	})
	require.Error(t, err)
	assert.True(t, errors.IsLoadCancelled(err))

	// Factories may or may not have run depending on scheduling, but a
	// module without an instance must never be destroyed.
	for _, e := range rec.filter("destroy:") {
		assert.Contains(t, []string{"destroy:a", "destroy:b"}, e)
	}
}

func TestDependencyCycleOfTwo(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "a", Factory: plainFactory("a", rec, "b")},
		{Name: "b", Factory: plainFactory("b", rec, "a")},
	})
	require.Error(t, err)
	assert.True(t, errors.IsDependencyCycle(err), "expected cycle error, got: %v", err)
	assert.Empty(t, rec.filter("destroy:"))
}

func TestDependencyCycleOfThree(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "a", Factory: plainFactory("a", rec, "b")},
		{Name: "b", Factory: plainFactory("b", rec, "c")},
		{Name: "c", Factory: plainFactory("c", rec, "a")},
	})
	require.Error(t, err)
	assert.True(t, errors.IsDependencyCycle(err), "expected cycle error, got: %v", err)
}

func TestSelfDependency(t *testing.T) {
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "selfish", Factory: func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
			if _, rerr := rctx.Resolve("selfish"); rerr != nil {
				return nil, rerr
			}
			return nil, nil
		}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsDependencyCycle(err))
}

func TestUnknownDependency(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "a", Factory: plainFactory("a", rec, "does-not-exist")},
	})
	require.Error(t, err)
	assert.True(t, errors.IsUnknownModule(err), "expected unknown-module error, got: %v", err)
}

func TestAllReadyHooksRunInCompletionOrder(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	require.NoError(t, mgr.Start(context.Background(), []ModuleSpec{
		{Name: "second", Factory: hookedFactory("second", rec, "first")},
		{Name: "first", Factory: hookedFactory("first", rec)},
	}))
	require.NoError(t, mgr.Stop(time.Second))

	assert.Equal(t, []string{"allready:first", "allready:second"}, rec.filter("allready:"))
	// Shutdown notifications precede destruction, both in reverse
	// completion order.
	assert.Equal(t, []string{
		"shutdown:second", "shutdown:first",
		"destroy:second", "destroy:first",
	}, append(rec.filter("shutdown:"), rec.filter("destroy:")...))
}

func TestAllReadyHookFailureTearsDown(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	hookErr := fmt.Errorf("warmup failed")
	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "plain", Factory: plainFactory("plain", rec)},
		{Name: "hooked", Factory: func(_ json.RawMessage, _ module.Context) (module.Module, error) {
			return &hookedModule{
				plainModule: plainModule{name: "hooked", rec: rec},
				allReadyErr: hookErr,
			}, nil
		}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, RunFailed, mgr.State())

	// Both modules were constructed before the hook ran, so both are
	// destroyed.
	assert.Len(t, rec.filter("destroy:"), 2)
}

func TestFactoryPanicFailsRun(t *testing.T) {
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "bomb", Factory: func(_ json.RawMessage, _ module.Context) (module.Module, error) {
			panic("boom")
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestFactoryReturningNilModuleFails(t *testing.T) {
	mgr := New()

	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "nilly", Factory: func(_ json.RawMessage, _ module.Context) (module.Module, error) {
			return nil, nil
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil module")
}

func TestStartValidation(t *testing.T) {
	t.Run("empty set", func(t *testing.T) {
		err := New().Start(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("empty name", func(t *testing.T) {
		rec := &recorder{}
		err := New().Start(context.Background(), []ModuleSpec{
			{Name: "", Factory: plainFactory("", rec)},
		})
		require.Error(t, err)
	})

	t.Run("nil factory", func(t *testing.T) {
		err := New().Start(context.Background(), []ModuleSpec{
			{Name: "x", Factory: nil},
		})
		require.Error(t, err)
	})

	t.Run("duplicate name", func(t *testing.T) {
		rec := &recorder{}
		err := New().Start(context.Background(), []ModuleSpec{
			{Name: "dup", Factory: plainFactory("dup", rec)},
			{Name: "dup", Factory: plainFactory("dup", rec)},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDuplicateModule)
	})
}

func TestStartTwice(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	require.NoError(t, mgr.Start(context.Background(), []ModuleSpec{
		{Name: "only", Factory: plainFactory("only", rec)},
	}))
	err := mgr.Start(context.Background(), []ModuleSpec{
		{Name: "again", Factory: plainFactory("again", rec)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, mgr.Stop(time.Second))
}

func TestStopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	require.NoError(t, mgr.Start(context.Background(), []ModuleSpec{
		{Name: "only", Factory: plainFactory("only", rec)},
	}))
	require.NoError(t, mgr.Stop(time.Second))
	require.NoError(t, mgr.Stop(time.Second))

	assert.Equal(t, []string{"destroy:only"}, rec.filter("destroy:"))
}

func TestStopBeforeStart(t *testing.T) {
	require.NoError(t, New().Stop(time.Second))
}

func TestResolveAfterStart(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	require.NoError(t, mgr.Start(context.Background(), []ModuleSpec{
		{Name: "only", Factory: plainFactory("only", rec)},
	}))
	defer mgr.Stop(time.Second)

	inst, err := mgr.Resolve("only")
	require.NoError(t, err)
	assert.Equal(t, "only", inst.(*plainModule).name)

	_, err = mgr.Resolve("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsUnknownModule(err))
}

func TestResolvedReferenceOutlivesResolver(t *testing.T) {
	rec := &recorder{}
	mgr := New()

	var resolved module.Module
	require.NoError(t, mgr.Start(context.Background(), []ModuleSpec{
		{Name: "base", Factory: plainFactory("base", rec)},
		{Name: "user", Factory: func(_ json.RawMessage, rctx module.Context) (module.Module, error) {
			var err error
			resolved, err = rctx.Resolve("base")
			if err != nil {
				return nil, err
			}
			return &plainModule{name: "user", rec: rec}, nil
		}},
	}))
	require.NoError(t, mgr.Stop(time.Second))

	// user is destroyed before base, so the reference user held was
	// valid for user's whole lifetime.
	assert.Equal(t, []string{"destroy:user", "destroy:base"}, rec.filter("destroy:"))
	assert.NotNil(t, resolved)
}

func TestStatisticsExtender(t *testing.T) {
	rec := &recorder{}
	mgr := New(WithServiceName("test-svc"))

	require.NoError(t, mgr.Start(context.Background(), []ModuleSpec{
		{Name: "only", Factory: plainFactory("only", rec)},
	}))
	defer mgr.Stop(time.Second)

	tree := mgr.StatisticsExtender()(statistics.Request{})
	root, ok := tree.(map[string]any)
	require.True(t, ok)

	run, ok := root["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-svc", run["service"])
	assert.Equal(t, mgr.RunID(), run["id"])
	assert.Equal(t, 1, run["modules_total"])
	assert.Equal(t, 1, run["modules_ready"])

	modules, ok := root["modules"].(map[string]any)
	require.True(t, ok)
	only, ok := modules["only"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ready", only["state"])
}
