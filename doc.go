// Package runway provides a runtime that boots a set of named,
// interdependent service modules concurrently and tears them down in the
// exact reverse order of their completion.
//
// # Architecture
//
// A runway process is a single run of a module set:
//
//	┌─────────────────────────────────────┐
//	│            Manager                  │  One construction task per
//	│  (start barrier, cancellation,      │  module, reverse-completion
//	│   reverse-order teardown)           │  teardown
//	└─────────────────────────────────────┘
//	           ↓ shares
//	┌─────────────────────────────────────┐
//	│        ResolutionContext            │  Resolve("name") suspends the
//	│  (per-run registry + wait queues)   │  caller until the target is
//	└─────────────────────────────────────┘  ready; detects cycles
//	           ↓ constructs
//	┌─────────────────────────────────────┐
//	│            Modules                  │  pubsub, dynconf, monitor,
//	│  (factory + optional hooks +        │  statistics storage, and any
//	│   teardown)                         │  user-registered module
//	└─────────────────────────────────────┘
//
// Each module's factory runs as its own task. Inside the factory a module
// may call Resolve on the shared resolution context to obtain a ready
// reference to another module; the call suspends the task until the target
// finishes constructing. References obtained this way are guaranteed to
// outlive the module that resolved them: teardown visits modules in strict
// reverse completion order.
//
// If any factory fails, the run is cancelled cooperatively: every suspended
// Resolve wakes with a load-cancelled error, tasks that have not begun are
// skipped, and modules that reached Ready are torn down.
//
// # Getting started
//
//	reg := module.NewRegistry()
//	_ = reg.Register(&module.Registration{Name: "pubsub", Factory: pubsub.Factory})
//
//	mgr := manager.New(manager.WithLogger(logger))
//	if err := mgr.Start(ctx, specs); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop(30 * time.Second)
package runway
