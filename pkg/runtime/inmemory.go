package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cortexworks/wexec/pkg/types"
)

// ErrSnapshotUnsupported is returned by Instance.SaveSnapshot/LoadSnapshot
// when the underlying ComponentBehavior did not register the hook being
// called (SaveSnapshot or LoadSnapshot, each checked on its own).
var ErrSnapshotUnsupported = errors.New("runtime: component does not support snapshot-based update")

// ErrUnknownComponent is returned when a (componentID, version) pair has
// no registered behavior.
var ErrUnknownComponent = errors.New("runtime: unknown component version")

// ErrUnknownExport is returned when Invoke names a function the
// component did not register.
var ErrUnknownExport = errors.New("runtime: unknown exported function")

type componentKey struct {
	id      types.ComponentId
	version uint64
}

// InMemoryRuntime is the reference ComponentRuntime implementation: it
// hosts component behavior as plain Go closures instead of compiled
// WASM, and is the only runtime this module ships given the retrieval
// pack contains no WASM engine dependency (see package doc). It is
// fully sufficient to exercise every durable-execution invariant in
// because, from the durability layer's perspective, a host
// call looks identical whether it originates from an interpreted WASM
// instruction or a Go closure.
type InMemoryRuntime struct {
	mu        sync.RWMutex
	behaviors map[componentKey]ComponentBehavior
}

// NewInMemoryRuntime creates an empty runtime with no registered
// component versions.
func NewInMemoryRuntime() *InMemoryRuntime {
	return &InMemoryRuntime{behaviors: make(map[componentKey]ComponentBehavior)}
}

func (r *InMemoryRuntime) Register(componentID types.ComponentId, version uint64, behavior ComponentBehavior) error {
	if behavior.Exports == nil {
		behavior.Exports = map[string]ExportFunc{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[componentKey{componentID, version}] = behavior
	return nil
}

func (r *InMemoryRuntime) MemoryRequirement(componentID types.ComponentId, version uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[componentKey{componentID, version}]
	if !ok {
		return 0, fmt.Errorf("%w: %s@%d", ErrUnknownComponent, componentID, version)
	}
	return b.MemoryBytes, nil
}

func (r *InMemoryRuntime) Instantiate(ctx context.Context, componentID types.ComponentId, version uint64, bridge HostBridge) (Instance, error) {
	r.mu.RLock()
	b, ok := r.behaviors[componentKey{componentID, version}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s@%d", ErrUnknownComponent, componentID, version)
	}
	return &inMemoryInstance{behavior: b, bridge: bridge}, nil
}

type inMemoryInstance struct {
	behavior ComponentBehavior
	bridge   HostBridge
}

func (i *inMemoryInstance) Invoke(ctx context.Context, functionName string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := i.behavior.Exports[functionName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExport, functionName)
	}
	return fn(ctx, i.bridge, args)
}

func (i *inMemoryInstance) SaveSnapshot(ctx context.Context) (json.RawMessage, error) {
	if i.behavior.SaveSnapshot == nil {
		return nil, ErrSnapshotUnsupported
	}
	return i.behavior.SaveSnapshot(ctx)
}

func (i *inMemoryInstance) LoadSnapshot(ctx context.Context, snapshot json.RawMessage) error {
	if i.behavior.LoadSnapshot == nil {
		return ErrSnapshotUnsupported
	}
	return i.behavior.LoadSnapshot(ctx, snapshot)
}

func (i *inMemoryInstance) Close(ctx context.Context) error { return nil }
