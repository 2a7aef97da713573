package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cortexworks/wexec/pkg/types"
)

// HostBridge is implemented by the durability layer (pkg/durability) and
// injected into every component instance. A component's exported
// function, when it needs to perform a non-deterministic host
// interaction (a network call, a clock read, a random draw), never
// performs the effect directly: it calls Call, which decides whether to
// execute effect live and persist the result, or to replay a previously
// persisted result without re-invoking effect at all.
type HostBridge interface {
	// Call mediates one host-function invocation. request is the typed
	// argument tuple the component is invoking with; effect actually
	// performs the call when (and only when) live execution is
	// required. The returned bytes are always the logical result of
	// the call, whether freshly produced or replayed.
	Call(ctx context.Context, functionName string, class types.DurableFunctionClass, request json.RawMessage, effect func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error)
}

// ExportFunc is the behavior bound to one exported function name of a
// component version. It receives the host bridge so it can route its
// own imported-function calls through durability.
type ExportFunc func(ctx context.Context, bridge HostBridge, args json.RawMessage) (json.RawMessage, error)

// ComponentBehavior stands in for a compiled WASM binary: a named set of
// exported functions plus the declared memory requirement an instance
// of this component version needs reserved from the Active Workers
// Cache before it may be instantiated.
type ComponentBehavior struct {
	MemoryBytes uint64
	Exports     map[string]ExportFunc
	// SaveSnapshot/LoadSnapshot are optional state-translation hooks,
	// exposed through Instance. pkg/worker does not call them: a
	// Manual-SnapshotBased update is replayed the same way as an
	// Automatic one, whether or not the hooks are set.
	SaveSnapshot func(ctx context.Context) (json.RawMessage, error)
	LoadSnapshot func(ctx context.Context, snapshot json.RawMessage) error
}

// Instance is one live activation of a component version inside a
// Worker Instance (pkg/worker). It is created fresh for every
// Loading→Replaying→Live activation, stays in place while the worker is
// Idle, and is discarded when the worker is closed on eviction; all
// durable state lives in the oplog, not here.
type Instance interface {
	// Invoke calls the named exported function with args and returns
	// its result. functionName must be a key of the behavior's Exports
	// map; an unknown name is a caller error (surfaced as
	// InvalidRequest by pkg/worker).
	Invoke(ctx context.Context, functionName string, args json.RawMessage) (json.RawMessage, error)

	// SaveSnapshot/LoadSnapshot expose the component's own state
	// translation hooks for Manual-SnapshotBased updates. Both return
	// ErrSnapshotUnsupported if the behavior did not register them.
	SaveSnapshot(ctx context.Context) (json.RawMessage, error)
	LoadSnapshot(ctx context.Context, snapshot json.RawMessage) error

	// Close releases any resource held by the instance. It does not
	// release the memory permit; that is owned by the cache (pkg/cache).
	Close(ctx context.Context) error
}

// ComponentRuntime hosts component versions and instantiates them for
// worker activations. Exactly one ComponentRuntime is shared by every
// Worker Instance on a node.
type ComponentRuntime interface {
	// Register binds behavior to (componentID, version). Real
	// deployments would instead compile a WASM binary fetched from the
	// (out-of-scope) component registry; this interface does not care
	// how behavior was produced.
	Register(componentID types.ComponentId, version uint64, behavior ComponentBehavior) error

	// MemoryRequirement reports the declared memory footprint of a
	// registered component version, consulted by pkg/cache before
	// acquiring a permit.
	MemoryRequirement(componentID types.ComponentId, version uint64) (uint64, error)

	// Instantiate creates a fresh Instance of (componentID, version)
	// bound to bridge. Every host call the instance makes during its
	// lifetime is routed through bridge.Call.
	Instantiate(ctx context.Context, componentID types.ComponentId, version uint64, bridge HostBridge) (Instance, error)
}

// Clock is a wall-clock source. Nothing in this package injects it into
// a component or routes its reads through a HostBridge, so a Clock read
// is not recorded in the oplog and is not replay-stable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock backed by the OS wall clock.
var SystemClock Clock = systemClock{}
