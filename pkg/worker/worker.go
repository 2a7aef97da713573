package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cortexworks/wexec/pkg/durability"
	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/runtime"
	"github.com/cortexworks/wexec/pkg/types"
)

// ErrDivergentReplay is returned by replay when checkingUpdate is set
// and re-running a recorded exported invocation against the candidate
// component version produces a different outcome (return value, or
// success/failure) than history recorded. activateAtVersion treats it
// exactly like runtime.ErrUnknownExport: a signal that the candidate
// version is incompatible with this worker's history, not a hard
// activation failure.
var ErrDivergentReplay = errors.New("worker: replay diverged from recorded history")

// MemoryPermit is released when a Worker Instance no longer needs its
// reserved share of the node's component-memory budget. Acquired from
// whatever granted it (pkg/cache, in a running node); a Worker created
// directly in a test may pass a no-op permit.
type MemoryPermit interface {
	Release()
}

type noopPermit struct{}

func (noopPermit) Release() {}

// NoopPermit is a MemoryPermit that does nothing, for tests and other
// callers that don't route through pkg/cache.
var NoopPermit MemoryPermit = noopPermit{}

// Worker is one activation of a component version bound to a single
// WorkerId's oplog. It is created fresh by Activate and discarded when
// evicted; nothing it holds in memory is itself durable.
type Worker struct {
	id       types.WorkerId
	log      *oplog.Log
	tracker  *durability.Tracker
	rt       runtime.ComponentRuntime
	instance runtime.Instance
	permit   MemoryPermit

	mu                   sync.Mutex
	status               *types.WorkerStatus
	componentID          types.ComponentId
	idempotency          *idempotencyCache
	promises             map[types.OplogIndex]*types.Promise
	lastActivity         time.Time
	trailingReplayResult json.RawMessage
}

// Activate loads worker id's oplog, recovers incomplete atomic regions,
// replays every committed exported invocation against a fresh component
// instance, and returns a Worker ready to serve new invocations live.
// initialVersion/args/env are only used if the oplog is empty (a
// brand-new worker); otherwise the version comes from the existing
// Create entry. componentID is always taken from the caller, since the
// Create entry does not record it.
func Activate(ctx context.Context, l *oplog.Log, rt runtime.ComponentRuntime, permit MemoryPermit, componentID types.ComponentId, initialVersion uint64, args []string, env map[string]string, createdBy string) (*Worker, error) {
	w := &Worker{
		id:          l.WorkerID(),
		log:         l,
		rt:          rt,
		permit:      permit,
		idempotency: newIdempotencyCache(),
		promises:    make(map[types.OplogIndex]*types.Promise),
	}

	length, err := l.Length(ctx)
	if err != nil {
		return nil, err
	}

	if length == 0 {
		if _, err := l.Append(ctx, types.OplogEntry{
			Kind:             types.KindCreate,
			Timestamp:        time.Now(),
			ComponentVersion: initialVersion,
			Args:             args,
			Env:              env,
			CreatedBy:        createdBy,
		}); err != nil {
			return nil, err
		}
		length = 1
	}

	if _, err := durability.RecoverIncompleteRegions(ctx, l); err != nil {
		return nil, fmt.Errorf("worker %s: recover incomplete regions: %w", w.id, err)
	}
	length, err = l.Length(ctx)
	if err != nil {
		return nil, err
	}

	createEntries, err := l.Read(ctx, 1, 1, false)
	if err != nil {
		return nil, err
	}
	if len(createEntries) == 0 || createEntries[0].Value.Kind != types.KindCreate {
		return nil, types.NewError(types.ErrKindStorageCorruption, "worker %s: index 1 is not a Create entry", w.id)
	}
	w.componentID = componentID
	w.lastActivity = time.Now()
	baseVersion := createEntries[0].Value.ComponentVersion

	allEntries, err := l.Read(ctx, 2, length, false)
	if err != nil {
		return nil, err
	}
	target, mode, hasPending := unresolvedPendingUpdate(allEntries)

	tryVersion := baseVersion
	if hasPending {
		tryVersion = target
	}
	incompatible, err := w.activateAtVersion(ctx, rt, tryVersion, baseVersion, length)
	if err != nil {
		w.status.Name = types.StatusFailed
		w.status.LastError = err.Error()
		return w, err
	}

	if hasPending {
		if incompatible {
			if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindFailedUpdate, Timestamp: time.Now(), TargetVersion: target, UpdateMode: mode}); err != nil {
				return nil, err
			}
			// Fall back to replaying at the original version; the
			// component never diverges from history it already owns,
			// so this attempt cannot itself be incompatible.
			if _, err := w.activateAtVersion(ctx, rt, baseVersion, baseVersion, length); err != nil {
				w.status.Name = types.StatusFailed
				w.status.LastError = err.Error()
				return w, err
			}
		} else {
			if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindSuccessfulUpdate, Timestamp: time.Now(), TargetVersion: target, UpdateMode: mode}); err != nil {
				return nil, err
			}
			w.status.ComponentVersion = target
			w.status.SuccessfulUpdates++
		}
	}

	if w.status.Name == types.StatusRunning {
		// History ended mid-invocation (the worker crashed before
		// recording ExportedFunctionCompleted/Error). Replay has just
		// finished running that invocation to completion, so persist
		// the completion now rather than leaving the worker looking
		// permanently busy.
		if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindExportedFunctionComplete, Timestamp: time.Now(), Response: w.trailingReplayResult}); err != nil {
			return nil, err
		}
		w.status.Name = types.StatusIdle
		w.status.LastExecutionStateChange = time.Now()
	}
	return w, nil
}

// activateAtVersion instantiates the component at version and replays
// history against it from scratch, resetting w.status/w.tracker/w.instance
// first. It reports incompatible=true (and a nil error) when the
// attempt failed specifically because version doesn't exist, no longer
// exports a function a prior ExportedFunctionInvoked entry calls, or
// re-running an export against it produces a result that diverges from
// what history recorded — the three signals an auto-update
// compatibility check is looking for — so the caller can retry at a
// fallback version instead of treating it as a hard activation
// failure. The divergence check only runs when version differs from
// baseVersion: re-replaying a worker's own history against its own
// component must never be treated as an update attempt.
func (w *Worker) activateAtVersion(ctx context.Context, rt runtime.ComponentRuntime, version, baseVersion uint64, length types.OplogIndex) (incompatible bool, err error) {
	w.status = types.NewWorkerStatus(baseVersion)
	w.tracker = durability.NewTracker(w.log, length)

	instance, err := rt.Instantiate(ctx, w.componentID, version, w.tracker)
	if err != nil {
		if errors.Is(err, runtime.ErrUnknownComponent) {
			return true, nil
		}
		return false, fmt.Errorf("worker %s: instantiate component: %w", w.id, err)
	}
	w.instance = instance

	trailing, err := w.replay(ctx, version != baseVersion)
	if err != nil {
		if errors.Is(err, runtime.ErrUnknownExport) || errors.Is(err, ErrDivergentReplay) {
			return true, nil
		}
		return false, err
	}
	w.trailingReplayResult = trailing
	return false, nil
}

// unresolvedPendingUpdate scans control entries for the most recent
// PendingUpdate that hasn't yet been matched by a SuccessfulUpdate or
// FailedUpdate for the same target version.
func unresolvedPendingUpdate(entries []oplog.Entry) (target uint64, mode types.UpdateMode, found bool) {
	for _, e := range entries {
		switch e.Value.Kind {
		case types.KindPendingUpdate:
			target, mode, found = e.Value.TargetVersion, e.Value.UpdateMode, true
		case types.KindSuccessfulUpdate, types.KindFailedUpdate:
			if found && e.Value.TargetVersion == target {
				found = false
			}
		}
	}
	return target, mode, found
}

// replay walks every surviving oplog entry from index 2 onward,
// re-running each ExportedFunctionInvoked against the fresh instance
// (whose host calls durability.Tracker answers from history) and
// folding every other entry kind directly into status. It advances by
// consulting the tracker's cursor after each step rather than ranging
// over a fixed slice, since invoking an export consumes a variable
// number of nested ImportedFunctionInvoked entries.
//
// Every invoked export's outcome is held as a pending result until the
// ExportedFunctionCompleted/Error entry that originally closed it out
// is reached, at which point it is compared against what history
// recorded. When checkingUpdate is set (the instance under replay is a
// candidate auto-update target, not the worker's own component
// version) a mismatch — a different return value, a call that now
// fails when it previously succeeded or vice versa, or a host call
// landing on a different import than history recorded
// (durability.ErrUnexpectedOplogEntry) — is reported as
// ErrDivergentReplay instead of a hard failure, so the caller can fall
// back to the worker's original version. Outside of an update attempt
// the same mismatch means the component is non-deterministic or the
// oplog is corrupt, which is unrecoverable.
//
// If history ends mid-invocation (the worker crashed before recording
// a completion), replay has no recorded entry to compare against; its
// result is returned as trailing so the caller can persist it.
func (w *Worker) replay(ctx context.Context, checkingUpdate bool) (trailing json.RawMessage, err error) {
	length, err := w.log.Length(ctx)
	if err != nil {
		return nil, err
	}

	var (
		pending     json.RawMessage
		pendingErr  error
		havePending bool
		pendingKey  string
	)

	divergence := func(idx types.OplogIndex, reason string) error {
		if checkingUpdate {
			return fmt.Errorf("%w: index %d: %s", ErrDivergentReplay, idx, reason)
		}
		return types.NewError(types.ErrKindStorageCorruption, "worker %s: replay diverged from recorded history at index %d: %s", w.id, idx, reason)
	}

	idx := types.OplogIndex(2)
	for idx <= length {
		entries, err := w.log.Read(ctx, idx, idx, false)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			idx++
			continue
		}
		entry := entries[0]

		switch entry.Value.Kind {
		case types.KindExportedFunctionInvoked:
			w.tracker.Skip(entry.Index)
			w.status.Name = types.StatusRunning
			result, invokeErr := w.instance.Invoke(ctx, entry.Value.FunctionName, entry.Value.InvocationContext)
			switch {
			case errors.Is(invokeErr, runtime.ErrUnknownExport):
				return nil, fmt.Errorf("replay %s at index %d: %w", entry.Value.FunctionName, entry.Index, invokeErr)
			case errors.Is(invokeErr, durability.ErrUnexpectedOplogEntry):
				return nil, divergence(entry.Index, fmt.Sprintf("%s no longer makes the recorded host calls: %v", entry.Value.FunctionName, invokeErr))
			case invokeErr != nil:
				log.WithWorker(w.id.String()).Warn().Err(invokeErr).Str("function", entry.Value.FunctionName).Msg("replay of exported invocation failed")
			}
			pending, pendingErr, havePending = result, invokeErr, true
			pendingKey = entry.Value.IdempotencyKey
			if entry.Value.IdempotencyKey != "" {
				w.idempotency.Set(entry.Value.IdempotencyKey, types.IdempotencyResult{Key: entry.Value.IdempotencyKey, ObservedAt: entry.Index})
			}

		case types.KindExportedFunctionComplete:
			if havePending {
				if pendingErr != nil {
					return nil, divergence(entry.Index, fmt.Sprintf("invocation failed on replay (%v) but history recorded success", pendingErr))
				}
				if !bytes.Equal(pending, entry.Value.Response) {
					return nil, divergence(entry.Index, "invocation returned a different result on replay")
				}
				if pendingKey != "" {
					w.idempotency.Set(pendingKey, types.IdempotencyResult{Key: pendingKey, Response: entry.Value.Response, ObservedAt: entry.Index})
				}
				havePending = false
			}
			w.applyControlEntry(entry.Value, entry.Index)
			w.tracker.Skip(entry.Index)

		case types.KindError:
			if havePending {
				if pendingErr == nil {
					return nil, divergence(entry.Index, "invocation succeeded on replay but history recorded failure")
				}
				havePending = false
			}
			w.applyControlEntry(entry.Value, entry.Index)
			w.tracker.Skip(entry.Index)

		default:
			w.applyControlEntry(entry.Value, entry.Index)
			w.tracker.Skip(entry.Index)
		}

		next := w.tracker.Cursor()
		if next <= idx {
			next = idx + 1
		}
		idx = next
	}

	if havePending && pendingErr == nil {
		return pending, nil
	}
	return nil, nil
}

// applyControlEntry folds a non-call oplog entry into the in-memory
// status view. It never executes side effects; it only reconstructs
// bookkeeping that a running node needs without rereading the oplog.
func (w *Worker) applyControlEntry(entry types.OplogEntry, idx types.OplogIndex) {
	switch entry.Kind {
	case types.KindExportedFunctionComplete:
		w.status.TotalFuelConsumed += entry.ConsumedFuel
		w.status.Name = types.StatusIdle
		w.status.LastExecutionStateChange = time.Now()
	case types.KindSuspend:
		w.status.Name = types.StatusSuspended
	case types.KindResume:
		w.status.Name = types.StatusIdle
	case types.KindError:
		w.status.LastError = entry.ErrorMessage
		w.status.Name = types.StatusFailed
	case types.KindInterrupted:
		w.status.Name = types.StatusInterrupted
	case types.KindExited:
		w.status.Name = types.StatusExited
	case types.KindPendingUpdate:
		w.status.PendingUpdates = append(w.status.PendingUpdates, types.UpdateDescription{TargetVersion: entry.TargetVersion, Mode: entry.UpdateMode})
	case types.KindSuccessfulUpdate:
		w.status.ComponentVersion = entry.TargetVersion
		w.status.SuccessfulUpdates++
		w.status.PendingUpdates = dropPendingUpdate(w.status.PendingUpdates, entry.TargetVersion)
	case types.KindFailedUpdate:
		w.status.FailedUpdates++
		w.status.PendingUpdates = dropPendingUpdate(w.status.PendingUpdates, entry.TargetVersion)
	case types.KindCreatePromise:
		w.promises[idx] = &types.Promise{ID: types.PromiseId{WorkerId: w.id, Index: idx}}
		w.status.OwnedResources[fmt.Sprintf("promise:%d", idx)] = types.ResourceMetadata{ID: fmt.Sprintf("%d", idx), Kind: "promise", CreatedAt: entry.Timestamp}
	case types.KindCompletePromise:
		if p, ok := w.promises[entry.PromiseIndex]; ok {
			p.Completed = true
			p.Data = entry.PromiseData
		}
	case types.KindCancelInvocation:
		w.status.PendingInvocations = dropPendingInvocation(w.status.PendingInvocations, entry.CancelledIdempotencyKey)
	case types.KindChangeRetryPolicy:
		if entry.RetryPolicy != nil {
			w.tracker.SetRetryPolicy(*entry.RetryPolicy)
		}
	case types.KindJump:
		w.status.DeletedRegions = w.log.DeletedRegions()
	}
}

func dropPendingUpdate(pending []types.UpdateDescription, version uint64) []types.UpdateDescription {
	out := pending[:0]
	for _, p := range pending {
		if p.TargetVersion != version {
			out = append(out, p)
		}
	}
	return out
}

func dropPendingInvocation(pending []types.PendingInvocation, key string) []types.PendingInvocation {
	out := pending[:0]
	for _, p := range pending {
		if p.IdempotencyKey != key {
			out = append(out, p)
		}
	}
	return out
}

// Invoke runs functionName live against args. If idempotencyKey was
// already observed (from this activation's history or a prior live
// call), the cached result is returned without re-running anything, per
// the idempotent-invocation-dedup requirement.
func (w *Worker) Invoke(ctx context.Context, idempotencyKey, functionName string, args json.RawMessage) (json.RawMessage, error) {
	w.mu.Lock()
	if idempotencyKey != "" {
		if cached, ok := w.idempotency.Get(idempotencyKey); ok && cached.Response != nil {
			w.mu.Unlock()
			return cached.Response, nil
		}
	}
	if w.status.Name == types.StatusFailed || w.status.Name == types.StatusExited {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: worker %s is %s", types.ErrInvalidRequest, w.id, w.status.Name)
	}
	w.status.Name = types.StatusRunning
	w.mu.Unlock()

	if _, err := w.log.Append(ctx, types.OplogEntry{
		Kind:              types.KindExportedFunctionInvoked,
		Timestamp:         time.Now(),
		FunctionName:      functionName,
		IdempotencyKey:    idempotencyKey,
		InvocationContext: args,
	}); err != nil {
		return nil, err
	}

	result, invokeErr := w.instance.Invoke(ctx, functionName, args)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = time.Now()

	if invokeErr != nil {
		if _, err := w.log.Append(ctx, types.OplogEntry{Kind: types.KindError, Timestamp: time.Now(), ErrorMessage: invokeErr.Error()}); err != nil {
			return nil, err
		}
		w.status.Name = types.StatusFailed
		w.status.LastError = invokeErr.Error()
		return nil, invokeErr
	}

	if _, err := w.log.Append(ctx, types.OplogEntry{Kind: types.KindExportedFunctionComplete, Timestamp: time.Now(), Response: result}); err != nil {
		return nil, err
	}
	w.status.Name = types.StatusIdle
	w.status.LastExecutionStateChange = w.lastActivity

	if idempotencyKey != "" {
		w.idempotency.Set(idempotencyKey, types.IdempotencyResult{Key: idempotencyKey, Response: result})
	}
	return result, nil
}

// Suspend marks the worker suspended, persisting the transition so it
// survives eviction and reload.
func (w *Worker) Suspend(ctx context.Context) error {
	if _, err := w.log.Append(ctx, types.OplogEntry{Kind: types.KindSuspend, Timestamp: time.Now()}); err != nil {
		return err
	}
	w.mu.Lock()
	w.status.Name = types.StatusSuspended
	w.mu.Unlock()
	return nil
}

// Resume clears a suspension.
func (w *Worker) Resume(ctx context.Context) error {
	if _, err := w.log.Append(ctx, types.OplogEntry{Kind: types.KindResume, Timestamp: time.Now()}); err != nil {
		return err
	}
	w.mu.Lock()
	w.status.Name = types.StatusIdle
	w.mu.Unlock()
	return nil
}

// Status returns a copy of the worker's current derived status.
func (w *Worker) Status() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.status
}

// ID returns the WorkerId this activation is bound to.
func (w *Worker) ID() types.WorkerId { return w.id }

// IsIdle reports whether the worker currently has no invocation in
// flight, the signal pkg/cache's reclamation loop uses to pick
// eviction candidates.
func (w *Worker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Name == types.StatusIdle || w.status.Name == types.StatusSuspended
}

// LastActivity returns when the worker last started or finished an
// invocation, used to rank idle workers oldest-first for reclamation.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Close releases the hosted component instance and the worker's memory
// permit. It does not append anything to the oplog: going idle and
// being evicted from the cache are different events.
func (w *Worker) Close(ctx context.Context) error {
	defer w.permit.Release()
	if w.instance == nil {
		return nil
	}
	return w.instance.Close(ctx)
}
