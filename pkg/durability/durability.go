// Package durability implements the persist-or-replay decision that sits
// between a Worker Instance (pkg/worker) and the component it hosts
// (pkg/runtime). It is the runtime.HostBridge every component instance
// is given: every imported-function call a component makes is routed
// through Tracker.Call, which either executes the call live and appends
// its result to the oplog, or replays a previously persisted result
// without touching the outside world at all.
//
// The dispatch shape generalizes the teacher's FSM apply loop (a tagged
// command decoded and routed to a handler that mutates store state) from
// "apply every command exactly once" to "apply the next command only if
// we've run out of committed history to replay instead."
package durability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/runtime"
	"github.com/cortexworks/wexec/pkg/types"
)

// ErrUnexpectedOplogEntry is returned when replay finds a persisted
// ImportedFunctionInvoked entry whose function name doesn't match the
// call the component is actually making. This means the component's
// code changed in a way that diverges from its own history and replay
// cannot continue; pkg/worker surfaces it as a failed activation (or,
// during an automatic update, as a FailedUpdate).
var ErrUnexpectedOplogEntry = errors.New("durability: replay cursor does not match requested call")

// CallResult is the wire envelope persisted as an ImportedFunctionInvoked
// entry's Response. Wrapping the error alongside the value lets a
// non-retriable host-call failure replay identically instead of being
// silently dropped.
type CallResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RetriableError marks err as safe to leave unpersisted on a live
// failure: the next activation will simply retry the call from scratch
// instead of replaying a failure that never truly completed.
type RetriableError struct{ Err error }

func (e *RetriableError) Error() string { return e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err so IsRetriable reports true for it. A nil err
// returns nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// IsRetriable reports whether err (or something it wraps) was marked
// with Retriable.
func IsRetriable(err error) bool {
	var r *RetriableError
	return errors.As(err, &r)
}

// Tracker is the per-activation HostBridge implementation: exactly one
// exists per live Worker Instance, created fresh on every
// Loading→Replaying→Live transition and discarded when the worker goes
// idle.
type Tracker struct {
	log *oplog.Log

	mu                 sync.Mutex
	cursor             types.OplogIndex
	lastCommittedIndex types.OplogIndex
	live               bool
	persistenceLevel   types.PersistenceLevel
	retryPolicy        types.RetryPolicy
	openRegionKind     types.OplogEntryKind
	openRegionIndex    types.OplogIndex
}

var _ runtime.HostBridge = (*Tracker)(nil)

// NewTracker creates a Tracker attached to l. lastCommittedIndex is the
// highest oplog index that existed before this activation started (the
// log's Length at Loading time); the tracker starts in replay mode with
// its cursor at index 2 (past the Create entry at index 1) and flips to
// live the first time its cursor advances past lastCommittedIndex.
func NewTracker(l *oplog.Log, lastCommittedIndex types.OplogIndex) *Tracker {
	return &Tracker{
		log:                l,
		cursor:             2,
		lastCommittedIndex: lastCommittedIndex,
		live:               lastCommittedIndex < 2,
		persistenceLevel:   types.PersistAll,
		retryPolicy:        types.DefaultRetryPolicy(),
	}
}

// IsLive reports whether the tracker has caught up to the end of
// previously committed history and is now executing calls for real.
func (t *Tracker) IsLive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Cursor returns the next oplog index replay will consult.
func (t *Tracker) Cursor() types.OplogIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Skip advances the replay cursor past upTo without consulting Call. It
// is used by pkg/worker's own replay loop for oplog entries it consumes
// directly (Create, ExportedFunctionInvoked/Completed, Suspend/Resume,
// CreatePromise/CompletePromise) so the tracker's notion of "how far
// have we replayed" stays in sync with the worker's.
func (t *Tracker) Skip(upTo types.OplogIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(upTo)
}

// SetPersistenceLevel changes how aggressively subsequent calls persist
// their effects. PersistNothing calls always execute live and are never
// replayed; they exist for best-effort operations like log lines and
// metrics emission where replaying a stale value is pointless.
func (t *Tracker) SetPersistenceLevel(level types.PersistenceLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistenceLevel = level
}

// SetRetryPolicy records the retry policy in effect, as set by a
// ChangeRetryPolicy oplog entry during live execution or replay. Call
// does not consult it: a live call whose effect fails with a Retriable
// error always returns that error unpersisted, whatever the policy.
func (t *Tracker) SetRetryPolicy(policy types.RetryPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryPolicy = policy
}

// RetryPolicy returns the currently active retry policy.
func (t *Tracker) RetryPolicy() types.RetryPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryPolicy
}

func (t *Tracker) advanceLocked(upTo types.OplogIndex) {
	if upTo+1 > t.cursor {
		t.cursor = upTo + 1
	}
	if !t.live && t.cursor > t.lastCommittedIndex {
		t.live = true
	}
}

// Call implements runtime.HostBridge.
func (t *Tracker) Call(ctx context.Context, functionName string, class types.DurableFunctionClass, request json.RawMessage, effect func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	t.mu.Lock()
	level := t.persistenceLevel
	live := t.live
	t.mu.Unlock()

	if level == types.PersistNothing {
		return effect(ctx)
	}
	if live {
		return t.callLive(ctx, functionName, class, request, effect)
	}
	return t.callReplay(ctx, functionName)
}

func (t *Tracker) callLive(ctx context.Context, functionName string, class types.DurableFunctionClass, request json.RawMessage, effect func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HostCallDuration, "live")

	wrapsRegion := class == types.ClassWriteRemote || class == types.ClassWriteRemoteBatched
	var beginIdx types.OplogIndex
	if wrapsRegion {
		idx, err := t.log.Append(ctx, types.OplogEntry{Kind: types.KindBeginRemoteWrite})
		if err != nil {
			return nil, err
		}
		beginIdx = idx
		t.mu.Lock()
		t.openRegionKind, t.openRegionIndex = types.KindBeginRemoteWrite, beginIdx
		t.mu.Unlock()
	}

	result, effectErr := effect(ctx)
	if effectErr != nil && IsRetriable(effectErr) {
		// Leave any opened region unterminated. A crash before this
		// call is retried lets recovery Jump over the dangling Begin;
		// a retry within the same activation simply calls us again.
		return nil, effectErr
	}

	wire := CallResult{Value: result}
	if effectErr != nil {
		wire.Error = effectErr.Error()
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("durability: marshal call result for %s: %w", functionName, err)
	}

	entryIdx, err := t.log.Append(ctx, types.OplogEntry{
		Kind:                types.KindImportedFunctionInvoked,
		Timestamp:           time.Now(),
		FunctionName:        functionName,
		Request:             request,
		Response:            payload,
		WrappedFunctionType: class,
	})
	if err != nil {
		return nil, err
	}

	if wrapsRegion {
		if _, err := t.log.Append(ctx, types.OplogEntry{Kind: types.KindEndRemoteWrite, RegionBeginIndex: beginIdx}); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.openRegionKind, t.openRegionIndex = "", 0
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.advanceLocked(entryIdx)
	t.mu.Unlock()

	if effectErr != nil {
		return nil, effectErr
	}
	return result, nil
}

func (t *Tracker) callReplay(ctx context.Context, functionName string) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HostCallDuration, "replay")

	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	length, err := t.log.Length(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := t.log.Read(ctx, cursor, length, false)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, types.NewError(types.ErrKindStorageCorruption, "no surviving oplog entry at or after index %d to replay %q", cursor, functionName)
	}
	entry := entries[0]
	if entry.Value.Kind != types.KindImportedFunctionInvoked {
		return nil, types.NewError(types.ErrKindStorageCorruption, "expected ImportedFunctionInvoked at index %d, found %s", entry.Index, entry.Value.Kind)
	}
	if entry.Value.FunctionName != functionName {
		return nil, fmt.Errorf("%w: index %d recorded %q, component now calls %q", ErrUnexpectedOplogEntry, entry.Index, entry.Value.FunctionName, functionName)
	}

	var wire CallResult
	if err := json.Unmarshal(entry.Value.Response, &wire); err != nil {
		return nil, types.WrapError(types.ErrKindStorageCorruption, err, "decode replayed response at index %d", entry.Index)
	}

	t.mu.Lock()
	t.advanceLocked(entry.Index)
	nowLive := t.live
	t.mu.Unlock()
	if nowLive {
		log.WithWorker(t.log.WorkerID().String()).Debug().Uint64("index", uint64(entry.Index)).Msg("durability tracker caught up to live execution")
	}

	if wire.Error != "" {
		return wire.Value, errors.New(wire.Error)
	}
	return wire.Value, nil
}

// RecoverIncompleteRegions scans l for a Begin* entry with no matching
// End*, meaning the worker crashed mid-write. If one is found, it
// appends a Jump erasing the dangling Begin (and everything after it,
// since at most one region can be open at a time for a single worker),
// so replay never observes a write it can't prove completed. It returns
// whether a Jump was appended.
func RecoverIncompleteRegions(ctx context.Context, l *oplog.Log) (bool, error) {
	length, err := l.Length(ctx)
	if err != nil || length == 0 {
		return false, err
	}
	entries, err := l.Read(ctx, 1, length, false)
	if err != nil {
		return false, err
	}

	var openIndex types.OplogIndex
	for _, e := range entries {
		switch e.Value.Kind {
		case types.KindBeginAtomicRegion, types.KindBeginRemoteWrite:
			openIndex = e.Index
		case types.KindEndAtomicRegion, types.KindEndRemoteWrite:
			if e.Value.RegionBeginIndex == openIndex {
				openIndex = 0
			}
		}
	}
	if openIndex == 0 {
		return false, nil
	}

	last := entries[len(entries)-1].Index
	if _, err := l.Append(ctx, types.OplogEntry{Kind: types.KindJump, JumpSource: last, JumpTarget: openIndex - 1}); err != nil {
		return false, err
	}
	return true, nil
}
