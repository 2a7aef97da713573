package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ComponentId identifies an immutable WASM binary plus its metadata
// blob in the registry. It is opaque to this module; the registry is
// out of scope here, so a ComponentId is carried as an opaque string
// (typically a UUID minted by the registry).
type ComponentId string

// WorkerId identifies a logical, long-lived WASM instance.
type WorkerId struct {
	ComponentId ComponentId `json:"component_id"`
	WorkerName  string      `json:"worker_name"`
}

func (w WorkerId) String() string {
	return fmt.Sprintf("%s/%s", w.ComponentId, w.WorkerName)
}

// ShardId identifies one partition of the cluster's fixed-size key
// space. Ownership of a ShardId is assigned by an external shard
// manager; a worker may only be activated on a node that currently
// owns shard(worker_id).
type ShardId uint32

func (s ShardId) String() string { return fmt.Sprintf("shard-%d", uint32(s)) }

// Validate enforces the worker_name constraints from the data model:
// non-empty, UTF-8, at most 256 bytes.
func (w WorkerId) Validate() error {
	if w.ComponentId == "" {
		return fmt.Errorf("%w: empty component id", ErrInvalidRequest)
	}
	if w.WorkerName == "" {
		return fmt.Errorf("%w: empty worker name", ErrInvalidRequest)
	}
	if len(w.WorkerName) > 256 {
		return fmt.Errorf("%w: worker name exceeds 256 bytes", ErrInvalidRequest)
	}
	return nil
}

// OplogIndex addresses a single entry in a worker's oplog. Valid
// indices start at 1.
type OplogIndex uint64

// PromiseId identifies a promise created at a specific oplog index.
type PromiseId struct {
	WorkerId WorkerId   `json:"worker_id"`
	Index    OplogIndex `json:"index"`
}

func (p PromiseId) String() string {
	return fmt.Sprintf("%s#%d", p.WorkerId, p.Index)
}

// OplogEntryKind discriminates the tagged union of OplogEntry.
type OplogEntryKind string

const (
	KindCreate                  OplogEntryKind = "Create"
	KindImportedFunctionInvoked OplogEntryKind = "ImportedFunctionInvoked"
	KindExportedFunctionInvoked OplogEntryKind = "ExportedFunctionInvoked"
	KindExportedFunctionComplete OplogEntryKind = "ExportedFunctionCompleted"
	KindSuspend                 OplogEntryKind = "Suspend"
	KindResume                  OplogEntryKind = "Resume"
	KindError                   OplogEntryKind = "Error"
	KindInterrupted             OplogEntryKind = "Interrupted"
	KindExited                  OplogEntryKind = "Exited"
	KindJump                    OplogEntryKind = "Jump"
	KindPendingUpdate           OplogEntryKind = "PendingUpdate"
	KindSuccessfulUpdate        OplogEntryKind = "SuccessfulUpdate"
	KindFailedUpdate            OplogEntryKind = "FailedUpdate"
	KindCreatePromise           OplogEntryKind = "CreatePromise"
	KindCompletePromise         OplogEntryKind = "CompletePromise"
	KindNoOp                    OplogEntryKind = "NoOp"
	KindChangeRetryPolicy       OplogEntryKind = "ChangeRetryPolicy"
	KindBeginAtomicRegion       OplogEntryKind = "BeginAtomicRegion"
	KindEndAtomicRegion         OplogEntryKind = "EndAtomicRegion"
	KindBeginRemoteWrite        OplogEntryKind = "BeginRemoteWrite"
	KindEndRemoteWrite          OplogEntryKind = "EndRemoteWrite"
	KindActivatePlugin          OplogEntryKind = "ActivatePlugin"
	KindDeactivatePlugin        OplogEntryKind = "DeactivatePlugin"
	KindLog                     OplogEntryKind = "Log"
	KindRestart                 OplogEntryKind = "Restart"
	KindCancelInvocation        OplogEntryKind = "CancelInvocation"
)

// UpdateMode selects how an auto-update is applied.
type UpdateMode string

const (
	UpdateModeAutomatic           UpdateMode = "automatic"
	UpdateModeManualSnapshotBased UpdateMode = "manual_snapshot_based"
)

// DurableFunctionClass drives commit discipline for a host call: how
// eagerly it must be persisted before the effect is considered durable.
type DurableFunctionClass string

const (
	ClassReadLocal         DurableFunctionClass = "read_local"
	ClassWriteLocal        DurableFunctionClass = "write_local"
	ClassReadRemote        DurableFunctionClass = "read_remote"
	ClassWriteRemote       DurableFunctionClass = "write_remote"
	ClassWriteRemoteBatched DurableFunctionClass = "write_remote_batched"
)

// PersistenceLevel controls whether a host call's effect is persisted
// at all.
type PersistenceLevel string

const (
	PersistAll      PersistenceLevel = "persist_all"
	PersistNothing  PersistenceLevel = "persist_nothing"
)

// OplogEntry is a versioned tagged record. Only the fields relevant to
// Kind are populated; the rest are left at zero value. The two-byte
// version discriminator is handled by the codec
// (pkg/oplog/codec.go), not by this struct.
type OplogEntry struct {
	Kind      OplogEntryKind `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`

	// Create
	ComponentVersion uint64          `json:"component_version,omitempty"`
	Args             []string        `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Parent           *WorkerId       `json:"parent,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`

	// ImportedFunctionInvoked
	FunctionName        string               `json:"function_name,omitempty"`
	Request              json.RawMessage      `json:"request,omitempty"`
	WrappedFunctionType  DurableFunctionClass `json:"wrapped_function_type,omitempty"`

	// Response carries the recorded return value of a durable call: the
	// host function's reply on ImportedFunctionInvoked, or the exported
	// function's final result on ExportedFunctionCompleted. Replay
	// compares the latter against what re-running the export against a
	// candidate component version actually returns, which is how an
	// auto-update detects behavior divergence in an export that still
	// exists in the new version.
	Response json.RawMessage `json:"response,omitempty"`

	// ExportedFunctionInvoked
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	InvocationContext  json.RawMessage `json:"invocation_context,omitempty"`

	// ExportedFunctionCompleted
	ConsumedFuel uint64 `json:"consumed_fuel,omitempty"`

	// Error
	ErrorMessage string `json:"error_message,omitempty"`

	// Jump
	JumpSource OplogIndex `json:"jump_source,omitempty"`
	JumpTarget OplogIndex `json:"jump_target,omitempty"`

	// PendingUpdate / SuccessfulUpdate / FailedUpdate
	TargetVersion     uint64     `json:"target_version,omitempty"`
	UpdateMode        UpdateMode `json:"update_mode,omitempty"`
	NewComponentSize  uint64     `json:"new_component_size,omitempty"`
	NewActivePlugins  []string   `json:"new_active_plugins,omitempty"`
	UpdateFailDetails string     `json:"update_fail_details,omitempty"`

	// CreatePromise / CompletePromise
	PromiseIndex OplogIndex      `json:"promise_index,omitempty"`
	PromiseData  json.RawMessage `json:"promise_data,omitempty"`

	// BeginAtomicRegion / BeginRemoteWrite (Index: own index once appended)
	// EndAtomicRegion / EndRemoteWrite
	RegionBeginIndex OplogIndex `json:"region_begin_index,omitempty"`

	// ActivatePlugin / DeactivatePlugin
	PluginId string `json:"plugin_id,omitempty"`

	// Log
	LogLevel   string `json:"log_level,omitempty"`
	LogContext string `json:"log_context,omitempty"`
	LogMessage string `json:"log_message,omitempty"`

	// CancelInvocation
	CancelledIdempotencyKey string `json:"cancelled_idempotency_key,omitempty"`

	// ChangeRetryPolicy
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`
}

// RetryPolicy governs how a worker retries a live host call that fails
// with a retriable error. It is itself a persisted setting (carried by
// a ChangeRetryPolicy oplog entry) so replay observes the same policy
// the original execution used.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	MinDelay    time.Duration `json:"min_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
}

// DefaultRetryPolicy mirrors the conservative exponential-backoff
// defaults the shard-manager-facing RPC client (pkg/rpcclient) also
// uses, so a worker's own retry discipline and its caller's retry
// discipline read the same way in logs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, MinDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2.0}
}

// IndexRange is an inclusive interval of oplog indices, used to
// describe deleted regions.
type IndexRange struct {
	Start OplogIndex `json:"start"`
	End   OplogIndex `json:"end"`
}

// Contains reports whether idx falls within the inclusive range.
func (r IndexRange) Contains(idx OplogIndex) bool {
	return idx >= r.Start && idx <= r.End
}

// WorkerStatusName is the derived run state of a worker instance.
type WorkerStatusName string

const (
	StatusRunning     WorkerStatusName = "running"
	StatusIdle        WorkerStatusName = "idle"
	StatusSuspended   WorkerStatusName = "suspended"
	StatusInterrupted WorkerStatusName = "interrupted"
	StatusFailed      WorkerStatusName = "failed"
	StatusExited      WorkerStatusName = "exited"
)

// PendingInvocation is a queued external invocation not yet started.
type PendingInvocation struct {
	IdempotencyKey string          `json:"idempotency_key"`
	FunctionName   string          `json:"function_name"`
	Arguments      json.RawMessage `json:"arguments"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// UpdateDescription records a requested but not-yet-resolved update.
type UpdateDescription struct {
	TargetVersion uint64     `json:"target_version"`
	Mode          UpdateMode `json:"mode"`
}

// ResourceMetadata describes a resource a worker owns (e.g. a promise
// or a plugin activation), tracked so structural operations can
// recompute ownership after a Jump.
type ResourceMetadata struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerStatus is the derived, in-memory view recomputed on load and
// mutated as the worker runs. It is never itself appended to the
// oplog; it is folded from the entries.
type WorkerStatus struct {
	Name                      WorkerStatusName              `json:"name"`
	ComponentVersion          uint64                         `json:"component_version"`
	PendingInvocations        []PendingInvocation            `json:"pending_invocations"`
	PendingUpdates            []UpdateDescription            `json:"pending_updates"`
	SuccessfulUpdates         int                             `json:"successful_updates"`
	FailedUpdates             int                             `json:"failed_updates"`
	DeletedRegions            []IndexRange                    `json:"deleted_regions"`
	OwnedResources            map[string]ResourceMetadata     `json:"owned_resources"`
	TotalFuelConsumed         uint64                          `json:"total_fuel_consumed"`
	LastExecutionStateChange  time.Time                       `json:"last_execution_state_change"`
	LastError                string                           `json:"last_error,omitempty"`
}

// NewWorkerStatus returns the zero-value status for a freshly created
// worker at the given component version.
func NewWorkerStatus(componentVersion uint64) *WorkerStatus {
	return &WorkerStatus{
		Name:                     StatusIdle,
		ComponentVersion:         componentVersion,
		OwnedResources:           make(map[string]ResourceMetadata),
		LastExecutionStateChange: time.Now(),
	}
}

// Promise is a one-shot value completed by an external party;
// completion is itself an oplog entry so it survives restart.
type Promise struct {
	ID        PromiseId       `json:"id"`
	Completed bool            `json:"completed"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IdempotencyResult is the cached result of an invocation keyed by its
// idempotency key, derived by scanning the oplog.
type IdempotencyResult struct {
	Key        string          `json:"key"`
	Response   json.RawMessage `json:"response"`
	ObservedAt OplogIndex      `json:"observed_at"`
}

// ErrorKind enumerates the error taxonomy surfaced to callers.
type ErrorKind string

const (
	ErrKindInvalidRequest      ErrorKind = "InvalidRequest"
	ErrKindWorkerNotFound      ErrorKind = "WorkerNotFound"
	ErrKindShardNotOwned       ErrorKind = "ShardNotOwned"
	ErrKindStorageUnavailable  ErrorKind = "StorageUnavailable"
	ErrKindStorageCorruption   ErrorKind = "StorageCorruption"
	ErrKindWorkerTrap          ErrorKind = "WorkerTrap"
	ErrKindUpdateFailed        ErrorKind = "UpdateFailed"
	ErrKindMemoryExhausted     ErrorKind = "MemoryExhausted"
	ErrKindInterrupted         ErrorKind = "Interrupted"
	ErrKindCancelled           ErrorKind = "Cancelled"
)

// ExecutorError is the structured error type returned across package
// boundaries so callers can branch on Kind without string matching.
type ExecutorError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecutorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// NewError builds an ExecutorError of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *ExecutorError {
	return &ExecutorError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an ExecutorError of the given kind wrapping err.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *ExecutorError {
	return &ExecutorError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel errors usable with errors.Is for the most common kinds.
var (
	ErrInvalidRequest     = &ExecutorError{Kind: ErrKindInvalidRequest, Message: "invalid request"}
	ErrWorkerNotFound     = &ExecutorError{Kind: ErrKindWorkerNotFound, Message: "worker not found"}
	ErrShardNotOwned      = &ExecutorError{Kind: ErrKindShardNotOwned, Message: "shard not owned"}
	ErrStorageUnavailable = &ExecutorError{Kind: ErrKindStorageUnavailable, Message: "storage unavailable"}
	ErrMemoryExhausted    = &ExecutorError{Kind: ErrKindMemoryExhausted, Message: "memory exhausted"}
)

// Is implements errors.Is comparison by Kind alone, so wrapped
// instances with different messages still match a sentinel.
func (e *ExecutorError) Is(target error) bool {
	t, ok := target.(*ExecutorError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
