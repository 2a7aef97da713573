package rpc

import (
	"encoding/json"

	"github.com/cortexworks/wexec/pkg/oplog"
	"github.com/cortexworks/wexec/pkg/types"
)

// WorkerRef names a worker across the wire; ComponentId plus a blank
// WorkerName means "any worker of this component" where a call accepts
// that (reserved for the front-end invocation API this RPC boundary
// does not itself expose; every method here addresses one concrete
// worker).
type WorkerRef struct {
	ComponentId string `json:"component_id"`
	WorkerName  string `json:"worker_name"`
}

func (r WorkerRef) toWorkerId() types.WorkerId {
	return types.WorkerId{ComponentId: types.ComponentId(r.ComponentId), WorkerName: r.WorkerName}
}

// AssignShardsRequest/Response, RevokeShardsRequest/Response, and
// HealthCheckRequest/Response back the three shard-management RPCs.
type AssignShardsRequest struct {
	Shards []uint32 `json:"shards"`
}

type AssignShardsResponse struct{}

type RevokeShardsRequest struct {
	Shards []uint32 `json:"shards"`
}

type RevokeShardsResponse struct{}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	Healthy bool `json:"healthy"`
}

// InvokeRequest/Response back the sole invocation entry point.
type InvokeRequest struct {
	Worker         WorkerRef       `json:"worker"`
	FunctionName   string          `json:"function_name"`
	Arguments      json.RawMessage `json:"arguments"`
	IdempotencyKey string          `json:"idempotency_key"`
	ComponentId    string          `json:"component_id"`
	ComponentVersion uint64        `json:"component_version"`
}

type InvokeResponse struct {
	Result json.RawMessage `json:"result"`
}

// RevertWorkerRequest, ForkWorkerRequest/Response, ScheduleUpdateRequest,
// CancelInvocationRequest, and CompletePromiseRequest back the
// structural RPCs. Each returns an empty response on success; the
// operation itself is a side effect on the worker's oplog.
type RevertWorkerRequest struct {
	Worker    WorkerRef         `json:"worker"`
	ToIndex   *types.OplogIndex `json:"to_index,omitempty"`
	LastN     int               `json:"last_n,omitempty"`
}

type RevertWorkerResponse struct{}

type ForkWorkerRequest struct {
	Source      WorkerRef `json:"source"`
	Target      WorkerRef `json:"target"`
	CutoffIndex types.OplogIndex `json:"cutoff_index"`
}

type ForkWorkerResponse struct{}

type ScheduleUpdateRequest struct {
	Worker        WorkerRef `json:"worker"`
	TargetVersion uint64    `json:"target_version"`
	Mode          string    `json:"mode"`
}

type ScheduleUpdateResponse struct{}

type CancelInvocationRequest struct {
	Worker         WorkerRef `json:"worker"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type CancelInvocationResponse struct{}

type CompletePromiseRequest struct {
	Worker       WorkerRef        `json:"worker"`
	PromiseIndex types.OplogIndex `json:"promise_index"`
	Data         json.RawMessage  `json:"data"`
}

type CompletePromiseResponse struct{}

// GetOplogRequest/SearchOplogRequest back the oplog-view RPCs.
type GetOplogRequest struct {
	Worker    WorkerRef        `json:"worker"`
	FromIndex types.OplogIndex `json:"from_index"`
	ToIndex   types.OplogIndex `json:"to_index"`
}

// OplogEntryWire is the streamed element of GetOplog; it carries the
// entry's index alongside its decoded value so a client never has to
// re-derive position from a running count.
type OplogEntryWire struct {
	Index types.OplogIndex  `json:"index"`
	Entry types.OplogEntry  `json:"entry"`
}

func toWire(e oplog.Entry) *OplogEntryWire {
	return &OplogEntryWire{Index: e.Index, Entry: e.Value}
}

type SearchOplogRequest struct {
	Worker WorkerRef `json:"worker"`
	Query  string    `json:"query"`
}

type SearchOplogResponse struct {
	Indexes []types.OplogIndex `json:"indexes"`
}
