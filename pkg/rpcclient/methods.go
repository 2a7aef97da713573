package rpcclient

import (
	"context"

	"github.com/cortexworks/wexec/pkg/rpc"
)

// AssignShards retries with backoff, mirroring the original shard
// manager's tolerance for a momentarily unreachable executor node
// during a rebalance.
func (c *Client) AssignShards(ctx context.Context, shards []uint32) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.invokeUnary(ctx, "AssignShards", &rpc.AssignShardsRequest{Shards: shards}, &rpc.AssignShardsResponse{})
	})
}

// RevokeShards retries with backoff like AssignShards.
func (c *Client) RevokeShards(ctx context.Context, shards []uint32) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.invokeUnary(ctx, "RevokeShards", &rpc.RevokeShardsRequest{Shards: shards}, &rpc.RevokeShardsResponse{})
	})
}

// HealthCheck retries with backoff; a shard manager polling a flaky
// node shouldn't declare it unfit after one dropped packet.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	resp := &rpc.HealthCheckResponse{}
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.invokeUnary(ctx, "HealthCheck", &rpc.HealthCheckRequest{}, resp)
	})
	if err != nil {
		return false, err
	}
	return resp.Healthy, nil
}

// Invoke calls a worker's exported function. Single-shot: a retried
// invocation could replay a side effect the idempotency key is meant
// to deduplicate against in the first place, so a caller that wants
// retries must reuse the same idempotency key itself.
func (c *Client) Invoke(ctx context.Context, req *rpc.InvokeRequest) (*rpc.InvokeResponse, error) {
	resp := &rpc.InvokeResponse{}
	if err := c.invokeUnary(ctx, "Invoke", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevertWorker calls the structural revert operation.
func (c *Client) RevertWorker(ctx context.Context, req *rpc.RevertWorkerRequest) error {
	return c.invokeUnary(ctx, "RevertWorker", req, &rpc.RevertWorkerResponse{})
}

// ForkWorker calls the structural fork operation.
func (c *Client) ForkWorker(ctx context.Context, req *rpc.ForkWorkerRequest) error {
	return c.invokeUnary(ctx, "ForkWorker", req, &rpc.ForkWorkerResponse{})
}

// ScheduleUpdate queues a worker update.
func (c *Client) ScheduleUpdate(ctx context.Context, req *rpc.ScheduleUpdateRequest) error {
	return c.invokeUnary(ctx, "ScheduleUpdate", req, &rpc.ScheduleUpdateResponse{})
}

// CancelInvocation marks a pending invocation cancelled.
func (c *Client) CancelInvocation(ctx context.Context, req *rpc.CancelInvocationRequest) error {
	return c.invokeUnary(ctx, "CancelInvocation", req, &rpc.CancelInvocationResponse{})
}

// CompletePromise resolves an outstanding promise.
func (c *Client) CompletePromise(ctx context.Context, req *rpc.CompletePromiseRequest) error {
	return c.invokeUnary(ctx, "CompletePromise", req, &rpc.CompletePromiseResponse{})
}

// SearchOplog returns the indexes of entries matching a query.
func (c *Client) SearchOplog(ctx context.Context, req *rpc.SearchOplogRequest) (*rpc.SearchOplogResponse, error) {
	resp := &rpc.SearchOplogResponse{}
	if err := c.invokeUnary(ctx, "SearchOplog", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetOplog streams entries in [req.FromIndex, req.ToIndex] one at a
// time, so a large range never has to be buffered client-side either.
func (c *Client) GetOplog(ctx context.Context, req *rpc.GetOplogRequest) (*OplogStream, error) {
	desc := &grpcStreamDesc
	stream, err := c.conn.NewStream(ctx, desc, method("GetOplog"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OplogStream{stream: stream}, nil
}

// OplogStream yields one oplog entry per Recv call until io.EOF.
type OplogStream struct {
	stream interface {
		RecvMsg(m interface{}) error
	}
}

// Recv returns the next entry, or io.EOF once the stream is drained.
func (s *OplogStream) Recv() (*rpc.OplogEntryWire, error) {
	entry := &rpc.OplogEntryWire{}
	if err := s.stream.RecvMsg(entry); err != nil {
		return nil, err
	}
	return entry, nil
}
