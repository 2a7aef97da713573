package rpc

import (
	"context"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/cortexworks/wexec/pkg/cache"
	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/runtime"
	"github.com/cortexworks/wexec/pkg/sharding"
	"github.com/cortexworks/wexec/pkg/structural"
	"github.com/cortexworks/wexec/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name this package
// registers, standing in for the package.Service name protoc would
// have produced from a .proto file.
const ServiceName = "wexec.Executor"

// Server implements the executor's RPC surface over a *cache.Cache
// (for invocation and anything that needs a live Worker), a
// *sharding.Coordinator (for the three shard-management calls and for
// rejecting requests against unowned shards), and direct oplog access
// (for the structural/oplog-view calls, which operate on history
// whether or not a Worker happens to be resident).
type Server struct {
	cache     *cache.Cache
	rt        runtime.ComponentRuntime
	shards    *sharding.Coordinator
	openLog   cache.OpenLogFunc
	namespace string
	health    *health.Server

	grpc *grpc.Server
}

// New builds a Server. namespace is the shard-hash namespace this node
// was configured with; it must match the one sharding.Coordinator was
// built with, since ownership checks key off the same worker id. rt is
// used only to look up a component version's memory requirement ahead
// of a new worker's activation; the cache itself was already built
// against the same runtime.
func New(c *cache.Cache, rt runtime.ComponentRuntime, shards *sharding.Coordinator, openLog cache.OpenLogFunc, namespace string) *Server {
	return &Server{cache: c, rt: rt, shards: shards, openLog: openLog, namespace: namespace, health: health.NewServer()}
}

// Listen starts the mTLS-wrapped gRPC server on addr and blocks until
// it stops. creds is typically built from pkg/security's loaded node
// certificate and CA pool.
func (s *Server) Listen(addr string, creds grpc.ServerOption) error {
	s.grpc = grpc.NewServer(
		creds,
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.shardOwnershipInterceptor),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Logger.Info().Str("addr", addr).Msg("rpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpc.GracefulStop()
	}
}

// metricsInterceptor times every unary call and records it under
// RPCRequestDuration/RPCRequestsTotal, matching the teacher's
// per-method observability for its own API surface.
func (s *Server) metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	timer := metrics.NewTimer()
	resp, err := handler(ctx, req)
	timer.ObserveDurationVec(metrics.RPCRequestDuration, info.FullMethod)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(info.FullMethod, outcome).Inc()
	return resp, err
}

// shardOwnershipInterceptor rejects any call addressing a WorkerRef
// whose shard this node doesn't currently own, the gRPC-layer
// counterpart of ErrShardNotOwned. Shard-management and health-check
// calls carry no WorkerRef and pass through untouched.
func (s *Server) shardOwnershipInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	ref, ok := extractWorkerRef(req)
	if !ok {
		return handler(ctx, req)
	}
	id := ref.toWorkerId()
	if !s.shards.Owns(id) {
		return nil, status.Errorf(codes.FailedPrecondition, "%s: worker %s's shard is not owned by this node", types.ErrShardNotOwned, id)
	}
	return handler(ctx, req)
}

// extractWorkerRef pulls the WorkerRef out of any request that carries
// one, so the interceptor above doesn't need a type switch per RPC to
// grow every time a new worker-scoped method is added... except it
// does, since these are plain structs rather than an interface the
// teacher's proto types satisfy by generation. Kept as one place to
// touch per addition.
func extractWorkerRef(req interface{}) (WorkerRef, bool) {
	switch r := req.(type) {
	case *InvokeRequest:
		return r.Worker, true
	case *RevertWorkerRequest:
		return r.Worker, true
	case *ForkWorkerRequest:
		return r.Source, true
	case *ScheduleUpdateRequest:
		return r.Worker, true
	case *CancelInvocationRequest:
		return r.Worker, true
	case *CompletePromiseRequest:
		return r.Worker, true
	case *GetOplogRequest:
		return r.Worker, true
	case *SearchOplogRequest:
		return r.Worker, true
	}
	return WorkerRef{}, false
}

// --- RPC handlers ---

func (s *Server) assignShards(ctx context.Context, req *AssignShardsRequest) (*AssignShardsResponse, error) {
	ids := make([]types.ShardId, len(req.Shards))
	for i, v := range req.Shards {
		ids[i] = types.ShardId(v)
	}
	if err := s.shards.AssignShards(ctx, ids); err != nil {
		return nil, err
	}
	return &AssignShardsResponse{}, nil
}

func (s *Server) revokeShards(ctx context.Context, req *RevokeShardsRequest) (*RevokeShardsResponse, error) {
	ids := make([]types.ShardId, len(req.Shards))
	for i, v := range req.Shards {
		ids[i] = types.ShardId(v)
	}
	if err := s.shards.RevokeShards(ctx, ids); err != nil {
		return nil, err
	}
	return &RevokeShardsResponse{}, nil
}

func (s *Server) healthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error) {
	return &HealthCheckResponse{Healthy: s.shards.HealthCheck(ctx)}, nil
}

func (s *Server) invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	id := req.Worker.toWorkerId()
	var memoryBytes uint64
	if _, ok := s.cache.Get(id); !ok {
		mem, err := s.rt.MemoryRequirement(types.ComponentId(req.ComponentId), req.ComponentVersion)
		if err != nil {
			return nil, err
		}
		memoryBytes = mem
	}
	w, err := s.cache.GetOrAdd(ctx, id, cache.CreateParams{
		ComponentID: types.ComponentId(req.ComponentId),
		Version:     req.ComponentVersion,
		MemoryBytes: memoryBytes,
	})
	if err != nil {
		return nil, err
	}
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		// Caller didn't supply one; mint one so
		// the invocation still gets a durable idempotency_key cache entry.
		idempotencyKey = uuid.New().String()
	}
	result, err := w.Invoke(ctx, idempotencyKey, req.FunctionName, req.Arguments)
	if err != nil {
		return nil, err
	}
	return &InvokeResponse{Result: result}, nil
}

func (s *Server) revertWorker(ctx context.Context, req *RevertWorkerRequest) (*RevertWorkerResponse, error) {
	l, err := s.openLog(ctx, req.Worker.toWorkerId())
	if err != nil {
		return nil, err
	}
	if req.ToIndex != nil {
		if err := structural.RevertToIndex(ctx, s.cache, l, *req.ToIndex); err != nil {
			return nil, err
		}
		return &RevertWorkerResponse{}, nil
	}
	if err := structural.RevertLastN(ctx, s.cache, l, req.LastN); err != nil {
		return nil, err
	}
	return &RevertWorkerResponse{}, nil
}

func (s *Server) forkWorker(ctx context.Context, req *ForkWorkerRequest) (*ForkWorkerResponse, error) {
	src, err := s.openLog(ctx, req.Source.toWorkerId())
	if err != nil {
		return nil, err
	}
	dst, err := s.openLog(ctx, req.Target.toWorkerId())
	if err != nil {
		return nil, err
	}
	if err := structural.Fork(ctx, src, dst, req.CutoffIndex); err != nil {
		return nil, err
	}
	return &ForkWorkerResponse{}, nil
}

func (s *Server) scheduleUpdate(ctx context.Context, req *ScheduleUpdateRequest) (*ScheduleUpdateResponse, error) {
	l, err := s.openLog(ctx, req.Worker.toWorkerId())
	if err != nil {
		return nil, err
	}
	mode := types.UpdateModeAutomatic
	if req.Mode != "" {
		mode = types.UpdateMode(req.Mode)
	}
	if err := structural.ScheduleUpdate(ctx, s.cache, l, req.TargetVersion, mode); err != nil {
		return nil, err
	}
	return &ScheduleUpdateResponse{}, nil
}

func (s *Server) cancelInvocation(ctx context.Context, req *CancelInvocationRequest) (*CancelInvocationResponse, error) {
	l, err := s.openLog(ctx, req.Worker.toWorkerId())
	if err != nil {
		return nil, err
	}
	if err := structural.CancelInvocation(ctx, s.cache, l, req.IdempotencyKey); err != nil {
		return nil, err
	}
	return &CancelInvocationResponse{}, nil
}

func (s *Server) completePromise(ctx context.Context, req *CompletePromiseRequest) (*CompletePromiseResponse, error) {
	l, err := s.openLog(ctx, req.Worker.toWorkerId())
	if err != nil {
		return nil, err
	}
	if err := structural.CompletePromise(ctx, s.cache, l, req.PromiseIndex, req.Data); err != nil {
		return nil, err
	}
	return &CompletePromiseResponse{}, nil
}

func (s *Server) searchOplog(ctx context.Context, req *SearchOplogRequest) (*SearchOplogResponse, error) {
	l, err := s.openLog(ctx, req.Worker.toWorkerId())
	if err != nil {
		return nil, err
	}
	indexes, err := structural.SearchOplog(ctx, l, req.Query)
	if err != nil {
		return nil, err
	}
	return &SearchOplogResponse{Indexes: indexes}, nil
}

// getOplog is the one server-streaming RPC: it sends every surviving
// entry in [FromIndex, ToIndex] one message at a time rather than
// buffering the whole range, so a long worker history doesn't force
// the executor to hold it all in memory for one debugging call.
func (s *Server) getOplog(req *GetOplogRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	// Streams bypass the unary interceptor chain, so the shard ownership
	// check shardOwnershipInterceptor makes for every other call runs here.
	id := req.Worker.toWorkerId()
	if !s.shards.Owns(id) {
		return status.Errorf(codes.FailedPrecondition, "%s: worker %s's shard is not owned by this node", types.ErrShardNotOwned, id)
	}
	l, err := s.openLog(ctx, id)
	if err != nil {
		return err
	}
	to := req.ToIndex
	if to == 0 {
		to, err = l.Length(ctx)
		if err != nil {
			return err
		}
	}
	entries, err := structural.GetOplog(ctx, l, req.FromIndex, to)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := stream.SendMsg(toWire(e)); err != nil {
			return err
		}
	}
	return nil
}
