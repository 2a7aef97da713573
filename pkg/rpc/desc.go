package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a .proto file: one MethodDesc per unary RPC and one
// StreamDesc per streaming RPC, each wired to a Server method.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("AssignShards", func(s *Server, ctx context.Context, req *AssignShardsRequest) (interface{}, error) {
			return s.assignShards(ctx, req)
		}),
		unaryMethod("RevokeShards", func(s *Server, ctx context.Context, req *RevokeShardsRequest) (interface{}, error) {
			return s.revokeShards(ctx, req)
		}),
		unaryMethod("HealthCheck", func(s *Server, ctx context.Context, req *HealthCheckRequest) (interface{}, error) {
			return s.healthCheck(ctx, req)
		}),
		unaryMethod("Invoke", func(s *Server, ctx context.Context, req *InvokeRequest) (interface{}, error) {
			return s.invoke(ctx, req)
		}),
		unaryMethod("RevertWorker", func(s *Server, ctx context.Context, req *RevertWorkerRequest) (interface{}, error) {
			return s.revertWorker(ctx, req)
		}),
		unaryMethod("ForkWorker", func(s *Server, ctx context.Context, req *ForkWorkerRequest) (interface{}, error) {
			return s.forkWorker(ctx, req)
		}),
		unaryMethod("ScheduleUpdate", func(s *Server, ctx context.Context, req *ScheduleUpdateRequest) (interface{}, error) {
			return s.scheduleUpdate(ctx, req)
		}),
		unaryMethod("CancelInvocation", func(s *Server, ctx context.Context, req *CancelInvocationRequest) (interface{}, error) {
			return s.cancelInvocation(ctx, req)
		}),
		unaryMethod("CompletePromise", func(s *Server, ctx context.Context, req *CompletePromiseRequest) (interface{}, error) {
			return s.completePromise(ctx, req)
		}),
		unaryMethod("SearchOplog", func(s *Server, ctx context.Context, req *SearchOplogRequest) (interface{}, error) {
			return s.searchOplog(ctx, req)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetOplog",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				req := new(GetOplogRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*Server).getOplog(req, stream)
			},
		},
	},
	Metadata: "wexec/rpc.proto",
}

// unaryMethod adapts a typed (*Server, context.Context, *Req) handler
// into the untyped grpc.MethodDesc.Handler shape every unary call site
// shares, decoding the request through the codec's Unmarshal and
// honoring any interceptor chain the server was built with.
func unaryMethod[Req any](name string, fn func(s *Server, ctx context.Context, req *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(s, ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}
