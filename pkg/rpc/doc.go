// Package rpc exposes the executor's external gRPC surface: shard
// management (assign/revoke/health_check), the structural operations
// (revert/fork/schedule-update/cancel/complete-promise), the oplog-view
// calls (get/search), and the sole invocation entry point.
//
// No .proto definitions travel with this system, so the wire messages
// below are plain Go structs carried over a hand-written JSON codec
// registered with the grpc-go codec machinery, rather than messages
// generated by protoc-gen-go. The service itself is described by a
// hand-built grpc.ServiceDesc instead of generated registration code,
// the same shape protoc would have produced had a .proto existed.
package rpc
