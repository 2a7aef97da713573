/*
Package runtime defines the boundary between a Worker Instance (pkg/worker)
and the sandboxed component it hosts.

A worker executor does not interpret business logic itself — it hosts an
immutable WASM binary and drives it through its exported functions,
routing every import call back through the durability layer (pkg/durability).
This package models that boundary as a narrow ComponentRuntime interface:
load a binary once per component version, instantiate it once per worker
activation, invoke an exported function, and tear the instance down when
the worker is evicted.

No WASM engine dependency (wasmtime-go, wazero, go-wasm3, or similar)
appears anywhere in this module's retrieval pack, so this package ships
only the interface and an in-memory reference implementation
(InMemoryRuntime) used by tests and by deployments that register
component behavior directly as Go functions instead of compiled WASM —
useful for the test suite of every package above this one, and lets a
real engine binding be dropped in behind ComponentRuntime without
touching any caller.

The shape deliberately mirrors a containerd client wrapper: a namespaced
handle over "load binary" / "start instance" / "call function" /
"stop instance", generalized from an OCI container lifecycle to a WASM
component lifecycle.
*/
package runtime
