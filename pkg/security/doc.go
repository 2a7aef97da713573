/*
Package security provides the mTLS trust fabric for the worker executor
cluster: a self-signed root Certificate Authority, executor/shard-manager/
client certificate issuance, certificate file management, and rotation
checks. It also provides AES-256-GCM payload encryption, used to protect
the CA's own private key at rest and available to callers that need to
encrypt blob store contents.

All RPC traffic between executors, the shard manager, and CLI clients is
expected to run over TLS with client certificates issued by this CA and
verified against it.
*/
package security
