package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// command is the unit of replication applied through the raft log.
// Every mutating Store method is expressed as one of these before
// being handed to raft.Raft.Apply.
type command struct {
	Op        string `json:"op"` // "set", "delete", "append", "append_at", "trim", "delete_stream", "save_ca"
	Bucket    Bucket `json:"bucket"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Index     uint64 `json:"index,omitempty"`
	UpTo      uint64 `json:"up_to,omitempty"`
	CAPayload []byte `json:"ca_payload,omitempty"`
}

// RaftStore replicates a Store across a cluster using hashicorp/raft.
// Writes are applied through the raft log so every voter's underlying
// local backend converges; reads are served locally (eventually
// consistent on followers, linearizable on the leader immediately
// after a Barrier). It is grounded on the Raft bootstrap/Join pattern
// used for cluster-state consensus, repurposed here as a replicated
// KV/blob backend for a single shard's worker state rather than
// cluster membership.
type RaftStore struct {
	raft  *raft.Raft
	fsm   *raftFSM
	local Store
}

type raftFSM struct {
	local Store
}

// NewRaftStore bootstraps (or rejoins) a raft-replicated store rooted
// at dataDir, backed locally by a BoltStore. nodeID must be unique
// within the cluster; bindAddr is the address raft uses for its own
// transport (distinct from the RPC listen address).
func NewRaftStore(dataDir, nodeID, bindAddr string, bootstrap bool) (*RaftStore, error) {
	local, err := NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open local backend: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to resolve raft bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}

	snapshotDir := filepath.Join(dataDir, "raft-snapshots")
	if err := os.MkdirAll(snapshotDir, 0700); err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(snapshotDir, 2, os.Stderr)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStorePath := filepath.Join(dataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create raft log store: %w", err)
	}

	fsm := &raftFSM{local: local}
	r, err := raft.NewRaft(cfg, fsm, logStore, logStore, snapshots, transport)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if bootstrap {
		r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{
				{ID: cfg.LocalID, Address: transport.LocalAddr()},
			},
		})
	}

	return &RaftStore{raft: r, fsm: fsm, local: local}, nil
}

// Join adds a voter to the raft configuration; must be called on the
// current leader.
func (s *RaftStore) Join(nodeID, addr string) error {
	return s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

func (s *RaftStore) apply(cmd command) error {
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("storage: not the raft leader")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := s.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return err
	}
	if errResp, ok := future.Response().(error); ok && errResp != nil {
		return errResp
	}
	return nil
}

func (s *RaftStore) Append(ctx context.Context, bucket Bucket, streamKey string, value []byte) (OplogIndex, error) {
	if err := s.apply(command{Op: "append", Bucket: bucket, Key: streamKey, Value: value}); err != nil {
		return 0, err
	}
	return s.local.Length(ctx, bucket, streamKey)
}

func (s *RaftStore) AppendAt(ctx context.Context, bucket Bucket, streamKey string, index OplogIndex, value []byte) error {
	return s.apply(command{Op: "append_at", Bucket: bucket, Key: streamKey, Index: uint64(index), Value: value})
}

func (s *RaftStore) ReadRange(ctx context.Context, bucket Bucket, streamKey string, from, to OplogIndex) ([]IndexedRecord, error) {
	return s.local.ReadRange(ctx, bucket, streamKey, from, to)
}

func (s *RaftStore) Length(ctx context.Context, bucket Bucket, streamKey string) (OplogIndex, error) {
	return s.local.Length(ctx, bucket, streamKey)
}

func (s *RaftStore) TrimPrefix(ctx context.Context, bucket Bucket, streamKey string, upTo OplogIndex) error {
	return s.apply(command{Op: "trim", Bucket: bucket, Key: streamKey, UpTo: uint64(upTo)})
}

func (s *RaftStore) DeleteStream(ctx context.Context, bucket Bucket, streamKey string) error {
	return s.apply(command{Op: "delete_stream", Bucket: bucket, Key: streamKey})
}

func (s *RaftStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	return s.local.Get(ctx, bucket, key)
}

func (s *RaftStore) Set(ctx context.Context, bucket Bucket, key string, value []byte) error {
	return s.apply(command{Op: "set", Bucket: bucket, Key: key, Value: value})
}

func (s *RaftStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	return s.apply(command{Op: "delete", Bucket: bucket, Key: key})
}

func (s *RaftStore) KeysWithPrefix(ctx context.Context, bucket Bucket, prefix string) ([]string, error) {
	return s.local.KeysWithPrefix(ctx, bucket, prefix)
}

func (s *RaftStore) SaveCA(data []byte) error {
	return s.apply(command{Op: "save_ca", CAPayload: data})
}

func (s *RaftStore) GetCA() ([]byte, error) {
	return s.local.GetCA()
}

// WaitForReplicas blocks until the raft log's committed entries have
// been applied locally (via Barrier) and the voter count meets k, or
// returns ErrInsufficientReplicas on timeout. This confirms the
// leader's own state is caught up; it does not individually confirm
// each follower's apply position, which raft does not expose without
// a custom read-index protocol.
func (s *RaftStore) WaitForReplicas(ctx context.Context, k int, timeout time.Duration) error {
	if k <= 1 {
		return nil
	}
	voters := 0
	future := s.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return err
	}
	for _, srv := range future.Configuration().Servers {
		if srv.Suffrage == raft.Voter {
			voters++
		}
	}
	if voters < k {
		return ErrInsufficientReplicas
	}
	if err := s.raft.Barrier(timeout).Error(); err != nil {
		return ErrInsufficientReplicas
	}
	return nil
}

func (s *RaftStore) Close() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		return err
	}
	return s.local.Close()
}

// Apply applies a replicated command to the local backend. It is
// invoked by raft on every voter as log entries commit.
func (f *raftFSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return err
	}
	ctx := context.Background()
	switch cmd.Op {
	case "set":
		return f.local.Set(ctx, cmd.Bucket, cmd.Key, cmd.Value)
	case "delete":
		return f.local.Delete(ctx, cmd.Bucket, cmd.Key)
	case "append":
		_, err := f.local.Append(ctx, cmd.Bucket, cmd.Key, cmd.Value)
		return err
	case "append_at":
		return f.local.AppendAt(ctx, cmd.Bucket, cmd.Key, OplogIndex(cmd.Index), cmd.Value)
	case "trim":
		return f.local.TrimPrefix(ctx, cmd.Bucket, cmd.Key, OplogIndex(cmd.UpTo))
	case "delete_stream":
		return f.local.DeleteStream(ctx, cmd.Bucket, cmd.Key)
	case "save_ca":
		return f.local.SaveCA(cmd.CAPayload)
	default:
		return fmt.Errorf("storage: unknown raft command %q", cmd.Op)
	}
}

// Snapshot and Restore are intentionally minimal: the FSM defers
// snapshot content to the underlying BoltStore's own file, so raft
// snapshots only need to signal that the node has no separate
// in-memory state to capture. Log compaction on the raft side still
// bounds the log store via SnapshotInterval/SnapshotThreshold.
func (f *raftFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &noopSnapshot{}, nil
}

func (f *raftFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}
