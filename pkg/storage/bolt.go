package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of an embedded BoltDB file,
// suitable for a single-node local-disk deployment. Indexed streams
// are modeled as a nested bucket per streamKey, keyed by an 8-byte
// big-endian index; plain key-value buckets store values directly
// under their string key.
type BoltStore struct {
	db *bolt.DB
}

var rootBuckets = []Bucket{
	BucketOplog,
	BucketArchive1,
	BucketArchive2,
	BucketUserKV,
	BucketUserBlob,
	BucketPromiseState,
	BucketScheduledAction,
	BucketSnapshot,
	BucketOplogMeta,
	bucketCA,
}

// NewBoltStore opens (creating if necessary) a BoltDB file under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "wexec.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range rootBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func indexKey(idx OplogIndex) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(idx))
	return buf
}

func (s *BoltStore) Append(ctx context.Context, bucket Bucket, streamKey string, value []byte) (OplogIndex, error) {
	var idx OplogIndex
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		stream, err := root.CreateBucketIfNotExists([]byte(streamKey))
		if err != nil {
			return err
		}
		next, err := stream.NextSequence()
		if err != nil {
			return err
		}
		idx = OplogIndex(next)
		return stream.Put(indexKey(idx), value)
	})
	return idx, err
}

// AppendAt writes value at an explicit index, overwriting whatever was
// previously stored there. Used by archive-tier migration to carry an
// entry's index across physical tiers unchanged.
func (s *BoltStore) AppendAt(ctx context.Context, bucket Bucket, streamKey string, index OplogIndex, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		stream, err := root.CreateBucketIfNotExists([]byte(streamKey))
		if err != nil {
			return err
		}
		return stream.Put(indexKey(index), value)
	})
}

func (s *BoltStore) ReadRange(ctx context.Context, bucket Bucket, streamKey string, from, to OplogIndex) ([]IndexedRecord, error) {
	var out []IndexedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		stream := root.Bucket([]byte(streamKey))
		if stream == nil {
			return nil
		}
		c := stream.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			idx := OplogIndex(binary.BigEndian.Uint64(k))
			if idx > to {
				break
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, IndexedRecord{Index: idx, Value: cp})
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Length(ctx context.Context, bucket Bucket, streamKey string) (OplogIndex, error) {
	var last OplogIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		stream := root.Bucket([]byte(streamKey))
		if stream == nil {
			return nil
		}
		k, _ := stream.Cursor().Last()
		if k == nil {
			return nil
		}
		last = OplogIndex(binary.BigEndian.Uint64(k))
		return nil
	})
	return last, err
}

func (s *BoltStore) TrimPrefix(ctx context.Context, bucket Bucket, streamKey string, upTo OplogIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		stream := root.Bucket([]byte(streamKey))
		if stream == nil {
			return nil
		}
		c := stream.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx := OplogIndex(binary.BigEndian.Uint64(k))
			if idx >= upTo {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		for _, k := range toDelete {
			if err := stream.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteStream(ctx context.Context, bucket Bucket, streamKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		if root.Bucket([]byte(streamKey)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(streamKey))
	})
}

func (s *BoltStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (s *BoltStore) Set(ctx context.Context, bucket Bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) KeysWithPrefix(ctx context.Context, bucket Bucket, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// WaitForReplicas is satisfied immediately for k<=1; a single-node
// BoltStore has no replicas to wait on.
func (s *BoltStore) WaitForReplicas(ctx context.Context, k int, timeout time.Duration) error {
	if k <= 1 {
		return nil
	}
	return ErrInsufficientReplicas
}

func (s *BoltStore) SaveCA(data []byte) error {
	return s.Set(context.Background(), bucketCA, "root", data)
}

func (s *BoltStore) GetCA() ([]byte, error) {
	return s.Get(context.Background(), bucketCA, "root")
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
