package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/tinybtree"

	"receiptlog/internal/logger"
	"receiptlog/internal/model"
	"receiptlog/internal/storage"
)

type StoreCfg struct {
	CommitLog CommitLogCfg
	Codec     storage.Codec
}

// Store is a durable keyed-blob store. Blobs live compressed in an ordered
// in-memory tree; every write goes through the commit log before it becomes
// visible, and Open rebuilds the tree by replaying the log.
type Store struct {
	mu    sync.RWMutex
	tree  tinybtree.BTree
	log   *CommitLogManager
	stop  context.CancelFunc
	codec storage.Codec
}

func OpenStore(ctx context.Context, cfg StoreCfg) (*Store, error) {
	mgr, cancel, err := NewCommitLogManager(ctx, cfg.CommitLog)
	if err != nil {
		return nil, fmt.Errorf("open commit log: %w", err)
	}
	s := &Store{log: mgr, stop: cancel, codec: cfg.Codec}

	for _, mut := range mgr.Load() {
		if err := s.apply(mut); err != nil {
			cancel()
			<-mgr.Done()
			return nil, fmt.Errorf("replay sequence %d: %w", mut.Sequence, err)
		}
	}
	logger.Debug("keys", s.tree.Len(), "codec", cfg.Codec.String(), "store opened")
	return s, nil
}

func (s *Store) apply(mut model.Mutation) error {
	switch mut.Op {
	case model.SET:
		s.tree.Set(string(mut.Key), mut.Value)
	case model.BATCH:
		writes, err := model.DecodeBatch(mut.Value)
		if err != nil {
			return err
		}
		for _, w := range writes {
			s.tree.Set(w.Key, w.Value)
		}
	default:
		return fmt.Errorf("%w: op %d", ErrCorrupt, mut.Op)
	}
	return nil
}

// Get returns the blob stored under key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	v, ok := s.tree.Get(key)
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	blob, err := storage.Decompress(v.([]byte))
	if err != nil {
		return nil, false, fmt.Errorf("key %q: %w", key, err)
	}
	return blob, true, nil
}

func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tree.Get(key)
	return ok
}

func (s *Store) Set(ctx context.Context, key string, blob []byte) error {
	return s.Apply(ctx, model.Write{Key: key, Value: blob})
}

// Apply stores all writes atomically: they share one commit log record, so a
// crash replays either all of them or none.
func (s *Store) Apply(ctx context.Context, writes ...model.Write) error {
	if len(writes) == 0 {
		return nil
	}
	compressed := make([]model.Write, len(writes))
	for i, w := range writes {
		v, err := storage.Compress(s.codec, w.Value)
		if err != nil {
			return fmt.Errorf("key %q: %w", w.Key, err)
		}
		compressed[i] = model.Write{Key: w.Key, Value: v}
	}

	mut := model.Mutation{Op: model.SET, Key: []byte(compressed[0].Key), Value: compressed[0].Value}
	if len(compressed) > 1 {
		mut = model.Mutation{Op: model.BATCH, Value: model.EncodeBatch(compressed)}
	}

	// held across append and apply so tree order matches log order
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.log.Append(ctx, mut); err != nil {
		return err
	}
	for _, w := range compressed {
		s.tree.Set(w.Key, w.Value)
	}
	return nil
}

// Keys returns the keys starting with prefix in ascending order.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	s.tree.Ascend(prefix, func(key string, _ interface{}) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Sync forces buffered writes to disk.
func (s *Store) Sync(ctx context.Context) error {
	return s.log.Sync(ctx)
}

// Close flushes the commit log and waits for it to shut down.
func (s *Store) Close() error {
	s.stop()
	<-s.log.Done()
	return nil
}
