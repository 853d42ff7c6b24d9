// Package receipts is the partitioned append log that pages are served from.
// Records are grouped by partition key and stored as one blob per partition
// in the keyed store, next to the partition's count.
package receipts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/rhh"

	"receiptlog/internal/engine"
	"receiptlog/internal/logger"
	"receiptlog/internal/model"
)

var (
	ErrNotInitialized     = errors.New("log not initialized")
	ErrAlreadyInitialized = errors.New("log already initialized")
	ErrUnauthorized       = errors.New("caller is not the admin")
	ErrInvalidPayload     = errors.New("payload must be positive")
	ErrInvalidIdentity    = errors.New("identity must not be empty")
)

const (
	adminKey      = "admin"
	lastTSKey     = "clock/last"
	recordsPrefix = "receipts/"
	countPrefix   = "receipt-count/"

	defaultCacheSize = 1024
)

// partitionKey renders p fixed width so key order matches numeric order.
func partitionKey(prefix string, p uint64) string {
	return fmt.Sprintf("%s%016x", prefix, p)
}

type Cfg struct {
	Clock   Clock
	Counter Counter
	// CacheSize bounds how many decoded partitions are kept in memory.
	CacheSize int
	// OnAppend runs after a record is buffered in the commit log. It may
	// still be lost if the process dies before the next flush.
	OnAppend func(model.Record)
}

type Log struct {
	mu    sync.RWMutex
	store *engine.Store
	cfg   Cfg

	cacheMu sync.Mutex
	cache   *rhh.Map
}

func New(store *engine.Store, cfg Cfg) *Log {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Counter == nil {
		cfg.Counter = NewStoreCounter(store)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	return &Log{store: store, cfg: cfg, cache: rhh.New(cfg.CacheSize)}
}

// Admin returns the identity set by Init.
func (l *Log) Admin(_ context.Context) (model.Identity, bool, error) {
	v, ok, err := l.store.Get(adminKey)
	if err != nil || !ok {
		return "", false, err
	}
	return model.Identity(v), true, nil
}

// Init records admin as the only identity allowed to append. It succeeds once.
func (l *Log) Init(ctx context.Context, admin model.Identity) error {
	if !admin.Valid() {
		return ErrInvalidIdentity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store.Has(adminKey) {
		return ErrAlreadyInitialized
	}
	if err := l.store.Set(ctx, adminKey, []byte(admin)); err != nil {
		return fmt.Errorf("store admin: %w", err)
	}
	logger.Info("admin", string(admin), "log initialized")
	return nil
}

// Append adds a record to partition on behalf of caller and returns it.
func (l *Log) Append(ctx context.Context, caller model.Identity, partition uint64, payload model.Int128, owner model.Identity) (model.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	admin, ok, err := l.Admin(ctx)
	if err != nil {
		return model.Record{}, err
	}
	if !ok {
		return model.Record{}, ErrNotInitialized
	}
	if caller != admin {
		return model.Record{}, ErrUnauthorized
	}
	if payload.Sign() <= 0 {
		return model.Record{}, fmt.Errorf("%w: %s", ErrInvalidPayload, payload)
	}
	if !owner.Valid() {
		return model.Record{}, fmt.Errorf("owner: %w", ErrInvalidIdentity)
	}

	records, err := l.load(partition)
	if err != nil {
		return model.Record{}, err
	}
	count, err := l.count(partition)
	if err != nil {
		return model.Record{}, err
	}
	seq, err := l.cfg.Counter.Next(ctx)
	if err != nil {
		return model.Record{}, fmt.Errorf("next counter: %w", err)
	}

	last, err := l.lastTimestamp()
	if err != nil {
		return model.Record{}, err
	}
	// a clock stepping back must not place a record before pages already served
	ts := max(l.cfg.Clock.Now(), last)
	rec := model.Record{
		ID:           count + 1,
		PartitionKey: partition,
		Payload:      payload,
		Timestamp:    ts,
		UniqueID:     MintUniqueID(ts, seq),
		Owner:        owner,
	}
	next := make([]model.Record, len(records), len(records)+1)
	copy(next, records)
	next = append(next, rec)

	err = l.store.Apply(ctx,
		model.Write{Key: partitionKey(recordsPrefix, partition), Value: model.EncodeRecords(next)},
		model.Write{Key: partitionKey(countPrefix, partition), Value: binary.BigEndian.AppendUint64(nil, rec.ID)},
		model.Write{Key: lastTSKey, Value: binary.BigEndian.AppendUint64(nil, ts)},
	)
	if err != nil {
		return model.Record{}, fmt.Errorf("persist partition %d: %w", partition, err)
	}
	l.remember(partition, next)

	logger.Info("event", "receipt_created", "partition", partition, "id", rec.ID,
		"owner", string(owner), "payload", payload.String(), "unique_id", rec.UniqueID.String(), "receipt created")
	if l.cfg.OnAppend != nil {
		l.cfg.OnAppend(rec)
	}
	return rec, nil
}

// MintUniqueID builds ts(8, big endian) || seq(8, big endian) || byte(ts)+i
// for i in 16..31.
func MintUniqueID(ts, seq uint64) model.UniqueID {
	var u model.UniqueID
	binary.BigEndian.PutUint64(u[0:8], ts)
	binary.BigEndian.PutUint64(u[8:16], seq)
	for i := 16; i < model.UniqueIDSize; i++ {
		u[i] = byte(ts) + byte(i)
	}
	return u
}

// FetchAll returns a copy of the partition in append order.
func (l *Log) FetchAll(_ context.Context, partition uint64) ([]model.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	records, err := l.load(partition)
	if err != nil {
		return nil, err
	}
	return append([]model.Record(nil), records...), nil
}

// Count returns how many records were appended to partition.
func (l *Log) Count(_ context.Context, partition uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count(partition)
}

// Partitions lists partitions holding at least one record, ascending.
func (l *Log) Partitions(_ context.Context) ([]uint64, error) {
	keys := l.store.Keys(countPrefix)
	out := make([]uint64, 0, len(keys))
	for _, k := range keys {
		p, err := strconv.ParseUint(strings.TrimPrefix(k, countPrefix), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q", engine.ErrCorrupt, k)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// lastTimestamp is the timestamp of the most recent record in any partition.
func (l *Log) lastTimestamp() (uint64, error) {
	v, ok, err := l.store.Get(lastTSKey)
	if err != nil || !ok {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: last timestamp is %d bytes", engine.ErrCorrupt, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (l *Log) count(partition uint64) (uint64, error) {
	v, ok, err := l.store.Get(partitionKey(countPrefix, partition))
	if err != nil || !ok {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: count of partition %d is %d bytes", engine.ErrCorrupt, partition, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// load returns the decoded partition. The slice is shared with the cache and
// must not be modified.
func (l *Log) load(partition uint64) ([]model.Record, error) {
	key := partitionKey(recordsPrefix, partition)

	l.cacheMu.Lock()
	cached, ok := l.cache.Get(key)
	l.cacheMu.Unlock()
	if ok {
		return cached.([]model.Record), nil
	}

	blob, ok, err := l.store.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	records, err := model.DecodeRecords(blob)
	if err != nil {
		return nil, fmt.Errorf("decode partition %d: %w", partition, err)
	}
	l.remember(partition, records)
	return records, nil
}

func (l *Log) remember(partition uint64, records []model.Record) {
	key := partitionKey(recordsPrefix, partition)
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if _, ok := l.cache.Get(key); !ok && l.cache.Len() >= l.cfg.CacheSize {
		logger.Debug("partitions", l.cache.Len(), "partition cache reset")
		l.cache = rhh.New(l.cfg.CacheSize)
	}
	l.cache.Set(key, records)
}
