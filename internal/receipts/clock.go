package receipts

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"receiptlog/internal/engine"
)

// Clock supplies record timestamps in seconds.
type Clock interface {
	Now() uint64
}

type SystemClock struct{}

func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// Counter hands out the global sequence mixed into every unique id. Values
// must never repeat, including across restarts.
type Counter interface {
	Next(ctx context.Context) (uint64, error)
}

const counterKey = "counter/global"

// StoreCounter persists the counter in the keyed store. A value is buffered
// in the commit log ahead of the record that uses it, so replay never sees a
// record whose counter value is missing.
type StoreCounter struct {
	mu    sync.Mutex
	store *engine.Store
}

func NewStoreCounter(store *engine.Store) *StoreCounter {
	return &StoreCounter{store: store}
}

func (c *StoreCounter) Next(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur uint64
	v, ok, err := c.store.Get(counterKey)
	if err != nil {
		return 0, err
	}
	if ok {
		if len(v) != 8 {
			return 0, fmt.Errorf("%w: counter is %d bytes", engine.ErrCorrupt, len(v))
		}
		cur = binary.BigEndian.Uint64(v)
	}
	cur++
	if err := c.store.Set(ctx, counterKey, binary.BigEndian.AppendUint64(nil, cur)); err != nil {
		return 0, fmt.Errorf("persist counter: %w", err)
	}
	return cur, nil
}
