package receipts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptlog/internal/engine"
	"receiptlog/internal/logger"
	"receiptlog/internal/model"
	"receiptlog/internal/pagination"
	"receiptlog/internal/storage"
)

type fixedClock struct{ ts uint64 }

func (c *fixedClock) Now() uint64 { return c.ts }

func openStore(t *testing.T, path string) *engine.Store {
	t.Helper()
	s, err := engine.OpenStore(context.Background(), engine.StoreCfg{
		CommitLog: engine.CommitLogCfg{Path: path, FlushInterval: time.Minute},
		Codec:     storage.CodecSnappy,
	})
	require.NoError(t, err)
	return s
}

func newTestLog(t *testing.T) (*Log, *fixedClock) {
	t.Helper()
	s := openStore(t, filepath.Join(t.TempDir(), "wal.log"))
	t.Cleanup(func() { s.Close() })
	clock := &fixedClock{ts: 1_700_000_000}
	return New(s, Cfg{Clock: clock}), clock
}

func amount(v int64) model.Int128 { return model.Int128FromInt64(v) }

func TestInitOnce(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	_, ok, err := l.Admin(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Init(ctx, ""), ErrInvalidIdentity)
	require.NoError(t, l.Init(ctx, "admin"))
	assert.ErrorIs(t, l.Init(ctx, "mallory"), ErrAlreadyInitialized)

	admin, ok, err := l.Admin(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.Identity("admin"), admin)
}

func TestAppendRejections(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "admin", 1, amount(5), "payer")
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, l.Init(ctx, "admin"))

	_, err = l.Append(ctx, "mallory", 1, amount(5), "payer")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = l.Append(ctx, "admin", 1, amount(0), "payer")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = l.Append(ctx, "admin", 1, amount(-3), "payer")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = l.Append(ctx, "admin", 1, amount(3), "")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	n, err := l.Count(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendAssignsIDsPerPartition(t *testing.T) {
	l, clock := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx, "admin"))

	a1, err := l.Append(ctx, "admin", 1, amount(10), "alice")
	require.NoError(t, err)
	clock.ts++
	b1, err := l.Append(ctx, "admin", 2, amount(20), "bob")
	require.NoError(t, err)
	a2, err := l.Append(ctx, "admin", 1, amount(30), "alice")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a1.ID)
	assert.Equal(t, uint64(1), b1.ID)
	assert.Equal(t, uint64(2), a2.ID)
	assert.Equal(t, uint64(1_700_000_000), a1.Timestamp)
	assert.Equal(t, uint64(1_700_000_001), a2.Timestamp)
	assert.Equal(t, model.Identity("alice"), a2.Owner)
	assert.Equal(t, "30", a2.Payload.String())

	// the global counter makes ids unique even within one second
	assert.NotEqual(t, b1.UniqueID, a2.UniqueID)

	records, err := l.FetchAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, a1, records[0])
	assert.Equal(t, a2, records[1])

	n, err := l.Count(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	parts, err := l.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, parts)
}

func TestFetchAllReturnsPrivateCopy(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx, "admin"))
	_, err := l.Append(ctx, "admin", 9, amount(1), "o")
	require.NoError(t, err)

	first, err := l.FetchAll(ctx, 9)
	require.NoError(t, err)
	first[0].ID = 42

	again, err := l.FetchAll(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again[0].ID)

	empty, err := l.FetchAll(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMintUniqueID(t *testing.T) {
	u := MintUniqueID(0x0102030405060708, 9)
	assert.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(u[0:8]))
	assert.Equal(t, uint64(9), binary.BigEndian.Uint64(u[8:16]))
	for i := 16; i < model.UniqueIDSize; i++ {
		assert.Equal(t, byte(0x08+i), u[i], "byte %d", i)
	}
	// wraps modulo 256
	assert.Equal(t, byte(0x0F), MintUniqueID(0xFF, 1)[16])
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	ctx := context.Background()
	clock := &fixedClock{ts: 50}

	s := openStore(t, path)
	l := New(s, Cfg{Clock: clock})
	require.NoError(t, l.Init(ctx, "admin"))
	first, err := l.Append(ctx, "admin", 3, amount(7), "alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, path)
	defer s2.Close()
	l2 := New(s2, Cfg{Clock: clock})

	assert.ErrorIs(t, l2.Init(ctx, "other"), ErrAlreadyInitialized)
	second, err := l2.Append(ctx, "admin", 3, amount(8), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)
	assert.NotEqual(t, first.UniqueID, second.UniqueID, "counter continues after restart")

	records, err := l2.FetchAll(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []model.Record{first, second}, records)
}

func TestCacheResetKeepsData(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "wal.log"))
	defer s.Close()
	ctx := context.Background()
	l := New(s, Cfg{Clock: &fixedClock{ts: 1}, CacheSize: 2})
	require.NoError(t, l.Init(ctx, "admin"))

	for p := uint64(0); p < 5; p++ {
		_, err := l.Append(ctx, "admin", p, amount(int64(p+1)), "o")
		require.NoError(t, err)
	}
	for p := uint64(0); p < 5; p++ {
		records, err := l.FetchAll(ctx, p)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, p, records[0].PartitionKey)
	}
}

func TestOnAppendHook(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "wal.log"))
	defer s.Close()
	ctx := context.Background()

	var seen []model.Record
	l := New(s, Cfg{Clock: &fixedClock{ts: 1}, OnAppend: func(r model.Record) { seen = append(seen, r) }})
	require.NoError(t, l.Init(ctx, "admin"))
	rec, err := l.Append(ctx, "admin", 1, amount(2), "o")
	require.NoError(t, err)
	_, err = l.Append(ctx, "nobody", 1, amount(2), "o")
	require.Error(t, err)

	assert.Equal(t, []model.Record{rec}, seen)
}

func TestConcurrentAppendsAndReads(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx, "admin"))

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(ctx, "admin", 1, amount(1), "o")
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				records, err := l.FetchAll(ctx, 1)
				assert.NoError(t, err)
				for j, r := range records {
					assert.Equal(t, uint64(j+1), r.ID)
				}
			}
		}()
	}
	wg.Wait()

	n, err := l.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), n)

	seen := make(map[model.UniqueID]bool)
	records, err := l.FetchAll(ctx, 1)
	require.NoError(t, err)
	for _, r := range records {
		assert.False(t, seen[r.UniqueID])
		seen[r.UniqueID] = true
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	l, clock := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx, "admin"))

	for i := 0; i < 2; i++ {
		_, err := l.Append(ctx, "admin", 9, amount(int64(i+1)), "alice")
		require.NoError(t, err)
	}

	pages := pagination.NewEngine(l)
	first, err := pages.List(ctx, 9, 1, nil)
	require.NoError(t, err)
	require.True(t, first.HasMore)

	clock.ts -= 5
	late, err := l.Append(ctx, "admin", 9, amount(3), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_000), late.Timestamp)

	records, err := l.FetchAll(ctx, 9)
	require.NoError(t, err)
	for i := 1; i < len(records); i++ {
		assert.GreaterOrEqual(t, records[i].Timestamp, records[i-1].Timestamp)
	}

	seen := map[uint64]bool{}
	for _, r := range first.Records {
		seen[r.ID] = true
	}
	cursor := first.NextCursor
	for {
		page, err := pages.List(ctx, 9, 1, &cursor)
		require.NoError(t, err)
		for _, r := range page.Records {
			seen[r.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, map[uint64]bool{1: true, 2: true, 3: true}, seen)
}

func TestLastTimestampSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	ctx := context.Background()

	s := openStore(t, path)
	l := New(s, Cfg{Clock: &fixedClock{ts: 100}})
	require.NoError(t, l.Init(ctx, "admin"))
	_, err := l.Append(ctx, "admin", 1, amount(1), "alice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, path)
	defer s2.Close()
	l2 := New(s2, Cfg{Clock: &fixedClock{ts: 40}})

	// a different partition still follows the global clamp
	rec, err := l2.Append(ctx, "admin", 2, amount(1), "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rec.Timestamp)
}

func TestReceiptCreatedEventCarriesPayload(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Init(ctx, "admin"))

	var buf bytes.Buffer
	require.NoError(t, logger.Configure("info", "json", &buf))
	t.Cleanup(func() { _ = logger.Configure("info", "console", os.Stderr) })

	_, err := l.Append(ctx, "admin", 4, amount(250), "carol")
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "receipt_created", line["event"])
	assert.Equal(t, "250", line["payload"])
	assert.Equal(t, "carol", line["owner"])
	assert.EqualValues(t, 1, line["id"])
}
