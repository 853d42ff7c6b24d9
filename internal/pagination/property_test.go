package pagination

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptlog/internal/model"
)

// randomPartition builds n records with heavy timestamp collisions so the
// unique id tie-break is exercised on most pages.
func randomPartition(rng *rand.Rand, partition uint64, n int) []model.Record {
	out := make([]model.Record, 0, n)
	for i := 0; i < n; i++ {
		var u model.UniqueID
		rng.Read(u[:])
		// keep the first byte distinct so positions never collide
		u[0], u[1] = byte(i>>8), byte(i)
		out = append(out, rec(partition, uint64(i+1), uint64(1000+rng.Intn(8)), u))
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func walkAll(t *testing.T, eng *Engine, partition uint64, limit uint32) []model.Record {
	t.Helper()
	var out []model.Record
	pages := 0
	err := eng.Walk(context.Background(), partition, limit, func(p model.Page) bool {
		pages++
		assert.LessOrEqual(t, len(p.Records), int(limit))
		if p.HasMore {
			assert.Len(t, p.Records, int(limit))
			assert.Equal(t, p.Records[len(p.Records)-1].Position(), p.NextCursor)
		} else {
			assert.True(t, p.NextCursor.IsSentinel())
		}
		out = append(out, p.Records...)
		return true
	})
	require.NoError(t, err)
	require.LessOrEqual(t, pages, len(out)/int(limit)+1)
	return out
}

func TestWalkVisitsEveryRecordOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(20240601))
	for trial := 0; trial < 25; trial++ {
		n := rng.Intn(300)
		src := newMemSource()
		for _, r := range randomPartition(rng, 7, n) {
			src.add(r)
		}
		eng := NewEngine(src)

		want, err := src.FetchAll(context.Background(), 7)
		require.NoError(t, err)
		Sort(want)

		for _, limit := range []uint32{1, 3, 10, 64, 100} {
			got := walkAll(t, eng, 7, limit)
			require.Len(t, got, n, "trial %d limit %d", trial, limit)
			assert.True(t, IsSorted(got), "trial %d limit %d", trial, limit)
			assert.Equal(t, ids(want), ids(got), "trial %d limit %d", trial, limit)
		}
	}
}

func TestPageSizeDoesNotChangeOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := newMemSource()
	for _, r := range randomPartition(rng, 1, 100) {
		src.add(r)
	}
	eng := NewEngine(src)

	big, err := eng.List(context.Background(), 1, 100, nil)
	require.NoError(t, err)
	assert.False(t, big.HasMore)

	small := walkAll(t, eng, 1, 7)
	assert.Equal(t, ids(big.Records), ids(small))
}

func TestListIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	src := newMemSource()
	for _, r := range randomPartition(rng, 1, 40) {
		src.add(r)
	}
	eng := NewEngine(src)
	cursor := model.Cursor{Timestamp: 1003}

	first, err := eng.List(context.Background(), 1, 9, &cursor)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := eng.List(context.Background(), 1, 9, &cursor)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func FuzzResumeIndex(f *testing.F) {
	f.Add(make([]byte, model.CursorSize))
	seed := model.Cursor{Timestamp: 1003}
	seed.UniqueID[0] = 0x80
	raw, _ := seed.MarshalBinary()
	f.Add(raw)

	sorted := randomPartition(rand.New(rand.NewSource(1)), 1, 64)
	Sort(sorted)

	f.Fuzz(func(t *testing.T, data []byte) {
		var c model.Cursor
		if err := c.UnmarshalBinary(data); err != nil {
			assert.ErrorIs(t, err, model.ErrInvalidCursor)
			return
		}
		idx := ResumeIndex(sorted, &c)
		require.GreaterOrEqual(t, idx, 0)
		require.LessOrEqual(t, idx, len(sorted))
		for i, r := range sorted {
			if i < idx {
				assert.LessOrEqual(t, CompareCursor(r, c), 0)
			} else {
				assert.Positive(t, CompareCursor(r, c))
			}
		}
	})
}
