package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptlog/internal/model"
	"receiptlog/internal/storage"
)

func openTestStore(t *testing.T, path string, codec storage.Codec) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), StoreCfg{
		CommitLog: CommitLogCfg{Path: path, FlushInterval: time.Minute},
		Codec:     codec,
	})
	require.NoError(t, err)
	return s
}

func TestStoreGetSetHas(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "wal.log"), storage.CodecSnappy)
	defer s.Close()
	ctx := context.Background()

	assert.False(t, s.Has("admin"))
	_, ok, err := s.Get("admin")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "admin", []byte("alice")))
	assert.True(t, s.Has("admin"))
	v, ok, err := s.Get("admin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("alice"), v)

	require.NoError(t, s.Set(ctx, "admin", []byte("bob")))
	v, _, _ = s.Get("admin")
	assert.Equal(t, []byte("bob"), v)
}

func TestStoreReplaysAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	ctx := context.Background()
	big := bytes.Repeat([]byte("payload"), 200)

	s := openTestStore(t, path, storage.CodecLZ4)
	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Apply(ctx,
		model.Write{Key: "receipts/7", Value: big},
		model.Write{Key: "receipt-count/7", Value: []byte{7}},
	))
	require.NoError(t, s.Close())

	// reopened under a different codec; blobs carry their own tag
	s2 := openTestStore(t, path, storage.CodecZstd)
	defer s2.Close()
	v, ok, err := s2.Get("receipts/7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, v)
	v, _, _ = s2.Get("receipt-count/7")
	assert.Equal(t, []byte{7}, v)
	assert.Equal(t, 3, s2.Len())
}

func TestStoreKeysByPrefix(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "wal.log"), storage.CodecNone)
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"receipts/2", "admin", "receipts/1", "counter", "receipts/10"} {
		require.NoError(t, s.Set(ctx, k, []byte("x")))
	}
	assert.Equal(t, []string{"receipts/1", "receipts/10", "receipts/2"}, s.Keys("receipts/"))
	assert.Empty(t, s.Keys("missing/"))
}

func TestStoreSyncWritesToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	s := openTestStore(t, path, storage.CodecNone)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	assert.Zero(t, walFileSize(path))
	require.NoError(t, s.Sync(context.Background()))
	assert.NotZero(t, walFileSize(path))
}
