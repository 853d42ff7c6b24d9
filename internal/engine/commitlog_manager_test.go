package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"receiptlog/internal/model"
)

func TestCommitLogFlushOnBufferLimit(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")

	cfg := CommitLogCfg{
		Path:                 walPath,
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        30 * time.Second, // avoid periodic flush interference
		MaxEnqueuingMutation: 16,
		BufferBytes:          128, // small to trigger flush by size with crafted payloads
	}

	ctx := context.Background()
	mgr, cancel, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}
	defer cancel()

	first := model.Mutation{Op: model.SET, Key: []byte("k1"), Value: []byte("v1")}
	if _, err := mgr.Append(ctx, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if size := walFileSize(walPath); size != 0 {
		t.Fatalf("expected no flush after first append, got size %d", size)
	}

	second := model.Mutation{
		Op:    model.SET,
		Key:   bytes.Repeat([]byte("a"), 60),
		Value: bytes.Repeat([]byte("b"), 20),
	}
	if _, err := mgr.Append(ctx, second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	// Append blocks until buffered, and buffering the second record forced the
	// first one out.
	if size := walFileSize(walPath); size == 0 {
		t.Fatalf("expected flush on buffer limit, got size %d", size)
	}
}

func TestCommitLogFlushOnContextShutdown(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")

	cfg := CommitLogCfg{
		Path:                 walPath,
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        30 * time.Second,
		MaxEnqueuingMutation: 16,
		BufferBytes:          128,
	}

	ctx := context.Background()
	mgr, cancel, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}

	first := model.Mutation{Op: model.SET, Key: []byte("k1"), Value: []byte("v1")}
	if _, err := mgr.Append(ctx, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if size := walFileSize(walPath); size != 0 {
		t.Fatalf("expected no flush after first append, got size %d", size)
	}

	cancel()
	<-mgr.Done()

	if size := walFileSize(walPath); size == 0 {
		t.Fatalf("expected flush after the context shutdown, got size %d", size)
	}
	if _, err := mgr.Append(ctx, first); err != ErrClosed {
		t.Fatalf("append after close: got %v, want ErrClosed", err)
	}
}

func TestCommitLogFlushOnInterval(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")

	cfg := CommitLogCfg{
		Path:                 walPath,
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        20 * time.Millisecond,
		MaxEnqueuingMutation: 16,
		BufferBytes:          1 << 20, // large to avoid size-based flush
	}

	ctx := context.Background()
	mgr, cancel, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}
	defer cancel()

	mut := model.Mutation{Op: model.SET, Key: []byte("k1"), Value: []byte("v1")}
	if _, err := mgr.Append(ctx, mut); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for walFileSize(walPath) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected periodic flush to write data")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCommitLogSyncAndReplay(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")
	cfg := CommitLogCfg{Path: walPath, FlushInterval: time.Minute}

	ctx := context.Background()
	mgr, cancel, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}

	var seqs []uint64
	for _, k := range []string{"a", "b", "c"} {
		seq, err := mgr.Append(ctx, model.Mutation{Op: model.SET, Key: []byte(k), Value: []byte("v-" + k)})
		if err != nil {
			t.Fatalf("append %s: %v", k, err)
		}
		seqs = append(seqs, seq)
	}
	if seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("unexpected sequence numbers %v", seqs)
	}
	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	muts := mgr.Load()
	if len(muts) != 3 {
		t.Fatalf("loaded %d mutations, want 3", len(muts))
	}
	for i, m := range muts {
		if m.Sequence != seqs[i] || string(m.Value) != "v-"+string(m.Key) {
			t.Fatalf("mutation %d mismatch: %+v", i, m)
		}
	}
	cancel()
	<-mgr.Done()

	// reopening continues the sequence
	mgr2, cancel2, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer cancel2()
	seq, err := mgr2.Append(ctx, model.Mutation{Op: model.SET, Key: []byte("d")})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 4 {
		t.Fatalf("sequence after reopen: got %d want 4", seq)
	}
}

func TestCommitLogReplayStopsAtTornTail(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")
	good := encodeMutation(model.Mutation{Sequence: 1, Op: model.SET, Key: []byte("k"), Value: []byte("v")})
	torn := encodeMutation(model.Mutation{Sequence: 2, Op: model.SET, Key: []byte("k2"), Value: []byte("v2")})
	if err := os.WriteFile(walPath, append(good, torn[:len(torn)-3]...), 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	muts := loadMutations(walPath)
	if len(muts) != 1 || string(muts[0].Key) != "k" {
		t.Fatalf("expected only the intact record, got %+v", muts)
	}
	if next := nextSeqNum(walPath); next != 2 {
		t.Fatalf("next sequence: got %d want 2", next)
	}
}

func TestCommitLogReplayStopsAtChecksumMismatch(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")
	first := encodeMutation(model.Mutation{Sequence: 1, Op: model.SET, Key: []byte("k"), Value: []byte("v")})
	second := encodeMutation(model.Mutation{Sequence: 2, Op: model.SET, Key: []byte("k2"), Value: []byte("v2")})
	second[len(second)-1] ^= 0xFF
	if err := os.WriteFile(walPath, append(first, second...), 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	if muts := loadMutations(walPath); len(muts) != 1 {
		t.Fatalf("expected replay to stop at the corrupt record, got %d mutations", len(muts))
	}
}

func TestCommitLogTruncatesTornTailOnOpen(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.log")
	good := encodeMutation(model.Mutation{Sequence: 1, Op: model.SET, Key: []byte("k"), Value: []byte("v")})
	torn := encodeMutation(model.Mutation{Sequence: 2, Op: model.SET, Key: []byte("k2"), Value: []byte("v2")})
	if err := os.WriteFile(walPath, append(good, torn[:5]...), 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	ctx := context.Background()
	cfg := CommitLogCfg{Path: walPath, FlushInterval: time.Minute}
	mgr, cancel, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if size := walFileSize(walPath); size != int64(len(good)) {
		t.Fatalf("size after open: got %d want %d", size, len(good))
	}
	if _, err := mgr.Append(ctx, model.Mutation{Op: model.SET, Key: []byte("k3"), Value: []byte("v3")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	cancel()
	<-mgr.Done()

	muts := loadMutations(walPath)
	if len(muts) != 2 || string(muts[1].Key) != "k3" || muts[1].Sequence != 2 {
		t.Fatalf("records appended after a torn tail must replay, got %+v", muts)
	}
}

func walFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
