package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"receiptlog/internal/logger"
	"receiptlog/internal/model"
	"receiptlog/internal/storage"
)

var (
	ErrEnqueueTimeout = errors.New("timeout waiting for mutation to be added to commit log")
	ErrClosed         = errors.New("commit log closed")
	ErrCorrupt        = errors.New("corrupt commit log record")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type commitLogFlusher struct {
	activeSegment  *os.File
	seqNumber      uint64
	buffer         bytes.Buffer
	maxBufferBytes int
}

type commitLogRequest struct {
	mut  model.Mutation
	sync bool
	done chan commitLogResult
}

type commitLogResult struct {
	seq uint64
	err error
}

type CommitLogCfg struct {
	Path                 string
	EnqueueTimeout       time.Duration
	FlushInterval        time.Duration
	MaxEnqueuingMutation int
	BufferBytes          int
}

/*
CommitLogManager keeps a single writer goroutine in charge of the log file:
- Ordering: the channel preserves request order and only the writer assigns
  sequence numbers, so sequence order is file order.
- Backpressure: the bounded channel plus the enqueue timeout lets callers fail
  fast instead of queueing without limit.
- Durability handshake: every request carries a done channel; Append returns
  once the record is buffered, Sync once it is fsynced.
- Shutdown: cancelling the context flushes outstanding data before the file
  is closed.
*/
type CommitLogManager struct {
	flusher  commitLogFlusher
	requests chan commitLogRequest
	cfg      CommitLogCfg
	flushT   *time.Ticker
	done     chan struct{}
}

const (
	payloadLenBytes                = 4
	checksumBytes                  = 4
	seqNumBytes                    = 8
	opTypeBytes                    = 1
	lenFieldSize                   = 4
	defaultCommitLogBufferBytes    = 4 * 1024 * 1024
	minimalCommitLogBufferBytes    = 128
	defaultMaxEnqueuingMutationVal = 1024
	defaultFlushInterval           = 200 * time.Millisecond
	defaultEnqueueTimeout          = 500 * time.Millisecond
)

func NewCommitLogManager(ctx context.Context, cfg CommitLogCfg) (*CommitLogManager, context.CancelFunc, error) {
	if err := truncateTornTail(cfg.Path); err != nil {
		return nil, nil, fmt.Errorf("repair commit log: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	bufferBytes := cfg.BufferBytes
	if bufferBytes <= 0 {
		bufferBytes = defaultCommitLogBufferBytes
	}
	if bufferBytes < minimalCommitLogBufferBytes {
		bufferBytes = minimalCommitLogBufferBytes
	}
	maxQueue := cfg.MaxEnqueuingMutation
	if maxQueue <= 0 {
		maxQueue = defaultMaxEnqueuingMutationVal
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}

	m := &CommitLogManager{
		cfg:      cfg,
		requests: make(chan commitLogRequest, maxQueue),
		flushT:   time.NewTicker(cfg.FlushInterval),
		done:     make(chan struct{}),
		flusher: commitLogFlusher{
			activeSegment:  f,
			seqNumber:      nextSeqNum(cfg.Path),
			maxBufferBytes: bufferBytes,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		m.run(runCtx)
		m.flushT.Stop()
		if err := m.flusher.flush(); err != nil {
			logger.Error(err, "path", cfg.Path, "commit log final flush failed")
		}
		_ = m.flusher.activeSegment.Close()
	}()
	return m, cancel, nil
}

// Done is closed once the writer goroutine has flushed and closed the file.
func (cm *CommitLogManager) Done() <-chan struct{} {
	return cm.done
}

// Append buffers mut in the commit log and returns its assigned sequence
// number. The record reaches disk on the next size, interval or Sync flush.
func (cm *CommitLogManager) Append(ctx context.Context, mut model.Mutation) (uint64, error) {
	return cm.submit(ctx, commitLogRequest{mut: mut, done: make(chan commitLogResult, 1)})
}

// Sync flushes the buffer and fsyncs the active segment.
func (cm *CommitLogManager) Sync(ctx context.Context) error {
	_, err := cm.submit(ctx, commitLogRequest{sync: true, done: make(chan commitLogResult, 1)})
	return err
}

func (cm *CommitLogManager) submit(ctx context.Context, req commitLogRequest) (uint64, error) {
	timer := time.NewTimer(cm.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case cm.requests <- req:
	case <-cm.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, ErrEnqueueTimeout
	}

	select {
	case res := <-req.done:
		return res.seq, res.err
	case <-cm.done:
		// the writer may have answered just before exiting
		select {
		case res := <-req.done:
			return res.seq, res.err
		default:
			return 0, ErrClosed
		}
	}
}

// Load reads the whole commit log and returns its mutations in order.
// Stops at the first corrupted or truncated record (crash-safe boundary).
func (cm *CommitLogManager) Load() []model.Mutation {
	return loadMutations(cm.cfg.Path)
}

func loadMutations(path string) []model.Mutation {
	mutations := make([]model.Mutation, 0)

	readFile, err := os.Open(path)
	if err != nil {
		logger.WarnErr(err, "path", path, "failed to open commit log for reading")
		return mutations
	}
	defer readFile.Close()

	fileInfo, err := readFile.Stat()
	if err != nil {
		logger.WarnErr(err, "path", path, "failed to stat commit log")
		return mutations
	}
	fileSize := fileInfo.Size()
	if fileSize == 0 {
		return mutations
	}

	var offset int64
	recordNum := 0
	for offset < fileSize {
		payload, next, err := readFrame(readFile, offset, fileSize)
		if err != nil {
			logger.Warn("record", recordNum, "offset", offset, "reason", err.Error(),
				"stopping commit log replay at corruption boundary")
			break
		}
		mut, err := decodePayload(payload)
		if err != nil {
			logger.Warn("record", recordNum, "reason", err.Error(), "failed to decode commit log record")
			break
		}
		mutations = append(mutations, mut)
		offset = next
		recordNum++
	}

	logger.Info("mutations", len(mutations), "bytes", fileSize, "path", path, "commit log loaded")
	return mutations
}

// readFrame reads | PayloadLength | CRC32C | Payload | at offset and returns
// the verified payload and the offset of the following frame.
func readFrame(f *os.File, offset, fileSize int64) ([]byte, int64, error) {
	if offset+payloadLenBytes+checksumBytes > fileSize {
		return nil, 0, fmt.Errorf("%w: incomplete header", ErrCorrupt)
	}
	header, err := storage.Read(f, offset, payloadLenBytes+checksumBytes)
	if err != nil {
		return nil, 0, err
	}
	if len(header) < payloadLenBytes+checksumBytes {
		return nil, 0, fmt.Errorf("%w: short header read", ErrCorrupt)
	}
	payloadLen := int64(binary.BigEndian.Uint32(header[:payloadLenBytes]))
	expected := binary.BigEndian.Uint32(header[payloadLenBytes:])
	offset += payloadLenBytes + checksumBytes

	if offset+payloadLen > fileSize {
		return nil, 0, fmt.Errorf("%w: incomplete payload (expected %d bytes)", ErrCorrupt, payloadLen)
	}
	payload, err := storage.Read(f, offset, int(payloadLen))
	if err != nil {
		return nil, 0, err
	}
	if int64(len(payload)) < payloadLen {
		return nil, 0, fmt.Errorf("%w: short payload read", ErrCorrupt)
	}
	if actual := crc32.Checksum(payload, castagnoli); actual != expected {
		return nil, 0, fmt.Errorf("%w: crc mismatch, expected %x got %x", ErrCorrupt, expected, actual)
	}
	return payload, offset + payloadLen, nil
}

func (cm *CommitLogManager) run(ctx context.Context) {
	for {
		select {
		case req := <-cm.requests:
			if req.sync {
				req.done <- commitLogResult{err: cm.flusher.flush()}
				continue
			}
			req.mut.Sequence = cm.flusher.seqNumber
			err := cm.flusher.write(encodeMutation(req.mut))
			if err == nil {
				cm.flusher.seqNumber++
			}
			req.done <- commitLogResult{seq: req.mut.Sequence, err: err}
		case <-cm.flushT.C:
			if err := cm.flusher.flush(); err != nil {
				logger.Error(err, "commit log periodic flush failed")
			}
		case <-ctx.Done():
			logger.Debug("path", cm.cfg.Path, "commit log shutting down")
			return
		}
	}
}

func (flusher *commitLogFlusher) write(data []byte) error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if len(data) > flusher.maxBufferBytes {
		return fmt.Errorf("commit log entry (%d bytes) exceeds buffer size (%d bytes)", len(data), flusher.maxBufferBytes)
	}
	if flusher.buffer.Len()+len(data) > flusher.maxBufferBytes {
		if err := flusher.flush(); err != nil {
			return err
		}
	}
	_, err := flusher.buffer.Write(data)
	return err
}

func (flusher *commitLogFlusher) flush() error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if flusher.buffer.Len() == 0 {
		return nil
	}
	if err := storage.Write(flusher.activeSegment, flusher.buffer.Bytes()); err != nil {
		return err
	}
	err := flusher.activeSegment.Sync()
	if err == nil {
		flusher.buffer.Reset()
	}
	return err
}

// nextSeqNum scans the intact prefix of the log and returns the sequence
// number the next mutation should use.
func nextSeqNum(path string) uint64 {
	muts, _ := scanIntact(path)
	if len(muts) == 0 {
		return 1
	}
	return muts[len(muts)-1].Sequence + 1
}

// scanIntact returns the mutations of the intact prefix of the log and the
// length of that prefix in bytes.
func scanIntact(path string) ([]model.Mutation, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, 0
	}
	var out []model.Mutation
	var offset int64
	for offset < info.Size() {
		payload, next, err := readFrame(f, offset, info.Size())
		if err != nil {
			break
		}
		mut, err := decodePayload(payload)
		if err != nil {
			break
		}
		out = append(out, mut)
		offset = next
	}
	return out, offset
}

// truncateTornTail cuts the log back to its intact prefix so that new
// frames are not appended behind bytes replay can never get past.
func truncateTornTail(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	_, intact := scanIntact(path)
	if intact == info.Size() {
		return nil
	}
	logger.Warn("path", path, "bytes", info.Size(), "intact", intact, "truncating torn commit log tail")
	return storage.Truncate(path, intact)
}

/*
encodeMutation returns the commit log frame for mut:

| PayloadLength | CRC32C | Sequence | OpType | KeyLen | Key      | ValueLen | Value    |
|---------------|--------|----------|--------|--------|----------|----------|----------|
| 4 bytes       | 4 bytes| 8 bytes  | 1 byte | 4 bytes| K bytes  | 4 bytes  | V bytes  |

The CRC32C covers the payload (Sequence through Value).
*/
func encodeMutation(mut model.Mutation) []byte {
	payload := make([]byte, 0, seqNumBytes+opTypeBytes+lenFieldSize+len(mut.Key)+lenFieldSize+len(mut.Value))
	payload = binary.BigEndian.AppendUint64(payload, mut.Sequence)
	payload = append(payload, byte(mut.Op))
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(mut.Key)))
	payload = append(payload, mut.Key...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(mut.Value)))
	payload = append(payload, mut.Value...)

	frame := make([]byte, 0, payloadLenBytes+checksumBytes+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.Checksum(payload, castagnoli))
	return append(frame, payload...)
}

// decodePayload extracts a Mutation from the payload portion of a frame,
// keeping its original sequence number.
func decodePayload(payload []byte) (model.Mutation, error) {
	minSize := seqNumBytes + opTypeBytes + lenFieldSize + lenFieldSize
	if len(payload) < minSize {
		return model.Mutation{}, fmt.Errorf("payload too short: %d bytes (minimum %d)", len(payload), minSize)
	}

	pos := 0
	seqNum := binary.BigEndian.Uint64(payload[pos : pos+seqNumBytes])
	pos += seqNumBytes

	opType := model.OpsType(payload[pos])
	if opType != model.SET && opType != model.BATCH {
		return model.Mutation{}, fmt.Errorf("invalid operation type: %d", opType)
	}
	pos += opTypeBytes

	keyLen := binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize])
	pos += lenFieldSize
	if pos+int(keyLen) > len(payload) {
		return model.Mutation{}, fmt.Errorf("key length (%d) exceeds payload bounds", keyLen)
	}
	key := make([]byte, keyLen)
	copy(key, payload[pos:pos+int(keyLen)])
	pos += int(keyLen)

	if pos+lenFieldSize > len(payload) {
		return model.Mutation{}, fmt.Errorf("value length field exceeds payload bounds")
	}
	valueLen := binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize])
	pos += lenFieldSize
	if pos+int(valueLen) > len(payload) {
		return model.Mutation{}, fmt.Errorf("value length (%d) exceeds payload bounds", valueLen)
	}

	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, payload[pos:pos+int(valueLen)])
	}

	return model.Mutation{
		Op:       opType,
		Key:      key,
		Value:    value,
		Sequence: seqNum,
	}, nil
}
