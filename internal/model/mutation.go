package model

import (
	"encoding/binary"
	"errors"
)

type OpsType byte

const (
	SET OpsType = iota
	// BATCH carries several writes in Value that must replay together.
	BATCH
)

var ErrBadBatch = errors.New("malformed batch")

// Mutation is one keyed-store change as recorded in the commit log.
type Mutation struct {
	Sequence uint64
	Op       OpsType
	Key      []byte
	Value    []byte
}

// Write is a single key/blob assignment.
type Write struct {
	Key   string
	Value []byte
}

// EncodeBatch frames writes as (count, (klen, key, vlen, value)...) with
// uvarint lengths.
func EncodeBatch(writes []Write) []byte {
	var data []byte
	data = binary.AppendUvarint(data, uint64(len(writes)))
	for _, w := range writes {
		data = binary.AppendUvarint(data, uint64(len(w.Key)))
		data = append(data, w.Key...)
		data = binary.AppendUvarint(data, uint64(len(w.Value)))
		data = append(data, w.Value...)
	}
	return data
}

func DecodeBatch(data []byte) ([]Write, error) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 {
		return nil, ErrBadBatch
	}
	data = data[sz:]
	writes := make([]Write, 0, min(n, uint64(len(data))))
	readChunk := func() ([]byte, bool) {
		l, sz := binary.Uvarint(data)
		if sz <= 0 || uint64(len(data)-sz) < l {
			return nil, false
		}
		chunk := make([]byte, l)
		copy(chunk, data[sz:sz+int(l)])
		data = data[sz+int(l):]
		return chunk, true
	}
	for i := uint64(0); i < n; i++ {
		key, ok := readChunk()
		if !ok {
			return nil, ErrBadBatch
		}
		value, ok := readChunk()
		if !ok {
			return nil, ErrBadBatch
		}
		writes = append(writes, Write{Key: string(key), Value: value})
	}
	if len(data) != 0 {
		return nil, ErrBadBatch
	}
	return writes, nil
}
