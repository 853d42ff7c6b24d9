package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Codec tags every stored blob so a blob written under one compression setting
// still decodes after the setting changes.
type Codec byte

const (
	CodecNone   Codec = 0
	CodecSnappy Codec = 1
	CodecLZ4    Codec = 2
	CodecZstd   Codec = 3
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrEmptyBlob    = errors.New("empty blob")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Compress returns | codec | body |. The lz4 body carries the uncompressed
// length as a uvarint since lz4 blocks do not record it. Input that lz4 cannot
// shrink is stored uncompressed.
func Compress(c Codec, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{byte(CodecNone)}, nil
	}
	switch c {
	case CodecNone:
		return append([]byte{byte(CodecNone)}, src...), nil
	case CodecSnappy:
		return append([]byte{byte(CodecSnappy)}, snappy.Encode(nil, src)...), nil
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return append([]byte{byte(CodecNone)}, src...), nil
		}
		out := make([]byte, 0, 1+binary.MaxVarintLen64+n)
		out = append(out, byte(CodecLZ4))
		out = binary.AppendUvarint(out, uint64(len(src)))
		return append(out, buf[:n]...), nil
	case CodecZstd:
		body, err := zstd.Compress(nil, src)
		if err != nil {
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		return append([]byte{byte(CodecZstd)}, body...), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, byte(c))
}

// Decompress reverses Compress using the tag stored in the blob.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrEmptyBlob
	}
	body := blob[1:]
	switch Codec(blob[0]) {
	case CodecNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case CodecLZ4:
		size, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, errors.New("lz4 decode: bad length prefix")
		}
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(body[n:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		return out[:m], nil
	case CodecZstd:
		out, err := zstd.Decompress(nil, body)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, blob[0])
}
