package model

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortRecord = errors.New("record encoding too short")

const (
	idBytes        = 8
	partitionBytes = 8
	timestampBytes = 8
	ownerLenBytes  = 4
	countBytes     = 4

	fixedRecordBytes = idBytes + partitionBytes + Int128Size + timestampBytes + UniqueIDSize + ownerLenBytes
)

/*
AppendRecord encodes one record in the layout stored in partition blobs:

| ID      | Partition | Payload  | Timestamp | UniqueID | OwnerLen | Owner   |
|---------|-----------|----------|-----------|----------|----------|---------|
| 8 bytes | 8 bytes   | 16 bytes | 8 bytes   | 32 bytes | 4 bytes  | O bytes |

All integers are big-endian.
*/
func AppendRecord(b []byte, r Record) []byte {
	b = binary.BigEndian.AppendUint64(b, r.ID)
	b = binary.BigEndian.AppendUint64(b, r.PartitionKey)
	b = r.Payload.AppendBinary(b)
	b = binary.BigEndian.AppendUint64(b, r.Timestamp)
	b = append(b, r.UniqueID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Owner)))
	return append(b, r.Owner...)
}

// DecodeRecord reads one record and returns the bytes that follow it.
func DecodeRecord(b []byte) (Record, []byte, error) {
	if len(b) < fixedRecordBytes {
		return Record{}, nil, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	var r Record
	pos := 0
	r.ID = binary.BigEndian.Uint64(b[pos:])
	pos += idBytes
	r.PartitionKey = binary.BigEndian.Uint64(b[pos:])
	pos += partitionBytes
	payload, err := Int128FromBytes(b[pos : pos+Int128Size])
	if err != nil {
		return Record{}, nil, err
	}
	r.Payload = payload
	pos += Int128Size
	r.Timestamp = binary.BigEndian.Uint64(b[pos:])
	pos += timestampBytes
	copy(r.UniqueID[:], b[pos:pos+UniqueIDSize])
	pos += UniqueIDSize
	ownerLen := int(binary.BigEndian.Uint32(b[pos:]))
	pos += ownerLenBytes
	if pos+ownerLen > len(b) {
		return Record{}, nil, fmt.Errorf("%w: owner length (%d) exceeds bounds", ErrShortRecord, ownerLen)
	}
	r.Owner = Identity(b[pos : pos+ownerLen])
	pos += ownerLen
	return r, b[pos:], nil
}

// EncodeRecords writes a record count followed by each record.
func EncodeRecords(records []Record) []byte {
	b := make([]byte, 0, countBytes+len(records)*(fixedRecordBytes+16))
	b = binary.BigEndian.AppendUint32(b, uint32(len(records)))
	for _, r := range records {
		b = AppendRecord(b, r)
	}
	return b
}

func DecodeRecords(b []byte) ([]Record, error) {
	if len(b) < countBytes {
		return nil, fmt.Errorf("%w: missing count", ErrShortRecord)
	}
	n := binary.BigEndian.Uint32(b)
	b = b[countBytes:]
	records := make([]Record, 0, n)
	for i := uint32(0); i < n; i++ {
		r, rest, err := DecodeRecord(b)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, r)
		b = rest
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d records", len(b), n)
	}
	return records, nil
}
