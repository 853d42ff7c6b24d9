package model

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const UniqueIDSize = 32

// UniqueID is minted once per record from the global counter and the creation
// timestamp. Ordered as an unsigned big-endian byte string.
type UniqueID [UniqueIDSize]byte

func (u UniqueID) Compare(o UniqueID) int {
	return bytes.Compare(u[:], o[:])
}

func (u UniqueID) IsZero() bool {
	return u == UniqueID{}
}

func (u UniqueID) String() string {
	return hex.EncodeToString(u[:])
}

func (u UniqueID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *UniqueID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseUniqueID(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// ParseUniqueID decodes the 64 character hex form.
func ParseUniqueID(s string) (UniqueID, error) {
	var u UniqueID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return u, fmt.Errorf("unique id: %w", err)
	}
	if len(raw) != UniqueIDSize {
		return u, fmt.Errorf("unique id: want %d bytes, got %d", UniqueIDSize, len(raw))
	}
	copy(u[:], raw)
	return u, nil
}

// Identity names a principal: the admin of the log or the owner of a record.
type Identity string

func (id Identity) Valid() bool {
	return id != ""
}

// Record is one immutable entry of a partition.
type Record struct {
	ID           uint64   `json:"id"`
	PartitionKey uint64   `json:"partition"`
	Payload      Int128   `json:"payload"`
	Timestamp    uint64   `json:"timestamp"`
	UniqueID     UniqueID `json:"unique_id"`
	Owner        Identity `json:"owner"`
}

// Position is the ordering key of the record, in cursor form.
func (r Record) Position() Cursor {
	return Cursor{Timestamp: r.Timestamp, UniqueID: r.UniqueID}
}

// Page is one bounded slice of a partition. NextCursor is the sentinel
// unless HasMore is set.
type Page struct {
	Records    []Record
	HasMore    bool
	NextCursor Cursor
}
