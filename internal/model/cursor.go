package model

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// CursorSize is the length of the wire form: 8 byte big-endian timestamp
// followed by the 32 byte unique id.
const CursorSize = 8 + UniqueIDSize

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last record already handed to the caller. It does not have
// to point at a record that exists.
type Cursor struct {
	Timestamp uint64
	UniqueID  UniqueID
}

// SentinelCursor is carried by pages that have nothing after them.
var SentinelCursor = Cursor{}

func (c Cursor) IsSentinel() bool {
	return c == SentinelCursor
}

func (c Cursor) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, c.Timestamp)
	return append(b, c.UniqueID[:]...)
}

func (c Cursor) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, CursorSize)), nil
}

func (c *Cursor) UnmarshalBinary(b []byte) error {
	if len(b) != CursorSize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidCursor, CursorSize, len(b))
	}
	c.Timestamp = binary.BigEndian.Uint64(b[:8])
	copy(c.UniqueID[:], b[8:])
	return nil
}

// Token is the transport form of the cursor: the 40 wire bytes, base64url
// encoded without padding.
func (c Cursor) Token() string {
	return base64.RawURLEncoding.EncodeToString(c.AppendBinary(make([]byte, 0, CursorSize)))
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%s", c.Timestamp, c.UniqueID)
}

// ParseCursorToken reverses Token.
func ParseCursorToken(s string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := c.UnmarshalBinary(raw); err != nil {
		return Cursor{}, err
	}
	return c, nil
}
