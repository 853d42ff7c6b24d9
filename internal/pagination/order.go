package pagination

import (
	"cmp"
	"slices"

	"receiptlog/internal/model"
)

// Compare orders records by timestamp, then by unique id.
func Compare(a, b model.Record) int {
	return comparePosition(a.Timestamp, a.UniqueID, b.Timestamp, b.UniqueID)
}

// CompareCursor reports how r sorts relative to the position c.
func CompareCursor(r model.Record, c model.Cursor) int {
	return comparePosition(r.Timestamp, r.UniqueID, c.Timestamp, c.UniqueID)
}

func comparePosition(ats uint64, auid model.UniqueID, bts uint64, buid model.UniqueID) int {
	if c := cmp.Compare(ats, bts); c != 0 {
		return c
	}
	return auid.Compare(buid)
}

// Sort puts records in canonical order in place.
func Sort(records []model.Record) {
	slices.SortFunc(records, Compare)
}

// IsSorted reports whether records are in strictly ascending canonical order.
func IsSorted(records []model.Record) bool {
	for i := 1; i < len(records); i++ {
		if Compare(records[i-1], records[i]) >= 0 {
			return false
		}
	}
	return true
}
