package pagination

import (
	"sort"

	"receiptlog/internal/model"
)

// ResumeIndex returns the index in sorted of the first record strictly after
// cursor, or len(sorted) when no record is. A nil cursor starts at 0.
//
// The cursor need not name a record in sorted; the result is the same
// position the cursor would have had.
func ResumeIndex(sorted []model.Record, cursor *model.Cursor) int {
	if cursor == nil {
		return 0
	}
	c := *cursor
	return sort.Search(len(sorted), func(i int) bool {
		return CompareCursor(sorted[i], c) > 0
	})
}
