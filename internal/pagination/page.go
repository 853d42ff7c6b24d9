package pagination

import (
	"errors"
	"fmt"

	"receiptlog/internal/model"
)

const (
	MinLimit = 1
	MaxLimit = 100
)

var ErrInvalidLimit = errors.New("invalid limit")

func ValidateLimit(limit uint32) error {
	if limit < MinLimit || limit > MaxLimit {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidLimit, limit, MinLimit, MaxLimit)
	}
	return nil
}

// Assemble cuts the page of at most limit records starting at start. The
// returned records are a copy.
func Assemble(sorted []model.Record, start int, limit uint32) model.Page {
	if start < 0 {
		start = 0
	}
	if start > len(sorted) {
		start = len(sorted)
	}
	end := len(sorted)
	if remaining := uint64(len(sorted) - start); uint64(limit) < remaining {
		end = start + int(limit)
	}

	page := model.Page{
		Records:    append([]model.Record(nil), sorted[start:end]...),
		NextCursor: model.SentinelCursor,
	}
	if end < len(sorted) && len(page.Records) > 0 {
		page.HasMore = true
		page.NextCursor = page.Records[len(page.Records)-1].Position()
	}
	if page.Records == nil {
		page.Records = []model.Record{}
	}
	return page
}

// Paginate orders records (in place) and returns the page after cursor.
func Paginate(records []model.Record, limit uint32, cursor *model.Cursor) (model.Page, error) {
	if err := ValidateLimit(limit); err != nil {
		return model.Page{}, err
	}
	Sort(records)
	return Assemble(records, ResumeIndex(records, cursor), limit), nil
}
