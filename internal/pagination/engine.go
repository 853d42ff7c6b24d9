package pagination

import (
	"context"
	"fmt"

	"receiptlog/internal/model"
)

// Source is the read side of the append log.
type Source interface {
	// FetchAll returns a private copy of every record in the partition, in
	// no particular order.
	FetchAll(ctx context.Context, partition uint64) ([]model.Record, error)
	Count(ctx context.Context, partition uint64) (uint64, error)
}

// Engine serves pages over a Source.
type Engine struct {
	src Source
}

func NewEngine(src Source) *Engine {
	return &Engine{src: src}
}

// List returns the page of partition after cursor. The limit is checked
// before the partition is read.
func (e *Engine) List(ctx context.Context, partition uint64, limit uint32, cursor *model.Cursor) (model.Page, error) {
	if err := ValidateLimit(limit); err != nil {
		return model.Page{}, err
	}
	records, err := e.src.FetchAll(ctx, partition)
	if err != nil {
		return model.Page{}, fmt.Errorf("fetch partition %d: %w", partition, err)
	}
	return Paginate(records, limit, cursor)
}

// Count returns how many records were ever appended to partition.
func (e *Engine) Count(ctx context.Context, partition uint64) (uint64, error) {
	return e.src.Count(ctx, partition)
}

// Walk follows cursors from the start of partition until the last page,
// calling fn once per page. Returning false from fn stops the walk.
func (e *Engine) Walk(ctx context.Context, partition uint64, limit uint32, fn func(model.Page) bool) error {
	var cursor *model.Cursor
	for {
		page, err := e.List(ctx, partition, limit, cursor)
		if err != nil {
			return err
		}
		if !fn(page) || !page.HasMore {
			return nil
		}
		next := page.NextCursor
		cursor = &next
	}
}
