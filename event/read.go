package event

import (
	"context"
	"iter"
)

// DefaultPageSize bounds each underlying ReadEvents call made by ReadFrom.
const DefaultPageSize = 100

// ReadFrom lazily yields events with Sequence >= from in ascending order.
//
// The log's high-water mark is captured when iteration starts, so the
// sequence is finite even while producers keep appending. Iteration can be
// restarted from any sequence by calling ReadFrom again. A read error is
// yielded once and ends the iteration.
func ReadFrom(ctx context.Context, r Reader, from int64, pageSize int) iter.Seq2[*Event, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(*Event, error) bool) {
		hwm, err := r.LastSequence(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		after := from - 1
		for after < hwm {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := r.ReadEvents(ctx, after, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, evt := range page {
				if evt.Sequence > hwm {
					return
				}
				if !yield(evt, nil) {
					return
				}
				after = evt.Sequence
			}
		}
	}
}
