// Package results provides the lazy, single-pass result sets returned by every
// feature query regardless of which backend served it.
package results

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/gpkg"
)

var (
	// ErrConsumed is yielded when a result is iterated a second time.
	ErrConsumed = errors.New("results: result already iterated")
	// ErrClosed is yielded when a closed result is iterated.
	ErrClosed = errors.New("results: result is closed")
)

// Result is a forward-only sequence of matched feature rows. Count is known
// without iterating. Either Rows or IDs may be ranged over, once. Close must
// be called before the result is discarded; further calls are no-ops.
type Result interface {
	Count() int64
	Rows() iter.Seq2[*gpkg.FeatureRow, error]
	IDs() iter.Seq2[int64, error]
	Close() error
}

// pass tracks the single-iteration and close state shared by implementations.
type pass struct {
	mu       sync.Mutex
	consumed bool
	closed   bool
}

func (p *pass) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.consumed {
		return ErrConsumed
	}
	p.consumed = true
	return nil
}

// close marks the pass closed and reports whether this was the first call.
func (p *pass) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	return true
}

// queryResult streams rows from a SQL statement.
type queryResult struct {
	pass
	ctx   context.Context
	q     gpkg.Querier
	dao   *gpkg.FeatureDao
	query gpkg.Query
	count int64

	cursorMu sync.Mutex
	cursor   interface{ Close() error }
}

// NewQueryResult runs query's count statement and returns a result that
// opens the row (or id) cursor on first iteration.
func NewQueryResult(ctx context.Context, q gpkg.Querier, dao *gpkg.FeatureDao, query gpkg.Query) (Result, error) {
	var count int64
	if err := q.QueryRowContext(ctx, query.Count, query.Args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("results: failed to count %s: %w", dao.Table(), err)
	}
	return &queryResult{
		ctx:   ctx,
		q:     q,
		dao:   dao,
		query: query,
		count: count,
	}, nil
}

func (r *queryResult) Count() int64 { return r.count }

func (r *queryResult) Rows() iter.Seq2[*gpkg.FeatureRow, error] {
	return func(yield func(*gpkg.FeatureRow, error) bool) {
		if err := r.begin(); err != nil {
			yield(nil, err)
			return
		}
		rows, err := r.q.QueryContext(r.ctx, r.query.Rows, r.query.Args...)
		if err != nil {
			yield(nil, fmt.Errorf("results: failed to query %s: %w", r.dao.Table(), err))
			return
		}
		r.hold(rows)
		defer r.release()

		for rows.Next() {
			row, err := r.dao.ScanRow(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("results: error iterating %s: %w", r.dao.Table(), err))
		}
	}
}

func (r *queryResult) IDs() iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if err := r.begin(); err != nil {
			yield(0, err)
			return
		}
		if r.query.IDs == "" {
			yield(0, ferrors.NewQueryError(ferrors.CodeUnsupportedQuery,
				"results: distinct projection without the primary key has no ids"))
			return
		}
		rows, err := r.q.QueryContext(r.ctx, r.query.IDs, r.query.Args...)
		if err != nil {
			yield(0, fmt.Errorf("results: failed to query %s ids: %w", r.dao.Table(), err))
			return
		}
		r.hold(rows)
		defer r.release()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				yield(0, fmt.Errorf("results: failed to scan %s id: %w", r.dao.Table(), err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(0, fmt.Errorf("results: error iterating %s ids: %w", r.dao.Table(), err))
		}
	}
}

func (r *queryResult) hold(c interface{ Close() error }) {
	r.cursorMu.Lock()
	r.cursor = c
	r.cursorMu.Unlock()
}

func (r *queryResult) release() error {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	if r.cursor == nil {
		return nil
	}
	err := r.cursor.Close()
	r.cursor = nil
	return err
}

func (r *queryResult) Close() error {
	if !r.close() {
		return nil
	}
	return r.release()
}

// NewIDSetResult returns a result over the rows keyed by ids, shaped by spec
// exactly as a table query would be: where clause, projection, ordering and
// page all apply to the set.
func NewIDSetResult(ctx context.Context, q gpkg.Querier, dao *gpkg.FeatureDao, ids *roaring64.Bitmap, spec gpkg.QuerySpec) (Result, error) {
	return NewQueryResult(ctx, q, dao, dao.BuildQuery(spec, KeyFilter(dao, ids)))
}

// KeyFilter restricts a query to the rows keyed by ids. The keys are bound as
// a single JSON array, so set size is not limited by SQLite's variable count.
func KeyFilter(dao *gpkg.FeatureDao, ids *roaring64.Bitmap) gpkg.Filter {
	buf := []byte{'['}
	if ids != nil {
		it := ids.Iterator()
		for it.HasNext() {
			if len(buf) > 1 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendInt(buf, int64(it.Next()), 10)
		}
	}
	buf = append(buf, ']')
	return gpkg.Filter{
		Clause: gpkg.QuoteIdent(dao.PKColumn()) + " IN (SELECT value FROM json_each(?))",
		Args:   []interface{}{string(buf)},
	}
}

type emptyResult struct{ pass }

// Empty returns a result with no rows.
func Empty() Result { return &emptyResult{} }

func (r *emptyResult) Count() int64 { return 0 }

func (r *emptyResult) Rows() iter.Seq2[*gpkg.FeatureRow, error] {
	return func(yield func(*gpkg.FeatureRow, error) bool) {
		if err := r.begin(); err != nil {
			yield(nil, err)
		}
	}
}

func (r *emptyResult) IDs() iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if err := r.begin(); err != nil {
			yield(0, err)
		}
	}
}

func (r *emptyResult) Close() error {
	r.close()
	return nil
}

// concatResult exhausts its parts in order.
type concatResult struct {
	pass
	parts []Result
	count int64
}

// Concat joins parts into one result. Count is the sum of the parts' counts.
// Closing the concatenation closes every part.
func Concat(parts ...Result) Result {
	var count int64
	for _, p := range parts {
		count += p.Count()
	}
	return &concatResult{parts: parts, count: count}
}

func (r *concatResult) Count() int64 { return r.count }

func (r *concatResult) Rows() iter.Seq2[*gpkg.FeatureRow, error] {
	return func(yield func(*gpkg.FeatureRow, error) bool) {
		if err := r.begin(); err != nil {
			yield(nil, err)
			return
		}
		for _, p := range r.parts {
			for row, err := range p.Rows() {
				if !yield(row, err) || err != nil {
					return
				}
			}
		}
	}
}

func (r *concatResult) IDs() iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if err := r.begin(); err != nil {
			yield(0, err)
			return
		}
		for _, p := range r.parts {
			for id, err := range p.IDs() {
				if !yield(id, err) || err != nil {
					return
				}
			}
		}
	}
}

func (r *concatResult) Close() error {
	if !r.close() {
		return nil
	}
	var errs []error
	for _, p := range r.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Collect drains r.Rows into a slice. It does not close r.
func Collect(r Result) ([]*gpkg.FeatureRow, error) {
	var out []*gpkg.FeatureRow
	for row, err := range r.Rows() {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

// CollectIDs drains r.IDs into a slice. It does not close r.
func CollectIDs(r Result) ([]int64, error) {
	var out []int64
	for id, err := range r.IDs() {
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	return out, nil
}
