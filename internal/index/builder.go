package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/google/uuid"
)

const upsertRecordSQL = `
INSERT OR REPLACE INTO geometry_index
    (table_name, geom_id, min_x, max_x, min_y, max_y, min_z, max_z, min_m, max_m)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Index builds the index with a full pass over the feature table and
// returns the number of rows indexed. Unless force is set it does nothing
// when the index is already current. A pass cancelled through the Progress
// token leaves the table marked not indexed.
func (x *Index) Index(ctx context.Context, force bool) (int, error) {
	if !force {
		indexed, err := x.IsIndexed(ctx)
		if err != nil {
			return 0, err
		}
		if indexed {
			return 0, nil
		}
	}
	if err := x.store.CheckWritable(); err != nil {
		return 0, err
	}

	pass := uuid.NewString()
	start := time.Now()
	logger := x.logger.With("pass", pass)
	logger.Info("index: pass started", "chunk_size", x.chunkSize, "force", force)

	if err := x.regs.Register(ctx, x.Table(), x.Column()); err != nil {
		return 0, err
	}
	existed, err := x.tablesExist(ctx)
	if err != nil {
		return 0, err
	}
	if err := x.createTables(ctx); err != nil {
		return 0, err
	}
	if err := x.resetTableRecord(ctx); err != nil {
		return 0, err
	}
	if existed {
		if _, err := x.Clear(ctx); err != nil {
			return 0, err
		}
	}

	if err := x.Unindex(ctx); err != nil {
		return 0, err
	}
	count, scanErr := x.scan(ctx, logger)
	if err := x.Reindex(ctx); err != nil && scanErr == nil {
		scanErr = err
	}
	if scanErr != nil {
		return count, scanErr
	}

	if !x.active() {
		logger.Info("index: pass cancelled", "indexed", count)
		return count, nil
	}
	if err := x.touchLastIndexed(ctx, x.store.DB()); err != nil {
		return count, err
	}
	logger.Info("index: pass completed", "indexed", count, "duration", time.Since(start))
	return count, nil
}

// scan walks the feature table in key order, one chunk per transaction. It
// stops when a chunk returns no candidate rows or the token goes inactive.
func (x *Index) scan(ctx context.Context, logger *slog.Logger) (int, error) {
	total := 0
	after := int64(math.MinInt64)
	for chunk := 0; x.active(); chunk++ {
		var candidates, indexed int
		err := x.store.WithFastWrites(ctx, func(tx *sql.Tx) error {
			page, err := x.dao.ScanGeometries(ctx, tx, after, x.chunkSize)
			if err != nil {
				return err
			}
			candidates = len(page)

			stmt, err := tx.PrepareContext(ctx, upsertRecordSQL)
			if err != nil {
				return fmt.Errorf("index: failed to prepare upsert: %w", err)
			}
			defer stmt.Close()

			for i := range page {
				if !x.active() {
					break
				}
				row := &page[i]
				after = row.ID
				ok, err := x.indexRowWith(ctx, stmt, row)
				if x.progress != nil {
					x.progress.AddProgress(1)
				}
				if err != nil {
					logger.Warn("index: row not indexed", "geom_id", row.ID, "error", err)
					x.onRowError(row.ID, err)
					continue
				}
				if ok {
					indexed++
				}
			}
			return nil
		})
		if err != nil {
			return total, ferrors.NewIndexError(ferrors.CodeChunkFailed,
				fmt.Sprintf("index: chunk %d failed", chunk), err).WithTable(x.Table(), x.Column())
		}
		total += indexed
		logger.Debug("index: chunk done", "chunk", chunk, "rows", candidates, "indexed", indexed)
		if candidates == 0 {
			break
		}
	}
	return total, nil
}

// indexRowWith upserts row's record through stmt. Rows with null or empty
// geometry are skipped without error.
func (x *Index) indexRowWith(ctx context.Context, stmt *sql.Stmt, row *gpkg.FeatureRow) (bool, error) {
	if row.Geometry == nil {
		return false, nil
	}
	env, err := row.Envelope()
	if err != nil {
		return false, ferrors.NewIndexError(ferrors.CodeRowIndexFailed,
			fmt.Sprintf("index: cannot compute envelope of row %d", row.ID), err)
	}
	if env == nil {
		return false, nil
	}
	if err := env.Validate(); err != nil {
		return false, ferrors.NewIndexError(ferrors.CodeRowIndexFailed,
			fmt.Sprintf("index: invalid envelope for row %d", row.ID), err)
	}
	if _, err := stmt.ExecContext(ctx, recordArgs(x.Table(), row.ID, env)...); err != nil {
		return false, ferrors.NewIndexError(ferrors.CodeRowIndexFailed,
			fmt.Sprintf("index: failed to write record for row %d", row.ID), err)
	}
	return true, nil
}

func recordArgs(table string, id int64, env *geom.Envelope) []interface{} {
	args := []interface{}{table, id, env.MinX, env.MaxX, env.MinY, env.MaxY}
	if env.HasZ {
		args = append(args, env.MinZ, env.MaxZ)
	} else {
		args = append(args, nil, nil)
	}
	if env.HasM {
		args = append(args, env.MinM, env.MaxM)
	} else {
		args = append(args, nil, nil)
	}
	return args
}

// IndexRow indexes a single row of an already indexed table and refreshes
// last_indexed. A row with null or empty geometry has its record removed
// and reports false. It fails when the table has no table_index record.
func (x *Index) IndexRow(ctx context.Context, row *gpkg.FeatureRow) (bool, error) {
	if err := x.store.CheckWritable(); err != nil {
		return false, err
	}
	rec, err := x.TableRecord(ctx)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, ferrors.NewIndexError(ferrors.CodeTableNotIndexed,
			"index: table has no index record", nil).WithTable(x.Table(), x.Column())
	}

	tx, err := x.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("index: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertRecordSQL)
	if err != nil {
		return false, fmt.Errorf("index: failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	indexed, err := x.indexRowWith(ctx, stmt, row)
	if err != nil {
		return false, err
	}
	if !indexed {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM geometry_index WHERE table_name = ? AND geom_id = ?", x.Table(), row.ID); err != nil {
			return false, fmt.Errorf("index: failed to delete record for row %d: %w", row.ID, err)
		}
	}
	if err := x.touchLastIndexed(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("index: failed to commit row %d: %w", row.ID, err)
	}
	return indexed, nil
}

// DeleteIndexForGeometry removes the record of one row and returns the
// number of records deleted.
func (x *Index) DeleteIndexForGeometry(ctx context.Context, geomID int64) (int, error) {
	if err := x.store.CheckWritable(); err != nil {
		return 0, err
	}
	exists, err := x.tablesExist(ctx)
	if err != nil || !exists {
		return 0, err
	}
	res, err := x.store.DB().ExecContext(ctx,
		"DELETE FROM geometry_index WHERE table_name = ? AND geom_id = ?", x.Table(), geomID)
	if err != nil {
		return 0, fmt.Errorf("index: failed to delete record for row %d: %w", geomID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteIndex removes the table's index record, all of its geometry records
// and its registration. It reports whether an index record existed.
func (x *Index) DeleteIndex(ctx context.Context) (bool, error) {
	if err := x.store.CheckWritable(); err != nil {
		return false, err
	}
	exists, err := x.tablesExist(ctx)
	if err != nil {
		return false, err
	}

	deleted := false
	if exists {
		tx, err := x.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("index: failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		// Explicit so the cascade holds with foreign keys disabled.
		if _, err := tx.ExecContext(ctx, "DELETE FROM geometry_index WHERE table_name = ?", x.Table()); err != nil {
			return false, x.setupError("failed to delete geometry records", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM table_index WHERE table_name = ?", x.Table())
		if err != nil {
			return false, x.setupError("failed to delete table record", err)
		}
		if err := tx.Commit(); err != nil {
			return false, x.setupError("failed to commit index deletion", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
	}

	if err := x.regs.Unregister(ctx, x.Table(), x.Column()); err != nil {
		return deleted, err
	}
	x.logger.Info("index: deleted", "existed", deleted)
	return deleted, nil
}

// Clear deletes every geometry record of the table and returns how many
// were removed.
func (x *Index) Clear(ctx context.Context) (int, error) {
	if err := x.store.CheckWritable(); err != nil {
		return 0, err
	}
	res, err := x.store.DB().ExecContext(ctx, "DELETE FROM geometry_index WHERE table_name = ?", x.Table())
	if err != nil {
		return 0, x.setupError("failed to clear geometry records", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Unindex drops the range index on geometry_index.
func (x *Index) Unindex(ctx context.Context) error {
	if err := x.store.CheckWritable(); err != nil {
		return err
	}
	if _, err := x.store.DB().ExecContext(ctx, DropRangeIndexSQL); err != nil {
		return x.setupError("failed to drop range index", err)
	}
	return nil
}

// Reindex (re)creates the range index on geometry_index.
func (x *Index) Reindex(ctx context.Context) error {
	if err := x.store.CheckWritable(); err != nil {
		return err
	}
	if _, err := x.store.DB().ExecContext(ctx, RangeIndexDDL); err != nil {
		return x.setupError("failed to create range index", err)
	}
	return nil
}

func (x *Index) createTables(ctx context.Context) error {
	for _, ddl := range []string{TableIndexDDL, GeometryIndexDDL} {
		if _, err := x.store.DB().ExecContext(ctx, ddl); err != nil {
			return x.setupError("failed to create index tables", err)
		}
	}
	return nil
}

// resetTableRecord creates the table_index row, or clears last_indexed of an
// existing one so an interrupted pass cannot leave an old stamp behind.
func (x *Index) resetTableRecord(ctx context.Context) error {
	_, err := x.store.DB().ExecContext(ctx,
		`INSERT INTO table_index (table_name, last_indexed) VALUES (?, NULL)
		 ON CONFLICT(table_name) DO UPDATE SET last_indexed = NULL`, x.Table())
	if err != nil {
		return x.setupError("failed to write table record", err)
	}
	return nil
}

func (x *Index) touchLastIndexed(ctx context.Context, q gpkg.Querier) error {
	_, err := q.ExecContext(ctx,
		"UPDATE table_index SET last_indexed = ? WHERE table_name = ?",
		gpkg.FormatTime(x.store.Now()), x.Table())
	if err != nil {
		return x.setupError("failed to update last_indexed", err)
	}
	return nil
}
