package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ferrors "github.com/arkilian/featureindex/internal/errors"
)

// LastChange returns gpkg_contents.last_change for table.
func (s *Store) LastChange(ctx context.Context, table string) (time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT last_change FROM gpkg_contents WHERE table_name = ?", table,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ferrors.NewStorageError(ferrors.CodeTableNotFound,
			fmt.Sprintf("gpkg: table %s is not registered in gpkg_contents", table), nil)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("gpkg: failed to read last_change for %s: %w", table, err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	return ParseTime(raw.String)
}

// TouchLastChange stamps table's last_change with the store clock.
func (s *Store) TouchLastChange(ctx context.Context, q Querier, table string) error {
	return s.setLastChange(ctx, q, table, s.Now())
}

// SetLastChange stamps table's last_change with t.
func (s *Store) SetLastChange(ctx context.Context, table string, t time.Time) error {
	if err := s.CheckWritable(); err != nil {
		return err
	}
	return s.setLastChange(ctx, s.db, table, t)
}

func (s *Store) setLastChange(ctx context.Context, q Querier, table string, t time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE gpkg_contents SET last_change = ? WHERE table_name = ?", FormatTime(t), table)
	if err != nil {
		return fmt.Errorf("gpkg: failed to update last_change for %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.NewStorageError(ferrors.CodeTableNotFound,
			fmt.Sprintf("gpkg: table %s is not registered in gpkg_contents", table), nil)
	}
	return nil
}

// FeatureTables lists every table registered with data_type 'features'.
func (s *Store) FeatureTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM gpkg_contents WHERE data_type = 'features' ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("gpkg: failed to list feature tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("gpkg: failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gpkg: error iterating feature tables: %w", err)
	}
	return tables, nil
}
