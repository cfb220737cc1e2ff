package gpkg

import (
	"context"

	ferrors "github.com/arkilian/featureindex/internal/errors"
)

// Extension scopes.
const (
	ScopeReadWrite = "read-write"
	ScopeWriteOnly = "write-only"
)

// ExtensionRegistry manages the gpkg_extensions rows of one extension.
type ExtensionRegistry struct {
	store      *Store
	name       string
	definition string
	scope      string
}

// NewExtensionRegistry binds an extension name, definition URL and scope to
// the store's registry table.
func NewExtensionRegistry(store *Store, name, definition, scope string) *ExtensionRegistry {
	return &ExtensionRegistry{
		store:      store,
		name:       name,
		definition: definition,
		scope:      scope,
	}
}

// Name returns the extension name.
func (r *ExtensionRegistry) Name() string {
	return r.name
}

// HasRegistration reports whether the extension is registered for the
// table/column pair.
func (r *ExtensionRegistry) HasRegistration(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gpkg_extensions
		 WHERE extension_name = ? AND table_name = ? AND column_name = ?`,
		r.name, table, column,
	).Scan(&n)
	if err != nil {
		return false, ferrors.NewIndexError(ferrors.CodeRegistration,
			"gpkg: failed to read extension registration", err).WithTable(table, column)
	}
	return n > 0, nil
}

// Register inserts the registration row; registering twice is a no-op.
func (r *ExtensionRegistry) Register(ctx context.Context, table, column string) error {
	if err := r.store.CheckWritable(); err != nil {
		return err
	}
	_, err := r.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO gpkg_extensions
			(table_name, column_name, extension_name, definition, scope)
		 VALUES (?, ?, ?, ?, ?)`,
		table, column, r.name, r.definition, r.scope,
	)
	if err != nil {
		return ferrors.NewIndexError(ferrors.CodeRegistration,
			"gpkg: failed to register extension "+r.name, err).WithTable(table, column)
	}
	return nil
}

// Unregister deletes the registration row, if any.
func (r *ExtensionRegistry) Unregister(ctx context.Context, table, column string) error {
	if err := r.store.CheckWritable(); err != nil {
		return err
	}
	_, err := r.store.db.ExecContext(ctx,
		`DELETE FROM gpkg_extensions
		 WHERE extension_name = ? AND table_name = ? AND column_name = ?`,
		r.name, table, column,
	)
	if err != nil {
		return ferrors.NewIndexError(ferrors.CodeRegistration,
			"gpkg: failed to unregister extension "+r.name, err).WithTable(table, column)
	}
	return nil
}
