package payments

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// execGetter is the slice of sqlx.Tx the invoice upsert needs; narrowing it
// keeps the helper testable.
type execGetter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}
