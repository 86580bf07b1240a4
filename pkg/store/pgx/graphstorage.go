package pgx

import (
	"context"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements the store.GraphStorage interface using
// PostgreSQL with pgvector for section similarity search. It works with
// any pgx connection source (single conn or pool).
type GraphDBStorage struct {
	conn pgxIConn
}

// NewGraphDBStorage creates a new GraphDBStorage on top of an existing
// database connection or pool. Schema migrations are the caller's
// responsibility (see internal/db).
func NewGraphDBStorage(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{conn: conn}
}

// foreign key violation
const pgErrForeignKey = "23503"
