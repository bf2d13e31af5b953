package store

import (
	"context"
	"errors"

	"pitchside/internal/records"
)

var (
	// ErrConflict is returned when a document's revision moved under a
	// compare-and-swap write.
	ErrConflict = errors.New("revision conflict")

	// ErrUnknownCollection is returned for a collection name the store does not hold.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown store driver")
)

// AnyRevision makes PutDoc an unconditional upsert.
const AnyRevision int64 = -1

// Dialect tells schema code which SQL flavour a backend speaks.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Doc is a stored JSON document with its revision.
type Doc struct {
	Collection string
	ID         string
	Revision   int64
	Body       []byte
}

// Backend is a database the store can run transactions against.
type Backend interface {
	Dialect() Dialect
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one backend transaction. Rollback after Commit is a no-op.
type Tx interface {
	// Exec runs a statement that returns no rows (DDL, backfills).
	Exec(ctx context.Context, stmt string, args ...any) error

	GetDoc(ctx context.Context, collection, id string) (Doc, bool, error)
	ListDocs(ctx context.Context, collection string) ([]Doc, error)
	// PutDoc writes body and returns the new revision. expectRev is the
	// revision the caller read: AnyRevision skips the check, 0 means the
	// document must not exist yet. A mismatch returns ErrConflict.
	PutDoc(ctx context.Context, collection, id string, body []byte, expectRev int64) (int64, error)
	DeleteDoc(ctx context.Context, collection, id string) (bool, error)
	CountDocs(ctx context.Context, collection string) (int, error)

	// ReplaceParticipation swaps the participation rows of one match.
	ReplaceParticipation(ctx context.Context, matchID string, rows []records.MatchPlayer) error
	// Participation lists rows for matchID, or every row when matchID is empty.
	Participation(ctx context.Context, matchID string) ([]records.MatchPlayer, error)

	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	LegacyGet(ctx context.Context, key string) (string, bool, error)
	LegacyPut(ctx context.Context, key, value string) error
	LegacyDelete(ctx context.Context, key string) error
	LegacyKeys(ctx context.Context) ([]string, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// metaDDL is created at open so the migration manager can read its markers
// before any schema step has run.
const metaDDL = `CREATE TABLE IF NOT EXISTS store_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`
