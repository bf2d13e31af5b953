package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"pitchside/internal/records"
)

// sqlBackend runs the SQLite dialect over database/sql. It serves both the
// local modernc driver and remote libSQL databases.
type sqlBackend struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*sqlBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	// Write transactions take the lock at BEGIN so that read-merge-write
	// cycles from separate processes queue on busy_timeout instead of failing.
	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer.
	db.SetMaxOpenConns(1)

	return newSQLBackend(ctx, db)
}

func openLibSQL(ctx context.Context, url, token string) (*sqlBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("libsql URL not configured")
	}
	connStr := url
	if token != "" {
		connStr = fmt.Sprintf("%s?authToken=%s", url, token)
	}

	db, err := sql.Open("libsql", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libsql: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping libsql: %w", err)
	}
	return newSQLBackend(ctx, db)
}

func newSQLBackend(ctx context.Context, db *sql.DB) (*sqlBackend, error) {
	if _, err := db.ExecContext(ctx, metaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create meta table: %w", err)
	}
	return &sqlBackend{db: db}, nil
}

func (b *sqlBackend) Dialect() Dialect { return DialectSQLite }

func (b *sqlBackend) Close() error { return b.db.Close() }

func (b *sqlBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, stmt, args...)
	return err
}

func (t *sqlTx) GetDoc(ctx context.Context, collection, id string) (Doc, bool, error) {
	d := Doc{Collection: collection, ID: id}
	var body string
	err := t.tx.QueryRowContext(ctx,
		"SELECT revision, doc FROM documents WHERE collection = ? AND id = ?",
		collection, id).Scan(&d.Revision, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Doc{}, false, nil
	}
	if err != nil {
		return Doc{}, false, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	d.Body = []byte(body)
	return d, true, nil
}

func (t *sqlTx) ListDocs(ctx context.Context, collection string) ([]Doc, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, revision, doc FROM documents WHERE collection = ? ORDER BY id", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		d := Doc{Collection: collection}
		var body string
		if err := rows.Scan(&d.ID, &d.Revision, &body); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		d.Body = []byte(body)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (t *sqlTx) CountDocs(ctx context.Context, collection string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection = ?", collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (t *sqlTx) PutDoc(ctx context.Context, collection, id string, body []byte, expectRev int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var row *sql.Row
	switch {
	case expectRev < 0:
		row = t.tx.QueryRowContext(ctx, `
			INSERT INTO documents (collection, id, revision, doc, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET
				revision = documents.revision + 1,
				doc = excluded.doc,
				updated_at = excluded.updated_at
			RETURNING revision`, collection, id, string(body), now)
	case expectRev == 0:
		row = t.tx.QueryRowContext(ctx, `
			INSERT INTO documents (collection, id, revision, doc, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (collection, id) DO NOTHING
			RETURNING revision`, collection, id, string(body), now)
	default:
		row = t.tx.QueryRowContext(ctx, `
			UPDATE documents SET revision = revision + 1, doc = ?, updated_at = ?
			WHERE collection = ? AND id = ? AND revision = ?
			RETURNING revision`, string(body), now, collection, id, expectRev)
	}

	var rev int64
	if err := row.Scan(&rev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s/%s at revision %d: %w", collection, id, expectRev, ErrConflict)
		}
		return 0, fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return rev, nil
}

func (t *sqlTx) DeleteDoc(ctx context.Context, collection, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return n > 0, nil
}

func (t *sqlTx) ReplaceParticipation(ctx context.Context, matchID string, rows []records.MatchPlayer) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM match_players WHERE match_id = ?", matchID); err != nil {
		return fmt.Errorf("failed to clear participation for %s: %w", matchID, err)
	}
	if len(rows) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO match_players (match_id, player_id, team_id, minutes_played, injury)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare participation insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, matchID, r.PlayerID, r.TeamID, r.MinutesPlayed, r.Injury); err != nil {
			return fmt.Errorf("failed to insert participation %s/%s: %w", matchID, r.PlayerID, err)
		}
	}
	return nil
}

func (t *sqlTx) Participation(ctx context.Context, matchID string) ([]records.MatchPlayer, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if matchID == "" {
		rows, err = t.tx.QueryContext(ctx, `
			SELECT match_id, player_id, team_id, minutes_played, injury
			FROM match_players ORDER BY match_id, player_id`)
	} else {
		rows, err = t.tx.QueryContext(ctx, `
			SELECT match_id, player_id, team_id, minutes_played, injury
			FROM match_players WHERE match_id = ? ORDER BY player_id`, matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query participation: %w", err)
	}
	defer rows.Close()

	var out []records.MatchPlayer
	for rows.Next() {
		var r records.MatchPlayer
		if err := rows.Scan(&r.MatchID, &r.PlayerID, &r.TeamID, &r.MinutesPlayed, &r.Injury); err != nil {
			return nil, fmt.Errorf("failed to scan participation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) GetMeta(ctx context.Context, key string) (string, bool, error) {
	return t.getString(ctx, "SELECT value FROM store_meta WHERE key = ?", key)
}

func (t *sqlTx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) LegacyGet(ctx context.Context, key string) (string, bool, error) {
	return t.getString(ctx, "SELECT value FROM legacy_kv WHERE key = ?", key)
}

func (t *sqlTx) LegacyPut(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO legacy_kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write legacy entry %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) LegacyDelete(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM legacy_kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete legacy entry %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) LegacyKeys(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT key FROM legacy_kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan legacy key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (t *sqlTx) getString(ctx context.Context, query, key string) (string, bool, error) {
	var v string
	err := t.tx.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

func (t *sqlTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
