package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pitchside/internal/records"
)

// pgBackend stores documents as jsonb in PostgreSQL.
type pgBackend struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string) (*pgBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN not configured")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, metaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create meta table: %w", err)
	}
	return &pgBackend{pool: pool}, nil
}

func (b *pgBackend) Dialect() Dialect { return DialectPostgres }

func (b *pgBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *pgBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := t.tx.Exec(ctx, stmt, args...)
	return err
}

func (t *pgTx) GetDoc(ctx context.Context, collection, id string) (Doc, bool, error) {
	d := Doc{Collection: collection, ID: id}
	var body string
	err := t.tx.QueryRow(ctx,
		"SELECT revision, doc::text FROM documents WHERE collection = $1 AND id = $2",
		collection, id).Scan(&d.Revision, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Doc{}, false, nil
	}
	if err != nil {
		return Doc{}, false, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	d.Body = []byte(body)
	return d, true, nil
}

func (t *pgTx) ListDocs(ctx context.Context, collection string) ([]Doc, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, revision, doc::text FROM documents WHERE collection = $1 ORDER BY id", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Doc, error) {
		d := Doc{Collection: collection}
		var body string
		err := row.Scan(&d.ID, &d.Revision, &body)
		d.Body = []byte(body)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	return docs, nil
}

func (t *pgTx) CountDocs(ctx context.Context, collection string) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection = $1", collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (t *pgTx) PutDoc(ctx context.Context, collection, id string, body []byte, expectRev int64) (int64, error) {
	var row pgx.Row
	switch {
	case expectRev < 0:
		row = t.tx.QueryRow(ctx, `
			INSERT INTO documents (collection, id, revision, doc, updated_at)
			VALUES ($1, $2, 1, $3::text::jsonb, now())
			ON CONFLICT (collection, id) DO UPDATE SET
				revision = documents.revision + 1,
				doc = excluded.doc,
				updated_at = excluded.updated_at
			RETURNING revision`, collection, id, string(body))
	case expectRev == 0:
		row = t.tx.QueryRow(ctx, `
			INSERT INTO documents (collection, id, revision, doc, updated_at)
			VALUES ($1, $2, 1, $3::text::jsonb, now())
			ON CONFLICT (collection, id) DO NOTHING
			RETURNING revision`, collection, id, string(body))
	default:
		row = t.tx.QueryRow(ctx, `
			UPDATE documents SET revision = revision + 1, doc = $1::text::jsonb, updated_at = now()
			WHERE collection = $2 AND id = $3 AND revision = $4
			RETURNING revision`, string(body), collection, id, expectRev)
	}

	var rev int64
	if err := row.Scan(&rev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%s/%s at revision %d: %w", collection, id, expectRev, ErrConflict)
		}
		return 0, fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return rev, nil
}

func (t *pgTx) DeleteDoc(ctx context.Context, collection, id string) (bool, error) {
	tag, err := t.tx.Exec(ctx, "DELETE FROM documents WHERE collection = $1 AND id = $2", collection, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) ReplaceParticipation(ctx context.Context, matchID string, rows []records.MatchPlayer) error {
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM match_players WHERE match_id = $1", matchID)
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO match_players (match_id, player_id, team_id, minutes_played, injury)
			VALUES ($1, $2, $3, $4, $5)`, matchID, r.PlayerID, r.TeamID, r.MinutesPlayed, r.Injury)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to replace participation for %s: %w", matchID, err)
	}
	return nil
}

func (t *pgTx) Participation(ctx context.Context, matchID string) ([]records.MatchPlayer, error) {
	const cols = "SELECT match_id, player_id, team_id, minutes_played, injury FROM match_players"
	var (
		rows pgx.Rows
		err  error
	)
	if matchID == "" {
		rows, err = t.tx.Query(ctx, cols+" ORDER BY match_id, player_id")
	} else {
		rows, err = t.tx.Query(ctx, cols+" WHERE match_id = $1 ORDER BY player_id", matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query participation: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[records.MatchPlayer])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participation: %w", err)
	}
	return out, nil
}

func (t *pgTx) GetMeta(ctx context.Context, key string) (string, bool, error) {
	return t.getString(ctx, "SELECT value FROM store_meta WHERE key = $1", key)
}

func (t *pgTx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO store_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) LegacyGet(ctx context.Context, key string) (string, bool, error) {
	return t.getString(ctx, "SELECT value FROM legacy_kv WHERE key = $1", key)
}

func (t *pgTx) LegacyPut(ctx context.Context, key, value string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO legacy_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write legacy entry %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) LegacyDelete(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM legacy_kv WHERE key = $1", key); err != nil {
		return fmt.Errorf("failed to delete legacy entry %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) LegacyKeys(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, "SELECT key FROM legacy_kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy entries: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan legacy key: %w", err)
	}
	return keys, nil
}

func (t *pgTx) getString(ctx context.Context, query, key string) (string, bool, error) {
	var v string
	err := t.tx.QueryRow(ctx, query, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
