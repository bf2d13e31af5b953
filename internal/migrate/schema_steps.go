package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"pitchside/internal/records"
	"pitchside/internal/store"
)

func schemaSteps() []SchemaStep {
	return []SchemaStep{
		{Version: 1, Name: "documents", Apply: createDocuments},
		{Version: 2, Name: "match participation", Apply: createParticipation},
		{Version: 3, Name: "participation indexes", Apply: createIndexes},
	}
}

func createDocuments(ctx context.Context, tx store.Tx, d store.Dialect) error {
	docType, revType, tsType := "TEXT", "INTEGER", "TEXT"
	if d == store.DialectPostgres {
		docType, revType, tsType = "JSONB", "BIGINT", "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			revision %s NOT NULL,
			doc %s NOT NULL,
			updated_at %s NOT NULL,
			PRIMARY KEY (collection, id)
		)`, revType, docType, tsType),
		`CREATE TABLE IF NOT EXISTS legacy_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// createParticipation adds the participation table and fills it from the
// finishing lineups of every stored match.
func createParticipation(ctx context.Context, tx store.Tx, _ store.Dialect) error {
	err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS match_players (
		match_id TEXT NOT NULL,
		player_id TEXT NOT NULL,
		team_id TEXT NOT NULL DEFAULT '',
		minutes_played INTEGER NOT NULL DEFAULT 0,
		injury TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (match_id, player_id)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create match_players: %w", err)
	}

	docs, err := tx.ListDocs(ctx, records.CollectionMatches)
	if err != nil {
		return err
	}
	for _, d := range docs {
		var m records.Match
		if err := json.Unmarshal(d.Body, &m); err != nil {
			return fmt.Errorf("failed to decode match %s: %w", d.ID, err)
		}
		rows, _ := records.Participation(m)
		if err := tx.ReplaceParticipation(ctx, m.ID, rows); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(ctx context.Context, tx store.Tx, _ store.Dialect) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_match_players_player ON match_players (player_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents (collection, updated_at)`,
	}
	for _, stmt := range stmts {
		if err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
