package exchange

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pitchside/internal/migrate"
	"pitchside/internal/reconcile"
	"pitchside/internal/records"
	"pitchside/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExchanger(t *testing.T) (*Exchanger, *store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "pitchside.db"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine := reconcile.New(quietLogger())
	manager := migrate.NewManager(s, engine, "3.2.0", quietLogger())
	_, err = manager.Run(ctx)
	require.NoError(t, err)

	x := New(s, engine, manager, quietLogger())
	x.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return x, s
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Players.Put(ctx, records.Player{
		ID:            "7",
		Personalities: records.Personalities{"composure": 2},
		MinutesPlayed: map[string]int{"01 Mar 2025 15:00": 90, "08 Mar 2025 15:00": 45},
	})
	require.NoError(t, err)
	_, err = s.Players.Put(ctx, records.Player{
		ID:            "9",
		MinutesPlayed: map[string]int{"08 Mar 2025 15:00": 30},
	})
	require.NoError(t, err)
	_, err = s.Matches.Put(ctx, records.Match{
		ID:           "m1",
		Date:         "08 Mar 2025 15:00",
		HomeTeamID:   "100",
		HomeTeamName: "Home",
		AwayTeamID:   "200",
		AwayTeamName: "Away",
		FinishingLineups: &records.Lineups{
			Home: map[string]records.LineupEntry{"7": {Minutes: "45"}, "9": {Minutes: "30"}},
		},
	})
	require.NoError(t, err)
	_, err = s.Settings.Put(ctx, records.SettingsRecord{
		Category: records.SettingsFeatures,
		Settings: map[string]any{"minutes": true},
	})
	require.NoError(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, srcStore := newExchanger(t)
	seed(t, srcStore)

	var buf bytes.Buffer
	require.NoError(t, src.WriteJSON(ctx, &buf))

	doc, err := ReadDocument(&buf)
	require.NoError(t, err)
	require.Equal(t, Format, doc.Format)
	require.Equal(t, "3.2.0", doc.DataVersion)
	require.NotEmpty(t, doc.ID)
	require.Len(t, doc.Collections.Players, 2)
	require.Len(t, doc.Collections.Matches, 1)
	require.Len(t, doc.Collections.MatchPlayers, 2)

	dst, dstStore := newExchanger(t)
	res, err := dst.Import(ctx, doc, ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Players)
	require.Equal(t, 1, res.Matches)
	require.Zero(t, res.Skipped)

	p, found, err := dstStore.Players.Get(ctx, "7")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 135, p.TotalMinutes())
	require.Equal(t, 2, p.Personalities["composure"])

	rows, err := dstStore.Participation(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	features, found, err := dstStore.SettingsFor(ctx, records.SettingsFeatures)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, true, features.Settings["minutes"])
}

func TestImportMigratesOlderDocument(t *testing.T) {
	ctx := context.Background()
	x, s := newExchanger(t)

	doc := Document{
		Format:      Format,
		DataVersion: "2.3.0",
		ID:          "old",
		Collections: Collections{
			Players: []records.Player{{
				ID:            "4",
				MinutesPlayed: map[string]int{"01.03.2025 15:00": 80},
			}},
		},
	}
	res, err := x.Import(ctx, doc, ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, migrate.StateMigrated, res.Migration.State)
	require.Equal(t, "2.3.0", res.Migration.DataFrom)

	p, _, err := s.Players.Get(ctx, "4")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"01 Mar 2025 15:00": 80}, p.MinutesPlayed)

	v, _, err := s.Meta(ctx, store.MetaDataVersion)
	require.NoError(t, err)
	require.Equal(t, "3.2.0", v)
}

func TestImportMergeKeepsRecordedMinutes(t *testing.T) {
	ctx := context.Background()
	x, s := newExchanger(t)
	seed(t, s)

	doc := Document{
		Format:      Format,
		DataVersion: "3.2.0",
		Collections: Collections{
			Players: []records.Player{{
				ID:            "7",
				MinutesPlayed: map[string]int{"01 Mar 2025 15:00": 10, "15 Mar 2025 15:00": 60},
			}},
		},
	}
	_, err := x.Import(ctx, doc, ImportOptions{})
	require.NoError(t, err)

	p, _, err := s.Players.Get(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, map[string]int{
		"01 Mar 2025 15:00": 90,
		"08 Mar 2025 15:00": 45,
		"15 Mar 2025 15:00": 60,
	}, p.MinutesPlayed)
}

func TestImportCountsRejectedRecordsAsSkipped(t *testing.T) {
	ctx := context.Background()
	x, s := newExchanger(t)
	seed(t, s)

	doc := Document{
		Format:      Format,
		DataVersion: "3.2.0",
		Collections: Collections{
			Players: []records.Player{
				{ID: "7", Personalities: records.Personalities{"composure": 5}},
				{ID: "9", MinutesPlayed: map[string]int{"15 Mar 2025 15:00": -3}},
				{ID: "12", MinutesPlayed: map[string]int{"15 Mar 2025 15:00": 90}},
			},
			Matches: []records.Match{{
				ID:               "m9",
				FinishingLineups: &records.Lineups{Home: map[string]records.LineupEntry{"": {Name: "Nobody"}}},
			}},
		},
	}
	res, err := x.Import(ctx, doc, ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Players)
	require.Zero(t, res.Matches)
	require.Equal(t, 3, res.Skipped)

	p, _, err := s.Players.Get(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, 2, p.Personalities["composure"])
	_, found, err := s.Matches.Get(ctx, "m9")
	require.NoError(t, err)
	require.False(t, found)
}

func TestImportReplace(t *testing.T) {
	ctx := context.Background()
	x, s := newExchanger(t)
	seed(t, s)

	doc := Document{
		Format:      Format,
		DataVersion: "3.2.0",
		Collections: Collections{
			Players: []records.Player{{ID: "11"}, {ID: ""}},
		},
	}
	res, err := x.Import(ctx, doc, ImportOptions{Replace: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Players)
	require.Equal(t, 1, res.Skipped)

	players, err := s.Players.All(ctx)
	require.NoError(t, err)
	require.Len(t, players, 1)
	require.Equal(t, "11", players[0].ID)

	n, err := s.Matches.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	rows, err := s.AllParticipation(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestReadDocumentRejectsOtherFormats(t *testing.T) {
	_, err := ReadDocument(strings.NewReader(`{"format": "something-else"}`))
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadDocument(strings.NewReader(`not json`))
	require.Error(t, err)
}

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	x, s := newExchanger(t)

	dump := `{
		"modules": "{\"minutes\": true, \"tooltips\": false}",
		"colors": {"home": "#ff0000"},
		"unrelated": 42
	}`
	keys, err := x.ImportLegacy(ctx, strings.NewReader(dump))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{migrate.LegacyModules, migrate.LegacyColors}, keys)

	features, found, err := s.SettingsFor(ctx, records.SettingsFeatures)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, map[string]any{"minutes": true, "tooltips": false}, features.Settings)

	left, err := s.LegacyKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestWriteMinutesXLSX(t *testing.T) {
	ctx := context.Background()
	x, s := newExchanger(t)
	seed(t, s)

	var buf bytes.Buffer
	require.NoError(t, x.WriteMinutesXLSX(ctx, &buf))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{SheetMinutes, SheetParticipation}, f.GetSheetList())

	rows, err := f.GetRows(SheetMinutes)
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"Player", "01 Mar 2025 15:00", "08 Mar 2025 15:00", "Total"},
		{"7", "90", "45", "135"},
		{"9", "", "30", "30"},
	}, rows)

	rows, err = f.GetRows(SheetParticipation)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"Match", "Date", "Player", "Team", "Minutes", "Injury"}, rows[0])
	require.Equal(t, []string{"m1", "08 Mar 2025 15:00", "7", "100", "45"}, rows[1])
}
