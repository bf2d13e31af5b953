package exchange

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"pitchside/internal/records"
)

// Sheet names of the minutes workbook.
const (
	SheetMinutes       = "Minutes"
	SheetParticipation = "Participation"
)

// WriteMinutesXLSX writes a workbook with the minutes ledger of every player,
// one column per match date in chronological order, and a sheet of
// participation rows.
func (x *Exchanger) WriteMinutesXLSX(ctx context.Context, w io.Writer) error {
	snap, err := x.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to export minutes: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	first := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetName(first, SheetMinutes); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := writeMinutesSheet(f, snap.Players); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetParticipation); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	if err := writeParticipationSheet(f, snap.Matches, snap.Participation); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeMinutesSheet(f *excelize.File, players []records.Player) error {
	dates := ledgerDates(players)

	header := []interface{}{"Player"}
	for _, d := range dates {
		header = append(header, d)
	}
	header = append(header, "Total")
	rows := [][]interface{}{header}

	sorted := append([]records.Player(nil), players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, p := range sorted {
		if len(p.MinutesPlayed) == 0 {
			continue
		}
		row := []interface{}{p.ID}
		for _, d := range dates {
			if m, ok := p.MinutesPlayed[d]; ok {
				row = append(row, m)
			} else {
				row = append(row, "")
			}
		}
		row = append(row, p.TotalMinutes())
		rows = append(rows, row)
	}
	return setRows(f, SheetMinutes, rows)
}

func writeParticipationSheet(f *excelize.File, matches []records.Match, rows []records.MatchPlayer) error {
	dates := make(map[string]string, len(matches))
	for _, m := range matches {
		dates[m.ID] = m.Date
	}

	sorted := append([]records.MatchPlayer(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MatchID != sorted[j].MatchID {
			return sorted[i].MatchID < sorted[j].MatchID
		}
		return sorted[i].PlayerID < sorted[j].PlayerID
	})

	out := [][]interface{}{{"Match", "Date", "Player", "Team", "Minutes", "Injury"}}
	for _, r := range sorted {
		out = append(out, []interface{}{r.MatchID, dates[r.MatchID], r.PlayerID, r.TeamID, r.MinutesPlayed, r.Injury})
	}
	return setRows(f, SheetParticipation, out)
}

func setRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		axis, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to build cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, axis, &row); err != nil {
			return fmt.Errorf("failed to set row %d of %s: %w", i+1, sheet, err)
		}
	}
	return nil
}

// ledgerDates returns every ledger date, oldest first. Keys that are not
// canonical sort after the readable ones.
func ledgerDates(players []records.Player) []string {
	seen := map[string]struct{}{}
	for _, p := range players {
		for d := range p.MinutesPlayed {
			seen[d] = struct{}{}
		}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool {
		ti, ei := time.Parse(records.DateKeyLayout, dates[i])
		tj, ej := time.Parse(records.DateKeyLayout, dates[j])
		switch {
		case ei == nil && ej == nil:
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
		case ei == nil:
			return true
		case ej == nil:
			return false
		}
		return dates[i] < dates[j]
	})
	return dates
}
