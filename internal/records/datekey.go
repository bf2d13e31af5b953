package records

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/en"
)

// DateKeyLayout is the canonical, locale-stable representation used for
// minutesPlayed keys, injury dates and match dates.
const DateKeyLayout = "02 Jan 2006 15:04"

// inputLayouts are the date formats seen on game pages and in older exports.
var inputLayouts = []string{
	DateKeyLayout,
	"2 Jan 2006 15:04",
	"02.01.2006 15:04",
	"2.1.2006 15:04",
	"02/01/2006 15:04",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2.1.2006, 15:04:05",
	"2.1.2006, 15:04",
	"2/1/2006, 15:04:05",
	"2/1/2006, 15:04",
	"Mon Jan 2 2006 15:04:05 GMT-0700",
	"Mon Jan 2 2006 15:04:05",
	"02.01.2006",
	"2006-01-02",
	"02 Jan 2006",
}

// relativeWords gate the natural-language fallback. Anything else must match
// one of inputLayouts exactly.
var relativeWords = map[string]bool{
	"now": true, "today": true, "tonight": true, "yesterday": true, "tomorrow": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

var (
	parserOnce sync.Once
	relParser  *when.Parser
)

func relativeParser() *when.Parser {
	parserOnce.Do(func() {
		relParser = when.New(nil)
		relParser.Add(en.All...)
	})
	return relParser
}

// DateKey formats t as a canonical date key.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// ParseDateKey parses a canonical date key.
func ParseDateKey(key string) (time.Time, error) {
	return time.Parse(DateKeyLayout, key)
}

// IsCanonical reports whether s is already in canonical form.
func IsCanonical(s string) bool {
	t, err := ParseDateKey(s)
	return err == nil && DateKey(t) == s
}

// NormalizeDate converts any supported date representation into a canonical
// date key. Relative expressions such as "yesterday 20:45" are resolved
// against ref. The second result is false when s is not a recognizable date.
func NormalizeDate(s string, ref time.Time) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if t, ok := parseLayouts(stripZoneName(s)); ok {
		return DateKey(t), true
	}
	// Legacy exports stored JavaScript epoch milliseconds.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1e11 {
		return DateKey(time.UnixMilli(ms).UTC()), true
	}
	return parseRelative(s, ref)
}

// parseRelative resolves "yesterday 20:45" style dates. The match has to
// cover the whole input; a partial hit would keep the time of day and
// silently swap the date for ref's.
func parseRelative(s string, ref time.Time) (string, bool) {
	lower := strings.ToLower(s)
	relative := false
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool { return r < 'a' || r > 'z' }) {
		if relativeWords[word] {
			relative = true
			break
		}
	}
	if !relative {
		return "", false
	}
	r, err := relativeParser().Parse(lower, ref)
	if err != nil || r == nil {
		return "", false
	}
	if strings.TrimSpace(lower[:r.Index]) != "" || strings.TrimSpace(lower[r.Index+len(r.Text):]) != "" {
		return "", false
	}
	return DateKey(r.Time), true
}

// stripZoneName drops the "(Central European Standard Time)" suffix that
// JavaScript's Date.toString appends.
func stripZoneName(s string) string {
	if i := strings.LastIndex(s, " ("); i > 0 && strings.HasSuffix(s, ")") {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func parseLayouts(s string) (time.Time, bool) {
	for _, layout := range inputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CompareDateKeys orders two canonical keys chronologically. Keys that do not
// parse sort after every parseable key and compare lexically among themselves.
func CompareDateKeys(a, b string) int {
	ta, errA := ParseDateKey(a)
	tb, errB := ParseDateKey(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	return ta.Compare(tb)
}

// ParseMinutes reads a minutes value as shown in lineups ("75", "75'", "").
// An empty value counts as zero minutes.
func ParseMinutes(s string) (int, bool) {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "'’"))
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SortDatesDesc sorts date keys most recent first. Unparseable keys keep
// their relative order at the end.
func SortDatesDesc(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		ti, errI := ParseDateKey(keys[i])
		tj, errJ := ParseDateKey(keys[j])
		switch {
		case errI != nil:
			return false
		case errJ != nil:
			return true
		}
		return ti.After(tj)
	})
}
