package extract

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PhraseLabel maps a phrase in report text to a label.
type PhraseLabel struct {
	Phrase string `yaml:"phrase" json:"phrase"`
	Label  string `yaml:"label" json:"label"`
}

// ReportRules are the phrases the report analyzer looks for. Matching is
// case-insensitive and on whole words.
type ReportRules struct {
	PassMarkers        []string      `yaml:"pass_markers" json:"passMarkers"`
	OpportunityPhrases []string      `yaml:"opportunity_phrases" json:"opportunityPhrases"`
	Outcomes           []PhraseLabel `yaml:"outcomes" json:"outcomes"`
	SetPieces          []PhraseLabel `yaml:"set_pieces" json:"setPieces"`
}

// Outcome labels used by the default rules.
const (
	OutcomeGoal     = "goal"
	OutcomeSaved    = "saved"
	OutcomeBlocked  = "blocked"
	OutcomeMissed   = "missed"
	OutcomeWoodwork = "woodwork"
	OutcomeCleared  = "cleared"
)

// Set-piece contexts used by the default rules.
const (
	SetPieceCorner   = "corner"
	SetPieceFreeKick = "free kick"
)

// DefaultReportRules match the game's English match reports.
func DefaultReportRules() ReportRules {
	return ReportRules{
		PassMarkers:        []string{"pass to", "passes to", "cross to", "crosses to", "ball to"},
		OpportunityPhrases: []string{"chance", "shot", "shoots", "header", "heads", "attempt"},
		Outcomes: []PhraseLabel{
			{"scores", OutcomeGoal},
			{"goal", OutcomeGoal},
			{"saved", OutcomeSaved},
			{"saves", OutcomeSaved},
			{"blocked", OutcomeBlocked},
			{"blocks", OutcomeBlocked},
			{"wide", OutcomeMissed},
			{"over the bar", OutcomeMissed},
			{"hits the post", OutcomeWoodwork},
			{"hits the bar", OutcomeWoodwork},
			{"cleared", OutcomeCleared},
			{"clears", OutcomeCleared},
		},
		SetPieces: []PhraseLabel{
			{"corner", SetPieceCorner},
			{"free kick", SetPieceFreeKick},
		},
	}
}

func (r ReportRules) withDefaults() ReportRules {
	def := DefaultReportRules()
	if len(r.PassMarkers) == 0 {
		r.PassMarkers = def.PassMarkers
	}
	if len(r.OpportunityPhrases) == 0 {
		r.OpportunityPhrases = def.OpportunityPhrases
	}
	if len(r.Outcomes) == 0 {
		r.Outcomes = def.Outcomes
	}
	if len(r.SetPieces) == 0 {
		r.SetPieces = def.SetPieces
	}
	return r
}

// PlayerRef is a player linked from a report.
type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Opportunity is one chance described in a match report, with the roles
// the analyzer could assign. Any role may be nil.
type Opportunity struct {
	Minute    int        `json:"minute"`
	Creator   *PlayerRef `json:"creator,omitempty"`
	Assistant *PlayerRef `json:"assistant,omitempty"`
	Receiver  *PlayerRef `json:"receiver,omitempty"`
	Stopper   *PlayerRef `json:"stopper,omitempty"`
	PassType  string     `json:"passType,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	SetPiece  string     `json:"setPiece,omitempty"`
	Text      string     `json:"text"`
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokAnchor
	tokPassType
	tokMinute
)

type token struct {
	kind tokenKind
	text string
	id   string
}

// pos is a location in a segment: token index, then byte offset inside a
// text token. Positions compare in document order.
type pos struct {
	tok, off int
}

func (p pos) before(q pos) bool {
	return p.tok < q.tok || (p.tok == q.tok && p.off < q.off)
}

type segment struct {
	minute int
	tokens []token
}

// ReportPage analyzes the report container of a match page.
func (e *Extractor) ReportPage(root *goquery.Selection) ([]Opportunity, error) {
	report, err := required(root, e.sel.Report)
	if err != nil {
		return nil, err
	}
	return e.analyze(report), nil
}

// AnalyzeReport analyzes a report given as an HTML fragment.
//
// Role assignment is a heuristic over document order, not a parse of the
// prose. Within each opportunity segment:
//   - receiver: first player link after the last pass marker
//   - assistant: nearest player link before that marker
//   - pass type: nearest pass-type element before that marker
//   - creator: first player link of the segment
//   - outcome: the last outcome phrase; at equal positions the longest wins
//   - stopper: first player link after the outcome phrase
//   - set piece: the last context phrase, kept only when both the assistant
//     and the stopper come after it
func (e *Extractor) AnalyzeReport(fragment string) ([]Opportunity, error) {
	doc, err := ParseString(fragment)
	if err != nil {
		return nil, err
	}
	return e.analyze(doc.Find("body")), nil
}

func (e *Extractor) analyze(report *goquery.Selection) []Opportunity {
	marks := map[*html.Node]tokenKind{}
	report.Find(e.sel.ReportPassType).Each(func(_ int, s *goquery.Selection) {
		marks[s.Get(0)] = tokPassType
	})
	report.Find(e.sel.ReportMinute).Each(func(_ int, s *goquery.Selection) {
		marks[s.Get(0)] = tokMinute
	})

	var tokens []token
	for _, n := range report.Nodes {
		tokens = flatten(n, marks, tokens)
	}

	var out []Opportunity
	for _, seg := range split(compact(tokens)) {
		if !e.isOpportunity(seg) {
			continue
		}
		out = append(out, e.assignRoles(seg))
	}
	return out
}

func flatten(n *html.Node, marks map[*html.Node]tokenKind, tokens []token) []token {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			tokens = appendText(tokens, c.Data)
		case c.Type != html.ElementNode:
		case marks[c] == tokMinute || marks[c] == tokPassType:
			tokens = append(tokens, token{kind: marks[c], text: nodeText(c)})
		case c.DataAtom == atom.A:
			tokens = append(tokens, token{kind: tokAnchor, text: nodeText(c), id: anchorID(c)})
		case c.DataAtom == atom.Br:
			tokens = appendText(tokens, " ")
		default:
			tokens = flatten(c, marks, tokens)
		}
	}
	return tokens
}

// appendText merges adjacent text so phrases split by inline markup still
// match. Whitespace is collapsed once the whole stream is built.
func appendText(tokens []token, s string) []token {
	if n := len(tokens); n > 0 && tokens[n-1].kind == tokText {
		tokens[n-1].text += s
		return tokens
	}
	return append(tokens, token{kind: tokText, text: s})
}

func compact(tokens []token) []token {
	out := tokens[:0]
	for _, t := range tokens {
		if t.kind == tokText {
			if t.text = collapse(t.text); t.text == "" {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapse(b.String())
}

func anchorID(n *html.Node) string {
	var href string
	for _, a := range n.Attr {
		switch a.Key {
		case "data-id":
			if v := strings.TrimSpace(a.Val); v != "" {
				return v
			}
		case "href":
			href = a.Val
		}
	}
	return idFromHref(href)
}

// split cuts the token stream at minute markers. Text before the first
// marker belongs to no minute and is dropped.
func split(tokens []token) []segment {
	var segs []segment
	for _, t := range tokens {
		if t.kind == tokMinute {
			segs = append(segs, segment{minute: parseMinute(t.text)})
			continue
		}
		if len(segs) == 0 {
			continue
		}
		last := &segs[len(segs)-1]
		last.tokens = append(last.tokens, t)
	}
	return segs
}

// parseMinute reads "12'" as 12 and stoppage time "90+3'" as 93.
func parseMinute(s string) int {
	total := 0
	for i, n := range idPattern.FindAllString(s, 2) {
		v, _ := strconv.Atoi(n)
		if i == 0 || strings.Contains(s, "+") {
			total += v
		}
	}
	return total
}

func (e *Extractor) isOpportunity(seg segment) bool {
	for _, p := range e.rules.OpportunityPhrases {
		if len(findPhrase(seg, p)) > 0 {
			return true
		}
	}
	for _, o := range e.rules.Outcomes {
		if len(findPhrase(seg, o.Phrase)) > 0 {
			return true
		}
	}
	return false
}

func (e *Extractor) assignRoles(seg segment) Opportunity {
	opp := Opportunity{Minute: seg.minute, Text: segmentText(seg)}

	if i := firstAnchorAfter(seg, pos{tok: -1}); i >= 0 {
		opp.Creator = ref(seg.tokens[i])
	}

	assistantAt := -1
	if marker, ok := lastMatch(seg, e.rules.PassMarkers); ok {
		if i := firstAnchorAfter(seg, marker); i >= 0 {
			opp.Receiver = ref(seg.tokens[i])
		}
		for i := marker.tok - 1; i >= 0; i-- {
			t := seg.tokens[i]
			if t.kind == tokAnchor && assistantAt < 0 {
				assistantAt = i
				opp.Assistant = ref(t)
			}
			if t.kind == tokPassType && opp.PassType == "" {
				opp.PassType = strings.ToLower(t.text)
			}
		}
	}

	var outcomeAt pos
	outcomeLen := 0
	for _, o := range e.rules.Outcomes {
		for _, p := range findPhrase(seg, o.Phrase) {
			if outcomeLen == 0 || outcomeAt.before(p) || (p == outcomeAt && len(o.Phrase) > outcomeLen) {
				outcomeAt, outcomeLen = p, len(o.Phrase)
				opp.Outcome = o.Label
			}
		}
	}
	stopperAt := -1
	if outcomeLen > 0 {
		if stopperAt = firstAnchorAfter(seg, outcomeAt); stopperAt >= 0 {
			opp.Stopper = ref(seg.tokens[stopperAt])
		}
	}

	var ctxAt pos
	for _, c := range e.rules.SetPieces {
		for _, p := range findPhrase(seg, c.Phrase) {
			if opp.SetPiece == "" || ctxAt.before(p) {
				ctxAt, opp.SetPiece = p, c.Label
			}
		}
	}
	if assistantAt <= ctxAt.tok || stopperAt <= ctxAt.tok {
		opp.SetPiece = ""
	}
	return opp
}

func ref(t token) *PlayerRef {
	return &PlayerRef{ID: t.id, Name: t.text}
}

func firstAnchorAfter(seg segment, p pos) int {
	for i := p.tok + 1; i < len(seg.tokens); i++ {
		if seg.tokens[i].kind == tokAnchor {
			return i
		}
	}
	return -1
}

func lastMatch(seg segment, phrases []string) (pos, bool) {
	var last pos
	found := false
	for _, phrase := range phrases {
		for _, p := range findPhrase(seg, phrase) {
			if !found || last.before(p) {
				last, found = p, true
			}
		}
	}
	return last, found
}

// findPhrase returns every whole-word occurrence of phrase in the
// segment's text tokens.
func findPhrase(seg segment, phrase string) []pos {
	phrase = strings.ToLower(collapse(phrase))
	if phrase == "" {
		return nil
	}
	var out []pos
	for i, t := range seg.tokens {
		if t.kind != tokText {
			continue
		}
		lower := strings.ToLower(t.text)
		for from := 0; from < len(lower); {
			j := strings.Index(lower[from:], phrase)
			if j < 0 {
				break
			}
			at := from + j
			end := at + len(phrase)
			if wordBoundary(lower, at-1) && wordBoundary(lower, end) {
				out = append(out, pos{tok: i, off: at})
			}
			from = at + 1
		}
	}
	return out
}

func wordBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func segmentText(seg segment) string {
	parts := make([]string, 0, len(seg.tokens))
	for _, t := range seg.tokens {
		parts = append(parts, t.text)
	}
	return collapse(strings.Join(parts, " "))
}
