package records

// Settings categories stored in the settings collection.
const (
	SettingsFeatures   = "features"
	SettingsColors     = "colors"
	SettingsThresholds = "thresholds"
	SettingsUI         = "ui"
)

// SettingsRecord is one category document of the settings collection.
type SettingsRecord struct {
	Category string         `json:"category"`
	Settings map[string]any `json:"settings"`

	Revision int64 `json:"-"`
}

// RecordID implements the store's record constraint.
func (s SettingsRecord) RecordID() string { return s.Category }

// Rev implements the store's record constraint.
func (s SettingsRecord) Rev() int64 { return s.Revision }

// WithRevision implements the store's record constraint.
func (s SettingsRecord) WithRevision(rev int64) SettingsRecord { s.Revision = rev; return s }

// Thresholds are the numeric cutoffs the calculators read.
type Thresholds struct {
	Composure    int `json:"composure" yaml:"composure"`
	Arrogance    int `json:"arrogance" yaml:"arrogance"`
	Constitution int `json:"constitution" yaml:"constitution"`
}

// DefaultThresholds returns the cutoffs used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{Composure: 0, Arrogance: 1, Constitution: 50}
}

// ThresholdsFrom reads thresholds from a settings document, keeping defaults
// for keys that are absent or not numeric.
func ThresholdsFrom(rec SettingsRecord) Thresholds {
	t := DefaultThresholds()
	read := func(key string, dst *int) {
		switch v := rec.Settings[key].(type) {
		case float64:
			*dst = int(v)
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		}
	}
	read("composure", &t.Composure)
	read("arrogance", &t.Arrogance)
	read("constitution", &t.Constitution)
	return t
}

// Map converts thresholds back into a settings payload.
func (t Thresholds) Map() map[string]any {
	return map[string]any{
		"composure":    t.Composure,
		"arrogance":    t.Arrogance,
		"constitution": t.Constitution,
	}
}
