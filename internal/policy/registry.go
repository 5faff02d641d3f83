// Package policy implements L3: the Policy Registry. Lookups are pure,
// keyed by (intent_type, trust_level), and fall back to the nearest
// lower trust level on a partial miss (spec §4.3). The registry is
// loaded from YAML and can be hot-reloaded; readers never block on a
// reload (spec §5 "the policy registry is effectively immutable at
// runtime; readers take no lock" — reload swaps a pointer instead).
package policy

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// AppointmentMode mirrors domain.AppointmentMode without importing the
// domain package, so policy stays decodable from YAML on its own.
type AppointmentMode string

const (
	AppointmentNone   AppointmentMode = "none"
	AppointmentGrace  AppointmentMode = "grace_period"
	AppointmentStrict AppointmentMode = "strict"
)

// ContentRules are the intent-type-specific content filter rules of
// spec §4.4 step 7.
type ContentRules struct {
	MinContextLength int      `yaml:"min_context_length"`
	ForbiddenTokens  []string `yaml:"forbidden_tokens"`
	RequiredFields   []string `yaml:"required_fields"`
}

// PolicyEntry is one (intent_type, trust_level) policy row (spec §4.3).
type PolicyEntry struct {
	IntentType      string          `yaml:"intent_type"`
	TrustFloor      int             `yaml:"trust_floor"`
	Appointment     AppointmentMode `yaml:"appointment_mode"`
	GracePeriod     time.Duration   `yaml:"grace_period"`
	RequireConsent  bool            `yaml:"require_consent"`
	ContentRules    ContentRules    `yaml:"content_rules"`
	RiskThreshold   float64         `yaml:"risk_threshold"`
	ConsentFilter   string         `yaml:"consent_filter_cel,omitempty"`
	OversightCopy   bool            `yaml:"oversight_copy"`
	LegalHold       bool            `yaml:"legal_hold"`
}

// denyAll is the conservative default returned when an intent type has
// no registered entry at all (spec §4.3: "denies admission if the
// intent type is not registered at all").
var denyAll = PolicyEntry{
	TrustFloor:    6, // above the maximum trust level (0-5), so it never admits
	RiskThreshold: 1.0,
}

// document is the on-disk YAML shape.
type document struct {
	Version  string        `yaml:"version"`
	Policies []PolicyEntry `yaml:"policies"`
}

// table is an immutable, fully-indexed snapshot of one loaded document.
type table struct {
	version  *semver.Version
	rawVer   string
	byType   map[string]map[int]PolicyEntry // intent_type -> trust_level -> entry
	sortedTL map[string][]int                // intent_type -> sorted trust levels, ascending
}

// Registry is the L3 Policy Registry. The zero value is not usable;
// construct with NewRegistry or Load.
type Registry struct {
	current atomic.Pointer[table]
}

// NewRegistry builds an empty registry that denies everything until a
// document is loaded.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&table{byType: map[string]map[int]PolicyEntry{}, sortedTL: map[string][]int{}})
	return r
}

// Load reads and indexes a YAML policy document from disk, replacing
// the registry's state unconditionally (used for the first load).
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", path, err)
	}
	t, err := buildTable(data)
	if err != nil {
		return err
	}
	r.current.Store(t)
	return nil
}

// Reload re-reads the document at path and swaps it in only if its
// version is strictly newer than the currently loaded version (spec §5
// "policy reload ... must never allow in-flight admissions to observe a
// partially-applied policy set" — the swap is atomic, and semver gating
// stops an operator from accidentally rolling a live policy set
// backwards).
func (r *Registry) Reload(path string) (applied bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("policy: read %s: %w", path, err)
	}
	next, err := buildTable(data)
	if err != nil {
		return false, err
	}

	cur := r.current.Load()
	if cur.version != nil && next.version != nil && !next.version.GreaterThan(cur.version) {
		return false, fmt.Errorf("policy: reload rejected: document version %s is not newer than loaded version %s", next.rawVer, cur.rawVer)
	}
	r.current.Store(next)
	return true, nil
}

// Version reports the version string of the currently loaded policy
// document, for stamping into intent_admitted events (spec §4.4 step 9:
// "admitting policy version").
func (r *Registry) Version() string {
	return r.current.Load().rawVer
}

func buildTable(data []byte) (*table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	t := &table{
		rawVer:   doc.Version,
		byType:   make(map[string]map[int]PolicyEntry),
		sortedTL: make(map[string][]int),
	}
	if doc.Version != "" {
		v, err := semver.NewVersion(doc.Version)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid version %q: %w", doc.Version, err)
		}
		t.version = v
	}

	for _, p := range doc.Policies {
		if t.byType[p.IntentType] == nil {
			t.byType[p.IntentType] = make(map[int]PolicyEntry)
		}
		t.byType[p.IntentType][p.TrustFloor] = p
	}
	for typ, byLevel := range t.byType {
		levels := make([]int, 0, len(byLevel))
		for lvl := range byLevel {
			levels = append(levels, lvl)
		}
		sort.Ints(levels)
		t.sortedTL[typ] = levels
	}
	return t, nil
}

// Lookup returns the policy entry for (intentType, trustLevel). On a
// partial miss it falls back to the entry registered at the nearest
// trust level not exceeding trustLevel (spec §4.3). On a total miss
// (the intent type isn't registered at all) it returns the
// admission-denying default.
func (r *Registry) Lookup(intentType string, trustLevel int) PolicyEntry {
	t := r.current.Load()
	byLevel, ok := t.byType[intentType]
	if !ok {
		return denyAll
	}
	levels := t.sortedTL[intentType]

	// find the greatest registered level <= trustLevel
	best := -1
	for _, lvl := range levels {
		if lvl <= trustLevel {
			best = lvl
		} else {
			break
		}
	}
	if best == -1 {
		// every registered level is above the relationship's trust level;
		// fall back to the lowest registered level (still the "nearest"
		// one, and still subject to the trust-floor check at admission
		// time, which will then correctly reject as trust_level_insufficient).
		if len(levels) == 0 {
			return denyAll
		}
		best = levels[0]
	}
	return byLevel[best]
}
