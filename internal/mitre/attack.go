// Package mitre maps phishing simulation outcomes to MITRE ATT&CK
// techniques so exported events can be pivoted on in a SIEM.
package mitre

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/phishforge/internal/campaign"
)

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1566.002"
	Name    string   `json:"name"`    // e.g., "Spearphishing Link"
	Tactics []string `json:"tactics"` // e.g., ["initial-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0001"
	Name      string `json:"name"`       // e.g., "Initial Access"
	ShortName string `json:"short_name"` // e.g., "initial-access"
	URL       string `json:"url"`
}

// Mapping represents a technique mapping for a recipient outcome
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// AttackFramework holds the technique and tactic catalog used for
// mapping. It is read-only after construction.
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
}

// NewAttackFramework creates a new MITRE ATT&CK framework instance
func NewAttackFramework() *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
	}
	af.initializeTechniques()
	af.initializeTactics()
	return af
}

// stageTechniques lists what each funnel stage demonstrates. Later stages
// include everything earlier ones do.
var stageTechniques = map[campaign.Stage][]struct {
	id         string
	confidence float64
}{
	campaign.StageOpened: {
		{"T1566", 0.5},
	},
	campaign.StageClicked: {
		{"T1566.002", 0.9},
		{"T1204.001", 0.9},
	},
	campaign.StageSubmitted: {
		{"T1566.002", 1.0},
		{"T1204.001", 1.0},
		{"T1598.003", 1.0},
		{"T1056.003", 0.8},
	},
}

// MapStage returns the techniques a recipient at stage was exposed to.
// Recipients with no stage map to nothing.
func (af *AttackFramework) MapStage(stage campaign.Stage) []Mapping {
	entries := stageTechniques[stage]
	mappings := make([]Mapping, 0, len(entries))
	for _, e := range entries {
		t, ok := af.techniques[e.id]
		if !ok {
			continue
		}
		tactic := af.tactics[t.Tactics[0]]
		mappings = append(mappings, Mapping{
			TechniqueID:   t.ID,
			TechniqueName: t.Name,
			TacticID:      tactic.ID,
			TacticName:    tactic.Name,
			Confidence:    e.confidence,
			Evidence:      fmt.Sprintf("recipient reached stage %q", stage),
		})
	}
	return mappings
}

// TechniqueIDs returns the sorted technique IDs of mappings.
func TechniqueIDs(mappings []Mapping) []string {
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.TechniqueID)
	}
	sort.Strings(ids)
	return ids
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	if t, ok := af.tactics[strings.ToLower(id)]; ok {
		return t, true
	}
	t, ok := af.tactics[strings.ToUpper(id)]
	return t, ok
}

func (af *AttackFramework) initializeTechniques() {
	techniques := []*Technique{
		{ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}},
		{ID: "T1566.002", Name: "Spearphishing Link", Tactics: []string{"initial-access"}},
		{ID: "T1204.001", Name: "User Execution: Malicious Link", Tactics: []string{"execution"}},
		{ID: "T1598.003", Name: "Spearphishing Link for Information", Tactics: []string{"reconnaissance"}},
		{ID: "T1056.003", Name: "Web Portal Capture", Tactics: []string{"collection", "credential-access"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}
