// Package safety implements the deterministic safety monitor. It screens raw
// user input against configured pattern rules before any model call; an
// override produces a hard-coded response that is used verbatim and bypasses
// rate limits and circuit breakers.
//
// The monitor never consults the LLM and keeps no per-user state: the same
// input always yields the same verdict under the same rule set.
package safety

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// Severity ranks a rule. Critical rules form the emergency subset and are
// evaluated before everything else.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityElevated Severity = "elevated"
)

// Rule is one configured safety pattern. Patterns are case-insensitive
// substrings over the raw input; no embeddings, no model calls.
type Rule struct {
	Name     string   `yaml:"name"`
	Severity Severity `yaml:"severity"`
	Patterns []string `yaml:"patterns"`
	Response string   `yaml:"response"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Verdict is the monitor's outcome for one input.
type Verdict struct {
	Override  bool
	Rule      string
	Severity  Severity
	Emergency bool
	Response  *types.LLMResponse
}

// Proceed is the no-override verdict.
var Proceed = Verdict{}

// Monitor evaluates inputs against the loaded rule set. Rule swaps (hot
// reload) happen under the write lock; evaluation takes the read lock only.
type Monitor struct {
	mu    sync.RWMutex
	rules []Rule
	path  string
}

// NewMonitor creates a monitor from the rule file at path. A missing file is
// not an error: the built-in defaults keep the crisis and deflection rules
// active even with no configuration present.
func NewMonitor(path string) (*Monitor, error) {
	m := &Monitor{path: path, rules: DefaultRules()}

	if path != "" {
		if err := m.Reload(); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			logging.Safety("No rule file at %s, using built-in rules", path)
		}
	}
	return m, nil
}

// Reload re-reads the rule file and swaps the rule set atomically.
// Invalid files leave the previous rules in place.
func (m *Monitor) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("safety: parse %s: %w", m.path, err)
	}
	if err := validateRules(rf.Rules); err != nil {
		return fmt.Errorf("safety: %s: %w", m.path, err)
	}

	m.SetRules(rf.Rules)
	logging.Safety("Loaded %d safety rules from %s", len(rf.Rules), m.path)
	return nil
}

// SetRules replaces the rule set. Critical rules are moved to the front so
// the emergency subset is always evaluated first.
func (m *Monitor) SetRules(rules []Rule) {
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Severity == SeverityCritical {
			ordered = append(ordered, r)
		}
	}
	for _, r := range rules {
		if r.Severity != SeverityCritical {
			ordered = append(ordered, r)
		}
	}

	m.mu.Lock()
	m.rules = ordered
	m.mu.Unlock()
}

// Rules returns a copy of the active rule set.
func (m *Monitor) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Evaluate screens one input. The frame is accepted read-only for future
// context-sensitive rules; current rules look at the input text alone.
// First matching rule wins, critical rules first, then file order.
func (m *Monitor) Evaluate(input string, _ *types.Frame) Verdict {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	lowered := strings.ToLower(input)
	for _, r := range rules {
		for _, p := range r.Patterns {
			if strings.Contains(lowered, strings.ToLower(p)) {
				logging.Safety("Override: rule=%s severity=%s", r.Name, r.Severity)
				logging.Audit().SafetyOverride(r.Name, string(r.Severity))
				return Verdict{
					Override:  true,
					Rule:      r.Name,
					Severity:  r.Severity,
					Emergency: r.Severity == SeverityCritical,
					Response: &types.LLMResponse{
						Text:       r.Response,
						Source:     types.SourceHardCoded,
						Confidence: 1.0,
					},
				}
			}
		}
	}
	return Proceed
}

// IsEmergency reports whether the input trips a critical rule. Used by the
// emergency bypass check, which runs before admission control.
func (m *Monitor) IsEmergency(input string) bool {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	lowered := strings.ToLower(input)
	for _, r := range rules {
		if r.Severity != SeverityCritical {
			// Critical rules sort first; past them, nothing qualifies.
			return false
		}
		for _, p := range r.Patterns {
			if strings.Contains(lowered, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

func validateRules(rules []Rule) error {
	for i, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name required", i)
		}
		if r.Severity != SeverityCritical && r.Severity != SeverityElevated {
			return fmt.Errorf("rule %q: severity must be critical or elevated", r.Name)
		}
		if len(r.Patterns) == 0 {
			return fmt.Errorf("rule %q: at least one pattern required", r.Name)
		}
		if r.Response == "" {
			return fmt.Errorf("rule %q: response required", r.Name)
		}
	}
	return nil
}

// DefaultRules is the built-in rule set used when no file is configured.
// The crisis rule set is intentionally broad; false positives cost a canned
// message, false negatives cost much more.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "crisis_self_harm",
			Severity: SeverityCritical,
			Patterns: []string{
				"hurt myself", "kill myself", "end my life", "self-harm",
				"self harm", "suicide", "suicidal", "want to die",
				"no reason to live",
			},
			Response: "It sounds like you're going through something really hard right now. " +
				"I'm not able to help with this, but people are available who can. " +
				"You can call or text 988 (Suicide & Crisis Lifeline) any time, " +
				"or reach the Crisis Text Line by texting HOME to 741741.",
		},
		{
			Name:     "medical_decision",
			Severity: SeverityElevated,
			Patterns: []string{
				"should i stop taking", "should i take my medication",
				"change my dosage", "stop my medication", "medical advice",
				"diagnose me",
			},
			Response: "I can't help with medication or medical decisions. " +
				"Please talk to your doctor or pharmacist about this one.",
		},
		{
			Name:     "legal_decision",
			Severity: SeverityElevated,
			Patterns: []string{
				"legal advice", "should i sue", "sign this contract",
				"represent myself in court",
			},
			Response: "I can't help with legal decisions. " +
				"A lawyer or your local legal aid office is the right place for this.",
		},
	}
}
