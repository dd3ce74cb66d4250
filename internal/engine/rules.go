package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// RuleEngine applies a YAML rule pack of known-bad request shapes on top of the
// statistical models.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule flags records matching every populated attribute of Match.
type Rule struct {
	ID     string    `yaml:"id"`
	Match  RuleMatch `yaml:"match"`
	Reason string    `yaml:"reason"`
	// Override forces severity anomalous; otherwise the rule only adds its reason.
	Override bool `yaml:"override"`
}

// RuleMatch defines optional attributes for rule matching.
type RuleMatch struct {
	Endpoint          string   `yaml:"endpoint"`
	EndpointContains  []string `yaml:"endpoint_contains"`
	Methods           []string `yaml:"methods"`
	StatusMin         int      `yaml:"status_min"`
	StatusMax         int      `yaml:"status_max"`
	ResponseTimeMinMs float64  `yaml:"response_time_min_ms"`
	UserAgentContains []string `yaml:"user_agent_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleHit is one rule that matched a record.
type RuleHit struct {
	ID       string
	Reason   models.Reason
	Override bool
}

// NewRuleEngine loads rules from the provided path. If path is empty or the file
// does not exist, returns a nil engine, which matches nothing.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	return NewRuleEngineFromRules(cfg.Rules, logger)
}

// NewRuleEngineFromRules validates an in-memory rule set.
func NewRuleEngineFromRules(rules []Rule, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if rule.Reason == "" {
			return nil, fmt.Errorf("rule %s: reason is required", rule.ID)
		}
		if rule.Match.empty() {
			return nil, fmt.Errorf("rule %s: match must set at least one attribute", rule.ID)
		}
	}
	logger.Debug("rule pack loaded", slog.Int("rules", len(rules)))
	return &RuleEngine{rules: rules, logger: logger}, nil
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Evaluate returns the rules matching rec, in pack order.
func (e *RuleEngine) Evaluate(rec models.LogRecord) []RuleHit {
	if e == nil {
		return nil
	}

	var hits []RuleHit
	for _, rule := range e.rules {
		if !rule.Match.matches(rec) {
			continue
		}
		hits = append(hits, RuleHit{ID: rule.ID, Reason: models.Reason(rule.Reason), Override: rule.Override})
	}
	return hits
}

func (m RuleMatch) empty() bool {
	return m.Endpoint == "" && len(m.EndpointContains) == 0 && len(m.Methods) == 0 &&
		m.StatusMin == 0 && m.StatusMax == 0 && m.ResponseTimeMinMs == 0 && len(m.UserAgentContains) == 0
}

func (m RuleMatch) matches(rec models.LogRecord) bool {
	if m.Endpoint != "" && !strings.EqualFold(m.Endpoint, rec.Endpoint) {
		return false
	}
	if len(m.EndpointContains) > 0 && !containsAny(rec.Endpoint, m.EndpointContains) {
		return false
	}
	if len(m.Methods) > 0 && !equalsAny(rec.Method, m.Methods) {
		return false
	}
	statusKnown := !rec.Malformed.Has(models.FieldStatusCode)
	if m.StatusMin > 0 && (!statusKnown || rec.StatusCode < m.StatusMin) {
		return false
	}
	if m.StatusMax > 0 && (!statusKnown || rec.StatusCode > m.StatusMax) {
		return false
	}
	if m.ResponseTimeMinMs > 0 && (rec.Malformed.Has(models.FieldResponseTime) || rec.ResponseTimeMs <= m.ResponseTimeMinMs) {
		return false
	}
	if len(m.UserAgentContains) > 0 && !containsAny(rec.UserAgent, m.UserAgentContains) {
		return false
	}
	return true
}

func containsAny(value string, keywords []string) bool {
	value = strings.ToLower(value)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(value, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func equalsAny(value string, options []string) bool {
	for _, opt := range options {
		if strings.EqualFold(value, opt) {
			return true
		}
	}
	return false
}

func appendUnique(existing []models.Reason, additions ...models.Reason) []models.Reason {
	for _, item := range additions {
		if item == "" {
			continue
		}
		dup := false
		for _, r := range existing {
			if r == item {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, item)
		}
	}
	return existing
}
