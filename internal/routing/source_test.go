package routing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRules = `
- id: low-confidence
  rule_type: confidence_threshold
  decision: escalate
  priority: high
  condition:
    operator: lt
    threshold: 0.5
- name: refund-keywords
  description: money back requests need a person
  rule_type: keyword_match
  decision: human
  condition:
    keywords: [refund, chargeback]
- id: moderation
  rule_type: content_filter
  decision: reject
  priority: critical
  enabled: false
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules), ParseOptions{Source: "inline", RequireRules: true})
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("len(rules) = %d, want 3", len(rules))
	}

	conf, ok := rules[0].Condition.(ConfidenceThreshold)
	if !ok {
		t.Fatalf("rules[0].Condition = %T, want ConfidenceThreshold", rules[0].Condition)
	}
	if conf.Signal != DefaultConfidenceSignal || conf.Operator != OperatorLT || conf.Threshold != 0.5 {
		t.Fatalf("confidence condition = %+v", conf)
	}

	if rules[1].ID != "refund-keywords" {
		t.Fatalf("rules[1].ID = %q, want name fallback %q", rules[1].ID, "refund-keywords")
	}
	if rules[1].Priority != PriorityNormal {
		t.Fatalf("rules[1].Priority = %q, want default %q", rules[1].Priority, PriorityNormal)
	}
	if !rules[1].Enabled {
		t.Fatalf("rules[1].Enabled = false, want default true")
	}
	kw := rules[1].Condition.(KeywordMatch)
	if len(kw.Keywords) != 2 || kw.CaseSensitive {
		t.Fatalf("keyword condition = %+v", kw)
	}

	if rules[2].Enabled {
		t.Fatalf("rules[2].Enabled = true, want false")
	}
	if rules[2].Type() != RuleTypeContentFilter {
		t.Fatalf("rules[2].Type() = %q, want %q", rules[2].Type(), RuleTypeContentFilter)
	}
}

func TestParseRulesErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "malformed", data: "- id: [unclosed", want: "parse yaml"},
		{name: "not a list", data: "id: one", want: "must be a list"},
		{name: "empty", data: "", want: "empty"},
		{name: "unknown type", data: "- id: a\n  rule_type: sentiment\n  decision: human\n  condition: {x: 1}", want: `unknown rule_type "sentiment"`},
		{name: "missing type", data: "- id: a\n  decision: human", want: "rule_type is required"},
		{name: "unknown decision", data: "- id: a\n  rule_type: content_filter\n  decision: maybe", want: "unknown decision"},
		{name: "unknown priority", data: "- id: a\n  rule_type: content_filter\n  decision: human\n  priority: urgent", want: "unknown priority"},
		{name: "unknown operator", data: "- id: a\n  rule_type: confidence_threshold\n  decision: human\n  condition: {operator: eq, threshold: 1}", want: "unknown operator"},
		{name: "missing threshold", data: "- id: a\n  rule_type: confidence_threshold\n  decision: human\n  condition: {operator: lt}", want: "requires threshold"},
		{name: "missing condition", data: "- id: a\n  rule_type: keyword_match\n  decision: human", want: "condition is required"},
		{name: "no keywords", data: "- id: a\n  rule_type: keyword_match\n  decision: human\n  condition: {keywords: []}", want: "at least one keyword"},
		{name: "no id", data: "- rule_type: content_filter\n  decision: human", want: "id or name is required"},
		{name: "duplicate", data: "- id: a\n  rule_type: content_filter\n  decision: human\n- id: a\n  rule_type: content_filter\n  decision: reject", want: "duplicate rule id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules, err := ParseRules([]byte(tc.data), ParseOptions{Source: "test.yaml", RequireRules: true})
			if err == nil {
				t.Fatalf("ParseRules() = %d rules, want error", len(rules))
			}
			if rules != nil {
				t.Fatalf("ParseRules() returned partial rules on error")
			}
			if !IsConfigurationError(err) {
				t.Fatalf("error = %T, want *ConfigurationError", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tc.want)
			}
			if !strings.Contains(err.Error(), "test.yaml") {
				t.Fatalf("error = %q, want source name", err.Error())
			}
		})
	}
}

func TestParseRulesEmptyAllowedWhenOptional(t *testing.T) {
	rules, err := ParseRules([]byte("[]"), ParseOptions{})
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("len(rules) = %d, want 0", len(rules))
	}
}

func TestLoadRulesFileAndEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	e, err := NewEngine(EngineConfig{Type: "rules", RulesFile: path, RequireRules: true})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	got := e.Route(Context{Content: "I want a Chargeback", Signals: map[string]float64{"confidence": 0.9}})
	if got.Decision != DecisionHuman || got.TriggeredRuleIDs[0] != "refund-keywords" {
		t.Fatalf("Route() = %+v, want refund-keywords human", got)
	}
	got = e.Route(Context{Content: "refund", Signals: map[string]float64{"confidence": 0.1}})
	if got.Decision != DecisionEscalate {
		t.Fatalf("Decision = %q, want %q (high priority shadows normal)", got.Decision, DecisionEscalate)
	}
}

func TestLoadRulesFileMissing(t *testing.T) {
	_, err := LoadRulesFile(filepath.Join(t.TempDir(), "nope.yaml"), true)
	if !IsConfigurationError(err) {
		t.Fatalf("LoadRulesFile() error = %v, want ConfigurationError", err)
	}
}

func TestRuleMarshalIncludesType(t *testing.T) {
	data, err := json.Marshal(Rule{
		ID: "kw", Decision: DecisionHuman, Priority: PriorityLow, Enabled: true,
		Condition: KeywordMatch{Keywords: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"rule_type":"keyword_match"`) {
		t.Fatalf("json = %s, want rule_type", data)
	}
}
