package routing

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Decision string

const (
	DecisionAutomatic Decision = "automatic"
	DecisionHuman     Decision = "human"
	DecisionEscalate  Decision = "escalate"
	DecisionReject    Decision = "reject"
)

func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(raw))); d {
	case DecisionAutomatic, DecisionHuman, DecisionEscalate, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q (expected automatic|human|escalate|reject)", raw)
	}
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for evaluation; lower ranks are evaluated first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

func ParsePriority(raw string) (Priority, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return PriorityNormal, nil
	}
	switch p := Priority(raw); p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q (expected critical|high|normal|low)", raw)
	}
}

type RuleType string

const (
	RuleTypeConfidenceThreshold RuleType = "confidence_threshold"
	RuleTypeKeywordMatch        RuleType = "keyword_match"
	RuleTypeContentFilter       RuleType = "content_filter"
)

// Condition is implemented only by the condition types in this package.
type Condition interface {
	Type() RuleType
	condition()
}

type Operator string

const (
	OperatorLT  Operator = "lt"
	OperatorLTE Operator = "lte"
	OperatorGT  Operator = "gt"
	OperatorGTE Operator = "gte"
)

func ParseOperator(raw string) (Operator, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return OperatorLT, nil
	}
	switch op := Operator(raw); op {
	case OperatorLT, OperatorLTE, OperatorGT, OperatorGTE:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operator %q (expected lt|lte|gt|gte)", raw)
	}
}

func (op Operator) Compare(value, threshold float64) bool {
	switch op {
	case OperatorLT:
		return value < threshold
	case OperatorLTE:
		return value <= threshold
	case OperatorGT:
		return value > threshold
	case OperatorGTE:
		return value >= threshold
	default:
		return false
	}
}

type ConfidenceThreshold struct {
	Signal    string   `json:"signal" yaml:"signal"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

func (ConfidenceThreshold) Type() RuleType { return RuleTypeConfidenceThreshold }
func (ConfidenceThreshold) condition()     {}

type KeywordMatch struct {
	Keywords      []string `json:"keywords" yaml:"keywords"`
	CaseSensitive bool     `json:"case_sensitive" yaml:"case_sensitive"`
}

func (KeywordMatch) Type() RuleType { return RuleTypeKeywordMatch }
func (KeywordMatch) condition()     {}

// ContentFilter matches when any listed category is flagged in the context's
// classification map. An empty category list matches any flagged category.
type ContentFilter struct {
	Categories []string `json:"categories,omitempty" yaml:"categories"`
}

func (ContentFilter) Type() RuleType { return RuleTypeContentFilter }
func (ContentFilter) condition()     {}

type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Decision    Decision  `json:"decision"`
	Priority    Priority  `json:"priority"`
	Enabled     bool      `json:"enabled"`
	Condition   Condition `json:"condition"`
}

func (r Rule) Type() RuleType {
	if r.Condition == nil {
		return ""
	}
	return r.Condition.Type()
}

func (r Rule) MarshalJSON() ([]byte, error) {
	type plain Rule
	return json.Marshal(struct {
		plain
		RuleType RuleType `json:"rule_type"`
	}{plain: plain(r), RuleType: r.Type()})
}

const DefaultConfidenceSignal = "confidence"

type FilterResult struct {
	Filtered bool   `json:"filtered"`
	Severity string `json:"severity,omitempty"`
}

// Context is the read-only input to a routing decision. Metadata keys are
// operator-defined and never inspected unless a rule names them.
type Context struct {
	RequestID     string                  `json:"request_id,omitempty"`
	UserID        string                  `json:"user_id,omitempty"`
	Content       string                  `json:"content"`
	Metadata      map[string]string       `json:"metadata,omitempty"`
	Signals       map[string]float64      `json:"signals,omitempty"`
	ContentFilter map[string]FilterResult `json:"content_filter,omitempty"`
}

func (c Context) Signal(name string) (float64, bool) {
	if c.Signals == nil {
		return 0, false
	}
	v, ok := c.Signals[name]
	return v, ok
}

// Clone returns a deep copy so enrichment never writes through to the caller.
func (c Context) Clone() Context {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Signals != nil {
		out.Signals = make(map[string]float64, len(c.Signals))
		for k, v := range c.Signals {
			out.Signals[k] = v
		}
	}
	if c.ContentFilter != nil {
		out.ContentFilter = make(map[string]FilterResult, len(c.ContentFilter))
		for k, v := range c.ContentFilter {
			out.ContentFilter[k] = v
		}
	}
	return out
}

type Result struct {
	Decision         Decision `json:"decision"`
	Reason           string   `json:"reason"`
	TriggeredRuleIDs []string `json:"triggered_rule_ids"`
	Confidence       float64  `json:"confidence"`
	RequestID        string   `json:"request_id,omitempty"`
}

// RequiresHuman reports whether the verdict hands the work to a person.
func (r Result) RequiresHuman() bool {
	return r.Decision == DecisionHuman || r.Decision == DecisionEscalate
}
