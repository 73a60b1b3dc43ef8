package routing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ruleRecord struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	RuleType    string    `yaml:"rule_type"`
	Decision    string    `yaml:"decision"`
	Priority    string    `yaml:"priority"`
	Enabled     *bool     `yaml:"enabled"`
	Condition   yaml.Node `yaml:"condition"`
}

type confidenceRecord struct {
	Signal    string   `yaml:"signal"`
	Operator  string   `yaml:"operator"`
	Threshold *float64 `yaml:"threshold"`
}

type ParseOptions struct {
	// Source names the origin of the data in error messages.
	Source string
	// RequireRules rejects an empty rule list.
	RequireRules bool
}

// ParseRules decodes a YAML list of rule records. Either the whole list is
// valid or a *ConfigurationError is returned.
func ParseRules(data []byte, opts ParseOptions) ([]Rule, error) {
	source := strings.TrimSpace(opts.Source)

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErr(source, "", "parse yaml: %w", err)
	}

	var records []ruleRecord
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.SequenceNode {
			return nil, configErr(source, "", "rules document must be a list of rule records")
		}
		if err := root.Decode(&records); err != nil {
			return nil, configErr(source, "", "decode rules: %w", err)
		}
	}

	if len(records) == 0 {
		if opts.RequireRules {
			return nil, configErr(source, "", "rule list is empty")
		}
		return []Rule{}, nil
	}

	rules := make([]Rule, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		rule, err := rec.toRule(i)
		if err != nil {
			var ce *ConfigurationError
			if errors.As(err, &ce) {
				ce.Source = source
				return nil, ce
			}
			return nil, configErr(source, "", "%w", err)
		}
		if prev, dup := seen[rule.ID]; dup {
			return nil, configErr(source, rule.ID, "duplicate rule id (records %d and %d)", prev+1, i+1)
		}
		seen[rule.ID] = i
		rules = append(rules, rule)
	}
	return rules, nil
}

func LoadRulesFile(path string, requireRules bool) ([]Rule, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, configErr("", "", "rules file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr(path, "", "read rules file: %w", err)
	}
	return ParseRules(data, ParseOptions{Source: path, RequireRules: requireRules})
}

func (rec ruleRecord) toRule(index int) (Rule, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = strings.TrimSpace(rec.Name)
	}
	if id == "" {
		return Rule{}, configErr("", "", "record %d: id or name is required", index+1)
	}

	decision, err := ParseDecision(rec.Decision)
	if err != nil {
		return Rule{}, configErr("", id, "%w", err)
	}
	priority, err := ParsePriority(rec.Priority)
	if err != nil {
		return Rule{}, configErr("", id, "%w", err)
	}
	cond, err := decodeCondition(RuleType(strings.TrimSpace(rec.RuleType)), &rec.Condition)
	if err != nil {
		return Rule{}, configErr("", id, "%w", err)
	}

	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = id
	}

	return Rule{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(rec.Description),
		Decision:    decision,
		Priority:    priority,
		Enabled:     enabled,
		Condition:   cond,
	}, nil
}

func decodeCondition(ruleType RuleType, node *yaml.Node) (Condition, error) {
	if node == nil || node.Kind == 0 {
		if ruleType == RuleTypeContentFilter {
			return ContentFilter{}, nil
		}
		if ruleType == "" {
			return nil, errors.New("rule_type is required")
		}
		if isKnownRuleType(ruleType) {
			return nil, errors.New("condition is required")
		}
	}

	switch ruleType {
	case RuleTypeConfidenceThreshold:
		var rec confidenceRecord
		if err := node.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode confidence_threshold condition: %w", err)
		}
		if rec.Threshold == nil {
			return nil, errors.New("confidence_threshold condition requires threshold")
		}
		op, err := ParseOperator(rec.Operator)
		if err != nil {
			return nil, err
		}
		signal := strings.TrimSpace(rec.Signal)
		if signal == "" {
			signal = DefaultConfidenceSignal
		}
		return ConfidenceThreshold{Signal: signal, Operator: op, Threshold: *rec.Threshold}, nil
	case RuleTypeKeywordMatch:
		var cond KeywordMatch
		if err := node.Decode(&cond); err != nil {
			return nil, fmt.Errorf("decode keyword_match condition: %w", err)
		}
		keywords := make([]string, 0, len(cond.Keywords))
		for _, kw := range cond.Keywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, errors.New("keyword_match condition requires at least one keyword")
		}
		cond.Keywords = keywords
		return cond, nil
	case RuleTypeContentFilter:
		var cond ContentFilter
		if node.Kind != 0 {
			if err := node.Decode(&cond); err != nil {
				return nil, fmt.Errorf("decode content_filter condition: %w", err)
			}
		}
		return cond, nil
	case "":
		return nil, errors.New("rule_type is required")
	default:
		return nil, fmt.Errorf("unknown rule_type %q", ruleType)
	}
}

func isKnownRuleType(t RuleType) bool {
	switch t {
	case RuleTypeConfidenceThreshold, RuleTypeKeywordMatch, RuleTypeContentFilter:
		return true
	default:
		return false
	}
}
