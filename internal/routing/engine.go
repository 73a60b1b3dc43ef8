package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/observability"
)

const (
	EngineRules  = "rules"
	EngineStatic = "static"

	StaticRuleID = "static-rule"

	reasonNoMatch = "no rule matched"
)

// Engine turns a routing context into a verdict. Route is total: it never
// fails for a well-formed context.
type Engine interface {
	Route(ctx Context) Result
	Health() Health
}

// Reloader is implemented by engines whose rule set can be replaced.
type Reloader interface {
	Reload(rules []Rule) error
	Rules() []Rule
}

type Health struct {
	Engine      string    `json:"engine"`
	Initialized bool      `json:"initialized"`
	RulesLoaded int       `json:"rules_loaded"`
	LoadedAt    time.Time `json:"loaded_at,omitempty"`
}

type EngineConfig struct {
	Type           string
	RulesFile      string
	Rules          []Rule
	RequireRules   bool
	StaticDecision string
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// NewEngine constructs the engine named by cfg.Type. There is no registry;
// callers own the returned engine and pass it to whatever needs verdicts.
func NewEngine(cfg EngineConfig) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", EngineRules:
		rules := cfg.Rules
		if strings.TrimSpace(cfg.RulesFile) != "" {
			loaded, err := LoadRulesFile(cfg.RulesFile, cfg.RequireRules)
			if err != nil {
				return nil, err
			}
			rules = loaded
		} else if cfg.RequireRules && len(rules) == 0 {
			return nil, configErr("", "", "rule list is empty")
		}
		return NewRulesEngine(rules, cfg.Logger, cfg.Metrics)
	case EngineStatic:
		decision := DecisionHuman
		if raw := strings.TrimSpace(cfg.StaticDecision); raw != "" {
			d, err := ParseDecision(raw)
			if err != nil {
				return nil, configErr("", "", "static engine: %w", err)
			}
			decision = d
		}
		return NewStaticEngine(decision, cfg.Logger, cfg.Metrics), nil
	default:
		return nil, configErr("", "", "unknown routing engine type %q (expected rules|static)", cfg.Type)
	}
}

type ruleSet struct {
	rules    []Rule
	loadedAt time.Time
}

type RulesEngine struct {
	current atomic.Pointer[ruleSet]
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewRulesEngine(rules []Rule, logger *zap.Logger, metrics *observability.Metrics) (*RulesEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &RulesEngine{logger: logger, metrics: metrics}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload validates and orders rules, then swaps them in as one unit.
// Concurrent Route calls see either the old set or the new one.
func (e *RulesEngine) Reload(rules []Rule) error {
	ordered, err := orderRules(rules)
	if err != nil {
		return err
	}
	e.current.Store(&ruleSet{rules: ordered, loadedAt: time.Now().UTC()})
	e.metrics.SetRulesLoaded(len(ordered))
	e.logger.Info("routing rules loaded", zap.Int("rules", len(ordered)))
	return nil
}

func (e *RulesEngine) Rules() []Rule {
	set := e.current.Load()
	if set == nil {
		return nil
	}
	out := make([]Rule, len(set.rules))
	copy(out, set.rules)
	return out
}

func (e *RulesEngine) Health() Health {
	set := e.current.Load()
	h := Health{Engine: EngineRules}
	if set != nil {
		h.Initialized = true
		h.RulesLoaded = len(set.rules)
		h.LoadedAt = set.loadedAt
	}
	return h
}

func (e *RulesEngine) Route(ctx Context) Result {
	started := time.Now()
	set := e.current.Load()
	var rules []Rule
	if set != nil {
		rules = set.rules
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !e.matches(rule, ctx) {
			continue
		}
		e.logger.Debug("routing rule matched",
			zap.String("rule_id", rule.ID),
			zap.String("decision", string(rule.Decision)),
			zap.String("request_id", ctx.RequestID),
		)
		e.metrics.ObserveRouting(EngineRules, string(rule.Decision), rule.ID, time.Since(started))
		return Result{
			Decision:         rule.Decision,
			Reason:           "matched rule " + rule.ID,
			TriggeredRuleIDs: []string{rule.ID},
			Confidence:       1.0,
			RequestID:        ctx.RequestID,
		}
	}

	e.logger.Debug("no routing rule matched", zap.String("request_id", ctx.RequestID))
	e.metrics.ObserveRouting(EngineRules, string(DecisionHuman), "", time.Since(started))
	return Result{
		Decision:         DecisionHuman,
		Reason:           reasonNoMatch,
		TriggeredRuleIDs: []string{},
		Confidence:       0,
		RequestID:        ctx.RequestID,
	}
}

func (e *RulesEngine) matches(rule Rule, ctx Context) bool {
	switch cond := rule.Condition.(type) {
	case ConfidenceThreshold:
		return matchConfidence(cond, ctx)
	case KeywordMatch:
		return matchKeywords(cond, ctx)
	case ContentFilter:
		return matchContentFilter(cond, ctx)
	default:
		e.logger.Warn("rule has no evaluable condition",
			zap.String("rule_id", rule.ID),
			zap.String("condition", fmt.Sprintf("%T", rule.Condition)),
		)
		return false
	}
}

func matchConfidence(cond ConfidenceThreshold, ctx Context) bool {
	signal := cond.Signal
	if signal == "" {
		signal = DefaultConfidenceSignal
	}
	value, ok := ctx.Signal(signal)
	if !ok {
		return false
	}
	return cond.Operator.Compare(value, cond.Threshold)
}

func matchKeywords(cond KeywordMatch, ctx Context) bool {
	content := ctx.Content
	if !cond.CaseSensitive {
		content = strings.ToLower(content)
	}
	for _, kw := range cond.Keywords {
		if kw == "" {
			continue
		}
		if !cond.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

func matchContentFilter(cond ContentFilter, ctx Context) bool {
	if len(ctx.ContentFilter) == 0 {
		return false
	}
	if len(cond.Categories) == 0 {
		for _, res := range ctx.ContentFilter {
			if res.Filtered {
				return true
			}
		}
		return false
	}
	for _, category := range cond.Categories {
		if res, ok := ctx.ContentFilter[category]; ok && res.Filtered {
			return true
		}
	}
	return false
}

func orderRules(rules []Rule) ([]Rule, error) {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	seen := make(map[string]struct{}, len(ordered))
	for i := range ordered {
		r := &ordered[i]
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, configErr("", "", "rule %d: id is required", i+1)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, configErr("", r.ID, "duplicate rule id")
		}
		seen[r.ID] = struct{}{}
		if _, err := ParseDecision(string(r.Decision)); err != nil {
			return nil, configErr("", r.ID, "%w", err)
		}
		if r.Priority == "" {
			r.Priority = PriorityNormal
		}
		if _, err := ParsePriority(string(r.Priority)); err != nil {
			return nil, configErr("", r.ID, "%w", err)
		}
		if r.Condition == nil {
			return nil, configErr("", r.ID, "condition is required")
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
	})
	return ordered, nil
}

// StaticEngine returns the same verdict for every context.
type StaticEngine struct {
	decision Decision
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewStaticEngine(decision Decision, logger *zap.Logger, metrics *observability.Metrics) *StaticEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticEngine{decision: decision, logger: logger, metrics: metrics}
}

func (e *StaticEngine) Route(ctx Context) Result {
	e.metrics.ObserveRouting(EngineStatic, string(e.decision), StaticRuleID, 0)
	return Result{
		Decision:         e.decision,
		Reason:           "static engine decision",
		TriggeredRuleIDs: []string{StaticRuleID},
		Confidence:       1.0,
		RequestID:        ctx.RequestID,
	}
}

func (e *StaticEngine) Health() Health {
	return Health{Engine: EngineStatic, Initialized: true}
}
