package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/routing"
)

const (
	SignalTokenCount = "token_count"

	defaultTimeout = 15 * time.Second
)

const systemPrompt = `You review content before it is routed to an automated or human workflow.
Reply with a single JSON object and nothing else:
{"confidence": <0.0-1.0, how safe it is to handle automatically>,
 "categories": {"<category>": {"filtered": <true|false>, "severity": "<low|medium|high>"}}}
Use categories such as violence, self_harm, hate, sexual, pii, fraud. Omit categories that do not apply.`

var ErrEmptyVerdict = errors.New("classifier returned no verdict")

type Verdict struct {
	Confidence    float64                         `json:"confidence"`
	HasConfidence bool                            `json:"has_confidence"`
	Categories    map[string]routing.FilterResult `json:"categories,omitempty"`
	Usage         Usage                           `json:"usage"`
}

// Classifier derives routing signals from content through a Provider.
type Classifier struct {
	provider Provider
	logger   *zap.Logger
	timeout  time.Duration
}

func NewClassifier(provider Provider, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{provider: provider, logger: logger, timeout: defaultTimeout}
}

func (c *Classifier) Classify(ctx context.Context, content string) (Verdict, error) {
	if c == nil || c.provider == nil {
		return Verdict{}, errors.New("classifier has no provider")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.provider.Complete(ctx, Prompt{System: systemPrompt, User: content})
	if err != nil {
		return Verdict{}, err
	}
	verdict, err := ParseVerdict(completion.Text)
	if err != nil {
		return Verdict{}, err
	}
	verdict.Usage = completion.Usage
	return verdict, nil
}

// Enrich returns a copy of rc with classifier signals merged in. Signals the
// caller already supplied win. On failure rc is returned unchanged, so
// confidence rules simply do not match.
func (c *Classifier) Enrich(ctx context.Context, rc routing.Context) (routing.Context, error) {
	verdict, err := c.Classify(ctx, rc.Content)
	if err != nil {
		c.logger.Warn("signal enrichment failed", zap.String("request_id", rc.RequestID), zap.Error(err))
		return rc, err
	}

	out := rc.Clone()
	if out.Signals == nil {
		out.Signals = make(map[string]float64, 2)
	}
	if _, ok := out.Signals[routing.DefaultConfidenceSignal]; !ok && verdict.HasConfidence {
		out.Signals[routing.DefaultConfidenceSignal] = verdict.Confidence
	}
	if _, ok := out.Signals[SignalTokenCount]; !ok && verdict.Usage.InputTokens > 0 {
		out.Signals[SignalTokenCount] = float64(verdict.Usage.InputTokens)
	}
	if len(verdict.Categories) > 0 {
		if out.ContentFilter == nil {
			out.ContentFilter = make(map[string]routing.FilterResult, len(verdict.Categories))
		}
		for name, res := range verdict.Categories {
			if _, ok := out.ContentFilter[name]; !ok {
				out.ContentFilter[name] = res
			}
		}
	}
	c.logger.Debug("signals enriched",
		zap.String("request_id", rc.RequestID),
		zap.Float64("confidence", verdict.Confidence),
		zap.Int("categories", len(verdict.Categories)),
		zap.Int64("input_tokens", verdict.Usage.InputTokens),
	)
	return out, nil
}

// ParseVerdict accepts model output that may wrap or truncate the JSON object.
func ParseVerdict(text string) (Verdict, error) {
	raw := extractObject(text)
	if raw == "" {
		return Verdict{}, ErrEmptyVerdict
	}
	if !gjson.Valid(raw) {
		repaired, err := jsonrepair.JSONRepair(raw)
		if err != nil {
			return Verdict{}, fmt.Errorf("repair verdict json: %w", err)
		}
		raw = repaired
	}
	if !gjson.Valid(raw) {
		return Verdict{}, fmt.Errorf("verdict is not valid json")
	}

	var v Verdict
	if conf := gjson.Get(raw, "confidence"); conf.Exists() && conf.Type == gjson.Number {
		v.Confidence = clamp01(conf.Float())
		v.HasConfidence = true
	}
	gjson.Get(raw, "categories").ForEach(func(key, value gjson.Result) bool {
		name := strings.ToLower(strings.TrimSpace(key.String()))
		if name == "" {
			return true
		}
		if v.Categories == nil {
			v.Categories = make(map[string]routing.FilterResult)
		}
		res := routing.FilterResult{}
		if value.IsObject() {
			res.Filtered = value.Get("filtered").Bool()
			res.Severity = strings.ToLower(value.Get("severity").String())
		} else {
			res.Filtered = value.Bool()
		}
		v.Categories[name] = res
		return true
	})
	if !v.HasConfidence && len(v.Categories) == 0 {
		return Verdict{}, ErrEmptyVerdict
	}
	return v, nil
}

func extractObject(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	if end := strings.LastIndex(text, "}"); end > start {
		return text[start : end+1]
	}
	return text[start:]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
