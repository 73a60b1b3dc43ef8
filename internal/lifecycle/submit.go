package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/observability"
	"github.com/ent0n29/tracerail/internal/routing"
	"github.com/ent0n29/tracerail/internal/tasks"
)

var ErrNoEngine = errors.New("no routing engine configured")

// Submission is the outcome of routing one request. Task is set only when
// the verdict handed the request to a person.
type Submission struct {
	Result       routing.Result `json:"result"`
	Task         *tasks.Task    `json:"task,omitempty"`
	Deduplicated bool           `json:"deduplicated,omitempty"`
}

// Submit enriches and routes rc, and creates a task from template when the
// verdict requires a human. An escalate verdict raises the task priority.
func (c *Controller) Submit(ctx context.Context, rc routing.Context, template tasks.TaskData) (Submission, error) {
	if c.engine == nil {
		return Submission{}, ErrNoEngine
	}
	if strings.TrimSpace(rc.RequestID) == "" {
		rc.RequestID = fmt.Sprintf("req-%d", c.clock.Now().UnixNano())
	}
	if c.enricher != nil {
		enrichStart := time.Now()
		// Enrichment failures are logged by the enricher; route what we have.
		rc, _ = c.enricher.Enrich(ctx, rc)
		c.metrics.ObserveStage(observability.StageEnrich, time.Since(enrichStart))
	}

	start := time.Now()
	result := c.engine.Route(rc)
	c.logger.Debug("routed request",
		zap.String("request_id", rc.RequestID),
		zap.String("decision", string(result.Decision)),
		zap.Strings("rule_ids", result.TriggeredRuleIDs),
		zap.Duration("latency", time.Since(start)),
	)
	sub := Submission{Result: result}
	if !result.RequiresHuman() {
		return sub, nil
	}

	data := taskFromTemplate(template, rc, result)
	task, dedup, err := c.Create(ctx, data)
	if err != nil {
		return sub, err
	}
	sub.Task = &task
	sub.Deduplicated = dedup
	return sub, nil
}

// Enrichers runs each enricher in order over the previous one's output. A
// failing enricher is skipped; the first error is returned with the result.
type Enrichers []Enricher

func (es Enrichers) Enrich(ctx context.Context, rc routing.Context) (routing.Context, error) {
	var first error
	for _, e := range es {
		if e == nil {
			continue
		}
		next, err := e.Enrich(ctx, rc)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		rc = next
	}
	return rc, first
}

func taskFromTemplate(template tasks.TaskData, rc routing.Context, result routing.Result) tasks.TaskData {
	data := template
	if strings.TrimSpace(data.Title) == "" {
		data.Title = "Review request " + rc.RequestID
	}
	if strings.TrimSpace(data.Description) == "" {
		data.Description = rc.Content
	}
	priority, err := tasks.ParsePriority(string(data.Priority))
	if err != nil {
		priority = tasks.PriorityNormal
	}
	if result.Decision == routing.DecisionEscalate {
		priority = tasks.MaxPriority(tasks.PriorityHigh, priority.Raise())
	}
	data.Priority = priority
	if strings.TrimSpace(data.RequestID) == "" {
		data.RequestID = "route:" + rc.RequestID
	}
	data.RoutingRequestID = rc.RequestID
	data.RoutingDecision = string(result.Decision)

	md := make(map[string]string, len(template.Metadata)+3)
	for k, v := range template.Metadata {
		md[k] = v
	}
	md["routing_reason"] = result.Reason
	if len(result.TriggeredRuleIDs) > 0 {
		md["triggered_rules"] = strings.Join(result.TriggeredRuleIDs, ",")
	}
	if rc.UserID != "" {
		md["requester"] = rc.UserID
	}
	data.Metadata = md
	return data
}
