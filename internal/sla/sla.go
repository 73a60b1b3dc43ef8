// Package sla computes task deadlines and detects SLA breaches.
package sla

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ent0n29/tracerail/internal/tasks"
)

const DefaultHours = 24

var ErrInvalidSLA = errors.New("invalid sla")

// ValidateHours rejects non-positive SLA windows. A zero escalation window
// means "same as the SLA" and is allowed.
func ValidateHours(slaHours, escalationHours float64) error {
	if math.IsNaN(slaHours) || math.IsInf(slaHours, 0) || slaHours <= 0 {
		return fmt.Errorf("%w: sla_hours must be positive, got %v", ErrInvalidSLA, slaHours)
	}
	if math.IsNaN(escalationHours) || math.IsInf(escalationHours, 0) || escalationHours < 0 {
		return fmt.Errorf("%w: escalation_hours must not be negative, got %v", ErrInvalidSLA, escalationHours)
	}
	return nil
}

// Hours converts a fractional hour count to a duration.
func Hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// Deadlines returns the due time and the escalation time for a task
// created at createdAt.
func Deadlines(createdAt time.Time, slaHours, escalationHours float64) (due, escalationDue time.Time) {
	if escalationHours <= 0 {
		escalationHours = slaHours
	}
	createdAt = createdAt.UTC()
	return createdAt.Add(Hours(slaHours)), createdAt.Add(Hours(escalationHours))
}

// Schedule builds the tasks.Schedule for a task created at createdAt.
func Schedule(createdAt time.Time, slaHours, escalationHours float64) (tasks.Schedule, error) {
	if err := ValidateHours(slaHours, escalationHours); err != nil {
		return tasks.Schedule{}, err
	}
	due, escalationDue := Deadlines(createdAt, slaHours, escalationHours)
	return tasks.Schedule{
		CreatedAt:       createdAt.UTC(),
		DueAt:           due,
		EscalationDueAt: escalationDue,
		SLAHours:        slaHours,
		EscalationHours: escalationHours,
	}, nil
}

// Breached reports whether the task's due time has passed while someone
// is expected to be working on it. EscalationDueAt plays no part here; it
// only bounds the escalation window reported to clients.
func Breached(now time.Time, task tasks.Task) bool {
	if !task.Watched() || task.DueAt.IsZero() {
		return false
	}
	return !now.Before(task.DueAt)
}

// Remaining is the time left until the task is due; negative once breached.
func Remaining(now time.Time, task tasks.Task) time.Duration {
	return task.DueAt.Sub(now)
}

// CheckBreaches returns the ids of breached tasks, earliest due first.
// It neither mutates nor remembers anything.
func CheckBreaches(now time.Time, ts []tasks.Task) []string {
	hits := make([]tasks.Task, 0)
	for _, t := range ts {
		if Breached(now, t) {
			hits = append(hits, t)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].DueAt.Equal(hits[j].DueAt) {
			return hits[i].DueAt.Before(hits[j].DueAt)
		}
		return hits[i].ID < hits[j].ID
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}
