package escalation

import (
	"strings"
	"sync"
)

// RoundRobin hands out candidates in turn. A task's own candidate list
// takes precedence over the configured one; each list keeps its own cursor.
type RoundRobin struct {
	mu       sync.Mutex
	defaults []string
	cursors  map[string]int
}

func NewRoundRobin(candidates []string) *RoundRobin {
	return &RoundRobin{defaults: cleanList(candidates), cursors: make(map[string]int)}
}

// Next returns the next assignee, or false when there is nobody to pick.
func (r *RoundRobin) Next(candidates []string) (string, bool) {
	list := cleanList(candidates)
	if len(list) == 0 {
		list = r.defaults
	}
	if len(list) == 0 {
		return "", false
	}
	key := strings.Join(list, "\x00")

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.cursors[key]
	if i >= len(list) {
		i = 0
	}
	r.cursors[key] = (i + 1) % len(list)
	return list[i], true
}
