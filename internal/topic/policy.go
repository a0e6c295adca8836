package topic

import (
	"fmt"
	"sort"
	"sync"
)

// Policy resolves the maximum number of delivery attempts for a topic.
// Exact topic keys win over patterns; among matching patterns the most
// specific one wins.
type Policy struct {
	def      int
	exact    map[string]int
	patterns []policyRule

	mu    sync.RWMutex
	cache map[string]int
}

type policyRule struct {
	pat Pattern
	max int
}

// NewPolicy builds a Policy from a default and per-topic overrides whose keys
// are topics or patterns.
func NewPolicy(defaultMax int, overrides map[string]int) (*Policy, error) {
	if defaultMax < 1 {
		return nil, fmt.Errorf("topic: default max attempts must be at least 1, got %d", defaultMax)
	}
	p := &Policy{
		def:   defaultMax,
		exact: make(map[string]int),
		cache: make(map[string]int),
	}
	for key, n := range overrides {
		if n < 1 {
			return nil, fmt.Errorf("topic: max attempts for %q must be at least 1, got %d", key, n)
		}
		pat, err := Compile(key)
		if err != nil {
			return nil, err
		}
		if pat.Literal() {
			p.exact[key] = n
			continue
		}
		p.patterns = append(p.patterns, policyRule{pat: pat, max: n})
	}
	// Ties between equally specific patterns go to the first in name order.
	sort.Slice(p.patterns, func(i, j int) bool { return p.patterns[i].pat.raw < p.patterns[j].pat.raw })
	return p, nil
}

// MaxAttempts returns the attempt bound for topic t.
func (p *Policy) MaxAttempts(t string) int {
	if n, ok := p.exact[t]; ok {
		return n
	}

	p.mu.RLock()
	n, ok := p.cache[t]
	p.mu.RUnlock()
	if ok {
		return n
	}

	n = p.def
	var best *policyRule
	for i := range p.patterns {
		r := &p.patterns[i]
		if !r.pat.Match(t) {
			continue
		}
		if best == nil || r.pat.moreSpecific(best.pat) {
			best = r
		}
	}
	if best != nil {
		n = best.max
	}

	p.mu.Lock()
	p.cache[t] = n
	p.mu.Unlock()
	return n
}
