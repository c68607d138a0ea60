package policy

import (
	"sort"

	"github.com/r3fresh-alm/r3fresh/internal/model"
)

// Decision reasons. They are part of the event schema.
const (
	ReasonAllowed          = "allowed"
	ReasonExplicitlyDenied = "explicitly denied"
	ReasonNotInAllowList   = "not in allow-list"
	ReasonBudgetExceeded   = "budget exceeded"
	ReasonDefaultDeny      = "default deny"
)

// Policy is a compiled, immutable Config.
type Policy struct {
	allowed      map[string]struct{}
	denied       map[string]struct{}
	defaultAllow bool
	maxCalls     int
	hasMax       bool
}

// New compiles cfg. Later changes to cfg's slices do not affect the Policy.
func New(cfg Config) *Policy {
	p := &Policy{
		allowed:      toSet(cfg.AllowedTools),
		denied:       toSet(cfg.DeniedTools),
		defaultAllow: cfg.DefaultAllow,
	}
	if cfg.MaxToolCallsPerRun != nil {
		p.hasMax = true
		p.maxCalls = *cfg.MaxToolCallsPerRun
	}
	return p
}

// Decide evaluates a tool call against the policy given the number of calls
// already allowed in the current run. It is a pure function.
//
// Evaluation order (must not be changed):
//  1. Explicit deny list
//  2. Allow list, when non-empty
//  3. Per-run budget
//  4. Default policy
func (p *Policy) Decide(toolName string, currentCount int) (model.Decision, string) {
	if _, ok := p.denied[toolName]; ok {
		return model.Deny, ReasonExplicitlyDenied
	}

	if len(p.allowed) > 0 {
		if _, ok := p.allowed[toolName]; !ok {
			return model.Deny, ReasonNotInAllowList
		}
	}

	if p.hasMax && currentCount >= p.maxCalls {
		return model.Deny, ReasonBudgetExceeded
	}

	if !p.defaultAllow && len(p.allowed) == 0 {
		return model.Deny, ReasonDefaultDeny
	}

	return model.Allow, ReasonAllowed
}

// Config returns the configuration the policy was compiled from, with
// sorted tool lists.
func (p *Policy) Config() Config {
	cfg := Config{
		AllowedTools: fromSet(p.allowed),
		DeniedTools:  fromSet(p.denied),
		DefaultAllow: p.defaultAllow,
	}
	if p.hasMax {
		cfg.MaxToolCallsPerRun = Limit(p.maxCalls)
	}
	return cfg
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
