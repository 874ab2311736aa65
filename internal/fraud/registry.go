package fraud

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

// Registry is the immutable, ordered set of detector rules.
type Registry struct {
	rules  []Rule
	byName map[string]int
}

func NewRegistry(s Settings) *Registry {
	return newRegistry(buildRules(s))
}

func newRegistry(rules []Rule) *Registry {
	byName := make(map[string]int, len(rules))
	for i, r := range rules {
		byName[r.Name] = i
	}
	return &Registry{rules: rules, byName: byName}
}

// Rules returns the rules in evaluation order. The slice is a copy.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Names returns the registered rule names sorted alphabetically.
func (r *Registry) Names() []string {
	names := maps.Keys(r.byName)
	slices.Sort(names)
	return names
}

func (r *Registry) Lookup(name string) (Rule, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Rule{}, false
	}
	return r.rules[i], true
}

// Flag builds the flag a rule emits, for flags raised outside rule evaluation.
func (r *Registry) Flag(name string) entities.FraudFlag {
	rule, _ := r.Lookup(name)
	return entities.FraudFlag{Rule: name, Weight: rule.Weight}
}

func (r *Registry) IsHardOverride(name string) bool {
	rule, ok := r.Lookup(name)
	return ok && rule.HardOverride
}

// Describe returns the human-readable description of a rule.
func (r *Registry) Describe(name string) string {
	if rule, ok := r.Lookup(name); ok {
		return rule.Description
	}
	return name
}
