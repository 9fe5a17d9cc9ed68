package dependency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

// Graph maps each tier to the tiers it depends on.
type Graph map[string][]string

func NewGraph(tiers []config.Tier) Graph {
	g := make(Graph, len(tiers))
	for _, t := range tiers {
		g[t.Name] = append([]string(nil), t.DependsOn...)
	}
	return g
}

// ValidateTiers rejects unnamed or repeated tiers, dependencies on undeclared tiers and
// cycles. It is meant to run before any operation mutates the cluster.
func ValidateTiers(tiers []config.Tier) error {
	seen := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		if t.Name == "" {
			return scaleerrors.New(scaleerrors.ConfigurationError, "dependencies", "tier without a name")
		}
		if seen[t.Name] {
			return scaleerrors.New(scaleerrors.ConfigurationError, "tier/"+t.Name, "tier declared more than once")
		}
		seen[t.Name] = true
	}
	_, err := NewGraph(tiers).Order()
	return err
}

// CycleError lists the tiers left unordered once every acyclic tier was placed.
type CycleError struct {
	Tiers []string
}

func (e *CycleError) Error() string {
	return "dependency cycle between tiers: " + strings.Join(e.Tiers, ", ")
}

// Validate rejects dependencies on tiers that are not declared.
func (g Graph) Validate() error {
	for _, name := range g.names() {
		for _, dep := range g[name] {
			if _, ok := g[dep]; !ok {
				return scaleerrors.New(scaleerrors.ConfigurationError, "tier/"+name, "depends on unknown tier %q", dep)
			}
		}
	}
	return nil
}

func (g Graph) names() []string {
	names := make([]string, 0, len(g))
	for n := range g {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Order returns the tiers dependencies first. Ties are broken lexically so the same
// graph always yields the same order.
func (g Graph) Order() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(g))
	dependents := make(map[string][]string, len(g))
	for _, name := range g.names() {
		for _, dep := range g[name] {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range g.names() {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(g) {
		var stuck []string
		for _, name := range g.names() {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, scaleerrors.Wrap(scaleerrors.ConfigurationError, "dependencies", &CycleError{Tiers: stuck})
	}
	return order, nil
}

// Reverse returns order back to front; dependents stop before what they depend on.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, t := range order {
		out[len(order)-1-i] = t
	}
	return out
}

func (g Graph) String() string {
	var b strings.Builder
	for _, name := range g.names() {
		fmt.Fprintf(&b, "%s -> [%s]; ", name, strings.Join(g[name], ","))
	}
	return strings.TrimSuffix(b.String(), "; ")
}
