package orchestrator

import (
	"github.com/sells-group/market-intel/internal/model"
)

// graph is the validated module dependency graph of one plan.
type graph struct {
	specs map[string]model.ModuleSpec
	order []string // declaration order, for stable iteration
}

// phaseRank orders phases for cross-phase dependency validation.
func phaseRank(p model.Phase) int {
	switch p {
	case model.PhaseCollect:
		return 0
	case model.PhaseSynthesize:
		return 1
	default:
		return 2
	}
}

// buildGraph validates module specs into a dependency graph. Duplicate
// names, unknown or backwards (later-phase) dependencies, and cycles are all
// ConfigurationErrors reported here, at start time, never at runtime.
func buildGraph(specs []model.ModuleSpec) (*graph, error) {
	if len(specs) == 0 {
		return nil, configErrorf("plan has no modules")
	}

	g := &graph{specs: make(map[string]model.ModuleSpec, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, configErrorf("module with empty name")
		}
		switch spec.Kind {
		case model.ModuleKindCollect, model.ModuleKindSynthesize, model.ModuleKindRender:
		default:
			return nil, configErrorf("module %s: unknown kind %q", spec.Name, spec.Kind)
		}
		if _, dup := g.specs[spec.Name]; dup {
			return nil, configErrorf("duplicate module name %s", spec.Name)
		}
		g.specs[spec.Name] = spec
		g.order = append(g.order, spec.Name)
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			depSpec, ok := g.specs[dep]
			if !ok {
				return nil, configErrorf("module %s depends on unknown module %s", spec.Name, dep)
			}
			if dep == spec.Name {
				return nil, configErrorf("module %s depends on itself", spec.Name)
			}
			if phaseRank(depSpec.Kind.Phase()) > phaseRank(spec.Kind.Phase()) {
				return nil, configErrorf("module %s (%s) depends on %s from a later phase (%s)",
					spec.Name, spec.Kind, dep, depSpec.Kind)
			}
		}
	}

	if cycle := g.findCycle(); cycle != "" {
		return nil, configErrorf("dependency cycle through module %s", cycle)
	}
	return g, nil
}

// findCycle runs a three-color DFS; returns a module on a cycle or "".
func (g *graph) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.specs))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, dep := range g.specs[name].DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[name] = black
		return ""
	}

	for _, name := range g.order {
		if color[name] == white {
			if c := visit(name); c != "" {
				return c
			}
		}
	}
	return ""
}

// modulesInPhase returns the names of modules belonging to a phase, in
// declaration order.
func (g *graph) modulesInPhase(phase model.Phase) []string {
	var names []string
	for _, name := range g.order {
		if g.specs[name].Kind.Phase() == phase {
			names = append(names, name)
		}
	}
	return names
}

// states builds the initial pending module states in declaration order.
func (g *graph) states() []model.ModuleState {
	states := make([]model.ModuleState, 0, len(g.order))
	for _, name := range g.order {
		spec := g.specs[name]
		states = append(states, model.ModuleState{
			Name:      spec.Name,
			Kind:      spec.Kind,
			Required:  spec.Required,
			DependsOn: spec.DependsOn,
			Status:    model.ModuleStatusPending,
		})
	}
	return states
}
