package orchestrator

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/market-intel/internal/model"
)

// DefaultRenderModule is the render module appended to plans that declare
// none, so every session ends with a report.
const DefaultRenderModule = "final_report"

// Plan is a declarative analysis plan: the query under analysis plus the
// modules that collect, synthesize, and render it.
type Plan struct {
	Query   string             `yaml:"query"`
	Modules []model.ModuleSpec `yaml:"modules"`
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: read plan %s", path)
	}

	var plan Plan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, eris.Wrapf(err, "orchestrator: parse plan %s", path)
	}
	return &plan, nil
}

// normalized returns the plan's modules with the default render module
// appended when the plan declares no render module of its own. The default
// depends on every synthesize module so it runs last and sees all sections.
func (p *Plan) normalized() []model.ModuleSpec {
	specs := make([]model.ModuleSpec, len(p.Modules))
	copy(specs, p.Modules)

	var synth []string
	for _, s := range specs {
		if s.Kind == model.ModuleKindRender {
			return specs
		}
		if s.Kind == model.ModuleKindSynthesize {
			synth = append(synth, s.Name)
		}
	}

	return append(specs, model.ModuleSpec{
		Name:      DefaultRenderModule,
		Kind:      model.ModuleKindRender,
		Required:  true,
		DependsOn: synth,
	})
}
