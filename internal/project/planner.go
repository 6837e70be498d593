package project

import (
	"evovista/internal/stage"
)

// RestartPlan is what a restart from From would overwrite in a project.
type RestartPlan struct {
	From stage.Stage
	// Artifacts is the configured list for From, in table order.
	Artifacts []string
	// AtRisk is the subset of Artifacts that currently exists, in table order.
	AtRisk []string
}

// Any reports whether at least one artifact is at risk.
func (p RestartPlan) Any() bool { return len(p.AtRisk) > 0 }

// Planner computes restart plans from a stage table.
type Planner struct {
	Table stage.Table
}

// NewPlanner returns a planner over table, or the default table when nil.
func NewPlanner(table stage.Table) *Planner {
	if table == nil {
		table = stage.DefaultTable()
	}
	return &Planner{Table: table}
}

// Plan inspects dir and reports which artifacts a restart from `from` would
// overwrite. Unknown stages are configuration errors.
func (p *Planner) Plan(dir string, from stage.Stage) (RestartPlan, error) {
	names, err := p.Table.Artifacts(from)
	if err != nil {
		return RestartPlan{}, err
	}
	insp := NewInspector(dir)
	plan := RestartPlan{From: from, Artifacts: names}
	for _, name := range names {
		if insp.Exists(name) {
			plan.AtRisk = append(plan.AtRisk, name)
		}
	}
	return plan, nil
}
