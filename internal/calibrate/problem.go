// Package calibrate turns a Workspace plus one or more editable parameter
// tables into an optimization problem: a fitness function that edits and
// saves the tables, runs the batch, and reports the Workspace's objective.
package calibrate

import (
	"context"
	"fmt"

	"geoepic/internal/param"
	"geoepic/internal/workspace"
)

// BoundModel pairs a parameter table with the file it must be saved back
// to after each edit, since param.Model itself carries no path.
type BoundModel struct {
	Model param.Model
	Path  string
}

// Problem wraps a Workspace and one or more bound parameter tables as a
// single fitness function over a flat parameter vector, split across the
// tables by their cumulative active-dimension counts.
type Problem struct {
	ws     *workspace.Workspace
	models []BoundModel
	lens   []int // cumulative split points, one per model
}

// NewProblem validates that every model contributes at least one active
// dimension, then returns a Problem ready to drive an optimizer or a
// sensitivity sweep. It does not check whether the workspace has an
// objective set; Fitness returns an error when a batch yields no objective
// value.
func NewProblem(ws *workspace.Workspace, models ...BoundModel) (*Problem, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("calibrate: at least one parameter model is required")
	}
	p := &Problem{ws: ws, models: models}

	total := 0
	for _, m := range models {
		n := len(m.Model.Constraints())
		if n == 0 {
			return nil, fmt.Errorf("calibrate: model bound to %s has no active dimensions", m.Path)
		}
		total += n
		p.lens = append(p.lens, total)
	}
	return p, nil
}

// Dims reports the flat vector's length.
func (p *Problem) Dims() int {
	if len(p.lens) == 0 {
		return 0
	}
	return p.lens[len(p.lens)-1]
}

// Bounds returns the concatenated (min, max) pairs across all bound models,
// in the same order fitness splits the vector.
func (p *Problem) Bounds() [][2]float64 {
	var bounds [][2]float64
	for _, m := range p.models {
		bounds = append(bounds, m.Model.Constraints()...)
	}
	return bounds
}

// Current returns the concatenated current values across all bound models.
func (p *Problem) Current() ([]float64, error) {
	var current []float64
	for _, m := range p.models {
		vals, err := m.Model.Current()
		if err != nil {
			return nil, fmt.Errorf("calibrate: read current values for %s: %w", m.Path, err)
		}
		current = append(current, vals...)
	}
	return current, nil
}

// VarNames returns the concatenated variable names across all bound models.
func (p *Problem) VarNames() []string {
	var names []string
	for _, m := range p.models {
		names = append(names, m.Model.VarNames()...)
	}
	return names
}

// split partitions x into one slice per bound model, using the recorded
// cumulative lengths.
func (p *Problem) split(x []float64) ([][]float64, error) {
	if len(x) != p.Dims() {
		return nil, fmt.Errorf("calibrate: vector has %d entries, want %d", len(x), p.Dims())
	}
	parts := make([][]float64, len(p.models))
	start := 0
	for i, end := range p.lens {
		parts[i] = x[start:end]
		start = end
	}
	return parts, nil
}

// Fitness edits every bound model with its slice of x, saves each back to
// its path, runs the batch with the active select filter, and returns the
// Workspace objective's value. Outputs between evaluations are the caller's
// concern; Optimize clears them after each generation.
func (p *Problem) Fitness(ctx context.Context, x []float64) (float64, error) {
	parts, err := p.split(x)
	if err != nil {
		return 0, err
	}
	for i, m := range p.models {
		if err := m.Model.Edit(parts[i]); err != nil {
			return 0, fmt.Errorf("calibrate: edit %s: %w", m.Path, err)
		}
		if err := m.Model.Save(m.Path); err != nil {
			return 0, fmt.Errorf("calibrate: save %s: %w", m.Path, err)
		}
	}

	val, err := p.ws.Run(ctx, "", nil)
	if err != nil {
		return 0, fmt.Errorf("calibrate: run batch: %w", err)
	}
	if val == nil {
		return 0, fmt.Errorf("calibrate: workspace has no objective set")
	}
	return *val, nil
}
