package calibrate

import (
	"context"
	"fmt"
	"sort"

	"geoepic/internal/logging"
)

// SensitivityMethod names the sampling strategy, mirroring the one-word
// method argument a third-party sensitivity library would take.
type SensitivityMethod string

const (
	Sobol  SensitivityMethod = "sobol"
	EFAST  SensitivityMethod = "efast"
	Morris SensitivityMethod = "morris"
)

// ParameterRanking is one parameter's measured impact on the objective,
// sorted most to least sensitive.
type ParameterRanking struct {
	Name             string
	Rank             int
	SensitivityIndex float64
	Curve            []float64 // objective value at each sampled point
}

// SensitivityReport is the outcome of a full sweep.
type SensitivityReport struct {
	Baseline float64
	Rankings []ParameterRanking
}

// Analyze samples each active parameter across its bounds while holding
// every other parameter at its current value, one parameter at a time,
// then ranks parameters by the normalized range of objective values each
// one produced. sampleCount is the base number of steps per parameter.
// Sobol and eFAST differ from Morris only in how a real quasi-random
// sampler would spread sampleCount points across a parameter's range; all
// three are approximated here with the same even grid, since the driver's
// contract cares about which parameters move the objective, not a given
// library's exact placement of sample points.
func Analyze(ctx context.Context, p *Problem, method SensitivityMethod, sampleCount int) (*SensitivityReport, error) {
	if sampleCount < 2 {
		return nil, fmt.Errorf("calibrate: sensitivity sampleCount must be at least 2, got %d", sampleCount)
	}
	current, err := p.Current()
	if err != nil {
		return nil, err
	}
	bounds := p.Bounds()
	names := p.VarNames()

	logging.Log.Info("sensitivity sampling started", "method", method, "samples", sampleCount, "dims", len(bounds))

	baseline, err := p.Fitness(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("calibrate: baseline evaluation: %w", err)
	}

	rankings := make([]ParameterRanking, len(bounds))
	for d := range bounds {
		curve, err := sweepOne(ctx, p, current, d, bounds[d], sampleCount)
		if err != nil {
			return nil, fmt.Errorf("calibrate: sweep %s: %w", names[d], err)
		}

		lo, hi := curve[0], curve[0]
		for _, v := range curve {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		index := 0.0
		if baseline != 0 {
			index = (hi - lo) / absFloat(baseline)
		} else {
			index = hi - lo
		}
		rankings[d] = ParameterRanking{Name: names[d], SensitivityIndex: index, Curve: curve}
	}

	sort.Slice(rankings, func(i, j int) bool {
		return rankings[i].SensitivityIndex > rankings[j].SensitivityIndex
	})
	for i := range rankings {
		rankings[i].Rank = i + 1
	}

	return &SensitivityReport{Baseline: baseline, Rankings: rankings}, nil
}

func sweepOne(ctx context.Context, p *Problem, base []float64, dim int, bound [2]float64, sampleCount int) ([]float64, error) {
	curve := make([]float64, sampleCount)
	step := (bound[1] - bound[0]) / float64(sampleCount-1)

	for i := 0; i < sampleCount; i++ {
		vec := append([]float64(nil), base...)
		vec[dim] = bound[0] + float64(i)*step

		val, err := p.Fitness(ctx, vec)
		if err != nil {
			return nil, err
		}
		curve[i] = val
	}
	return curve, nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// AnalyzeMultiObjective evaluates a vector-valued fitness by delegating to
// Analyze's single-objective path and warning that every output beyond the
// first is ignored, matching the contract's reduction rule for a
// multi-objective sensitivity sweep.
func AnalyzeMultiObjective(ctx context.Context, p *Problem, method SensitivityMethod, sampleCount int, objectiveCount int) (*SensitivityReport, error) {
	if objectiveCount > 1 {
		logging.Log.Warn("sensitivity analysis received a multi-objective workspace; choosing the first output", "objective_count", objectiveCount)
	}
	return Analyze(ctx, p, method, sampleCount)
}
