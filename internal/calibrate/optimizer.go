package calibrate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"geoepic/internal/logging"
	"geoepic/internal/telemetry"
)

// Algorithm names the population optimizer strategy. DE is the only
// strategy implemented; the type exists so Init's signature reads the way
// a pluggable-algorithm driver's would.
type Algorithm string

const (
	// DifferentialEvolution runs DE/rand/1/bin: each candidate is replaced
	// by a mutant built from three other population members if the
	// mutant's fitness is no worse.
	DifferentialEvolution Algorithm = "de"
)

// OptimizerOptions configures the population optimizer. CrossoverRate and
// DifferentialWeight are the standard DE/rand/1/bin control parameters.
type OptimizerOptions struct {
	Algorithm          Algorithm
	CrossoverRate      float64
	DifferentialWeight float64
	Seed               int64
}

func (o OptimizerOptions) withDefaults() OptimizerOptions {
	if o.CrossoverRate <= 0 {
		o.CrossoverRate = 0.9
	}
	if o.DifferentialWeight <= 0 {
		o.DifferentialWeight = 0.8
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o
}

// Optimizer drives a Problem through a fixed-size population, one
// generation at a time.
type Optimizer struct {
	problem *Problem
	opts    OptimizerOptions
	rng     *rand.Rand

	population [][]float64
	fitness    []float64
	evaluated  []bool
	bounds     [][2]float64
}

// Init builds an Optimizer for the given problem. The population is seeded
// uniformly at random within bounds, except member 0 which starts at the
// problem's current parameter vector.
func Init(ctx context.Context, p *Problem, populationSize int, opts OptimizerOptions) (*Optimizer, error) {
	if populationSize < 4 {
		return nil, fmt.Errorf("calibrate: population size must be at least 4 for DE, got %d", populationSize)
	}
	opts = opts.withDefaults()

	current, err := p.Current()
	if err != nil {
		return nil, err
	}
	bounds := p.Bounds()

	o := &Optimizer{
		problem: p,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		bounds:  bounds,
	}

	o.population = make([][]float64, populationSize)
	o.fitness = make([]float64, populationSize)
	o.evaluated = make([]bool, populationSize)
	for i := range o.population {
		vec := make([]float64, len(bounds))
		if i == 0 {
			copy(vec, current)
		} else {
			for d, b := range bounds {
				vec[d] = b[0] + o.rng.Float64()*(b[1]-b[0])
			}
		}
		o.population[i] = vec
	}
	return o, nil
}

// Step evaluates one generation in place: for each member, a trial vector
// is built via mutation and binomial crossover against three other randomly
// chosen members, then kept only if it scores no worse than the original.
func (o *Optimizer) Step(ctx context.Context) error {
	n := len(o.population)
	for i := range o.population {
		if o.evaluated[i] {
			continue
		}
		f, err := o.problem.Fitness(ctx, o.population[i])
		if err != nil {
			return err
		}
		o.fitness[i] = f
		o.evaluated[i] = true
	}

	next := make([][]float64, n)
	nextFitness := make([]float64, n)
	for i := range o.population {
		a, b, c := o.pickThreeExcluding(i)
		trial := o.mutateAndCross(o.population[i], o.population[a], o.population[b], o.population[c])

		score, err := o.problem.Fitness(ctx, trial)
		if err != nil {
			return err
		}
		if score <= o.fitness[i] {
			next[i] = trial
			nextFitness[i] = score
		} else {
			next[i] = o.population[i]
			nextFitness[i] = o.fitness[i]
		}
	}
	o.population = next
	o.fitness = nextFitness
	return nil
}

func (o *Optimizer) pickThreeExcluding(i int) (int, int, int) {
	n := len(o.population)
	pick := func(exclude map[int]bool) int {
		for {
			j := o.rng.Intn(n)
			if !exclude[j] {
				return j
			}
		}
	}
	a := pick(map[int]bool{i: true})
	b := pick(map[int]bool{i: true, a: true})
	c := pick(map[int]bool{i: true, a: true, b: true})
	return a, b, c
}

func (o *Optimizer) mutateAndCross(target, a, b, c []float64) []float64 {
	trial := make([]float64, len(target))
	forced := o.rng.Intn(len(target))
	for d := range target {
		if d == forced || o.rng.Float64() < o.opts.CrossoverRate {
			v := a[d] + o.opts.DifferentialWeight*(b[d]-c[d])
			lo, hi := o.bounds[d][0], o.bounds[d][1]
			if v < lo {
				v = lo
			}
			if v > hi {
				v = hi
			}
			trial[d] = v
		} else {
			trial[d] = target[d]
		}
	}
	return trial
}

// Champion returns the best-scoring population member and its fitness.
func (o *Optimizer) Champion() ([]float64, float64) {
	best := 0
	for i, f := range o.fitness {
		if f < o.fitness[best] {
			best = i
		}
	}
	return o.population[best], o.fitness[best]
}

// Result is the outcome of a full Optimize run.
type Result struct {
	Champion []float64
	Fitness  float64
	Baseline float64
}

// Optimize records a baseline at the current vector, then runs generations
// population steps, publishing a rolling per-generation wall-time average
// and an ETA after each one, clearing the workspace's outputs between
// generations so a stalled run doesn't accumulate disk state for every
// candidate it ever evaluated.
func Optimize(ctx context.Context, p *Problem, populationSize, generations int, opts OptimizerOptions, clearOutputs func() error) (*Result, error) {
	current, err := p.Current()
	if err != nil {
		return nil, err
	}
	baseline, err := p.Fitness(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("calibrate: baseline evaluation: %w", err)
	}
	logging.Log.Info("calibration baseline recorded", "fitness", baseline)

	opt, err := Init(ctx, p, populationSize, opts)
	if err != nil {
		return nil, err
	}

	var genTimes []time.Duration
	for gen := 0; gen < generations; gen++ {
		start := time.Now()
		if err := opt.Step(ctx); err != nil {
			return nil, fmt.Errorf("calibrate: generation %d: %w", gen, err)
		}
		elapsed := time.Since(start)
		genTimes = append(genTimes, elapsed)

		mean := rollingMean(genTimes)
		remaining := time.Duration(generations-gen-1) * mean
		_, best := opt.Champion()
		logging.Log.Info("calibration generation complete",
			"generation", gen+1, "generations", generations,
			"best_fitness", best, "eta", remaining.Round(time.Second).String())

		metrics := telemetry.Default()
		metrics.GenerationBest.Set(best)
		metrics.GenerationSeconds.Set(mean.Seconds())
		metrics.GenerationETASeconds.Set(remaining.Seconds())

		if clearOutputs != nil {
			if err := clearOutputs(); err != nil {
				return nil, fmt.Errorf("calibrate: clear outputs after generation %d: %w", gen, err)
			}
		}
	}

	champion, fitness := opt.Champion()
	return &Result{Champion: champion, Fitness: fitness, Baseline: baseline}, nil
}

func rollingMean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}
