package mpc

import (
	"fmt"
	"strings"

	"github.com/gonum/matrix/mat64"
	"github.com/gonum/stat"
)

// MonteCarloRuns stores closed loop runs of the same controller under
// different noise realizations.
type MonteCarloRuns struct {
	steps int
	Runs  []*Trajectory
}

// NewMonteCarloRuns simulates samples closed loops of steps steps from x0.
// newLoop returns the closed loop of each sample, typically with a fresh
// controller and a noise seeded by the sample number.
func NewMonteCarloRuns(samples, steps int, x0 *mat64.Vector, newLoop func(sample int) (*ClosedLoop, error)) (*MonteCarloRuns, error) {
	if samples < 1 || steps < 1 {
		return nil, fmt.Errorf("%w: need at least one sample and one step", ErrParameters)
	}
	mc := &MonteCarloRuns{steps: steps, Runs: make([]*Trajectory, samples)}
	for sample := 0; sample < samples; sample++ {
		cl, err := newLoop(sample)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", sample, err)
		}
		traj, err := cl.Run(x0, steps)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", sample, err)
		}
		mc.Runs[sample] = traj
	}
	return mc, nil
}

// gather returns, for each element of the selected vector, its values across
// all runs at the given step.
func (mc *MonteCarloRuns) gather(step int, pick func(Sample) *mat64.Vector) [][]float64 {
	rows := pick(mc.Runs[0].Samples[0]).Len()
	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, len(mc.Runs))
	}
	for r, run := range mc.Runs {
		v := pick(run.Samples[step])
		for i := 0; i < rows; i++ {
			values[i][r] = v.At(i, 0)
		}
	}
	return values
}

func sampleState(s Sample) *mat64.Vector  { return s.State }
func sampleOutput(s Sample) *mat64.Vector { return s.Output }

// Mean returns the mean state over all runs at the given step.
func (mc *MonteCarloRuns) Mean(step int) []float64 {
	return means(mc.gather(step, sampleState))
}

// StdDev returns the standard deviation of the state over all runs at the given step.
func (mc *MonteCarloRuns) StdDev(step int) []float64 {
	return stdDevs(mc.gather(step, sampleState))
}

// OutputMean returns the mean output over all runs at the given step.
func (mc *MonteCarloRuns) OutputMean(step int) []float64 {
	return means(mc.gather(step, sampleOutput))
}

// OutputStdDev returns the standard deviation of the output over all runs at the given step.
func (mc *MonteCarloRuns) OutputStdDev(step int) []float64 {
	return stdDevs(mc.gather(step, sampleOutput))
}

// Failures returns the total number of failed solves over all runs.
func (mc *MonteCarloRuns) Failures() int {
	n := 0
	for _, run := range mc.Runs {
		n += run.Failures()
	}
	return n
}

func means(values [][]float64) []float64 {
	m := make([]float64, len(values))
	for i, v := range values {
		m[i] = stat.Mean(v, nil)
	}
	return m
}

func stdDevs(values [][]float64) []float64 {
	s := make([]float64, len(values))
	for i, v := range values {
		s[i] = stat.StdDev(v, nil)
	}
	return s
}

// AsCSV returns one CSV document per state element, with one column per run
// followed by the mean and the standard deviation. headers names the state
// elements.
func (mc *MonteCarloRuns) AsCSV(headers []string) []string {
	rows := mc.Runs[0].Samples[0].State.Len()
	rtn := make([]string, rows)
	for i := 0; i < rows; i++ {
		header := headers[i]
		lines := make([]string, mc.steps+1)
		cols := make([]string, 0, len(mc.Runs)+2)
		for r := range mc.Runs {
			cols = append(cols, fmt.Sprintf("%s-%d", header, r))
		}
		lines[0] = strings.Join(append(cols, header+"-mean", header+"-stddev"), ",")

		for k := 0; k < mc.steps; k++ {
			cols = cols[:0]
			values := mc.gather(k, sampleState)[i]
			for _, v := range values {
				cols = append(cols, fmt.Sprintf("%f", v))
			}
			cols = append(cols, fmt.Sprintf("%f", stat.Mean(values, nil)), fmt.Sprintf("%f", stat.StdDev(values, nil)))
			lines[k+1] = strings.Join(cols, ",")
		}
		rtn[i] = strings.Join(lines, "\n")
	}
	return rtn
}
