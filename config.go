package mpc

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/gonum/matrix/mat64"
	"gopkg.in/yaml.v3"
)

// Config describes a linear MPC problem and its closed loop simulation, as
// stored in a YAML file. Matrices are lists of rows.
type Config struct {
	Dimensions  Dimensions        `yaml:"dimensions"`
	Model       ModelConfig       `yaml:"model"`
	Weights     WeightsConfig     `yaml:"weights"`
	Constraints ConstraintsConfig `yaml:"constraints"`
	References  ReferencesConfig  `yaml:"references"`
	Solver      LParameters       `yaml:"solver"`
	Simulation  SimulationConfig  `yaml:"simulation"`
}

// ModelConfig is the plant model. When Ts is positive, A, B and Bd are
// continuous time and are discretized with a zero order hold of period Ts.
type ModelConfig struct {
	A  [][]float64 `yaml:"a"`
	B  [][]float64 `yaml:"b"`
	C  [][]float64 `yaml:"c"`
	Bd [][]float64 `yaml:"bd,omitempty"`
	Dd [][]float64 `yaml:"dd,omitempty"`
	Ts float64     `yaml:"ts,omitempty"`
	// Gamma and W define the continuous process noise Γw of spectral density
	// W, used when the simulation does not provide Q.
	Gamma [][]float64 `yaml:"gamma,omitempty"`
	W     [][]float64 `yaml:"w,omitempty"`
}

// WeightsConfig holds the objective weights, constant along the horizon.
type WeightsConfig struct {
	Output     []float64 `yaml:"output"`
	Input      []float64 `yaml:"input"`
	DeltaInput []float64 `yaml:"delta_input"`
}

// ConstraintsConfig holds the box constraints. A missing bound is infinite.
type ConstraintsConfig struct {
	XMin []float64 `yaml:"x_min,omitempty"`
	XMax []float64 `yaml:"x_max,omitempty"`
	UMin []float64 `yaml:"u_min,omitempty"`
	UMax []float64 `yaml:"u_max,omitempty"`
	YMin []float64 `yaml:"y_min,omitempty"`
	YMax []float64 `yaml:"y_max,omitempty"`
}

// ReferencesConfig holds constant references. A missing reference is zero.
type ReferencesConfig struct {
	Output     []float64 `yaml:"output"`
	Input      []float64 `yaml:"input,omitempty"`
	DeltaInput []float64 `yaml:"delta_input,omitempty"`
}

// SimulationConfig drives the closed loop.
type SimulationConfig struct {
	Steps       int         `yaml:"steps"`
	Samples     int         `yaml:"samples"`
	Seed        int64       `yaml:"seed"`
	X0          []float64   `yaml:"x0"`
	Disturbance []float64   `yaml:"disturbance,omitempty"`
	Noisy       bool        `yaml:"noisy"`
	Observer    bool        `yaml:"observer"`
	Q           [][]float64 `yaml:"q,omitempty"`
	R           [][]float64 `yaml:"r,omitempty"`
}

// DefaultConfig returns a continuous double integrator sampled at 10 Hz,
// driven to a unit position with a bounded input.
func DefaultConfig() *Config {
	return &Config{
		Dimensions: Dimensions{Nx: 2, Nu: 1, Ny: 1, Ph: 10, Ch: 5},
		Model: ModelConfig{
			A:  [][]float64{{0, 1}, {0, 0}},
			B:  [][]float64{{0}, {1}},
			C:  [][]float64{{1, 0}},
			Ts: 0.1,
		},
		Weights: WeightsConfig{
			Output:     []float64{10},
			Input:      []float64{0},
			DeltaInput: []float64{0.1},
		},
		Constraints: ConstraintsConfig{
			UMin: []float64{-1},
			UMax: []float64{1},
		},
		References: ReferencesConfig{Output: []float64{1}},
		Solver:     DefaultLParameters(),
		Simulation: SimulationConfig{
			Steps:   50,
			Samples: 1,
			Seed:    1,
			X0:      []float64{0, 0},
			Q:       [][]float64{{1e-6, 0}, {0, 1e-6}},
			R:       [][]float64{{1e-4}},
		},
	}
}

// LoadConfig reads a YAML configuration. Missing fields keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Dimensions.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DiscreteModel returns the discrete time model (A, B, C, Bd, Dd). Bd and Dd
// are nil without measured disturbances. The error wraps ErrAliasing, with
// valid matrices, when the sample time may be too long.
func (c *Config) DiscreteModel() (A, B, C, Bd, Dd *mat64.Dense, err error) {
	d := c.Dimensions
	if A, err = denseOf(c.Model.A, d.Nx, d.Nx, "A"); err != nil {
		return
	}
	if B, err = denseOf(c.Model.B, d.Nx, d.Nu, "B"); err != nil {
		return
	}
	if C, err = denseOf(c.Model.C, d.Ny, d.Nx, "C"); err != nil {
		return
	}
	if d.Ndu > 0 {
		if Bd, err = denseOf(c.Model.Bd, d.Nx, d.Ndu, "Bd"); err != nil {
			return
		}
		if Dd, err = denseOf(c.Model.Dd, d.Ny, d.Ndu, "Dd"); err != nil {
			return
		}
	}
	if c.Model.Ts <= 0 {
		return
	}
	var warn error
	Ac := A
	if A, B, warn = Discretize(Ac, B, c.Model.Ts); warn != nil && !errors.Is(warn, ErrAliasing) {
		return nil, nil, nil, nil, nil, warn
	}
	if Bd != nil {
		if _, Bd, err = Discretize(Ac, Bd, c.Model.Ts); err != nil && !errors.Is(err, ErrAliasing) {
			return nil, nil, nil, nil, nil, err
		}
	}
	return A, B, C, Bd, Dd, warn
}

// NewLMPC returns the linear controller described by the configuration.
func (c *Config) NewLMPC() (*LMPC, error) {
	d := c.Dimensions
	A, B, C, Bd, Dd, err := c.DiscreteModel()
	if err != nil && !errors.Is(err, ErrAliasing) {
		return nil, err
	}
	ctrl, err := NewLMPC(d)
	if err != nil {
		return nil, err
	}
	if err := ctrl.SetStateSpaceModel(A, B, C); err != nil {
		return nil, err
	}
	if d.Ndu > 0 {
		if err := ctrl.SetDisturbances(Bd, Dd); err != nil {
			return nil, err
		}
	}

	var vecs [12]*mat64.Vector
	specs := []struct {
		v    []float64
		n    int
		def  float64
		name string
	}{
		{c.Constraints.XMin, d.Nx, math.Inf(-1), "x_min"},
		{c.Constraints.UMin, d.Nu, math.Inf(-1), "u_min"},
		{c.Constraints.YMin, d.Ny, math.Inf(-1), "y_min"},
		{c.Constraints.XMax, d.Nx, math.Inf(1), "x_max"},
		{c.Constraints.UMax, d.Nu, math.Inf(1), "u_max"},
		{c.Constraints.YMax, d.Ny, math.Inf(1), "y_max"},
		{c.Weights.Output, d.Ny, 0, "output weight"},
		{c.Weights.Input, d.Nu, 0, "input weight"},
		{c.Weights.DeltaInput, d.Nu, 0, "delta input weight"},
		{c.References.Output, d.Ny, 0, "output reference"},
		{c.References.Input, d.Nu, 0, "input reference"},
		{c.References.DeltaInput, d.Nu, 0, "delta input reference"},
	}
	for i, s := range specs {
		if vecs[i], err = vecOf(s.v, s.n, s.def, s.name); err != nil {
			return nil, err
		}
	}
	if err := ctrl.SetConstraints(vecs[0], vecs[1], vecs[2], vecs[3], vecs[4], vecs[5]); err != nil {
		return nil, err
	}
	if err := ctrl.SetObjectiveWeights(vecs[6], vecs[7], vecs[8]); err != nil {
		return nil, err
	}
	if err := ctrl.SetReferences(vecs[9], vecs[10], vecs[11]); err != nil {
		return nil, err
	}
	if err := ctrl.SetOptimizerParameters(c.Solver); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Plant returns the simulated plant, which uses the same model as the controller.
func (c *Config) Plant() (*LinearPlant, error) {
	A, B, C, Bd, Dd, err := c.DiscreteModel()
	if err != nil && !errors.Is(err, ErrAliasing) {
		return nil, err
	}
	if Bd == nil {
		return NewLinearPlant(A, B, C, nil, nil)
	}
	return NewLinearPlant(A, B, C, Bd, Dd)
}

// InitialState returns the initial state of the simulation.
func (c *Config) InitialState() (*mat64.Vector, error) {
	return vecOf(c.Simulation.X0, c.Dimensions.Nx, 0, "x0")
}

// Covariances returns the process and measurement noise covariances. Without
// an explicit Q, the process noise is computed from Gamma and W.
func (c *Config) Covariances() (Q, R *mat64.SymDense, err error) {
	d := c.Dimensions
	switch {
	case len(c.Simulation.Q) > 0:
		if Q, err = symOf(c.Simulation.Q, d.Nx, "Q"); err != nil {
			return nil, nil, err
		}
	case len(c.Model.Gamma) > 0 && c.Model.Ts > 0:
		A, err := denseOf(c.Model.A, d.Nx, d.Nx, "A")
		if err != nil {
			return nil, nil, err
		}
		Γ, err := denseOf(c.Model.Gamma, d.Nx, len(c.Model.W), "Gamma")
		if err != nil {
			return nil, nil, err
		}
		W, err := denseOf(c.Model.W, len(c.Model.W), len(c.Model.W), "W")
		if err != nil {
			return nil, nil, err
		}
		if Q, err = ProcessNoise(A, Γ, W, c.Model.Ts); err != nil {
			return nil, nil, err
		}
	default:
		Q = mat64.NewSymDense(d.Nx, nil)
	}
	if len(c.Simulation.R) > 0 {
		if R, err = symOf(c.Simulation.R, d.Ny, "R"); err != nil {
			return nil, nil, err
		}
	} else {
		R = mat64.NewSymDense(d.Ny, nil)
	}
	return Q, R, nil
}

// NewClosedLoop returns the closed loop of one simulation sample. The noise
// of sample i is seeded with Seed+i.
func (c *Config) NewClosedLoop(sample int) (*ClosedLoop, error) {
	ctrl, err := c.NewLMPC()
	if err != nil {
		return nil, err
	}
	plant, err := c.Plant()
	if err != nil {
		return nil, err
	}
	Q, R, err := c.Covariances()
	if err != nil {
		return nil, err
	}
	var noise Noise = NewNoiseless(Q, R)
	if c.Simulation.Noisy {
		if noise, err = NewAWGN(Q, R, c.Simulation.Seed+int64(sample)); err != nil {
			return nil, err
		}
	}
	cl := &ClosedLoop{Controller: ctrl, Plant: plant, Noise: noise, Logger: ctrl.Logger()}
	if c.Simulation.Observer {
		x0, err := c.InitialState()
		if err != nil {
			return nil, err
		}
		P0, _ := AsSymDense(ScaledIdentity(c.Dimensions.Nx, 1e-2))
		if cl.Observer, err = NewObserver(x0, P0, plant.A, plant.B, plant.C, noise); err != nil {
			return nil, err
		}
	}
	if c.Dimensions.Ndu > 0 {
		dist, err := vecOf(c.Simulation.Disturbance, c.Dimensions.Ndu, 0, "disturbance")
		if err != nil {
			return nil, err
		}
		cl.Disturbances = func(int) *mat64.Vector { return dist }
	}
	return cl, nil
}

func denseOf(rows [][]float64, r, c int, name string) (*mat64.Dense, error) {
	if len(rows) != r {
		return nil, fmt.Errorf("%w: %s has %d rows, expected %d", ErrDimension, name, len(rows), r)
	}
	m := mat64.NewDense(r, c, nil)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("%w: row %d of %s has %d columns, expected %d", ErrDimension, i, name, len(row), c)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

func symOf(rows [][]float64, n int, name string) (*mat64.SymDense, error) {
	m, err := denseOf(rows, n, n, name)
	if err != nil {
		return nil, err
	}
	return AsSymDense(m)
}

func vecOf(v []float64, n int, def float64, name string) (*mat64.Vector, error) {
	if len(v) == 0 {
		vec := mat64.NewVector(n, nil)
		for i := 0; i < n; i++ {
			vec.SetVec(i, def)
		}
		return vec, nil
	}
	if len(v) != n {
		return nil, fmt.Errorf("%w: %s has %d elements, expected %d", ErrDimension, name, len(v), n)
	}
	return mat64.NewVector(n, append([]float64(nil), v...)), nil
}
