package mpc

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpc.yaml")
	cfg := DefaultConfig()
	cfg.Simulation.Steps = 12
	cfg.Constraints.XMax = []float64{math.Inf(1), 2}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Simulation.Steps != 12 || loaded.Dimensions != cfg.Dimensions {
		t.Fatal("configuration not restored")
	}
	if !math.IsInf(loaded.Constraints.XMax[0], 1) || loaded.Constraints.XMax[1] != 2 {
		t.Fatalf("bounds not restored: %v", loaded.Constraints.XMax)
	}
	if loaded.Solver != cfg.Solver {
		t.Fatal("solver parameters not restored")
	}
}

func TestLoadConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpc.yaml")
	doc := "dimensions:\n  nx: 2\n  nu: 1\n  ny: 1\n  ph: 8\n  ch: 2\nsimulation:\n  steps: 5\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dimensions.Ph != 8 || cfg.Simulation.Steps != 5 {
		t.Fatal("values not loaded")
	}
	if cfg.Model.Ts != 0.1 || len(cfg.Weights.Output) != 1 {
		t.Fatal("defaults not kept")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("dimensions:\n  nx: 2\n  nu: 1\n  ny: 1\n  ph: 1\n  ch: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); !errors.Is(err, ErrDimension) {
		t.Fatal("ph < ch accepted")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestConfigDiscreteModel(t *testing.T) {
	cfg := DefaultConfig()
	A, B, _, Bd, _, err := cfg.DiscreteModel()
	if err != nil {
		t.Fatal(err)
	}
	if Bd != nil {
		t.Fatal("disturbance matrix without disturbances")
	}
	if math.Abs(A.At(0, 1)-0.1) > 1e-9 || math.Abs(B.At(0, 0)-0.005) > 1e-9 {
		t.Fatal("model not discretized")
	}
	cfg.Model.B = [][]float64{{0, 1}}
	if _, _, _, _, _, err := cfg.DiscreteModel(); !errors.Is(err, ErrDimension) {
		t.Fatal("B of wrong size accepted")
	}
}

func TestConfigCovariances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulation.Q = nil
	cfg.Model.Gamma = [][]float64{{0}, {1}}
	cfg.Model.W = [][]float64{{1}}
	Q, R, err := cfg.Covariances()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(Q.At(1, 1)-0.1) > 1e-3 || math.Abs(Q.At(0, 1)-0.005) > 1e-3 {
		t.Fatal("process noise not computed from gamma and w")
	}
	if R.At(0, 0) != 1e-4 {
		t.Fatal("measurement noise not loaded")
	}
	cfg.Simulation.Q = [][]float64{{1, 2}, {3, 4}}
	if _, _, err := cfg.Covariances(); err == nil {
		t.Fatal("non symmetric Q accepted")
	}
}

func TestConfigClosedLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulation.Noisy = true
	cfg.Simulation.Observer = true
	cl, err := cfg.NewClosedLoop(0)
	if err != nil {
		t.Fatal(err)
	}
	x0, err := cfg.InitialState()
	if err != nil {
		t.Fatal(err)
	}
	traj, err := cl.Run(x0, cfg.Simulation.Steps)
	if err != nil {
		t.Fatal(err)
	}
	if traj.Len() != cfg.Simulation.Steps {
		t.Fatalf("%d steps", traj.Len())
	}
	if traj.Failures() != 0 {
		t.Fatalf("%d failures", traj.Failures())
	}
	y := traj.Samples[traj.Len()-1].State.At(0, 0)
	if math.Abs(y-1) > 0.1 {
		t.Fatalf("position %f did not reach the reference", y)
	}
}

func TestConfigDisturbances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dimensions.Ndu = 1
	cfg.Model.Bd = [][]float64{{0}, {1}}
	cfg.Model.Dd = [][]float64{{0}}
	cfg.Simulation.Disturbance = []float64{0.2}
	cl, err := cfg.NewClosedLoop(0)
	if err != nil {
		t.Fatal(err)
	}
	if cl.Disturbances == nil || cl.Disturbances(3).At(0, 0) != 0.2 {
		t.Fatal("disturbance not wired")
	}
	ctrl, err := cfg.NewLMPC()
	if err != nil {
		t.Fatal(err)
	}
	_, _, ssC := ctrl.builder.AugmentedModel()
	if r, _ := ssC.Dims(); r != 2 {
		t.Fatal("augmented output incorrect")
	}
	if ctrl.builder.ssBv.At(1, 0) == 0 {
		t.Fatal("disturbance model not set")
	}
	cfg.Simulation.Disturbance = []float64{1, 2}
	if _, err := cfg.NewClosedLoop(0); !errors.Is(err, ErrDimension) {
		t.Fatal("disturbance of wrong size accepted")
	}
}
