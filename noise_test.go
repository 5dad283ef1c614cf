package mpc

import (
	"errors"
	"testing"

	"github.com/gonum/matrix/mat64"
)

func TestImplementsNoise(t *testing.T) {
	implements := func(Noise) {}
	implements(new(Noiseless))
	implements(new(RecordedNoise))
	implements(new(AWGN))
}

func TestNoiseless(t *testing.T) {
	assertPanic(t, func() {
		NewNoiseless(nil, mat64.NewSymDense(1, nil))
	})
	Q := mat64.NewSymDense(2, []float64{1, 0, 0, 1})
	R := mat64.NewSymDense(3, nil)
	nl := NewNoiseless(Q, R)
	if pR, _ := nl.Process(1).Dims(); pR != 2 {
		t.Fatal("expected only 2 rows of process noise")
	}
	if mR, _ := nl.Measurement(1).Dims(); mR != 3 {
		t.Fatal("expected only 3 rows of measurement noise")
	}
	if !IsNil(nl.Process(3)) || !IsNil(nl.Measurement(3)) {
		t.Fatal("noiseless noise is not zero")
	}
	if !mat64.Equal(Q, nl.ProcessMatrix()) {
		t.Fatal("Q and nl.ProcessMatrix are not equal.")
	}
}

func TestAWGN(t *testing.T) {
	badQ := mat64.NewSymDense(2, []float64{1, 1, 1, 1})
	R := mat64.NewSymDense(2, []float64{20, 0.05, 0.05, 20})
	if _, err := NewAWGN(badQ, R, 1); !errors.Is(err, ErrParameters) {
		t.Fatal("singular Q accepted")
	}

	Q := mat64.NewSymDense(2, []float64{1, 0, 0, 1})
	n, err := NewAWGN(Q, R, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !mat64.Equal(Q, n.ProcessMatrix()) {
		t.Fatal("Q and n.ProcessMatrix are not equal.")
	}
	if !mat64.Equal(R, n.MeasurementMatrix()) {
		t.Fatal("R and n.MeasurementMatrix are not equal.")
	}
	pk0, pk1 := n.Process(0), n.Process(1)
	if pR, _ := pk0.Dims(); pR != 2 {
		t.Fatalf("process noise is a vector with %d rows (instead of 2)", pR)
	}
	if mat64.Equal(pk0, pk1) {
		t.Fatal("process noise at two different time steps is identical")
	}

	// same seed, same sequence
	again, _ := NewAWGN(Q, R, 1)
	if !mat64.Equal(pk0, again.Process(0)) {
		t.Fatal("seeded noise is not reproducible")
	}
}

func TestRecordedNoise(t *testing.T) {
	Q := mat64.NewSymDense(1, []float64{1})
	R := mat64.NewSymDense(1, []float64{2})
	n, err := NewAWGN(Q, R, 7)
	if err != nil {
		t.Fatal(err)
	}
	rec := Record(n, 4)
	first := rec.Process(2)
	if !mat64.Equal(first, rec.Process(2)) {
		t.Fatal("recorded noise changed on replay")
	}
	if rec.MeasurementMatrix().At(0, 0) != 2 {
		t.Fatal("R not recorded")
	}
	assertPanic(t, func() {
		rec.Process(4)
	})
	assertPanic(t, func() {
		rec.Measurement(4)
	})
}
