package mpc

import (
	"errors"

	"github.com/gonum/matrix/mat64"
)

// Identity returns an identity matrix of the provided size.
func Identity(n int) *mat64.Dense {
	return ScaledIdentity(n, 1)
}

// ScaledIdentity returns an identity matrix time a scaling factor of the provided size.
func ScaledIdentity(n int, s float64) *mat64.Dense {
	m := mat64.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, s)
	}
	return m
}

// Diag returns the square matrix having v on its diagonal.
func Diag(v *mat64.Vector) *mat64.Dense {
	n := v.Len()
	m := mat64.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, v.At(i, 0))
	}
	return m
}

// IsNil returns whether the provided matrix only has zero values
func IsNil(m mat64.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// AsSymDense attempts return a SymDense from the provided Dense.
func AsSymDense(m *mat64.Dense) (*mat64.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.New("matrix must be square")
	}
	vals := make([]float64, r*c)
	idx := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(j, i) != m.At(i, j) {
				return nil, errors.New("matrix is not symmetric")
			}
			vals[idx] = m.At(i, j)
			idx++
		}
	}
	return mat64.NewSymDense(r, vals), nil
}

// Kron returns the Kronecker product a ⊗ b.
func Kron(a, b mat64.Matrix) *mat64.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	k := mat64.NewDense(ra*rb, ca*cb, nil)
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			aij := a.At(i, j)
			if aij == 0 {
				continue
			}
			for p := 0; p < rb; p++ {
				for q := 0; q < cb; q++ {
					k.Set(i*rb+p, j*cb+q, aij*b.At(p, q))
				}
			}
		}
	}
	return k
}

// ShiftIdentity returns the r×c matrix with ones on the first sub-diagonal,
// i.e. ones at (i+1, i).
func ShiftIdentity(r, c int) *mat64.Dense {
	m := mat64.NewDense(r, c, nil)
	for i := 0; i+1 < r && i < c; i++ {
		m.Set(i+1, i, 1)
	}
	return m
}

// setBlock copies src into dst with its top-left corner at (i, j).
func setBlock(dst *mat64.Dense, i, j int, src mat64.Matrix) {
	r, c := src.Dims()
	for p := 0; p < r; p++ {
		for q := 0; q < c; q++ {
			dst.Set(i+p, j+q, src.At(p, q))
		}
	}
}

// addBlock adds src into dst with its top-left corner at (i, j).
func addBlock(dst *mat64.Dense, i, j int, src mat64.Matrix) {
	r, c := src.Dims()
	for p := 0; p < r; p++ {
		for q := 0; q < c; q++ {
			dst.Set(i+p, j+q, dst.At(i+p, j+q)+src.At(p, q))
		}
	}
}

// setSegment copies src into dst starting at element i.
func setSegment(dst *mat64.Vector, i int, src mat64.Matrix) {
	r, _ := src.Dims()
	for p := 0; p < r; p++ {
		dst.SetVec(i+p, src.At(p, 0))
	}
}

// column returns a copy of the j-th column of m.
func column(m mat64.Matrix, j int) *mat64.Vector {
	r, _ := m.Dims()
	v := mat64.NewVector(r, nil)
	for i := 0; i < r; i++ {
		v.SetVec(i, m.At(i, j))
	}
	return v
}

// broadcast returns the r×cols matrix whose every column is v.
func broadcast(v *mat64.Vector, cols int) *mat64.Dense {
	r := v.Len()
	m := mat64.NewDense(r, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 0; i < r; i++ {
			m.Set(i, j, v.At(i, 0))
		}
	}
	return m
}

// fill sets every element of m to v.
func fill(m *mat64.Dense, v float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, v)
		}
	}
}

// vecSlice returns a copy of the elements of v.
func vecSlice(v *mat64.Vector) []float64 {
	s := make([]float64, v.Len())
	for i := range s {
		s[i] = v.At(i, 0)
	}
	return s
}

// rowSlice returns a copy of the i-th row of m.
func rowSlice(m mat64.Matrix, i int) []float64 {
	_, c := m.Dims()
	s := make([]float64, c)
	for j := range s {
		s[j] = m.At(i, j)
	}
	return s
}
