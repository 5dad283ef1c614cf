package mpc

import (
	"errors"
	"fmt"

	"github.com/gonum/matrix/mat64"
)

var (
	// ErrNotInitialized is returned when a component is used before being initialized.
	ErrNotInitialized = errors.New("mpc: not initialized")
	// ErrUnsupported is returned by operations the controller mode does not provide.
	ErrUnsupported = errors.New("mpc: operation not supported")
	// ErrDimension is wrapped by every dimension mismatch.
	ErrDimension = errors.New("mpc: dimension mismatch")
	// ErrParameters is returned for invalid or mismatched solver parameters and functions.
	ErrParameters = errors.New("mpc: invalid parameters")
)

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	dimErrMsg                    = "dimensions must agree: "
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement. Returns an error if not.
func checkMatDims(m1, m2 mat64.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return fmt.Errorf("%w: %s%s(%dx...) %s(...x%d)", ErrDimension, dimErrMsg, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return fmt.Errorf("%w: %s%s(...x%d) %s(%dx...)", ErrDimension, dimErrMsg, name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			return fmt.Errorf("%w: %s%s(...x%d) %s(...x%d)", ErrDimension, dimErrMsg, name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			return fmt.Errorf("%w: %s%s(%dx...) %s(%dx...)", ErrDimension, dimErrMsg, name1, r1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			return fmt.Errorf("%w: %s%s(%dx%d) %s(%dx%d)", ErrDimension, dimErrMsg, name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}

// checkShape checks that m is exactly r×c.
func checkShape(m mat64.Matrix, r, c int, name string) error {
	if m == nil {
		return fmt.Errorf("%w: %s is nil", ErrDimension, name)
	}
	if mr, mc := m.Dims(); mr != r || mc != c {
		return fmt.Errorf("%w: %s is (%dx%d), expected (%dx%d)", ErrDimension, name, mr, mc, r, c)
	}
	return nil
}

// checkVecLen checks that v holds exactly n elements.
func checkVecLen(v *mat64.Vector, n int, name string) error {
	if v == nil {
		return fmt.Errorf("%w: %s is nil", ErrDimension, name)
	}
	if v.Len() != n {
		return fmt.Errorf("%w: %s has %d elements, expected %d", ErrDimension, name, v.Len(), n)
	}
	return nil
}
