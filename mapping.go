package mpc

import (
	"fmt"

	"github.com/gonum/matrix/mat64"
)

// Mapping expands the control horizon moves z (ch blocks of nu) into the input
// sequence over the whole prediction horizon (ph blocks of nu) and back. The
// last move of the control horizon is held until the end of the prediction
// horizon. Mapping also carries the per channel input and state scaling.
type Mapping struct {
	dim         Dimensions
	initialized bool

	iz2u, iu2z *mat64.Dense
	sz2u, su2z *mat64.Dense
	m          []int

	inputScaling        *mat64.Vector
	stateScaling        *mat64.Vector
	inverseStateScaling *mat64.Vector
}

// NewMapping returns an initialized Mapping with identity scaling.
func NewMapping(dim Dimensions) (*Mapping, error) {
	m := &Mapping{}
	if err := m.Initialize(dim); err != nil {
		return nil, err
	}
	return m, nil
}

// Initialize allocates the mapping operators for dim, resets the scaling to
// identity and computes the mapping.
func (mp *Mapping) Initialize(dim Dimensions) error {
	if err := dim.Validate(); err != nil {
		return err
	}
	mp.dim = dim
	mp.iz2u = mat64.NewDense(dim.Ph*dim.Nu, dim.Ch*dim.Nu, nil)
	mp.iu2z = mat64.NewDense(dim.Ch*dim.Nu, dim.Ph*dim.Nu, nil)
	mp.sz2u = mat64.NewDense(dim.Nu, dim.Nu, nil)
	mp.su2z = mat64.NewDense(dim.Nu, dim.Nu, nil)
	mp.inputScaling = ones(dim.Nu)
	mp.stateScaling = ones(dim.Nx)
	mp.inverseStateScaling = ones(dim.Nx)
	mp.initialized = true
	mp.computeMapping()
	return nil
}

// SetInputScaling sets the scale factor of each input channel.
func (mp *Mapping) SetInputScaling(scaling *mat64.Vector) error {
	if !mp.initialized {
		return ErrNotInitialized
	}
	if err := checkVecLen(scaling, mp.dim.Nu, "input scaling"); err != nil {
		return err
	}
	if err := checkNonZero(scaling, "input scaling"); err != nil {
		return err
	}
	mp.inputScaling = mat64.NewVector(mp.dim.Nu, vecSlice(scaling))
	mp.computeMapping()
	return nil
}

// SetStateScaling sets the scale factor of each state channel.
func (mp *Mapping) SetStateScaling(scaling *mat64.Vector) error {
	if !mp.initialized {
		return ErrNotInitialized
	}
	if err := checkVecLen(scaling, mp.dim.Nx, "state scaling"); err != nil {
		return err
	}
	if err := checkNonZero(scaling, "state scaling"); err != nil {
		return err
	}
	mp.stateScaling = mat64.NewVector(mp.dim.Nx, vecSlice(scaling))
	mp.inverseStateScaling = mat64.NewVector(mp.dim.Nx, nil)
	for i := 0; i < mp.dim.Nx; i++ {
		mp.inverseStateScaling.SetVec(i, 1/scaling.At(i, 0))
	}
	mp.computeMapping()
	return nil
}

// Iz2u returns a copy of the (ph·nu)×(ch·nu) expansion operator.
func (mp *Mapping) Iz2u() *mat64.Dense {
	mp.mustBeInitialized()
	return mat64.DenseCopyOf(mp.iz2u)
}

// Iu2z returns a copy of the (ch·nu)×(ph·nu) reduction operator.
func (mp *Mapping) Iu2z() *mat64.Dense {
	mp.mustBeInitialized()
	return mat64.DenseCopyOf(mp.iu2z)
}

// Sz2u returns the input scaling matrix.
func (mp *Mapping) Sz2u() *mat64.Dense {
	mp.mustBeInitialized()
	return mat64.DenseCopyOf(mp.sz2u)
}

// Su2z returns the inverse input scaling matrix.
func (mp *Mapping) Su2z() *mat64.Dense {
	mp.mustBeInitialized()
	return mat64.DenseCopyOf(mp.su2z)
}

// Replication returns how many prediction steps each control horizon move spans.
func (mp *Mapping) Replication() []int {
	mp.mustBeInitialized()
	return append([]int(nil), mp.m...)
}

// InputScaling returns the input scale factors.
func (mp *Mapping) InputScaling() *mat64.Vector {
	mp.mustBeInitialized()
	return mat64.NewVector(mp.dim.Nu, vecSlice(mp.inputScaling))
}

// StateScaling returns the state scale factors.
func (mp *Mapping) StateScaling() *mat64.Vector {
	mp.mustBeInitialized()
	return mat64.NewVector(mp.dim.Nx, vecSlice(mp.stateScaling))
}

// StateInverseScaling returns the element-wise inverse of the state scale factors.
func (mp *Mapping) StateInverseScaling() *mat64.Vector {
	mp.mustBeInitialized()
	return mat64.NewVector(mp.dim.Nx, vecSlice(mp.inverseStateScaling))
}

// UnwrapVector splits the flat decision vector x, laid out as
// [ph state blocks | ch input moves | slack], into the state trajectory X
// ((ph+1)×nx, first row is x0), the input trajectory U ((ph+1)×nu, last row
// repeats the previous one) and the slack. Decision states are stored scaled
// and are brought back to physical units here.
// It panics if x does not have ph·nx + ch·nu + 1 elements.
func (mp *Mapping) UnwrapVector(x []float64, x0 *mat64.Vector) (X, U *mat64.Dense, slack float64) {
	mp.mustBeInitialized()
	d := mp.dim
	if len(x) != d.DecisionLen() {
		panic(fmt.Errorf("%w: decision vector has %d elements, expected %d", ErrDimension, len(x), d.DecisionLen()))
	}
	if x0 == nil || x0.Len() != d.Nx {
		panic(fmt.Errorf("%w: x0 must have %d elements", ErrDimension, d.Nx))
	}

	X = mat64.NewDense(d.Ph+1, d.Nx, nil)
	for j := 0; j < d.Nx; j++ {
		X.Set(0, j, x0.At(j, 0))
	}
	for i := 1; i <= d.Ph; i++ {
		off := (i - 1) * d.Nx
		for j := 0; j < d.Nx; j++ {
			X.Set(i, j, x[off+j]*mp.stateScaling.At(j, 0))
		}
	}

	z := mat64.NewVector(d.Ch*d.Nu, x[d.Ph*d.Nx:d.Ph*d.Nx+d.Ch*d.Nu])
	var u mat64.Vector
	u.MulVec(mp.iz2u, z)

	U = mat64.NewDense(d.Ph+1, d.Nu, nil)
	for i := 0; i < d.Ph; i++ {
		for j := 0; j < d.Nu; j++ {
			U.Set(i, j, u.At(i*d.Nu+j, 0))
		}
	}
	for j := 0; j < d.Nu; j++ {
		U.Set(d.Ph, j, U.At(d.Ph-1, j))
	}

	slack = x[len(x)-1]
	return X, U, slack
}

// WrapInputs maps a prediction horizon input sequence (ph blocks of nu) onto
// the control horizon moves.
func (mp *Mapping) WrapInputs(u *mat64.Vector) *mat64.Vector {
	mp.mustBeInitialized()
	if u.Len() != mp.dim.Ph*mp.dim.Nu {
		panic(fmt.Errorf("%w: input sequence has %d elements, expected %d", ErrDimension, u.Len(), mp.dim.Ph*mp.dim.Nu))
	}
	var z mat64.Vector
	z.MulVec(mp.iu2z, u)
	return &z
}

func (mp *Mapping) computeMapping() {
	d := mp.dim

	mp.m = make([]int, d.Ch)
	for i := range mp.m {
		mp.m[i] = 1
	}
	mp.m[d.Ch-1] = d.Ph - d.Ch + 1

	fill(mp.sz2u, 0)
	fill(mp.su2z, 0)
	for i := 0; i < d.Nu; i++ {
		mp.sz2u.Set(i, i, mp.inputScaling.At(i, 0))
		mp.su2z.Set(i, i, 1/mp.inputScaling.At(i, 0))
	}

	fill(mp.iz2u, 0)
	fill(mp.iu2z, 0)
	// ix walks the control horizon blocks, jx the prediction horizon blocks.
	ix, jx := 0, 0
	for i := 0; i < d.Ch; i++ {
		setBlock(mp.iu2z, ix, jx, mp.su2z)
		for j := 0; j < mp.m[i]; j++ {
			setBlock(mp.iz2u, jx, ix, mp.sz2u)
			jx += d.Nu
		}
		ix += d.Nu
	}
}

func (mp *Mapping) mustBeInitialized() {
	if !mp.initialized {
		panic(ErrNotInitialized)
	}
}

func ones(n int) *mat64.Vector {
	v := mat64.NewVector(n, nil)
	for i := 0; i < n; i++ {
		v.SetVec(i, 1)
	}
	return v
}

func checkNonZero(v *mat64.Vector, name string) error {
	for i := 0; i < v.Len(); i++ {
		if v.At(i, 0) == 0 {
			return fmt.Errorf("%w: %s has a zero entry at %d", ErrDimension, name, i)
		}
	}
	return nil
}
