package mpc

import (
	"math"
	"testing"

	"github.com/gonum/matrix/mat64"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFrontends(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "MPC front-ends")
}

var _ = Describe("LMPC", func() {
	var c *LMPC

	BeforeEach(func() {
		var err error
		c, err = DefaultConfig().NewLMPC()
		Expect(err).NotTo(HaveOccurred())
	})

	It("refuses operations it cannot honor", func() {
		Expect(c.SetContinuousTimeModel(0.1)).To(MatchError(ErrUnsupported))
		Expect(c.SetInputScale(mat64.NewVector(1, []float64{2}))).To(MatchError(ErrUnsupported))
		Expect(c.SetStateScale(mat64.NewVector(2, []float64{1, 1}))).To(MatchError(ErrUnsupported))
		Expect(c.SetOptimizerParameters(DefaultNLParameters())).To(MatchError(ErrParameters))
	})

	It("rejects vectors of the wrong size", func() {
		Expect(c.SetReferences(mat64.NewVector(2, nil), mat64.NewVector(1, nil), mat64.NewVector(1, nil))).To(MatchError(ErrDimension))
		_, err := c.Step(mat64.NewVector(3, nil), nil)
		Expect(err).To(MatchError(ErrDimension))
	})

	It("keeps its first command within bounds", func() {
		res, err := c.Step(mat64.NewVector(2, nil), mat64.NewVector(1, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success()).To(BeTrue())
		Expect(res.Cmd.At(0, 0)).To(BeNumerically(">", 0))
		Expect(res.Cmd.At(0, 0)).To(BeNumerically("<=", 1+1e-6))
	})

	It("holds the previous command when the solver fails", func() {
		failing := &failingSolver{status: 4}
		f, err := NewLMPCWithSolver(c.Dimensions(), failing)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.SetStateSpaceModel(Identity(2), mat64.NewDense(2, 1, []float64{0, 1}), mat64.NewDense(1, 2, []float64{1, 0}))).To(Succeed())
		res, err := f.Step(mat64.NewVector(2, nil), mat64.NewVector(1, []float64{0.5}))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success()).To(BeFalse())
		Expect(res.Retcode).To(Equal(-4))
		Expect(res.Cmd.At(0, 0)).To(Equal(0.5))
		Expect(failing.calls).To(Equal(1))
	})

	Context("in closed loop", func() {
		It("drives the output to its reference", func() {
			cfg := DefaultConfig()
			cl, err := cfg.NewClosedLoop(0)
			Expect(err).NotTo(HaveOccurred())
			traj, err := cl.Run(mat64.NewVector(2, nil), 60)
			Expect(err).NotTo(HaveOccurred())
			Expect(traj.Failures()).To(BeZero())
			y := traj.Channel("y", 0)
			Expect(y[len(y)-1]).To(BeNumerically("~", 1, 0.05))
		})
	})
})

var _ = Describe("NLMPC", func() {
	dim := Dimensions{Nx: 1, Nu: 1, Ny: 1, Ph: 5, Ch: 2}

	It("is not usable before the model and objective are set", func() {
		c, err := NewNLMPC(dim)
		Expect(err).NotTo(HaveOccurred())
		_, err = c.Step(mat64.NewVector(1, nil), nil)
		Expect(err).To(MatchError(ErrNotInitialized))
	})

	It("rejects linear solver parameters", func() {
		c, err := NewNLMPC(dim)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.SetOptimizerParameters(DefaultLParameters())).To(MatchError(ErrParameters))
	})

	It("returns the previous command when no iteration is allowed", func() {
		c, err := NewNLMPC(dim)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.SetStateSpaceFunction(integrator)).To(Succeed())
		Expect(c.SetObjectiveFunction(tracking, nil)).To(Succeed())
		params := DefaultNLParameters()
		params.MaximumIteration = 0
		Expect(c.SetOptimizerParameters(params)).To(Succeed())
		res, err := c.Step(mat64.NewVector(1, nil), mat64.NewVector(1, []float64{0.2}))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success()).To(BeFalse())
		Expect(res.Cmd.At(0, 0)).To(Equal(0.2))
	})

	It("converges on an integrator", func() {
		c, err := NewNLMPC(dim)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.SetStateSpaceFunction(integrator)).To(Succeed())
		Expect(c.SetObjectiveFunction(tracking, nil)).To(Succeed())
		Expect(c.SetOptimizerParameters(DefaultNLParameters())).To(Succeed())
		plant := &NonlinearPlant{State: integrator, Out: func(x *mat64.Vector) *mat64.Vector { return x }}
		cl := &ClosedLoop{Controller: c, Plant: plant}
		traj, err := cl.Run(mat64.NewVector(1, nil), 15)
		Expect(err).NotTo(HaveOccurred())
		x := traj.Channel("x", 0)
		Expect(math.Abs(x[len(x)-1] - 1)).To(BeNumerically("<", 0.05))
	})
})
