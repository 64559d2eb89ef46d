// Package optim implements parameter update rules for the embedding model.
package optim

import (
	"math"

	"github.com/pingcap/errors"

	"embedforge/internal/model"
)

// ErrNonFinite is returned when a gradient or an updated parameter is NaN or Inf.
var ErrNonFinite = errors.New("optim: non-finite value")

// Params is the gradient-carrying view an optimizer updates.
type Params interface {
	ZeroGrad()
	Apply(fn func(idx int, theta, grad []float64) error) error
}

// RSGD is Riemannian stochastic gradient descent on the Poincaré ball.
type RSGD struct {
	params  Params
	maxNorm float64
}

// NewRSGD constructs the optimizer over params.
func NewRSGD(params Params) *RSGD {
	return &RSGD{params: params, maxNorm: model.MaxNorm}
}

// ZeroGrad clears accumulated gradients.
func (o *RSGD) ZeroGrad() {
	o.params.ZeroGrad()
}

// Step applies one update at learning rate lr. The Euclidean gradient is
// rescaled by the inverse metric (1-|θ|²)²/4 and the result is projected back
// inside the ball.
func (o *RSGD) Step(lr float64) error {
	return o.params.Apply(func(idx int, theta, grad []float64) error {
		sq := 0.0
		for k, g := range grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return errors.Annotatef(ErrNonFinite, "gradient of row %d", idx)
			}
			sq += theta[k] * theta[k]
		}
		scale := lr * (1 - sq) * (1 - sq) / 4
		for k, g := range grad {
			theta[k] -= scale * g
		}
		project(theta, o.maxNorm)
		return nil
	})
}

func project(theta []float64, maxNorm float64) {
	sq := 0.0
	for _, x := range theta {
		sq += x * x
	}
	norm := math.Sqrt(sq)
	if norm < maxNorm {
		return
	}
	f := maxNorm / norm
	for k := range theta {
		theta[k] *= f
	}
}
