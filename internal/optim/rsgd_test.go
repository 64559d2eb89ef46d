package optim

import (
	"math"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"embedforge/internal/model"
)

type fakeParams struct {
	rows   map[int][]float64
	grads  map[int][]float64
	zeroed int
}

func (p *fakeParams) ZeroGrad() {
	p.zeroed++
	p.grads = map[int][]float64{}
}

func (p *fakeParams) Apply(fn func(idx int, theta, grad []float64) error) error {
	for idx, g := range p.grads {
		if err := fn(idx, p.rows[idx], g); err != nil {
			return err
		}
	}
	return nil
}

func TestStepRescalesByMetric(t *testing.T) {
	p := &fakeParams{
		rows:  map[int][]float64{0: {0, 0}, 1: {0.5, 0}},
		grads: map[int][]float64{0: {1, 0}, 1: {1, 0}},
	}
	opt := NewRSGD(p)
	require.NoError(t, opt.Step(0.4))

	// at the origin the metric factor is 1/4
	require.InDelta(t, -0.1, p.rows[0][0], 1e-12)
	// at |θ|²=0.25 it is (0.75)²/4
	require.InDelta(t, 0.5-0.4*0.75*0.75/4, p.rows[1][0], 1e-12)

	opt.ZeroGrad()
	require.Equal(t, 1, p.zeroed)
	require.Empty(t, p.grads)
}

func TestStepProjectsIntoBall(t *testing.T) {
	p := &fakeParams{
		rows:  map[int][]float64{0: {0, 0}},
		grads: map[int][]float64{0: {-1e6, -1e6}},
	}
	require.NoError(t, NewRSGD(p).Step(1))
	norm := math.Hypot(p.rows[0][0], p.rows[0][1])
	require.InDelta(t, model.MaxNorm, norm, 1e-9)
}

func TestStepRejectsNonFinite(t *testing.T) {
	p := &fakeParams{
		rows:  map[int][]float64{0: {0.1}},
		grads: map[int][]float64{0: {math.NaN()}},
	}
	err := NewRSGD(p).Step(1)
	require.Equal(t, ErrNonFinite, errors.Cause(err))
	require.Equal(t, 0.1, p.rows[0][0])
}

func TestTrainingReducesLoss(t *testing.T) {
	emb := model.NewEmbedding(3, 2, 7)
	r := emb.NewReplica()
	opt := NewRSGD(r)
	inputs := [][]int{{0, 1, 2}}

	lossAt := func() float64 {
		preds, err := r.Forward(inputs)
		require.NoError(t, err)
		loss, err := r.Loss(preds, 1.0)
		require.NoError(t, err)
		return loss.Item()
	}

	first := lossAt()
	for i := 0; i < 50; i++ {
		opt.ZeroGrad()
		preds, err := r.Forward(inputs)
		require.NoError(t, err)
		loss, err := r.Loss(preds, 1.0)
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
		require.NoError(t, opt.Step(0.1))
	}
	require.Less(t, lossAt(), first)
}
