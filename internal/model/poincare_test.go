package model

import (
	"math"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestDistanceFromOrigin(t *testing.T) {
	emb, err := FromVectors([][]float64{{0, 0}, {0.5, 0}, {0, -0.5}})
	require.NoError(t, err)

	require.InDelta(t, 0, emb.Distance(0, 0), 1e-12)
	require.InDelta(t, 2*math.Atanh(0.5), emb.Distance(0, 1), 1e-9)
	require.InDelta(t, emb.Distance(1, 2), emb.Distance(2, 1), 1e-12)
}

func TestDistanceGradMatchesFiniteDifference(t *testing.T) {
	u := []float64{0.1, 0.2, -0.05}
	v := []float64{-0.3, 0.1, 0.25}
	gu, gv := distanceGrad(u, v)

	const h = 1e-6
	for k := range u {
		up := append([]float64(nil), u...)
		um := append([]float64(nil), u...)
		up[k] += h
		um[k] -= h
		numeric := (distance(up, v) - distance(um, v)) / (2 * h)
		require.InDelta(t, numeric, gu[k], 1e-5, "du[%d]", k)

		vp := append([]float64(nil), v...)
		vm := append([]float64(nil), v...)
		vp[k] += h
		vm[k] -= h
		numeric = (distance(u, vp) - distance(u, vm)) / (2 * h)
		require.InDelta(t, numeric, gv[k], 1e-5, "dv[%d]", k)
	}
}

func TestMarginLoss(t *testing.T) {
	emb, err := FromVectors([][]float64{{0}, {0.1}, {0.5}})
	require.NoError(t, err)
	r := emb.NewReplica()

	preds, err := r.Forward([][]int{{0, 1, 2}})
	require.NoError(t, err)
	require.Len(t, preds.(*Distances).Values(), 1)

	loss, err := r.Loss(preds, 2.0)
	require.NoError(t, err)
	want := 2.0 + 2*math.Atanh(0.1) - 2*math.Atanh(0.5)
	require.InDelta(t, want, loss.Item(), 1e-9)

	// a margin the negative already clears yields no loss and no gradient
	loss, err = r.Loss(preds, 0.1)
	require.NoError(t, err)
	require.Equal(t, 0.0, loss.Item())
	require.NoError(t, loss.Backward())
	require.Equal(t, 0, r.NumGrads())
}

func TestBackwardAccumulatesAndZeroGrad(t *testing.T) {
	emb := NewEmbedding(4, 3, 1)
	r := emb.NewReplica()

	preds, err := r.Forward([][]int{{0, 1, 2}, {3, 1, 0}})
	require.NoError(t, err)
	loss, err := r.Loss(preds, 1.0)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	require.Equal(t, 4, r.NumGrads())

	err = loss.Backward()
	require.Equal(t, ErrBackwardTwice, errors.Cause(err))

	r.ZeroGrad()
	require.Equal(t, 0, r.NumGrads())
}

func TestForwardRejectsMalformedInput(t *testing.T) {
	r := NewEmbedding(3, 2, 1).NewReplica()

	_, err := r.Forward(nil)
	require.Equal(t, ErrMalformedInput, errors.Cause(err))
	_, err = r.Forward([][]int{{0, 1}})
	require.Equal(t, ErrMalformedInput, errors.Cause(err))
	_, err = r.Forward([][]int{{0, 1, 7}})
	require.Equal(t, ErrMalformedInput, errors.Cause(err))
}

func TestLossRejectsForeignPreds(t *testing.T) {
	emb := NewEmbedding(3, 2, 1)
	a, b := emb.NewReplica(), emb.NewReplica()

	preds, err := a.Forward([][]int{{0, 1, 2}})
	require.NoError(t, err)
	_, err = b.Loss(preds, 1)
	require.Equal(t, ErrForeignPreds, errors.Cause(err))
}

func TestCloneIsIsolated(t *testing.T) {
	emb := NewEmbedding(2, 2, 1)
	r := emb.NewReplica()
	snap := r.Clone()
	before := snap.Vector(0)

	r.grads[0] = []float64{1, 1}
	require.NoError(t, r.Apply(func(_ int, theta, grad []float64) error {
		for k := range theta {
			theta[k] -= 0.1 * grad[k]
		}
		return nil
	}))

	require.Equal(t, before, snap.Vector(0))
	require.NotEqual(t, before, emb.Vector(0))
}

func TestFromVectorsRejectsRaggedRows(t *testing.T) {
	_, err := FromVectors([][]float64{{0, 0}, {0}})
	require.Equal(t, ErrMalformedInput, errors.Cause(err))
}
