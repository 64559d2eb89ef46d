package trainer

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"embedforge/internal/dataset"
	"embedforge/internal/metrics"
)

func TestRunGuardedForwardFailure(t *testing.T) {
	rec := &recorder{}
	mdl := newFakeModel(rec)
	// two batches per epoch: the fourth forward call is batch 1 of epoch 1
	mdl.failAt = 4
	cfg := scenarioConfig()
	cfg.Epochs, cfg.EvalEvery = 5, 1
	ch := make(chan Result, cfg.Epochs+1)
	loader := newLoader(t, 4, 2, 0)

	core, logs := observer.New(zap.ErrorLevel)
	before := testutil.ToFloat64(metrics.FailuresCounter.WithLabelValues("1", string(StageCompute)))

	err := RunGuarded(context.Background(), 1, func(ctx context.Context) error {
		return Train(ctx, mdl, loader, &fakeOptimizer{rec: rec}, Options{
			Config:   cfg,
			Rank:     1,
			Reporter: NewChannelReporter(1, ch, zap.NewNop()),
		})
	}, zap.New(core), ch)
	require.Error(t, err)
	require.Equal(t, errBoom, errors.Cause(err))

	results := collect(ch)
	require.Len(t, results, 2)
	require.False(t, results[0].IsFailure())
	require.Equal(t, 0, results[0].Epoch.Epoch)

	fail := results[1]
	require.True(t, fail.IsFailure())
	require.Nil(t, fail.Epoch)
	require.Equal(t, 1, fail.Failure.Rank)
	require.Equal(t, StageCompute, fail.Failure.Stage)
	require.Equal(t, 1, fail.Failure.Epoch)

	var se *StageError
	require.ErrorAs(t, fail.Failure.Err, &se)
	require.Equal(t, 1, se.Batch)

	require.Equal(t, 1, logs.FilterMessage("worker failed").Len())
	entry := logs.FilterMessage("worker failed").All()[0].ContextMap()
	require.Equal(t, "compute", entry["stage"])
	require.Equal(t, int64(1), entry["rank"])
	require.Equal(t, before+1, testutil.ToFloat64(metrics.FailuresCounter.WithLabelValues("1", string(StageCompute))))
}

func TestRunGuardedSuccessSendsNothing(t *testing.T) {
	ch := make(chan Result, 1)
	err := RunGuarded(context.Background(), 1, func(context.Context) error { return nil }, nil, ch)
	require.NoError(t, err)
	require.Empty(t, collect(ch))
}

func TestRunGuardedRecoversPanic(t *testing.T) {
	rec := &recorder{}
	mdl := newFakeModel(rec)
	mdl.panicAt = 1
	ch := make(chan Result, 1)
	loader := newLoader(t, 2, 2, 0)

	err := RunGuarded(context.Background(), 3, func(ctx context.Context) error {
		return Train(ctx, mdl, loader, &fakeOptimizer{rec: rec}, Options{Config: scenarioConfig(), Rank: 3})
	}, zap.NewNop(), ch)

	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StagePanic, se.Stage)
	require.Contains(t, err.Error(), "forward exploded")

	results := collect(ch)
	require.Len(t, results, 1)
	require.Equal(t, 3, results[0].Failure.Rank)
	require.Equal(t, StagePanic, results[0].Failure.Stage)
}

func TestRunGuardedNilChannel(t *testing.T) {
	err := RunGuarded(context.Background(), 2, func(context.Context) error { return errBoom }, zap.NewNop(), nil)
	require.Equal(t, errBoom, errors.Cause(err))
}

func TestRunGuardedUnknownStage(t *testing.T) {
	ch := make(chan Result, 1)
	err := RunGuarded(context.Background(), 1, func(context.Context) error { return errBoom }, zap.NewNop(), ch)
	require.Error(t, err)
	results := collect(ch)
	require.Len(t, results, 1)
	require.Equal(t, StageUnknown, results[0].Failure.Stage)
	require.Equal(t, -1, results[0].Failure.Epoch)
}

func TestRunGuardedBatchSourceFailure(t *testing.T) {
	loader, err := newSourceLoader(rowSource{n: 4, failAt: 3})
	require.NoError(t, err)
	rec := &recorder{}
	ch := make(chan Result, 4)

	err = RunGuarded(context.Background(), 1, func(ctx context.Context) error {
		return Train(ctx, newFakeModel(rec), loader, &fakeOptimizer{rec: rec}, Options{
			Config:   scenarioConfig(),
			Reporter: NewChannelReporter(1, ch, zap.NewNop()),
		})
	}, zap.NewNop(), ch)
	require.Error(t, err)

	results := collect(ch)
	require.Len(t, results, 1)
	require.Equal(t, StageBatchSource, results[0].Failure.Stage)
	require.Equal(t, 0, results[0].Failure.Epoch)
}

func TestChannelReporterHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// unbuffered and never read
	rep := NewChannelReporter(1, make(chan Result), zap.NewNop())
	err := rep.Report(ctx, EpochResult{})
	require.Equal(t, context.Canceled, errors.Cause(err))
}

func TestTrainReportFailureStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	ch := make(chan Result)
	rep := &cancelingReporter{ChannelReporter: NewChannelReporter(1, ch, zap.NewNop()), cancel: cancel}

	err := Train(ctx, newFakeModel(rec), newLoader(t, 2, 2, 0), &fakeOptimizer{rec: rec}, Options{
		Config:   scenarioConfig(),
		Reporter: rep,
	})
	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StageReport, se.Stage)
	require.Equal(t, 0, se.Epoch)
}

// cancelingReporter cancels the run right before its first send.
type cancelingReporter struct {
	*ChannelReporter
	cancel context.CancelFunc
}

func (r *cancelingReporter) Report(ctx context.Context, res EpochResult) error {
	r.cancel()
	return r.ChannelReporter.Report(ctx, res)
}

func newSourceLoader(src rowSource) (*dataset.Loader, error) {
	return dataset.NewLoader(src, dataset.LoaderOptions{BatchSize: 2})
}
