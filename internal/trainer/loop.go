package trainer

import (
	"context"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"embedforge/internal/config"
	"embedforge/internal/dataset"
	"embedforge/internal/metrics"
	"embedforge/internal/model"
)

// BurninFactor scales the learning rate during burn-in epochs.
const BurninFactor = 0.01

// Optimizer updates the model from accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step(lr float64) error
}

// Options captures the per-rank knobs of the training loop.
type Options struct {
	Config config.Training
	// Margin parameterizes the model's loss.
	Margin float64
	Rank   int
	// Reporter defaults to NopReporter.
	Reporter Reporter
	// SnapshotMode is config.SnapshotAlias or config.SnapshotCopy (default).
	SnapshotMode string
	// StartEpoch skips the epochs before it, e.g. when resuming from a
	// checkpoint. Burn-in still applies to epochs below BurninEpochs.
	StartEpoch int
	Logger     *zap.Logger
}

// LearningRate returns the effective learning rate of epoch.
func LearningRate(cfg config.Training, epoch int) float64 {
	if epoch < cfg.BurninEpochs {
		return cfg.BaseLearningRate * BurninFactor
	}
	return cfg.BaseLearningRate
}

// IsSnapshotEpoch reports whether the model is captured after epoch: the
// final epoch and the last epoch of every EvalEvery window.
func IsSnapshotEpoch(cfg config.Training, epoch int) bool {
	return epoch == cfg.Epochs-1 || epoch%cfg.EvalEvery == cfg.EvalEvery-1
}

// Train runs epochs o.StartEpoch through cfg.Epochs-1 over loader. Errors
// from the loader, the model or the optimizer abort the run immediately as a
// *StageError.
func Train(ctx context.Context, mdl model.Trainable, loader *dataset.Loader, opt Optimizer, o Options) error {
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	rep := o.Reporter
	if rep == nil {
		rep = NopReporter{}
	}
	lg := o.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	if o.StartEpoch < 0 || o.StartEpoch >= cfg.Epochs {
		return errors.Errorf("start epoch must be in [0, %d) (got %d)", cfg.Epochs, o.StartEpoch)
	}
	rank := strconv.Itoa(o.Rank)

	var window metrics.Window
	for epoch := o.StartEpoch; epoch < cfg.Epochs; epoch++ {
		inBurnin := epoch < cfg.BurninEpochs
		lr := LearningRate(cfg, epoch)
		if inBurnin {
			rep.BurnIn(epoch, lr)
		}
		metrics.LearningRateGauge.WithLabelValues(rank).Set(lr)

		elapsed, err := runEpoch(ctx, mdl, loader, opt, epoch, inBurnin, lr, o.Margin, &window, rank)
		if err != nil {
			return err
		}
		// Snapshot also resets the window for the next epoch
		stats := window.Snapshot()
		if stats.Batches == 0 {
			return &StageError{Stage: StageBatchSource, Epoch: epoch, Err: ErrEmptyEpoch}
		}
		metrics.EpochsCounter.WithLabelValues(rank).Inc()
		lg.Debug("epoch done",
			zap.Int("epoch", epoch),
			zap.Int("batches", stats.Batches),
			zap.Float64("lr", lr),
			zap.Float64("avg_compute_ms", stats.AvgComputeMS),
			zap.Float64("last_loss", stats.LastLoss))

		if !rep.Reporting() {
			continue
		}
		res := EpochResult{Epoch: epoch, Elapsed: elapsed, MeanLoss: stats.MeanLoss}
		if rep.Snapshots() && IsSnapshotEpoch(cfg, epoch) {
			res.Snapshot = snapshot(mdl, o.SnapshotMode)
		}
		metrics.EpochLossGauge.Set(res.MeanLoss)
		if err := rep.Report(ctx, res); err != nil {
			return &StageError{Stage: StageReport, Epoch: epoch, Batch: stats.Batches, Err: err}
		}
	}
	return nil
}

func snapshot(mdl model.Trainable, mode string) model.Handle {
	if mode == config.SnapshotAlias {
		return mdl
	}
	return mdl.Clone()
}

// runEpoch drives one pass and returns the time from epoch start to the end of
// its last batch.
func runEpoch(
	ctx context.Context,
	mdl model.Trainable,
	loader *dataset.Loader,
	opt Optimizer,
	epoch int,
	burnin bool,
	lr, margin float64,
	window *metrics.Window,
	rank string,
) (time.Duration, error) {
	start := time.Now()
	it := loader.Epoch(ctx, epoch, burnin)
	defer it.Close()

	var elapsed time.Duration
	for b := 0; ; b++ {
		batch, ok := it.Next()
		if !ok {
			break
		}
		batchStart := time.Now()
		loss, err := step(mdl, opt, batch, lr, margin)
		if err != nil {
			return 0, &StageError{Stage: StageCompute, Epoch: epoch, Batch: b, Err: err}
		}
		took := time.Since(batchStart)
		window.Record(loss, took)
		metrics.BatchDuration.WithLabelValues(rank).Observe(took.Seconds())
		elapsed = time.Since(start)
	}
	if err := it.Err(); err != nil {
		return 0, &StageError{Stage: StageBatchSource, Epoch: epoch, Batch: window.Len(), Err: err}
	}
	return elapsed, nil
}

func step(mdl model.Trainable, opt Optimizer, batch model.Batch, lr, margin float64) (float64, error) {
	// gradients accumulate until cleared
	opt.ZeroGrad()
	preds, err := mdl.Forward(batch.Inputs)
	if err != nil {
		return 0, err
	}
	loss, err := mdl.Loss(preds, margin)
	if err != nil {
		return 0, err
	}
	if err := loss.Backward(); err != nil {
		return 0, err
	}
	if err := opt.Step(lr); err != nil {
		return 0, err
	}
	return loss.Item(), nil
}
