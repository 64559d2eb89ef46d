package trainer

import (
	"context"
	"strconv"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"embedforge/internal/metrics"
)

// TrainFunc is a fully bound training run, usually a closure over Train.
type TrainFunc func(ctx context.Context) error

// RunGuarded runs fn and turns any error or panic into a single failure
// message on results, so that whoever drains results is never left waiting
// for a worker that died. Successful runs write nothing. The caught error is
// returned for callers that want an exit status; it is never re-panicked.
//
// The failure send blocks until results accepts it, so results must be
// drained or buffered for at least one more message than the run reports.
func RunGuarded(ctx context.Context, rank int, fn TrainFunc, lg *zap.Logger, results chan<- Result) (err error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: StagePanic, Epoch: -1, Batch: -1, Err: errors.Errorf("panic: %v", r)}
			lg.Error("worker panicked", zap.Int("rank", rank), zap.Any("panic", r), zap.Stack("stack"))
		}
		if err == nil {
			return
		}
		info := newFailureInfo(rank, err)
		lg.Error("worker failed",
			zap.Int("rank", rank),
			zap.String("stage", string(info.Stage)),
			zap.Int("epoch", info.Epoch),
			zap.Error(err))
		metrics.FailuresCounter.WithLabelValues(strconv.Itoa(rank), string(info.Stage)).Inc()
		if results != nil {
			results <- Result{Rank: rank, Failure: info}
		}
	}()
	return fn(ctx)
}
