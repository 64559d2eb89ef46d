package trainer

import (
	"context"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Reporter decides what a rank does with its progress. Only the reporting
// rank carries a real one; every other rank trains silently with NopReporter.
type Reporter interface {
	// Reporting reports whether results are wanted at all.
	Reporting() bool
	// Snapshots reports whether snapshot epochs should carry the model.
	Snapshots() bool
	// BurnIn is called once per burn-in epoch with the reduced rate.
	BurnIn(epoch int, lr float64)
	// Report publishes the result of a completed epoch.
	Report(ctx context.Context, res EpochResult) error
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Reporting() bool                           { return false }
func (NopReporter) Snapshots() bool                           { return false }
func (NopReporter) BurnIn(int, float64)                       {}
func (NopReporter) Report(context.Context, EpochResult) error { return nil }

// LogReporter writes one structured line per epoch. It never carries a
// snapshot.
type LogReporter struct {
	lg *zap.Logger
}

// NewLogReporter returns a reporter writing to lg.
func NewLogReporter(lg *zap.Logger) *LogReporter {
	return &LogReporter{lg: lg}
}

func (r *LogReporter) Reporting() bool { return true }

func (r *LogReporter) Snapshots() bool { return false }

func (r *LogReporter) BurnIn(epoch int, lr float64) {
	r.lg.Info("burn-in", zap.Int("epoch", epoch), zap.Float64("lr", lr))
}

func (r *LogReporter) Report(_ context.Context, res EpochResult) error {
	r.lg.Info("epoch finished",
		zap.Int("epoch", res.Epoch),
		zap.Float64("elapsed", res.Elapsed.Seconds()),
		zap.Float64("loss", res.MeanLoss))
	return nil
}

// ChannelReporter sends every result to a supervisor.
type ChannelReporter struct {
	rank int
	ch   chan<- Result
	lg   *zap.Logger
}

// NewChannelReporter returns a reporter sending to ch on behalf of rank.
func NewChannelReporter(rank int, ch chan<- Result, lg *zap.Logger) *ChannelReporter {
	return &ChannelReporter{rank: rank, ch: ch, lg: lg}
}

func (r *ChannelReporter) Reporting() bool { return true }

func (r *ChannelReporter) Snapshots() bool { return true }

func (r *ChannelReporter) BurnIn(epoch int, lr float64) {
	r.lg.Info("burn-in", zap.Int("epoch", epoch), zap.Float64("lr", lr))
}

// Report blocks until the result is accepted or ctx is done. Supervisors
// size the channel so that it never has to wait.
func (r *ChannelReporter) Report(ctx context.Context, res EpochResult) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case r.ch <- Result{Rank: r.rank, Epoch: &res}:
		return nil
	}
}
