package trainer

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"

	"embedforge/internal/model"
)

// ErrEmptyEpoch is returned when the batch source yields nothing for an epoch.
var ErrEmptyEpoch = errors.New("trainer: epoch produced no batches")

// EpochResult is reported once per completed epoch by the reporting rank.
type EpochResult struct {
	Epoch int
	// Elapsed is measured when the last batch of the epoch finished.
	Elapsed  time.Duration
	MeanLoss float64
	// Snapshot is set on snapshot epochs only. Depending on the snapshot mode
	// it is either the live model or a deep copy.
	Snapshot model.Handle
}

// Stage names where in the loop a failure happened.
type Stage string

// Failure stages.
const (
	StageBatchSource Stage = "batch_source"
	StageCompute     Stage = "compute"
	StageReport      Stage = "report"
	StagePanic       Stage = "panic"
	StageUnknown     Stage = "unknown"
)

// StageError tags an error from a collaborator with its position in the loop.
type StageError struct {
	Stage Stage
	Epoch int
	Batch int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed at epoch %d batch %d: %v", e.Stage, e.Epoch, e.Batch, e.Err)
}

// Cause returns the collaborator's error.
func (e *StageError) Cause() error { return e.Err }

// Unwrap returns the collaborator's error.
func (e *StageError) Unwrap() error { return e.Err }

// FailureInfo describes a worker that died. It is the failure arm of Result.
type FailureInfo struct {
	Rank  int
	Stage Stage
	Epoch int
	Err   error
}

func newFailureInfo(rank int, err error) *FailureInfo {
	info := &FailureInfo{Rank: rank, Stage: StageUnknown, Epoch: -1, Err: err}
	if se, ok := err.(*StageError); ok {
		info.Stage = se.Stage
		info.Epoch = se.Epoch
	}
	return info
}

func (f *FailureInfo) Error() string {
	return fmt.Sprintf("rank %d failed: %v", f.Rank, f.Err)
}

// Result is one message on a rank's result channel: exactly one of Epoch and
// Failure is set.
type Result struct {
	Rank    int
	Epoch   *EpochResult
	Failure *FailureInfo
}

// IsFailure reports whether r is the failure signal of a dead worker.
func (r Result) IsFailure() bool { return r.Failure != nil }
