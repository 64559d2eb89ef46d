// Package supervisor runs a multi-rank training job and consumes what the
// reporting rank publishes.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"embedforge/internal/checkpoint"
	"embedforge/internal/config"
	"embedforge/internal/dataset"
	"embedforge/internal/eval"
	"embedforge/internal/logutil"
	"embedforge/internal/metrics"
	"embedforge/internal/model"
	"embedforge/internal/optim"
	"embedforge/internal/trainer"
)

// ErrWorkerFailed is returned when any rank died.
var ErrWorkerFailed = errors.New("supervisor: worker failed")

// Options configures a run.
type Options struct {
	Config    *config.Config
	Relations *dataset.Relations
	// Resume continues training from a saved snapshot instead of a fresh
	// random embedding. Its objects must match Relations.
	Resume *checkpoint.Snapshot
	Logger *zap.Logger
}

// Summary describes a finished run.
type Summary struct {
	RunID       uuid.UUID
	Epochs      int
	LastLoss    float64
	LastEval    *eval.Result
	Checkpoints int
	Failures    []*trainer.FailureInfo
	Model       *model.Embedding
}

type supervisor struct {
	cfg    *config.Config
	rel    *dataset.Relations
	emb    *model.Embedding
	start  int
	codec  checkpoint.Codec
	lg     *zap.Logger
	cancel context.CancelFunc

	summary *Summary
	// first error that ends the run
	err error
}

// Run trains cfg.Ranks replicas of one shared embedding concurrently. Every
// rank owns a result channel buffered for all of its messages; the
// supervisor closes it once the rank's guarded run returns and drains all of
// them until each is closed. The first worker failure cancels the remaining
// ranks and is returned wrapped in ErrWorkerFailed.
func Run(ctx context.Context, o Options) (*Summary, error) {
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	codec := checkpoint.Codec(cfg.Codec)
	if codec == "" {
		codec = checkpoint.Zstd
	}
	if !checkpoint.Supported(codec) {
		return nil, errors.Errorf("unsupported checkpoint_codec %q", cfg.Codec)
	}
	if o.Relations == nil || o.Relations.Len() == 0 {
		return nil, errors.New("supervisor: no relations to train on")
	}
	lg := o.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	runID := uuid.New()
	emb := model.NewEmbedding(o.Relations.NumObjects(), cfg.Dim, cfg.Seed)
	start := 0
	if o.Resume != nil {
		start = o.Resume.Epoch + 1
		if start >= cfg.Epochs {
			return nil, errors.Errorf("resume: checkpoint is at epoch %d, nothing left of %d epochs", o.Resume.Epoch, cfg.Epochs)
		}
		var err error
		if emb, err = resume(o.Resume, o.Relations); err != nil {
			return nil, err
		}
		runID = o.Resume.RunID
		lg.Info("resuming", zap.Stringer("run", runID), zap.Int("epoch", start))
	}
	// ranks read the sampling tables concurrently
	o.Relations.Freeze()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &supervisor{
		cfg:     cfg,
		rel:     o.Relations,
		emb:     emb,
		start:   start,
		codec:   codec,
		lg:      lg.With(zap.Stringer("run", runID)),
		cancel:  cancel,
		summary: &Summary{RunID: runID, Model: emb},
	}
	s.lg.Info("training started",
		zap.Int("ranks", cfg.Ranks),
		zap.Int("objects", o.Relations.NumObjects()),
		zap.Int("edges", o.Relations.Len()),
		zap.Int("dim", emb.Dim()))

	channels := make([]chan trainer.Result, cfg.Ranks)
	var eg errgroup.Group
	for i := range channels {
		rank := i + 1
		ch := make(chan trainer.Result, cfg.Epochs+1)
		channels[i] = ch
		eg.Go(func() error {
			defer close(ch)
			return s.runRank(ctx, rank, ch)
		})
	}

	for res := range merge(channels) {
		s.handle(ctx, res)
	}
	// every channel is closed, so every rank has returned. Rank errors were
	// already delivered as failure results and recorded by handle.
	_ = eg.Wait()

	if s.err != nil {
		return s.summary, s.err
	}
	s.lg.Info("training finished", zap.Int("epochs", s.summary.Epochs), zap.Float64("loss", s.summary.LastLoss))
	return s.summary, nil
}

func resume(snap *checkpoint.Snapshot, rel *dataset.Relations) (*model.Embedding, error) {
	objects := rel.Objects()
	if len(snap.Objects) != len(objects) {
		return nil, errors.Errorf("resume: checkpoint has %d objects, data has %d", len(snap.Objects), len(objects))
	}
	for i, name := range objects {
		if snap.Objects[i] != name {
			return nil, errors.Errorf("resume: object %d is %q in checkpoint, %q in data", i, snap.Objects[i], name)
		}
	}
	return snap.Embedding()
}

func (s *supervisor) runRank(ctx context.Context, rank int, ch chan trainer.Result) error {
	lg := logutil.WithRank(s.lg, rank)
	return trainer.RunGuarded(ctx, rank, func(ctx context.Context) error {
		loader, err := dataset.NewLoader(s.rel, dataset.LoaderOptions{
			BatchSize:  s.cfg.BatchSize,
			NumWorkers: s.cfg.NumWorkers,
			Shuffle:    true,
			Seed:       s.cfg.Seed + int64(rank),
		})
		if err != nil {
			return errors.Trace(err)
		}
		replica := s.emb.NewReplica()
		var rep trainer.Reporter = trainer.NopReporter{}
		if rank == s.cfg.ReportingRank {
			rep = trainer.NewChannelReporter(rank, ch, lg)
		}
		return trainer.Train(ctx, replica, loader, optim.NewRSGD(replica), trainer.Options{
			Config:       s.cfg.Training(),
			Margin:       s.cfg.Margin,
			Rank:         rank,
			Reporter:     rep,
			SnapshotMode: s.cfg.SnapshotMode,
			StartEpoch:   s.start,
			Logger:       lg,
		})
	}, lg, ch)
}

func (s *supervisor) handle(ctx context.Context, res trainer.Result) {
	if res.IsFailure() {
		s.summary.Failures = append(s.summary.Failures, res.Failure)
		if s.err == nil {
			s.err = errors.Annotatef(ErrWorkerFailed, "rank %d at epoch %d (%s): %v",
				res.Failure.Rank, res.Failure.Epoch, res.Failure.Stage, res.Failure.Err)
			s.cancel()
		}
		return
	}

	ep := res.Epoch
	s.summary.Epochs++
	s.summary.LastLoss = ep.MeanLoss
	s.lg.Info("epoch finished",
		zap.Int("epoch", ep.Epoch),
		zap.Float64("elapsed", ep.Elapsed.Seconds()),
		zap.Float64("loss", ep.MeanLoss))
	if ep.Snapshot == nil || s.err != nil {
		return
	}
	if err := s.consumeSnapshot(ctx, ep); err != nil {
		s.err = err
		s.cancel()
	}
}

func (s *supervisor) consumeSnapshot(ctx context.Context, ep *trainer.EpochResult) error {
	start := time.Now()
	res, err := eval.Reconstruction(ctx, ep.Snapshot, s.rel, 0)
	if err != nil {
		return errors.Annotatef(err, "evaluate epoch %d", ep.Epoch)
	}
	s.summary.LastEval = &res
	metrics.EvalMeanRankGauge.Set(res.MeanRank)
	metrics.EvalMAPGauge.Set(res.MAP)
	s.lg.Info("reconstruction",
		zap.Int("epoch", ep.Epoch),
		zap.Float64("mean_rank", res.MeanRank),
		zap.Float64("map", res.MAP),
		zap.Duration("took", time.Since(start)))

	if s.cfg.Checkpoint == "" {
		return nil
	}
	snap, err := checkpoint.NewSnapshot(s.summary.RunID, ep.Epoch, ep.MeanLoss, s.rel.Objects(), ep.Snapshot)
	if err != nil {
		return errors.Trace(err)
	}
	if err := checkpoint.Save(s.cfg.Checkpoint, s.codec, snap); err != nil {
		return errors.Annotatef(err, "checkpoint epoch %d", ep.Epoch)
	}
	s.summary.Checkpoints++
	s.lg.Info("checkpoint saved", zap.Int("epoch", ep.Epoch), zap.String("path", s.cfg.Checkpoint))
	return nil
}

// merge fans channels into one that is closed after all of them are.
func merge(channels []chan trainer.Result) <-chan trainer.Result {
	out := make(chan trainer.Result)
	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch := range channels {
		ch := ch
		go func() {
			defer wg.Done()
			for res := range ch {
				out <- res
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
