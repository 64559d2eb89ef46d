package main

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"embedforge/internal/checkpoint"
	"embedforge/internal/dataset"
	"embedforge/internal/eval"
	"embedforge/internal/logutil"
	"embedforge/internal/model"
)

type evalOptions struct {
	checkpointPath string
	data           string
	workers        int
	logLevel       string
}

func newEvalCommand() *cobra.Command {
	o := &evalOptions{}
	command := &cobra.Command{
		Use:   "eval",
		Short: "Score a checkpoint by graph reconstruction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := o.run(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("mean_rank=%.4f map=%.4f edges=%d objects=%d\n", res.MeanRank, res.MAP, res.Edges, res.Objects)
			return nil
		},
	}
	f := command.Flags()
	f.StringVar(&o.checkpointPath, "checkpoint", "", "checkpoint to evaluate")
	f.StringVar(&o.data, "data", "", "edge list file or directory")
	f.IntVar(&o.workers, "workers", 0, "evaluation goroutines, 0 for GOMAXPROCS")
	f.StringVar(&o.logLevel, "log-level", "info", "log level")
	_ = command.MarkFlagRequired("checkpoint")
	_ = command.MarkFlagRequired("data")
	return command
}

func (o *evalOptions) run(ctx context.Context) (eval.Result, error) {
	if err := logutil.InitLogger(logutil.Config{Level: o.logLevel}); err != nil {
		return eval.Result{}, err
	}
	snap, err := checkpoint.Load(o.checkpointPath)
	if err != nil {
		return eval.Result{}, err
	}
	rel, err := loadRelations(o.data, 1)
	if err != nil {
		return eval.Result{}, err
	}
	emb, err := alignSnapshot(snap, rel)
	if err != nil {
		return eval.Result{}, err
	}
	res, err := eval.Reconstruction(ctx, emb, rel, o.workers)
	if err != nil {
		return eval.Result{}, err
	}
	log.Info("reconstruction",
		zap.Stringer("run", snap.RunID),
		zap.Int("epoch", snap.Epoch),
		zap.Float64("mean_rank", res.MeanRank),
		zap.Float64("map", res.MAP))
	return res, nil
}

// alignSnapshot reorders the snapshot rows to the object ids of rel.
func alignSnapshot(snap *checkpoint.Snapshot, rel *dataset.Relations) (*model.Embedding, error) {
	rows := make(map[string][]float64, len(snap.Objects))
	for i, name := range snap.Objects {
		rows[name] = snap.Vectors[i]
	}
	vectors := make([][]float64, rel.NumObjects())
	for id, name := range rel.Objects() {
		v, ok := rows[name]
		if !ok {
			return nil, errors.Errorf("object %q is not in the checkpoint", name)
		}
		vectors[id] = v
	}
	emb, err := model.FromVectors(vectors)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return emb, nil
}
