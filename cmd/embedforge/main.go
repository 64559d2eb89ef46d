package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"embedforge/internal/dataset"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error("embedforge failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           "embedforge",
		Short:         "Train Poincaré embeddings of hierarchical relations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	command.AddCommand(newTrainCommand(), newEvalCommand())
	return command
}

// loadRelations reads every edge file found under root.
func loadRelations(root string, negs int) (*dataset.Relations, error) {
	if root == "" {
		return nil, errors.New("no data path given")
	}
	files, err := dataset.DiscoverEdgeFiles(root)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no edge files under %s", root)
	}
	rel, err := dataset.LoadEdgeList(negs, files...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Info("relations loaded",
		zap.String("root", root),
		zap.Int("files", len(files)),
		zap.Int("objects", rel.NumObjects()),
		zap.Int("edges", rel.Len()))
	return rel, nil
}
