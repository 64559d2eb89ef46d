package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"embedforge/internal/checkpoint"
	"embedforge/internal/config"
	"embedforge/internal/logutil"
	"embedforge/internal/metrics"
	"embedforge/internal/supervisor"
)

type trainOptions struct {
	configPath string
	resumePath string
	burnin     int
	overrides  config.Overrides
}

func newTrainCommand() *cobra.Command {
	o := &trainOptions{}
	command := &cobra.Command{
		Use:   "train",
		Short: "Train an embedding on an edge list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("burnin") {
				o.overrides.Burnin = &o.burnin
			}
			return o.run(cmd.Context())
		},
	}
	o.addFlags(command.Flags())
	return command
}

func (o *trainOptions) addFlags(f *pflag.FlagSet) {
	f.StringVar(&o.configPath, "config", "", "path to YAML config")
	f.StringVar(&o.resumePath, "resume", "", "continue from this checkpoint")
	f.IntVar(&o.overrides.BatchSize, "batchsize", 0, "edges per batch")
	f.IntVar(&o.overrides.NumWorkers, "ndproc", 0, "batch prefetch workers per rank")
	f.IntVar(&o.overrides.Epochs, "epochs", 0, "number of epochs")
	f.IntVar(&o.burnin, "burnin", 0, "number of burn-in epochs")
	f.Float64Var(&o.overrides.LearningRate, "lr", 0, "base learning rate")
	f.IntVar(&o.overrides.EvalEach, "eval-each", 0, "snapshot every N epochs")
	f.IntVar(&o.overrides.Dim, "dim", 0, "embedding dimension")
	f.IntVar(&o.overrides.Negatives, "negs", 0, "negatives per edge")
	f.Float64Var(&o.overrides.Margin, "margin", 0, "hinge loss margin")
	f.IntVar(&o.overrides.Ranks, "ranks", 0, "number of training ranks")
	f.Int64Var(&o.overrides.Seed, "seed", 0, "PRNG seed")
	f.StringVar(&o.overrides.Data, "data", "", "edge list file or directory")
	f.StringVar(&o.overrides.Checkpoint, "checkpoint", "", "checkpoint output path")
	f.StringVar(&o.overrides.LogLevel, "log-level", "", "log level")
	f.StringVar(&o.overrides.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

func (o *trainOptions) run(ctx context.Context) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return errors.Annotate(err, "load config")
	}
	cfg.ApplyOverrides(o.overrides)
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "invalid config")
	}
	if err := logutil.InitLogger(logutil.Config{Level: cfg.LogLevel, File: cfg.LogFile, Format: cfg.LogFormat}); err != nil {
		return err
	}

	rel, err := loadRelations(cfg.Data, cfg.Negatives)
	if err != nil {
		return err
	}
	var resume *checkpoint.Snapshot
	if o.resumePath != "" {
		if resume, err = checkpoint.Load(o.resumePath); err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr)
		defer stop()
	}

	sum, err := supervisor.Run(ctx, supervisor.Options{
		Config:    cfg,
		Relations: rel,
		Resume:    resume,
		Logger:    log.L(),
	})
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.Stringer("run", sum.RunID),
		zap.Int("epochs", sum.Epochs),
		zap.Float64("loss", sum.LastLoss),
		zap.Int("checkpoints", sum.Checkpoints),
	}
	if sum.LastEval != nil {
		fields = append(fields, zap.Float64("mean_rank", sum.LastEval.MeanRank), zap.Float64("map", sum.LastEval.MAP))
	}
	log.Info("run summary", fields...)
	return nil
}

// serveMetrics exposes a fresh registry on addr until the returned func is
// called.
func serveMetrics(addr string) func() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
