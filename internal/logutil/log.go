package logutil

import (
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Config configures the process-wide logger.
type Config struct {
	Level  string
	File   string
	Format string
}

// InitLogger replaces the global logger returned by log.L().
func InitLogger(cfg Config) error {
	lc := &log.Config{
		Level:  strings.ToLower(cfg.Level),
		Format: cfg.Format,
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
	if cfg.File != "" {
		lc.File = log.FileLogConfig{Filename: cfg.File}
	}
	lg, props, err := log.InitLogger(lc)
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

// WithRank annotates lg with the worker rank.
func WithRank(lg *zap.Logger, rank int) *zap.Logger {
	if lg == nil {
		lg = log.L()
	}
	return lg.With(zap.Int("rank", rank))
}
