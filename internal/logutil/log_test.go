package logutil

import (
	"path/filepath"
	"testing"

	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLogger(t *testing.T) {
	// InitLogger is the only way to obtain props for restoring the globals
	_, props, err := log.InitLogger(&log.Config{Level: "info"})
	require.NoError(t, err)
	prev := log.L()
	defer log.ReplaceGlobals(prev, props)

	path := filepath.Join(t.TempDir(), "train.log")
	require.NoError(t, InitLogger(Config{Level: "WARN", File: path, Format: "json"}))
	require.False(t, log.L().Core().Enabled(zap.InfoLevel))
	require.True(t, log.L().Core().Enabled(zap.WarnLevel))

	require.Error(t, InitLogger(Config{Level: "loud"}))
}

func TestWithRank(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	WithRank(zap.New(core), 3).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(3), entries[0].ContextMap()["rank"])
}
