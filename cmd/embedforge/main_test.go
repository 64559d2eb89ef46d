package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"embedforge/internal/checkpoint"
	"embedforge/internal/dataset"
)

const edges = "dog\tcanine\nwolf\tcanine\ncanine\tcarnivore\ncat\tfeline\nfeline\tcarnivore\ncarnivore\tmammal\n"

func writeEdges(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mammals.tsv"), []byte(edges), 0o644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	command := newRootCommand()
	command.SetOut(&out)
	command.SetErr(&out)
	command.SetArgs(args)
	err := command.Execute()
	return out.String(), err
}

func TestTrainThenEval(t *testing.T) {
	data := writeEdges(t)
	ckpt := filepath.Join(t.TempDir(), "model.ckpt")

	_, err := execute(t, "train",
		"--data", data,
		"--checkpoint", ckpt,
		"--epochs", "4",
		"--burnin", "1",
		"--eval-each", "2",
		"--batchsize", "4",
		"--dim", "2",
		"--negs", "2",
		"--ranks", "2",
		"--log-level", "error")
	require.NoError(t, err)

	snap, err := checkpoint.Load(ckpt)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Epoch)
	require.Len(t, snap.Objects, 7)

	out, err := execute(t, "eval", "--checkpoint", ckpt, "--data", data, "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "mean_rank=")
	require.Contains(t, out, "edges=12")
}

func TestTrainWithoutBurnin(t *testing.T) {
	ckpt := filepath.Join(t.TempDir(), "model.ckpt")
	// the default burnin (20) is not below 3 epochs, so the flag must reach zero
	_, err := execute(t, "train",
		"--data", writeEdges(t),
		"--checkpoint", ckpt,
		"--epochs", "3",
		"--burnin", "0",
		"--dim", "2",
		"--negs", "2",
		"--log-level", "error")
	require.NoError(t, err)

	snap, err := checkpoint.Load(ckpt)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Epoch)
}

func TestTrainRejectsBadInput(t *testing.T) {
	_, err := execute(t, "train", "--epochs", "2", "--burnin", "1", "--log-level", "error")
	require.Error(t, err, "no data")

	_, err = execute(t, "train", "--data", writeEdges(t), "--epochs", "2", "--burnin", "5")
	require.Error(t, err)

	_, err = execute(t, "train", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEvalRequiresFlags(t *testing.T) {
	_, err := execute(t, "eval")
	require.Error(t, err)
}

func TestAlignSnapshot(t *testing.T) {
	rel := dataset.NewRelations(1)
	rel.AddEdge("a", "b")

	snap := &checkpoint.Snapshot{
		RunID:   uuid.New(),
		Objects: []string{"b", "a", "c"},
		Vectors: [][]float64{{0.2}, {0.1}, {0.3}},
	}
	emb, err := alignSnapshot(snap, rel)
	require.NoError(t, err)
	require.Equal(t, 2, emb.Len())
	require.Equal(t, []float64{0.1}, emb.Vector(0))
	require.Equal(t, []float64{0.2}, emb.Vector(1))

	rel.AddEdge("a", "z")
	_, err = alignSnapshot(snap, rel)
	require.Error(t, err)

}
