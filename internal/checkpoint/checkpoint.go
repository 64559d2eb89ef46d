package checkpoint

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"

	"embedforge/internal/model"
)

// formatVersion is bumped whenever Snapshot changes incompatibly.
const formatVersion = 1

// ErrCorrupt is returned when a checkpoint decodes but is inconsistent.
var ErrCorrupt = errors.New("checkpoint: corrupt snapshot")

// Snapshot is a persisted model state together with its provenance.
type Snapshot struct {
	RunID   uuid.UUID   `msgpack:"run_id"`
	Epoch   int         `msgpack:"epoch"`
	Loss    float64     `msgpack:"loss"`
	SavedAt time.Time   `msgpack:"saved_at"`
	Objects []string    `msgpack:"objects"`
	Vectors [][]float64 `msgpack:"vectors"`
}

// envelope is the on-disk frame: the snapshot is encoded separately so the
// codec can be chosen per file.
type envelope struct {
	Version int    `msgpack:"version"`
	Codec   Codec  `msgpack:"codec"`
	Payload []byte `msgpack:"payload"`
}

// NewSnapshot captures the rows of h. objects names row i of h.
func NewSnapshot(runID uuid.UUID, epoch int, loss float64, objects []string, h model.Handle) (*Snapshot, error) {
	if len(objects) != h.Len() {
		return nil, errors.Errorf("checkpoint: %d object names for %d vectors", len(objects), h.Len())
	}
	vectors := make([][]float64, h.Len())
	for i := range vectors {
		vectors[i] = h.Vector(i)
	}
	return &Snapshot{
		RunID:   runID,
		Epoch:   epoch,
		Loss:    loss,
		SavedAt: time.Now().UTC(),
		Objects: append([]string(nil), objects...),
		Vectors: vectors,
	}, nil
}

// Embedding rebuilds the model stored in s.
func (s *Snapshot) Embedding() (*model.Embedding, error) {
	emb, err := model.FromVectors(s.Vectors)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return emb, nil
}

func (s *Snapshot) validate() error {
	if len(s.Objects) != len(s.Vectors) {
		return errors.Annotatef(ErrCorrupt, "%d objects, %d vectors", len(s.Objects), len(s.Vectors))
	}
	for i, v := range s.Vectors {
		if len(v) != len(s.Vectors[0]) {
			return errors.Annotatef(ErrCorrupt, "vector %d has dim %d", i, len(v))
		}
	}
	return nil
}

// Save writes s to path. The file is replaced atomically so readers never see
// a partial checkpoint.
func Save(path string, cc Codec, s *Snapshot) error {
	if !Supported(cc) {
		return errors.Errorf("unsupported checkpoint codec %q", cc)
	}
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return errors.Trace(err)
	}
	payload, err := Encode(cc, raw)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := msgpack.Marshal(&envelope{Version: formatVersion, Codec: cc, Payload: payload})
	if err != nil {
		return errors.Trace(err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Annotatef(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Annotatef(err, "write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), path))
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read checkpoint %s", path)
	}
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Annotatef(err, "decode checkpoint %s", path)
	}
	if env.Version != formatVersion {
		return nil, errors.Errorf("checkpoint %s: unsupported version %d", path, env.Version)
	}
	raw, err := Decode(env.Codec, env.Payload)
	if err != nil {
		return nil, errors.Annotatef(err, "decompress checkpoint %s", path)
	}
	s := &Snapshot{}
	if err := msgpack.Unmarshal(raw, s); err != nil {
		return nil, errors.Annotatef(err, "decode snapshot %s", path)
	}
	if err := s.validate(); err != nil {
		return nil, errors.Annotatef(err, "checkpoint %s", path)
	}
	return s, nil
}
