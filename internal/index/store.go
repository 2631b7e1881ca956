package index

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"

	"github.com/faceattend/faceattend/internal/config"
)

// ErrNotFound means no index artifacts exist yet.
var ErrNotFound = errors.New("index artifacts not found")

// On-disk layout: a directory with exactly two paired artifacts, the
// serialized ANN graph and the sidecar carrying the id sequence plus person
// metadata. The sidecar header makes the pairing self-describing so a
// version or dimension mismatch falls back to reinitialization.
const (
	graphFile     = "index.hnsw"
	sidecarFile   = "index.entries"
	formatVersion = 1
)

// Snapshot is the durable state of an index.
type Snapshot struct {
	Policy  config.RecognitionConfig
	Entries []Entry
	Persons map[int64]*Metadata
}

type sidecar struct {
	Version   int
	Dimension int
	Metric    config.Metric
	Count     int
	Entries   []Entry
	Persons   map[int64]*Metadata
}

// Store persists the paired index artifacts under a directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save writes both artifacts via temp-then-rename so a crash mid-save never
// leaves a torn file. The pairing itself is validated on load.
func (s *Store) Save(snap Snapshot, graph *hnsw.Graph[int]) error {
	side := sidecar{
		Version:   formatVersion,
		Dimension: snap.Policy.Dimension,
		Metric:    snap.Policy.Metric,
		Count:     len(snap.Entries),
		Entries:   snap.Entries,
		Persons:   snap.Persons,
	}

	if err := writeAtomic(filepath.Join(s.dir, sidecarFile), func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(side)
	}); err != nil {
		return fmt.Errorf("writing index sidecar: %w", err)
	}

	if err := writeAtomic(filepath.Join(s.dir, graphFile), graph.Export); err != nil {
		return fmt.Errorf("writing index graph: %w", err)
	}

	return nil
}

// Load reads and validates the artifact pair. Any corruption, version or
// policy mismatch, or divergence between the graph and the id sequence is
// reported as ErrCorrupt so the caller can reinitialize.
func (s *Store) Load(policy config.RecognitionConfig) (Snapshot, *hnsw.Graph[int], error) {
	sidePath := filepath.Join(s.dir, sidecarFile)
	graphPath := filepath.Join(s.dir, graphFile)

	_, sideErr := os.Stat(sidePath)
	_, graphErr := os.Stat(graphPath)
	if os.IsNotExist(sideErr) && os.IsNotExist(graphErr) {
		return Snapshot{}, nil, ErrNotFound
	}
	if sideErr != nil || graphErr != nil {
		return Snapshot{}, nil, fmt.Errorf("%w: incomplete artifact pair", ErrCorrupt)
	}

	f, err := os.Open(sidePath)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("opening index sidecar: %w", err)
	}
	defer f.Close()

	var side sidecar
	if err := gob.NewDecoder(f).Decode(&side); err != nil {
		return Snapshot{}, nil, fmt.Errorf("%w: decoding sidecar: %v", ErrCorrupt, err)
	}
	if side.Version != formatVersion {
		return Snapshot{}, nil, fmt.Errorf("%w: sidecar version %d, want %d", ErrCorrupt, side.Version, formatVersion)
	}
	if side.Dimension != policy.Dimension || side.Metric != policy.Metric {
		return Snapshot{}, nil, fmt.Errorf("%w: artifacts built for dim=%d metric=%s, configured dim=%d metric=%s",
			ErrCorrupt, side.Dimension, side.Metric, policy.Dimension, policy.Metric)
	}
	if side.Count != len(side.Entries) {
		return Snapshot{}, nil, fmt.Errorf("%w: sidecar count %d does not match %d entries", ErrCorrupt, side.Count, len(side.Entries))
	}

	g, err := loadGraph(graphPath, policy.Metric)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if g.Len() != len(side.Entries) {
		return Snapshot{}, nil, fmt.Errorf("%w: graph holds %d nodes, id sequence holds %d", ErrCorrupt, g.Len(), len(side.Entries))
	}

	if side.Persons == nil {
		side.Persons = make(map[int64]*Metadata)
	}
	return Snapshot{Policy: policy, Entries: side.Entries, Persons: side.Persons}, g, nil
}

func loadGraph(path string, metric config.Metric) (*hnsw.Graph[int], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index graph: %w", err)
	}
	defer f.Close()

	g := newGraph(metric)
	// Import's decoder needs an io.ByteReader.
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%w: importing graph: %v", ErrCorrupt, err)
	}
	return g, nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it over the target.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
