// Package index maintains the identity index: an ANN graph over face
// embeddings paired with an ordered person-id sequence. The position of a
// vector in the sequence is the only way to recover identity from a search
// hit, so entries are never reordered or removed in place; Rebuild is the
// only physical deletion mechanism.
package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/config"
	"github.com/faceattend/faceattend/internal/vector"
)

// Sentinel errors surfaced to callers. Mutation failures require operator
// attention; everything else is handled as expected absence.
var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrCorrupt           = errors.New("index artifacts corrupted or mismatched")
)

// Entry associates a stored vector with a person identifier. One person may
// own several entries (one per enrollment photo).
type Entry struct {
	PersonID int64
	Vector   []float32
}

// Metadata carries the auxiliary descriptive fields used by the duplicate
// checker. Deleted is a tombstone: the entry stays searchable until the
// next rebuild compacts it away.
type Metadata struct {
	Name    string
	Contact string
	Deleted bool
}

// Result is a single search hit with the raw metric score: inner product
// for the normalized profile, squared Euclidean distance otherwise.
type Result struct {
	PersonID int64
	RawScore float64
}

// Stats describes the current index shape.
type Stats struct {
	Entries   int           `json:"entries"`
	Persons   int           `json:"persons"`
	Dimension int           `json:"dimension"`
	Metric    config.Metric `json:"metric"`
}

// RebuildEntry is one element of the authoritative list handed to Rebuild.
type RebuildEntry struct {
	PersonID int64
	Vector   []float32
	Meta     *Metadata
}

// Index is the single in-process identity index. Mutations take the write
// lock and persist the paired artifacts before returning; searches share
// the read lock and never observe a partial mutation.
type Index struct {
	mu      sync.RWMutex
	policy  config.RecognitionConfig
	graph   *hnsw.Graph[int]
	entries []Entry
	persons map[int64]*Metadata
	store   *Store // nil means in-memory only
	log     *logrus.Logger
}

// New creates an empty index for the given policy. A nil store keeps the
// index in memory only.
func New(policy config.RecognitionConfig, store *Store, log *logrus.Logger) *Index {
	if log == nil {
		log = logrus.New()
	}
	return &Index{
		policy:  policy,
		graph:   newGraph(policy.Metric),
		persons: make(map[int64]*Metadata),
		store:   store,
		log:     log,
	}
}

// Open loads the index from the store, falling back to a fresh empty index
// when the artifacts are missing, corrupted, or built for a different
// policy. The fallback favors availability: a damaged pairing must never
// take the whole system down.
func Open(policy config.RecognitionConfig, store *Store, log *logrus.Logger) *Index {
	idx := New(policy, store, log)
	if store == nil {
		return idx
	}

	snap, graph, err := store.Load(policy)
	switch {
	case errors.Is(err, ErrNotFound):
		idx.log.WithField("path", store.Dir()).Info("no index artifacts found, starting fresh")
		return idx
	case err != nil:
		idx.log.WithError(err).Warn("failed to load index, reinitializing")
		return idx
	}

	idx.entries = snap.Entries
	idx.persons = snap.Persons
	idx.graph = graph
	idx.log.WithField("entries", len(idx.entries)).Info("loaded identity index")
	return idx
}

func newGraph(metric config.Metric) *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.M = maxNeighbors
	g.Ml = 1.0 / float64(maxNeighbors) // standard HNSW formula
	if metric == config.MetricL2 {
		g.Distance = hnsw.EuclideanDistance
	} else {
		g.Distance = hnsw.CosineDistance
	}
	return g
}

const maxNeighbors = 16

// Add appends one or more embeddings for a person, then persists the paired
// artifacts before returning. On any failure the in-memory state is rolled
// back so readers never see an unpersisted mutation.
func (idx *Index) Add(personID int64, meta *Metadata, embeddings ...[]float32) error {
	if len(embeddings) == 0 {
		return errors.New("no embeddings given")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, emb := range embeddings {
		if len(emb) != idx.policy.Dimension {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, idx.policy.Dimension, len(emb))
		}
	}

	prevLen := len(idx.entries)
	prevMeta, hadMeta := idx.persons[personID]

	for _, emb := range embeddings {
		v := emb
		if idx.policy.Normalized() {
			v = vector.Normalize(emb)
		} else {
			v = append([]float32(nil), emb...)
		}
		idx.graph.Add(hnsw.MakeNode(len(idx.entries), v))
		idx.entries = append(idx.entries, Entry{PersonID: personID, Vector: v})
	}
	if meta != nil {
		m := *meta
		idx.persons[personID] = &m
	}

	if err := idx.persistLocked(); err != nil {
		idx.entries = idx.entries[:prevLen]
		if hadMeta {
			idx.persons[personID] = prevMeta
		} else {
			delete(idx.persons, personID)
		}
		idx.rebuildGraphLocked()
		return fmt.Errorf("persisting index after add: %w", err)
	}

	idx.log.WithFields(logrus.Fields{
		"person_id":  personID,
		"embeddings": len(embeddings),
		"entries":    len(idx.entries),
	}).Info("added person embeddings")
	return nil
}

// Search returns up to k nearest entries ordered best-first by exact raw
// score. k is clamped to the entry count; an empty index yields no results.
func (idx *Index) Search(embedding []float32, k int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 || k <= 0 {
		return nil, nil
	}
	if len(embedding) != idx.policy.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, idx.policy.Dimension, len(embedding))
	}
	if k > len(idx.entries) {
		k = len(idx.entries)
	}

	query := embedding
	if idx.policy.Normalized() {
		query = vector.Normalize(embedding)
	}

	neighbors := idx.graph.Search(query, k)

	// Recompute exact scores from the stored vectors so that threshold
	// semantics stay exact regardless of graph approximation.
	results := make([]Result, 0, len(neighbors))
	for _, n := range neighbors {
		pos := n.Key
		if pos < 0 || pos >= len(idx.entries) {
			continue
		}
		entry := idx.entries[pos]
		results = append(results, Result{
			PersonID: entry.PersonID,
			RawScore: idx.rawScore(query, entry.Vector),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if idx.policy.Metric == config.MetricL2 {
			return results[i].RawScore < results[j].RawScore
		}
		return results[i].RawScore > results[j].RawScore
	})
	return results, nil
}

func (idx *Index) rawScore(query, stored []float32) float64 {
	if idx.policy.Metric == config.MetricL2 {
		return vector.SquaredL2(query, stored)
	}
	return vector.Dot(query, stored)
}

// Similarity converts a raw search score into a similarity in [0, 1]:
// clamped inner product for the normalized profile, 1/(1+distance) for the
// distance profile.
func (idx *Index) Similarity(raw float64) float64 {
	if idx.policy.Metric == config.MetricL2 {
		return 1.0 / (1.0 + raw)
	}
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}

// Rebuild discards the current structure and reconstructs it from the
// caller-supplied authoritative list, then persists. This is the only path
// that physically purges tombstoned persons.
func (idx *Index) Rebuild(entries []RebuildEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) != idx.policy.Dimension {
			return fmt.Errorf("%w: person %d: expected %d, got %d",
				ErrDimensionMismatch, e.PersonID, idx.policy.Dimension, len(e.Vector))
		}
	}

	prevEntries, prevPersons := idx.entries, idx.persons

	idx.entries = make([]Entry, 0, len(entries))
	idx.persons = make(map[int64]*Metadata, len(entries))
	for _, e := range entries {
		v := e.Vector
		if idx.policy.Normalized() {
			v = vector.Normalize(e.Vector)
		} else {
			v = append([]float32(nil), e.Vector...)
		}
		idx.entries = append(idx.entries, Entry{PersonID: e.PersonID, Vector: v})
		if e.Meta != nil {
			m := *e.Meta
			idx.persons[e.PersonID] = &m
		}
	}
	idx.rebuildGraphLocked()

	if err := idx.persistLocked(); err != nil {
		idx.entries, idx.persons = prevEntries, prevPersons
		idx.rebuildGraphLocked()
		return fmt.Errorf("persisting rebuilt index: %w", err)
	}

	idx.log.WithField("entries", len(idx.entries)).Info("rebuilt identity index")
	return nil
}

// MarkDeleted tombstones a person's metadata. Entries remain searchable
// until the next Rebuild. Returns false for unknown persons.
func (idx *Index) MarkDeleted(personID int64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	meta, ok := idx.persons[personID]
	if !ok {
		known := false
		for _, e := range idx.entries {
			if e.PersonID == personID {
				known = true
				break
			}
		}
		if !known {
			return false, nil
		}
		meta = &Metadata{}
		idx.persons[personID] = meta
	}
	if meta.Deleted {
		return true, nil
	}

	meta.Deleted = true
	if err := idx.persistLocked(); err != nil {
		meta.Deleted = false
		return false, fmt.Errorf("persisting tombstone: %w", err)
	}
	idx.log.WithField("person_id", personID).Info("marked person deleted")
	return true, nil
}

// MetadataFor returns a copy of the person's metadata.
func (idx *Index) MetadataFor(personID int64) (Metadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	meta, ok := idx.persons[personID]
	if !ok {
		return Metadata{}, false
	}
	return *meta, true
}

// Entries returns a copy of the ordered entry list, used as the source for
// rebuilds that compact tombstoned persons.
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Stats returns the current index shape.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[int64]struct{}, len(idx.entries))
	for _, e := range idx.entries {
		seen[e.PersonID] = struct{}{}
	}
	return Stats{
		Entries:   len(idx.entries),
		Persons:   len(seen),
		Dimension: idx.policy.Dimension,
		Metric:    idx.policy.Metric,
	}
}

// Policy returns the recognition policy the index was built with.
func (idx *Index) Policy() config.RecognitionConfig {
	return idx.policy
}

func (idx *Index) rebuildGraphLocked() {
	g := newGraph(idx.policy.Metric)
	for pos, e := range idx.entries {
		g.Add(hnsw.MakeNode(pos, e.Vector))
	}
	idx.graph = g
}

func (idx *Index) persistLocked() error {
	if idx.store == nil {
		return nil
	}
	return idx.store.Save(Snapshot{
		Policy:  idx.policy,
		Entries: idx.entries,
		Persons: idx.persons,
	}, idx.graph)
}
