package index

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/config"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func innerProductPolicy(dim int) config.RecognitionConfig {
	return config.RecognitionConfig{
		Profile:         "enhanced",
		Dimension:       dim,
		Metric:          config.MetricInnerProduct,
		Threshold:       0.75,
		StrictThreshold: 0.85,
		AmbiguityMargin: 0.1,
	}
}

func l2Policy(dim int) config.RecognitionConfig {
	return config.RecognitionConfig{
		Profile:   "basic",
		Dimension: dim,
		Metric:    config.MetricL2,
		Threshold: 0.6,
	}
}

// unit returns a unit vector along the given axis.
func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestAddThenSearchTop1(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())

	for axis := 0; axis < 4; axis++ {
		if err := idx.Add(int64(100+axis), nil, unit(4, axis)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	for axis := 0; axis < 4; axis++ {
		hits, err := idx.Search(unit(4, axis), 1)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 1 {
			t.Fatalf("got %d hits, want 1", len(hits))
		}
		if hits[0].PersonID != int64(100+axis) {
			t.Errorf("axis %d matched person %d, want %d", axis, hits[0].PersonID, 100+axis)
		}
		if math.Abs(hits[0].RawScore-1.0) > 1e-5 {
			t.Errorf("self-search raw score = %f, want ~1.0", hits[0].RawScore)
		}
	}
}

func TestAddNormalizesVectors(t *testing.T) {
	idx := New(innerProductPolicy(2), nil, testLogger())

	// An unnormalized input must be stored at unit length.
	if err := idx.Add(1, nil, []float32{3, 4}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hits, err := idx.Search([]float32{30, 40}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if math.Abs(hits[0].RawScore-1.0) > 1e-5 {
		t.Errorf("raw score = %f, want ~1.0 for identical directions", hits[0].RawScore)
	}
}

func TestL2SelfSearch(t *testing.T) {
	idx := New(l2Policy(3), nil, testLogger())

	v := []float32{0.5, 0.25, 0.125} // raw, deliberately not unit length
	if err := idx.Add(7, nil, v); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := idx.Search(v, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].PersonID != 7 {
		t.Fatalf("matched person %d, want 7", hits[0].PersonID)
	}
	if hits[0].RawScore > 1e-9 {
		t.Errorf("self-search distance = %f, want ~0", hits[0].RawScore)
	}
	if sim := idx.Similarity(hits[0].RawScore); math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("Similarity(0) = %f, want 1.0", sim)
	}
}

func TestSearchClampsK(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	if err := idx.Add(1, nil, unit(4, 0), unit(4, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := idx.Search(unit(4, 0), 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2 (k clamped to entry count)", len(hits))
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	hits, err := idx.Search(unit(4, 0), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits from an empty index, want 0", len(hits))
	}
}

func TestAddDimensionMismatch(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	if err := idx.Add(1, nil, unit(4, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := idx.Add(2, nil, []float32{1, 0})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if got := idx.Stats().Entries; got != 1 {
		t.Errorf("entry count = %d after rejected add, want 1", got)
	}

	// A batch with one bad vector must not be partially applied.
	err = idx.Add(3, nil, unit(4, 1), []float32{1})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if got := idx.Stats().Entries; got != 1 {
		t.Errorf("entry count = %d after rejected batch, want 1", got)
	}
}

func TestSimilarityConversion(t *testing.T) {
	ip := New(innerProductPolicy(2), nil, testLogger())
	l2 := New(l2Policy(2), nil, testLogger())

	tests := []struct {
		name string
		idx  *Index
		raw  float64
		want float64
	}{
		{"ip passthrough", ip, 0.83, 0.83},
		{"ip clamps high", ip, 1.2, 1.0},
		{"ip clamps negative", ip, -0.3, 0.0},
		{"l2 zero distance", l2, 0, 1.0},
		{"l2 unit distance", l2, 1, 0.5},
		{"l2 large distance", l2, 9, 0.1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.idx.Similarity(tc.raw); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Similarity(%f) = %f, want %f", tc.raw, got, tc.want)
			}
		})
	}
}

func TestPersistLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	policy := innerProductPolicy(4)
	idx := New(policy, store, testLogger())
	meta := &Metadata{Name: "First Person"}
	if err := idx.Add(1, meta, unit(4, 0)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(2, nil, unit(4, 1), unit(4, 2)); err != nil {
		t.Fatal(err)
	}

	loaded := Open(policy, store, testLogger())

	wantStats := idx.Stats()
	gotStats := loaded.Stats()
	if gotStats != wantStats {
		t.Fatalf("stats after load = %+v, want %+v", gotStats, wantStats)
	}

	want := idx.Entries()
	got := loaded.Entries()
	if len(got) != len(want) {
		t.Fatalf("entry count after load = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].PersonID != want[i].PersonID {
			t.Errorf("entry %d person = %d, want %d (ordering must survive persistence)",
				i, got[i].PersonID, want[i].PersonID)
		}
	}

	if m, ok := loaded.MetadataFor(1); !ok || m.Name != "First Person" {
		t.Errorf("metadata after load = %+v (found=%v), want name preserved", m, ok)
	}

	hits, err := loaded.Search(unit(4, 1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PersonID != 2 {
		t.Errorf("search on loaded index = %+v, want person 2", hits)
	}
}

func TestLoadFallsBackOnCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{"missing graph", func(t *testing.T, dir string) {
			if err := os.Remove(filepath.Join(dir, graphFile)); err != nil {
				t.Fatal(err)
			}
		}},
		{"missing sidecar", func(t *testing.T, dir string) {
			if err := os.Remove(filepath.Join(dir, sidecarFile)); err != nil {
				t.Fatal(err)
			}
		}},
		{"garbage sidecar", func(t *testing.T, dir string) {
			if err := os.WriteFile(filepath.Join(dir, sidecarFile), []byte("garbage"), 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"garbage graph", func(t *testing.T, dir string) {
			if err := os.WriteFile(filepath.Join(dir, graphFile), []byte("garbage"), 0o644); err != nil {
				t.Fatal(err)
			}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := NewStore(dir)
			if err != nil {
				t.Fatal(err)
			}
			policy := innerProductPolicy(4)
			idx := New(policy, store, testLogger())
			if err := idx.Add(1, nil, unit(4, 0)); err != nil {
				t.Fatal(err)
			}

			tc.corrupt(t, dir)

			loaded := Open(policy, store, testLogger())
			if got := loaded.Stats().Entries; got != 0 {
				t.Errorf("entries after corrupted load = %d, want 0 (fresh index)", got)
			}
		})
	}
}

func TestLoadRejectsPolicyMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	idx := New(innerProductPolicy(4), store, testLogger())
	if err := idx.Add(1, nil, unit(4, 0)); err != nil {
		t.Fatal(err)
	}

	// A different dimension must be treated as no index, not a crash.
	loaded := Open(innerProductPolicy(8), store, testLogger())
	if got := loaded.Stats().Entries; got != 0 {
		t.Errorf("entries = %d when loading with a different dimension, want 0", got)
	}
}

func TestRebuild(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	for axis := 0; axis < 3; axis++ {
		if err := idx.Add(int64(axis+1), nil, unit(4, axis)); err != nil {
			t.Fatal(err)
		}
	}

	// Rebuild without person 2.
	entries := []RebuildEntry{
		{PersonID: 1, Vector: unit(4, 0), Meta: &Metadata{Name: "one"}},
		{PersonID: 3, Vector: unit(4, 2)},
	}
	if err := idx.Rebuild(entries); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if got := idx.Stats().Entries; got != 2 {
		t.Fatalf("entries after rebuild = %d, want 2", got)
	}
	for _, e := range entries {
		hits, err := idx.Search(e.Vector, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].PersonID != e.PersonID {
			t.Errorf("search for person %d after rebuild = %+v", e.PersonID, hits)
		}
	}

	hits, err := idx.Search(unit(4, 1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 1 && hits[0].PersonID == 2 {
		t.Error("person 2 still resolvable after being left out of the rebuild")
	}
}

func TestRebuildDimensionMismatchKeepsState(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	if err := idx.Add(1, nil, unit(4, 0)); err != nil {
		t.Fatal(err)
	}

	err := idx.Rebuild([]RebuildEntry{{PersonID: 2, Vector: []float32{1}}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if got := idx.Stats().Entries; got != 1 {
		t.Errorf("entries = %d after failed rebuild, want 1", got)
	}
}

func TestMarkDeleted(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	if err := idx.Add(1, &Metadata{Name: "gone soon"}, unit(4, 0)); err != nil {
		t.Fatal(err)
	}

	found, err := idx.MarkDeleted(1)
	if err != nil || !found {
		t.Fatalf("MarkDeleted = (%v, %v), want (true, nil)", found, err)
	}
	if meta, _ := idx.MetadataFor(1); !meta.Deleted {
		t.Error("metadata not tombstoned")
	}

	// Tombstoned entries stay searchable until a rebuild.
	hits, err := idx.Search(unit(4, 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PersonID != 1 {
		t.Errorf("tombstoned person no longer searchable: %+v", hits)
	}

	found, err = idx.MarkDeleted(99)
	if err != nil || found {
		t.Errorf("MarkDeleted(unknown) = (%v, %v), want (false, nil)", found, err)
	}
}

func TestStats(t *testing.T) {
	idx := New(innerProductPolicy(4), nil, testLogger())
	if err := idx.Add(1, nil, unit(4, 0), unit(4, 1)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(2, nil, unit(4, 2)); err != nil {
		t.Fatal(err)
	}

	stats := idx.Stats()
	if stats.Entries != 3 || stats.Persons != 2 {
		t.Errorf("stats = %+v, want 3 entries over 2 persons", stats)
	}
	if stats.Dimension != 4 || stats.Metric != config.MetricInnerProduct {
		t.Errorf("stats = %+v, want dim 4 inner_product", stats)
	}
}
