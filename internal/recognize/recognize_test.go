package recognize

import (
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/config"
	"github.com/faceattend/faceattend/internal/index"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testPolicy() config.RecognitionConfig {
	return config.RecognitionConfig{
		Profile:         "enhanced",
		Dimension:       3,
		Metric:          config.MetricInnerProduct,
		Threshold:       0.75,
		StrictThreshold: 0.85,
		AmbiguityMargin: 0.1,
	}
}

// vecAt builds a unit vector whose cosine similarity against (1,0,0) is
// exactly sim, with the remainder on the given secondary axis so two
// vectors with the same similarity stay distinct.
func vecAt(sim float64, axis int) []float32 {
	rest := math.Sqrt(1 - sim*sim)
	v := []float32{float32(sim), 0, 0}
	v[axis] = float32(rest)
	return v
}

var query = []float32{1, 0, 0}

func TestRecognizeAcceptsClearMatch(t *testing.T) {
	idx := index.New(testPolicy(), nil, testLogger())
	if err := idx.Add(1, nil, vecAt(0.90, 1)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(2, nil, vecAt(0.60, 2)); err != nil {
		t.Fatal(err)
	}

	rec, err := New(idx, testLogger()).Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Matched || rec.PersonID != 1 {
		t.Fatalf("result = %+v, want match on person 1", rec)
	}
	if math.Abs(rec.Similarity-0.90) > 1e-5 {
		t.Errorf("similarity = %f, want ~0.90", rec.Similarity)
	}
}

func TestRecognizeRejectsBelowThreshold(t *testing.T) {
	idx := index.New(testPolicy(), nil, testLogger())
	if err := idx.Add(1, nil, vecAt(0.70, 1)); err != nil {
		t.Fatal(err)
	}

	rec, err := New(idx, testLogger()).Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Matched {
		t.Fatalf("result = %+v, want rejection below 0.75 threshold", rec)
	}
	if math.Abs(rec.Similarity-0.70) > 1e-5 {
		t.Errorf("similarity = %f, want best score reported even on rejection", rec.Similarity)
	}
}

func TestRecognizeStrictThreshold(t *testing.T) {
	idx := index.New(testPolicy(), nil, testLogger())
	if err := idx.Add(1, nil, vecAt(0.76, 1)); err != nil {
		t.Fatal(err)
	}
	r := New(idx, testLogger())

	rec, err := r.Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Matched {
		t.Errorf("0.76 rejected in normal mode, want accept above 0.75")
	}

	rec, err = r.Recognize(query, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Matched {
		t.Errorf("0.76 accepted in strict mode, want rejection below 0.85")
	}
}

func TestRecognizeRejectsAmbiguousMatch(t *testing.T) {
	idx := index.New(testPolicy(), nil, testLogger())
	// Two different persons inside the 0.1 margin of each other.
	if err := idx.Add(1, nil, vecAt(0.90, 1)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(2, nil, vecAt(0.83, 2)); err != nil {
		t.Fatal(err)
	}

	rec, err := New(idx, testLogger()).Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Matched {
		t.Fatalf("result = %+v, want ambiguity rejection (0.90 vs 0.83, margin 0.1)", rec)
	}
}

func TestRecognizeAcceptsSamePersonRunnerUp(t *testing.T) {
	idx := index.New(testPolicy(), nil, testLogger())
	// Both near matches belong to the same identity, which happens whenever
	// a person is enrolled from multiple images. That must not self-reject.
	if err := idx.Add(1, nil, vecAt(0.90, 1), vecAt(0.83, 2)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(2, nil, vecAt(0.40, 1)); err != nil {
		t.Fatal(err)
	}

	rec, err := New(idx, testLogger()).Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Matched || rec.PersonID != 1 {
		t.Fatalf("result = %+v, want match on person 1", rec)
	}
}

func TestRecognizeNoMarginDisablesAmbiguity(t *testing.T) {
	pol := testPolicy()
	pol.AmbiguityMargin = 0

	idx := index.New(pol, nil, testLogger())
	if err := idx.Add(1, nil, vecAt(0.90, 1)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(2, nil, vecAt(0.89, 2)); err != nil {
		t.Fatal(err)
	}

	rec, err := New(idx, testLogger()).Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Matched || rec.PersonID != 1 {
		t.Fatalf("result = %+v, want best match accepted with margin disabled", rec)
	}
}

func TestRecognizeEmptyIndex(t *testing.T) {
	idx := index.New(testPolicy(), nil, testLogger())

	rec, err := New(idx, testLogger()).Recognize(query, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Matched || rec.PersonID != 0 || rec.Similarity != 0 {
		t.Errorf("result = %+v, want zero result on empty index", rec)
	}
}
