// Package recognize turns an index similarity search into a conservative
// identification decision. A single nearest-neighbor accept rule is unsafe
// for biometric identification, so the top match must both clear the
// threshold and beat the runner-up by the ambiguity margin.
package recognize

import (
	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/config"
	"github.com/faceattend/faceattend/internal/index"
)

// candidateCount is how many neighbors are fetched to judge ambiguity.
const candidateCount = 3

// Result is the transient outcome of a recognition attempt. PersonID is 0
// and Matched is false when no identity could be confidently established;
// Similarity still reports the best score seen.
type Result struct {
	Matched    bool
	PersonID   int64
	Similarity float64
}

// Recognizer applies the threshold-plus-margin policy to index searches.
type Recognizer struct {
	index *index.Index
	pol   config.RecognitionConfig
	log   *logrus.Logger
}

func New(idx *index.Index, log *logrus.Logger) *Recognizer {
	if log == nil {
		log = logrus.New()
	}
	return &Recognizer{index: idx, pol: idx.Policy(), log: log}
}

// Recognize matches an embedding against the index. Strict mode raises the
// threshold for sensitive operations. No match is an expected outcome, not
// an error; errors are reserved for malformed input.
func (r *Recognizer) Recognize(embedding []float32, strict bool) (Result, error) {
	hits, err := r.index.Search(embedding, candidateCount)
	if err != nil {
		return Result{}, err
	}
	if len(hits) == 0 {
		return Result{}, nil
	}

	best := r.index.Similarity(hits[0].RawScore)

	threshold := r.pol.Threshold
	if strict {
		threshold = r.pol.StrictThreshold
	}
	if best < threshold {
		r.log.WithFields(logrus.Fields{
			"similarity": best,
			"threshold":  threshold,
		}).Debug("match rejected below threshold")
		return Result{Similarity: best}, nil
	}

	// Ambiguity check: when the two closest enrolled faces score nearly the
	// same, an accept would risk misattribution between them.
	if r.pol.AmbiguityMargin > 0 && len(hits) > 1 {
		secondBest := r.index.Similarity(hits[1].RawScore)
		if hits[1].PersonID != hits[0].PersonID && secondBest > best-r.pol.AmbiguityMargin {
			r.log.WithFields(logrus.Fields{
				"best":   best,
				"second": secondBest,
				"margin": r.pol.AmbiguityMargin,
			}).Warn("ambiguous match rejected")
			return Result{Similarity: best}, nil
		}
	}

	return Result{Matched: true, PersonID: hits[0].PersonID, Similarity: best}, nil
}
