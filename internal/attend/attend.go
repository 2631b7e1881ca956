// Package attend orchestrates the attendance scan: quality-checked
// extraction on the worker pool, non-strict recognition, and the
// cross-check of the recognized identity against the identity the user
// claims to be.
package attend

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/recognize"
	"github.com/faceattend/faceattend/internal/tasks"
)

// Extractor produces an identity embedding from image bytes; nil means no
// usable face.
type Extractor interface {
	Extract(ctx context.Context, imageData []byte, checkQuality bool) []float32
}

// Matcher runs the recognition decision procedure.
type Matcher interface {
	Recognize(embedding []float32, strict bool) (recognize.Result, error)
}

// Outcome classifies an attendance scan.
type Outcome string

const (
	// OutcomeNoFace: the image was rejected or no face was found.
	OutcomeNoFace Outcome = "no_face"
	// OutcomeNoMatch: a face was found but nobody matched confidently.
	OutcomeNoMatch Outcome = "no_match"
	// OutcomeMismatch: the face matched a different person than claimed.
	OutcomeMismatch Outcome = "identity_mismatch"
	// OutcomeVerified: the face matched the claimed person.
	OutcomeVerified Outcome = "verified"
)

// Result is the decision for one scan. Similarity reports the best score
// seen even on rejection.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	PersonID   int64   `json:"person_id,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Service wires the attendance workflow together.
type Service struct {
	extractor Extractor
	matcher   Matcher
	pool      *tasks.Pool
	log       *logrus.Logger
}

func NewService(extractor Extractor, matcher Matcher, pool *tasks.Pool, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{extractor: extractor, matcher: matcher, pool: pool, log: log}
}

// Submit queues a scan against the claimed person and returns a task id the
// caller can poll. The work is not cancelled if the caller stops waiting.
func (s *Service) Submit(imageData []byte, claimedPersonID int64) (string, error) {
	return s.pool.Submit(func(ctx context.Context) (any, error) {
		return s.check(ctx, imageData, claimedPersonID)
	})
}

// Await waits up to timeout for a submitted scan. When the scan has not
// finished yet, done is false and the result remains queryable later.
func (s *Service) Await(taskID string, timeout time.Duration) (Result, bool) {
	snap, done := s.pool.Wait(taskID, timeout)
	if !done {
		return Result{}, false
	}
	if res, ok := snap.Result.(Result); ok {
		return res, true
	}
	// A failed task reads as an expected absence for the caller; the
	// failure itself was already logged by the pool.
	return Result{Outcome: OutcomeNoFace}, true
}

// Verify is the synchronous convenience path: submit and wait.
func (s *Service) Verify(imageData []byte, claimedPersonID int64, timeout time.Duration) (Result, bool, error) {
	id, err := s.Submit(imageData, claimedPersonID)
	if err != nil {
		return Result{}, false, err
	}
	res, done := s.Await(id, timeout)
	return res, done, nil
}

func (s *Service) check(ctx context.Context, imageData []byte, claimedPersonID int64) (Result, error) {
	embedding := s.extractor.Extract(ctx, imageData, true)
	if embedding == nil {
		return Result{Outcome: OutcomeNoFace}, nil
	}

	rec, err := s.matcher.Recognize(embedding, false)
	if err != nil {
		return Result{}, err
	}
	if !rec.Matched {
		return Result{Outcome: OutcomeNoMatch, Similarity: rec.Similarity}, nil
	}

	if claimedPersonID != 0 && rec.PersonID != claimedPersonID {
		s.log.WithFields(logrus.Fields{
			"recognized": rec.PersonID,
			"claimed":    claimedPersonID,
		}).Warn("recognized person does not match claimed identity")
		return Result{Outcome: OutcomeMismatch, PersonID: rec.PersonID, Similarity: rec.Similarity}, nil
	}

	return Result{Outcome: OutcomeVerified, PersonID: rec.PersonID, Similarity: rec.Similarity}, nil
}
