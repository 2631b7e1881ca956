// Package enroll orchestrates the enrollment workflow: per-image quality
// scoring and embedding extraction on the worker pool, a duplicate check
// with the best-quality embedding, and registration into the identity
// index once a human reviewer approves.
package enroll

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/dupcheck"
	"github.com/faceattend/faceattend/internal/index"
	"github.com/faceattend/faceattend/internal/quality"
	"github.com/faceattend/faceattend/internal/tasks"
)

// Extractor produces an identity embedding from image bytes; nil means no
// usable face.
type Extractor interface {
	Extract(ctx context.Context, imageData []byte, checkQuality bool) []float32
}

// DuplicateFinder surfaces already-enrolled persons similar to a candidate.
type DuplicateFinder interface {
	FindDuplicates(embedding []float32, k int, threshold float64) ([]dupcheck.Candidate, error)
}

// Registrar adds approved embeddings to the identity index.
type Registrar interface {
	Add(personID int64, meta *index.Metadata, embeddings ...[]float32) error
}

// ErrNoUsableImage means no submitted image produced an embedding, so there
// is nothing to enroll.
var ErrNoUsableImage = errors.New("no submitted image produced a usable embedding")

// Request is a candidate identity with captured face images.
type Request struct {
	Name    string
	Contact string
	Images  [][]byte
}

// ImageResult records the per-image outcome. Individual failures never
// abort the request; the caller persists them for the reviewer.
type ImageResult struct {
	Index     int            `json:"image_index"`
	Quality   quality.Report `json:"quality"`
	Extracted bool           `json:"extracted"`
	Error     string         `json:"error,omitempty"`
}

// Review is everything a human reviewer needs to approve or veto an
// enrollment: per-image outcomes, the usable embeddings, and potential
// duplicates among already-enrolled persons.
type Review struct {
	Name       string               `json:"name"`
	Contact    string               `json:"contact"`
	Images     []ImageResult        `json:"images"`
	Duplicates []dupcheck.Candidate `json:"potential_duplicates"`

	embeddings [][]float32
}

// EmbeddingCount reports how many images produced a usable embedding.
func (r *Review) EmbeddingCount() int {
	return len(r.embeddings)
}

// HighMatchCount reports duplicates above the high-match cutoff.
func (r *Review) HighMatchCount() int {
	n := 0
	for _, d := range r.Duplicates {
		if d.IsHighMatch {
			n++
		}
	}
	return n
}

// Service wires the enrollment workflow together.
type Service struct {
	extractor Extractor
	gate      *quality.Gate
	dupes     DuplicateFinder
	registrar Registrar
	pool      *tasks.Pool
	waitFor   time.Duration
	log       *logrus.Logger
}

func NewService(extractor Extractor, gate *quality.Gate, dupes DuplicateFinder, registrar Registrar, pool *tasks.Pool, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		extractor: extractor,
		gate:      gate,
		dupes:     dupes,
		registrar: registrar,
		pool:      pool,
		waitFor:   60 * time.Second,
		log:       log,
	}
}

// Evaluate assesses every submitted image and runs the duplicate check with
// the best-quality embedding. Returns ErrNoUsableImage only when not a
// single image produced an embedding.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Review, error) {
	review := &Review{
		Name:    req.Name,
		Contact: req.Contact,
		Images:  make([]ImageResult, len(req.Images)),
	}

	taskIDs := make([]string, len(req.Images))
	for i, img := range req.Images {
		review.Images[i] = ImageResult{Index: i, Quality: s.gate.Assess(img)}
		if !review.Images[i].Quality.OK {
			// Rejected images never reach the extractor; the report alone
			// goes to the reviewer.
			continue
		}

		img := img
		id, err := s.pool.Submit(func(ctx context.Context) (any, error) {
			// Quality was already scored above; the extractor only needs to
			// find a face and embed it.
			return s.extractor.Extract(ctx, img, false), nil
		})
		if err != nil {
			review.Images[i].Error = err.Error()
			continue
		}
		taskIDs[i] = id
	}

	bestQuality := -1.0
	var bestEmbedding []float32
	for i, id := range taskIDs {
		if id == "" {
			continue
		}
		snap, done := s.pool.Wait(id, s.waitFor)
		if !done {
			review.Images[i].Error = "extraction not yet complete"
			continue
		}
		if snap.Status == tasks.StatusFailed {
			review.Images[i].Error = snap.Error
			continue
		}
		emb, _ := snap.Result.([]float32)
		if emb == nil {
			review.Images[i].Error = "no face detected"
			continue
		}

		review.Images[i].Extracted = true
		review.embeddings = append(review.embeddings, emb)
		if review.Images[i].Quality.Sharpness > bestQuality {
			bestQuality = review.Images[i].Quality.Sharpness
			bestEmbedding = emb
		}
	}

	if len(review.embeddings) == 0 {
		return review, ErrNoUsableImage
	}

	dupes, err := s.dupes.FindDuplicates(bestEmbedding, 0, 0)
	if err != nil {
		return review, err
	}
	review.Duplicates = dupes

	s.log.WithFields(logrus.Fields{
		"name":       req.Name,
		"images":     len(req.Images),
		"embeddings": len(review.embeddings),
		"duplicates": len(dupes),
	}).Info("enrollment request evaluated")
	return review, nil
}

// Approve registers the reviewed embeddings under a newly assigned person
// identifier. An index failure here is surfaced: it risks silent data loss
// and needs operator attention.
func (s *Service) Approve(personID int64, review *Review) error {
	if review == nil || len(review.embeddings) == 0 {
		return ErrNoUsableImage
	}
	meta := &index.Metadata{Name: review.Name, Contact: review.Contact}
	return s.registrar.Add(personID, meta, review.embeddings...)
}
