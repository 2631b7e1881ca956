package embedding

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/config"
	"github.com/faceattend/faceattend/internal/quality"
	"github.com/faceattend/faceattend/internal/vector"
)

// Detector performs face detection plus embedding extraction with a named
// detector backend. Satisfied by *Client.
type Detector interface {
	DetectFaces(ctx context.Context, imageData []byte, detector string) (*FaceResponse, error)
}

// Extractor turns an image into a single identity embedding. A nil result
// means no usable face, which is a frequent, expected outcome; transport
// and server failures are logged and folded into the same outcome so a bad
// image never aborts a batch.
type Extractor struct {
	detector  Detector
	gate      *quality.Gate
	detectors []string // backend names in fallback order
	policy    config.RecognitionConfig
	log       *logrus.Logger
}

func NewExtractor(detector Detector, gate *quality.Gate, cfg config.EmbeddingConfig, policy config.RecognitionConfig, log *logrus.Logger) *Extractor {
	if log == nil {
		log = logrus.New()
	}
	detectors := cfg.Detectors
	if len(detectors) == 0 {
		detectors = []string{"retinaface", "opencv"}
	}
	return &Extractor{
		detector:  detector,
		gate:      gate,
		detectors: detectors,
		policy:    policy,
		log:       log,
	}
}

// Extract runs the optional quality gate, face detection with one fallback
// backend, and L2 normalization per policy. Returns nil when the image is
// rejected or no face is found.
func (e *Extractor) Extract(ctx context.Context, imageData []byte, checkQuality bool) []float32 {
	if checkQuality && e.gate != nil {
		report := e.gate.Assess(imageData)
		if !report.OK {
			e.log.WithField("reason", report.Reason).Warn("quality check failed")
			return nil
		}
	}

	face := e.detectBestFace(ctx, imageData)
	if face == nil {
		return nil
	}

	if len(face.Embedding) != e.policy.Dimension {
		e.log.WithFields(logrus.Fields{
			"got":  len(face.Embedding),
			"want": e.policy.Dimension,
		}).Error("embedding server returned unexpected dimension")
		return nil
	}

	if e.policy.Normalized() {
		return vector.Normalize(face.Embedding)
	}
	return face.Embedding
}

// detectBestFace tries each backend in order until one finds a face,
// returning the detection with the highest score.
func (e *Extractor) detectBestFace(ctx context.Context, imageData []byte) *Detection {
	for i, backend := range e.detectors {
		resp, err := e.detector.DetectFaces(ctx, imageData, backend)
		if err != nil {
			e.log.WithError(err).WithField("detector", backend).Warn("face detection failed")
			continue
		}
		if len(resp.Faces) == 0 {
			if i+1 < len(e.detectors) {
				e.log.WithField("detector", backend).Debug("no face found, trying fallback detector")
			}
			continue
		}

		best := &resp.Faces[0]
		for j := range resp.Faces[1:] {
			if resp.Faces[j+1].DetScore > best.DetScore {
				best = &resp.Faces[j+1]
			}
		}
		return best
	}

	e.log.Debug("no face detected by any backend")
	return nil
}
