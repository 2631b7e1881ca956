// Package dupcheck is the pre-enrollment safeguard against enrolling the
// same physical person twice under different records. Unlike the
// recognizer it reports multiple annotated candidates: the final
// approve/reject call belongs to a human reviewer.
package dupcheck

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/faceattend/faceattend/internal/config"
	"github.com/faceattend/faceattend/internal/index"
)

// Candidate is one potential duplicate of the queried face.
type Candidate struct {
	PersonID    int64          `json:"person_id"`
	Similarity  float64        `json:"similarity"`
	Confidence  float64        `json:"confidence"` // similarity as a percentage
	IsHighMatch bool           `json:"is_high_match"`
	Deleted     bool           `json:"deleted"` // tombstoned, pending rebuild
	Metadata    index.Metadata `json:"metadata"`
}

// Checker searches the identity index for enrolled persons similar to a
// candidate embedding.
type Checker struct {
	index *index.Index
	cfg   config.DuplicatesConfig
	log   *logrus.Logger
}

func New(idx *index.Index, cfg config.DuplicatesConfig, log *logrus.Logger) *Checker {
	if log == nil {
		log = logrus.New()
	}
	return &Checker{index: idx, cfg: cfg, log: log}
}

// FindDuplicates returns the nearest enrolled persons at or above the
// threshold, sorted by descending similarity. Tombstoned persons still
// surface (annotated) until a rebuild physically removes them.
func (c *Checker) FindDuplicates(embedding []float32, k int, threshold float64) ([]Candidate, error) {
	if k <= 0 {
		k = c.cfg.K
	}
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}

	hits, err := c.index.Search(embedding, k)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(hits))
	seen := make(map[int64]struct{}, len(hits))
	for _, hit := range hits {
		sim := c.index.Similarity(hit.RawScore)
		if sim < threshold {
			continue
		}
		// One person may hold several index entries; report each person once
		// at their best similarity (hits arrive best-first).
		if _, dup := seen[hit.PersonID]; dup {
			continue
		}
		seen[hit.PersonID] = struct{}{}

		meta, _ := c.index.MetadataFor(hit.PersonID)
		candidates = append(candidates, Candidate{
			PersonID:    hit.PersonID,
			Similarity:  sim,
			Confidence:  sim * 100,
			IsHighMatch: sim >= c.cfg.HighMatch,
			Deleted:     meta.Deleted,
			Metadata:    meta,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	if len(candidates) > 0 {
		c.log.WithFields(logrus.Fields{
			"candidates": len(candidates),
			"top":        candidates[0].Similarity,
		}).Info("duplicate candidates found")
	}
	return candidates, nil
}

// Remove tombstones a person. The index entries remain searchable until the
// next rebuild, so removed persons may still surface as candidates.
func (c *Checker) Remove(personID int64) (bool, error) {
	return c.index.MarkDeleted(personID)
}

// Compact rebuilds the index from its current entries, physically purging
// tombstoned persons. This is the only true removal path.
func (c *Checker) Compact() error {
	entries := c.index.Entries()
	kept := make([]index.RebuildEntry, 0, len(entries))
	for _, e := range entries {
		meta, ok := c.index.MetadataFor(e.PersonID)
		if ok && meta.Deleted {
			continue
		}
		re := index.RebuildEntry{PersonID: e.PersonID, Vector: e.Vector}
		if ok {
			m := meta
			re.Meta = &m
		}
		kept = append(kept, re)
	}
	return c.index.Rebuild(kept)
}
