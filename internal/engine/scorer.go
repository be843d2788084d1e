// Package engine contains the retrieval and consolidation logic that runs on
// top of the storage and index layers.
package engine

import (
	"math"
	"sort"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// ScoreWeights are the blend weights for ranking candidates. They are
// expected to sum to 1.0; config validation enforces that.
type ScoreWeights struct {
	Similarity float64
	Importance float64
	Recency    float64

	// RecencyHalfLife is the age at which the recency component halves.
	RecencyHalfLife time.Duration
}

// ScoredMemory pairs a record with its similarity and final rank score.
type ScoredMemory struct {
	Memory     *types.Memory
	Similarity float64
	Score      float64
}

// Scorer ranks candidate records. It is pure: no I/O, no clock reads, the
// caller passes the evaluation time.
type Scorer struct {
	weights ScoreWeights
}

// NewScorer creates a scorer with the given weights.
func NewScorer(weights ScoreWeights) *Scorer {
	if weights.RecencyHalfLife <= 0 {
		weights.RecencyHalfLife = 24 * time.Hour
	}
	return &Scorer{weights: weights}
}

// Score computes the blended rank score for one candidate.
func (s *Scorer) Score(mem *types.Memory, similarity float64, now time.Time) float64 {
	return s.weights.Similarity*similarity +
		s.weights.Importance*mem.Importance +
		s.weights.Recency*s.recency(mem, now)
}

// recency decays exponentially with the time since the record was last
// accessed (or created, if never accessed): 1.0 at zero age, 0.5 at one
// half-life.
func (s *Scorer) recency(mem *types.Memory, now time.Time) float64 {
	age := now.Sub(mem.AccessAnchor())
	if age <= 0 {
		return 1.0
	}
	halfLives := float64(age) / float64(s.weights.RecencyHalfLife)
	return math.Exp(-math.Ln2 * halfLives)
}

// Rank fills in scores and sorts candidates by descending score, ties broken
// by smaller id so rankings are deterministic.
func (s *Scorer) Rank(candidates []ScoredMemory, now time.Time) {
	for i := range candidates {
		candidates[i].Score = s.Score(candidates[i].Memory, candidates[i].Similarity, now)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Memory.ID < candidates[j].Memory.ID
	})
}
