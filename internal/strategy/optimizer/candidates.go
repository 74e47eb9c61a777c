package optimizer

import (
	"fmt"
	"iter"
	"math"
	"slices"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/strategy/weights"
)

// CandidateGenerator produces the weight vectors a search evaluates.
// Configuration problems are reported before any candidate is produced.
type CandidateGenerator interface {
	Candidates() (iter.Seq[weights.Vector], error)
}

// DefaultMaxCandidates bounds grid size
const DefaultMaxCandidates = 243

// DefaultSumTolerance is how far a raw grid combination may sum from 1
const DefaultSumTolerance = 0.02

// GridGenerator enumerates the cartesian product of per-category levels
type GridGenerator struct {
	Levels        [weights.NumCategories][]float64
	Tolerance     float64
	MaxCandidates int
}

// DefaultGrid returns the grid searched when none is configured
func DefaultGrid() *GridGenerator {
	g := &GridGenerator{Tolerance: DefaultSumTolerance, MaxCandidates: DefaultMaxCandidates}
	g.Levels[weights.TrendMomentum] = []float64{0.25, 0.30, 0.35}
	g.Levels[weights.Volume] = []float64{0.10, 0.15, 0.20}
	g.Levels[weights.Fundamental] = []float64{0.18, 0.22, 0.26}
	g.Levels[weights.MarketContext] = []float64{0.15, 0.18, 0.21}
	g.Levels[weights.Advanced] = []float64{0.10, 0.15, 0.20}
	return g
}

// GridFromMap builds a grid from category-keyed level lists
func GridFromMap(levels map[string][]float64, tolerance float64, maxCandidates int) (*GridGenerator, error) {
	g := &GridGenerator{Tolerance: tolerance, MaxCandidates: maxCandidates}
	for name, values := range levels {
		c, err := weights.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		g.Levels[c] = append([]float64(nil), values...)
	}
	return g, nil
}

// Candidates implements CandidateGenerator. Combinations whose raw sum is
// outside 1 ± Tolerance are pruned, the rest are normalized to sum 1 and
// de-duplicated.
func (g *GridGenerator) Candidates() (iter.Seq[weights.Vector], error) {
	tol := g.Tolerance
	if tol <= 0 {
		tol = DefaultSumTolerance
	}
	limit := g.MaxCandidates
	if limit <= 0 {
		limit = DefaultMaxCandidates
	}
	for _, c := range weights.Categories() {
		if len(g.Levels[c]) == 0 {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
				"grid has no levels", c.String(), nil)
		}
		for _, v := range g.Levels[c] {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
					"grid level must be a non-negative number", fmt.Sprintf("%s=%g", c, v), nil)
			}
		}
	}

	var out []weights.Vector
	seen := make(map[string]struct{})
	var idx [weights.NumCategories]int
	for {
		var raw weights.Vector
		for c := range raw {
			raw[c] = g.Levels[c][idx[c]]
		}
		if sum := raw.Sum(); math.Abs(sum-1) <= tol {
			if v, err := raw.Normalize(); err == nil {
				if _, dup := seen[v.Key()]; !dup {
					seen[v.Key()] = struct{}{}
					out = append(out, v)
				}
			}
		}
		if !advance(&idx, &g.Levels) {
			break
		}
	}

	if len(out) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid,
			"grid produced no candidates within the sum tolerance", nil)
	}
	if len(out) > limit {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"grid exceeds max candidates", fmt.Sprintf("%d > %d", len(out), limit), nil)
	}
	return slices.Values(out), nil
}

// advance steps the odometer with the last category varying fastest
func advance(idx *[weights.NumCategories]int, levels *[weights.NumCategories][]float64) bool {
	for c := weights.NumCategories - 1; c >= 0; c-- {
		idx[c]++
		if idx[c] < len(levels[c]) {
			return true
		}
		idx[c] = 0
	}
	return false
}

// ListGenerator serves an explicit list of vectors
type ListGenerator []weights.Vector

// Candidates implements CandidateGenerator
func (l ListGenerator) Candidates() (iter.Seq[weights.Vector], error) {
	if len(l) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, "candidate list is empty", nil)
	}
	for i, v := range l {
		if err := v.Validate(); err != nil {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
				"invalid candidate", fmt.Sprintf("#%d", i), err)
		}
	}
	return slices.Values([]weights.Vector(l)), nil
}
