// Package ranking orders retrieved memory records by combining the semantic
// score from the external search step with recency decay and lifecycle
// weighting. It performs no I/O: given the same inputs and half-life it
// always produces the same ordering.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/memoird/memoir/internal/codec"
)

// DefaultHalfLifeDays is the age at which a record's recency multiplier
// reaches 0.5 when no half-life is configured.
const DefaultHalfLifeDays = 7.0

const (
	multiplierDecision   = 1.1
	multiplierActive     = 1.0
	multiplierSuperseded = 0.4
)

// Config holds the single externally settable ranking parameter. The decay
// rate alpha is always derived from HalfLifeDays, never configured directly,
// so the two can't drift apart.
type Config struct {
	HalfLifeDays float64
}

// halfLife returns the effective half-life, falling back to the default for
// zero or negative values.
func (c Config) halfLife() float64 {
	if c.HalfLifeDays <= 0 {
		return DefaultHalfLifeDays
	}
	return c.HalfLifeDays
}

// Candidate pairs a decoded memory record with the opaque semantic score the
// external search step assigned it.
type Candidate struct {
	ID            string
	Record        codec.Record
	SemanticScore float64
}

// Result is one ranked entry.
type Result struct {
	ID            string
	Record        codec.Record
	SemanticScore float64
	FinalScore    float64
}

// Rank scores and orders candidates.
//
// finalScore = semanticScore × recencyMultiplier × statusMultiplier, with
// recency decaying exponentially from SourceCreatedAt. Records with no
// source time get no recency penalty (legacy content should not sink just
// because its age is unknown). Superseded records are dropped unless
// includeSuperseded is set.
//
// Sort is stable: descending finalScore, exact ties broken by status rank
// (DecisionRecord > Active > Superseded), remaining ties keep input order.
func Rank(now time.Time, cfg Config, candidates []Candidate, includeSuperseded bool) []Result {
	alpha := math.Ln2 / cfg.halfLife()

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		status := recordStatus(c.Record)
		if status == codec.StatusSuperseded && !includeSuperseded {
			continue
		}
		final := c.SemanticScore * recencyMultiplier(now, c.Record, alpha) * statusMultiplier(status)
		results = append(results, Result{
			ID:            c.ID,
			Record:        c.Record,
			SemanticScore: c.SemanticScore,
			FinalScore:    final,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return statusRank(recordStatus(results[i].Record)) > statusRank(recordStatus(results[j].Record))
	})

	return results
}

// RecencyMultiplier exposes the decay curve for diagnostics and tests.
func RecencyMultiplier(now time.Time, sourceCreatedAt time.Time, cfg Config) float64 {
	if sourceCreatedAt.IsZero() {
		return 1.0
	}
	alpha := math.Ln2 / cfg.halfLife()
	ageDays := now.Sub(sourceCreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-alpha * ageDays)
}

func recencyMultiplier(now time.Time, rec codec.Record, alpha float64) float64 {
	if rec.Meta == nil || rec.Meta.SourceCreatedAt.IsZero() {
		return 1.0 // unknown age: no penalty
	}
	ageDays := now.Sub(rec.Meta.SourceCreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-alpha * ageDays)
}

// recordStatus resolves the effective status. Legacy records and records
// with no status rank alongside Active.
func recordStatus(rec codec.Record) codec.Status {
	if rec.Meta == nil || rec.Meta.Status == "" {
		return codec.StatusActive
	}
	return rec.Meta.Status
}

func statusMultiplier(s codec.Status) float64 {
	switch s {
	case codec.StatusDecisionRecord:
		return multiplierDecision
	case codec.StatusSuperseded:
		return multiplierSuperseded
	default:
		return multiplierActive
	}
}

func statusRank(s codec.Status) int {
	switch s {
	case codec.StatusDecisionRecord:
		return 2
	case codec.StatusSuperseded:
		return 0
	default:
		return 1
	}
}
