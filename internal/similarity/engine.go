// Package similarity ranks existing bugs against an incoming submission
// using a hybrid of embedding similarity and metadata field overlap.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/vecindex"
)

// Score composition. The vector neighborhood dominates; metadata overlap
// breaks ties between textually similar reports from different contexts.
const (
	vectorWeight   = 0.7
	metadataWeight = 0.3

	// crossRegionPenalty is subtracted when the two reports name different
	// regions: the same symptom in another region is more often a distinct
	// rollout problem than a duplicate.
	crossRegionPenalty = 0.05

	// preFilterRatio widens the cut before sorting so borderline candidates
	// survive truncation to top-k.
	preFilterRatio = 0.8
)

// metadataFields are the structured fields compared between a submission
// and a candidate, with their weights. Weights sum to 1; the score is
// normalized by the weight of fields present on both sides.
var metadataFields = []struct {
	name   string
	weight float64
	sub    func(model.Submission) string
	bug    func(model.Bug) string
}{
	{"device", 0.20, func(s model.Submission) string { return s.Device }, func(b model.Bug) string { return b.Device }},
	{"build_version", 0.30, func(s model.Submission) string { return s.BuildVersion }, func(b model.Bug) string { return b.BuildVersion }},
	{"region", 0.20, func(s model.Submission) string { return s.Region }, func(b model.Bug) string { return b.Region }},
	{"os_version", 0.15, func(s model.Submission) string { return s.OSVersion }, func(b model.Bug) string { return b.OSVersion }},
	{"severity", 0.15, func(s model.Submission) string { return string(s.Severity) }, func(b model.Bug) string { return string(b.Severity) }},
}

// Candidate is one ranked match.
type Candidate struct {
	Bug           model.Bug          `json:"bug"`
	VectorScore   float64            `json:"vector_score"`
	MetadataScore float64            `json:"metadata_score"`
	HybridScore   float64            `json:"hybrid_score"`
	IsCrossRegion bool               `json:"is_cross_region"`
	MatchDetails  model.MatchDetails `json:"match_details"`
}

// Embedder is the slice of the embedding provider the engine needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Index is the slice of the vector index the engine needs.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]vecindex.Result, error)
}

// BugLoader hydrates candidate bugs from storage.
type BugLoader interface {
	GetBugsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Bug, error)
}

// Config tunes the engine.
type Config struct {
	CrossRegionEnabled bool
	// SupportedRegions bounds the cross-region penalty: it applies only
	// between two recognized regions. Free-text region values compare for
	// metadata credit but never penalize. Empty recognizes everything.
	SupportedRegions []string
	EmbedTimeout     time.Duration // sub-deadline for one embedding call
	SearchTimeout    time.Duration // sub-deadline for one index search
}

// Engine runs hybrid similarity search. Index or embedding failures are
// returned to the caller; the engine never degrades to an empty result,
// because "no duplicates found" must mean exactly that.
type Engine struct {
	embedder Embedder
	index    Index
	bugs     BugLoader
	cfg      Config
	regions  map[string]bool
	logger   *slog.Logger
}

// New creates a similarity engine.
func New(embedder Embedder, index Index, bugs BugLoader, cfg Config, logger *slog.Logger) *Engine {
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 200 * time.Millisecond
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 100 * time.Millisecond
	}
	var regions map[string]bool
	if len(cfg.SupportedRegions) > 0 {
		regions = make(map[string]bool, len(cfg.SupportedRegions))
		for _, r := range cfg.SupportedRegions {
			regions[strings.ToUpper(r)] = true
		}
	}
	return &Engine{embedder: embedder, index: index, bugs: bugs, cfg: cfg, regions: regions, logger: logger}
}

// regionKnown reports whether r is in the recognized region set. A nil
// set recognizes everything.
func (e *Engine) regionKnown(r string) bool {
	return e.regions == nil || e.regions[strings.ToUpper(r)]
}

// Outcome is the result of one similarity search. Query carries the
// embedding so the caller can persist it without re-embedding.
type Outcome struct {
	Query      pgvector.Vector
	Candidates []Candidate
}

// FindSimilar embeds the submission, searches the index for 2*topK
// neighbors, scores each surviving candidate, and returns those at or
// above threshold, best first, at most topK.
func (e *Engine) FindSimilar(ctx context.Context, sub model.Submission, threshold float64, topK int) (Outcome, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	query, err := e.embedder.Embed(embedCtx, sub.MatchText())
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("similarity: embed submission: %w", model.ErrTimeout)
		}
		return Outcome{}, fmt.Errorf("similarity: embed submission: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	hits, err := e.index.Search(searchCtx, query.Slice(), 2*topK)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("similarity: index search: %w", model.ErrTimeout)
		}
		return Outcome{}, fmt.Errorf("similarity: index search: %w", err)
	}
	if len(hits) == 0 {
		return Outcome{Query: query}, nil
	}

	// De-duplicate hits by id, keeping the best score. Duplicate ids occur
	// transiently when an insert races a rebuild.
	best := make(map[uuid.UUID]float64, len(hits))
	order := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		score := clip01(float64(h.Score))
		if prev, seen := best[h.ID]; !seen {
			best[h.ID] = score
			order = append(order, h.ID)
		} else if score > prev {
			best[h.ID] = score
		}
	}

	bugs, err := e.bugs.GetBugsByIDs(ctx, order)
	if err != nil {
		return Outcome{}, fmt.Errorf("similarity: load candidates: %w", err)
	}

	loose := preFilterRatio * threshold
	candidates := make([]Candidate, 0, len(bugs))
	for _, bug := range bugs {
		if !bug.SearchEligible() {
			continue
		}
		c := e.score(sub, bug, best[bug.ID])
		if c.HybridScore >= loose {
			candidates = append(candidates, c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].HybridScore > candidates[j].HybridScore })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	strict := candidates[:0]
	for _, c := range candidates {
		if c.HybridScore >= threshold {
			strict = append(strict, c)
		}
	}

	e.logger.Debug("similarity search",
		"hits", len(hits),
		"candidates", len(strict),
		"threshold", threshold,
	)
	return Outcome{Query: query, Candidates: strict}, nil
}

// score combines the vector score with metadata overlap for one candidate.
func (e *Engine) score(sub model.Submission, bug model.Bug, vectorScore float64) Candidate {
	meta, details := metadataScore(sub, bug)
	hybrid := vectorWeight*vectorScore + metadataWeight*meta

	crossRegion := sub.Region != "" && bug.Region != "" && !strings.EqualFold(sub.Region, bug.Region)
	if crossRegion && e.cfg.CrossRegionEnabled && e.regionKnown(sub.Region) && e.regionKnown(bug.Region) {
		hybrid -= crossRegionPenalty
		if hybrid < 0 {
			hybrid = 0
		}
	}

	return Candidate{
		Bug:           bug,
		VectorScore:   vectorScore,
		MetadataScore: meta,
		HybridScore:   hybrid,
		IsCrossRegion: crossRegion,
		MatchDetails:  details,
	}
}

// metadataScore computes the weighted field-overlap score, normalized by
// the weight of fields populated on both sides. Returns 0 when no field
// contributed. build_version earns full weight on exact match and half
// weight when only the major.minor prefix agrees.
func metadataScore(sub model.Submission, bug model.Bug) (float64, model.MatchDetails) {
	var earned, contributed float64
	details := model.MatchDetails{
		MatchingFields:  []string{},
		DifferingFields: []string{},
	}

	for _, f := range metadataFields {
		sv, bv := f.sub(sub), f.bug(bug)
		if sv == "" || bv == "" {
			continue
		}
		contributed += f.weight

		var credit float64
		if f.name == "build_version" {
			switch {
			case sv == bv:
				credit = f.weight
			case sameMinorVersion(sv, bv):
				credit = f.weight / 2
			}
		} else if strings.EqualFold(sv, bv) {
			credit = f.weight
		}

		earned += credit
		if credit > 0 {
			details.MatchingFields = append(details.MatchingFields, f.name)
		} else {
			details.DifferingFields = append(details.DifferingFields, f.name)
		}
	}

	switch n := len(details.MatchingFields); {
	case n >= 3:
		details.ConfidenceLevel = "high"
	case n >= 1:
		details.ConfidenceLevel = "medium"
	default:
		details.ConfidenceLevel = "low"
	}

	if contributed == 0 {
		return 0, details
	}
	return earned / contributed, details
}

// sameMinorVersion reports whether two versions share a major.minor prefix.
func sameMinorVersion(a, b string) bool {
	pa := strings.SplitN(a, ".", 3)
	pb := strings.SplitN(b, ".", 3)
	if len(pa) < 2 || len(pb) < 2 {
		return false
	}
	return pa[0] == pb[0] && pa[1] == pb[1]
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
