package similarity

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/vecindex"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector(f.vec), nil
}

type fixedIndex struct {
	hits []vecindex.Result
	err  error
}

func (f fixedIndex) Search(context.Context, []float32, int) ([]vecindex.Result, error) {
	return f.hits, f.err
}

type mapLoader map[uuid.UUID]model.Bug

func (m mapLoader) GetBugsByIDs(_ context.Context, ids []uuid.UUID) ([]model.Bug, error) {
	out := make([]model.Bug, 0, len(ids))
	for _, id := range ids {
		if b, ok := m[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func baseSubmission() model.Submission {
	return model.Submission{
		Title:        "App crashes on iOS 17",
		Description:  "App crashes on startup on iOS 17 devices consistently",
		Product:      "Mobile",
		Device:       "iPhone 14",
		BuildVersion: "2.0.0",
		Region:       "US",
		OSVersion:    "17.0",
		Severity:     model.SeverityMajor,
	}
}

func matchingBug(id uuid.UUID) model.Bug {
	return model.Bug{
		ID:           id,
		Title:        "App crashes on iOS 17",
		Status:       model.StatusNew,
		Device:       "iPhone 14",
		BuildVersion: "2.0.0",
		Region:       "US",
		OSVersion:    "17.0",
		Severity:     model.SeverityMajor,
	}
}

func TestMetadataScoreFullMatch(t *testing.T) {
	score, details := metadataScore(baseSubmission(), matchingBug(uuid.New()))
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, "high", details.ConfidenceLevel)
	assert.Len(t, details.MatchingFields, 5)
	assert.Empty(t, details.DifferingFields)
}

func TestMetadataScoreCaseInsensitive(t *testing.T) {
	bug := matchingBug(uuid.New())
	bug.Device = "IPHONE 14"
	bug.Region = "us"
	score, _ := metadataScore(baseSubmission(), bug)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestMetadataScoreBuildHalfCredit(t *testing.T) {
	bug := matchingBug(uuid.New())
	bug.BuildVersion = "2.0.1" // same major.minor, different patch

	score, details := metadataScore(baseSubmission(), bug)
	// All five fields contribute; build earns 0.15 of its 0.30 weight.
	assert.InDelta(t, 0.85, score, 1e-9)
	assert.Contains(t, details.MatchingFields, "build_version")

	bug.BuildVersion = "3.1.0"
	score, details = metadataScore(baseSubmission(), bug)
	assert.InDelta(t, 0.70, score, 1e-9)
	assert.Contains(t, details.DifferingFields, "build_version")
}

func TestMetadataScoreNormalizesByContributedWeight(t *testing.T) {
	bug := model.Bug{ID: uuid.New(), Status: model.StatusNew, Device: "iPhone 14"}
	// Only device is present on both sides, and it matches: score is 1.
	score, details := metadataScore(baseSubmission(), bug)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, "medium", details.ConfidenceLevel)
}

func TestMetadataScoreNoContributedFields(t *testing.T) {
	score, details := metadataScore(model.Submission{Title: "x"}, model.Bug{Status: model.StatusNew})
	assert.Zero(t, score)
	assert.Equal(t, "low", details.ConfidenceLevel)
}

func TestFindSimilarHybridAndThresholds(t *testing.T) {
	id := uuid.New()
	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: []vecindex.Result{{ID: id, Score: 1.0}}},
		mapLoader{id: matchingBug(id)},
		Config{CrossRegionEnabled: true},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.85, 5)
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)

	c := out.Candidates[0]
	assert.InDelta(t, 1.0, c.VectorScore, 1e-9)
	assert.InDelta(t, 1.0, c.MetadataScore, 1e-9)
	assert.InDelta(t, 1.0, c.HybridScore, 1e-9)
	assert.False(t, c.IsCrossRegion)
}

func TestFindSimilarCrossRegionPenalty(t *testing.T) {
	id := uuid.New()
	bug := matchingBug(id)
	bug.Region = "EU"

	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: []vecindex.Result{{ID: id, Score: 1.0}}},
		mapLoader{id: bug},
		Config{CrossRegionEnabled: true},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.70, 5)
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)

	c := out.Candidates[0]
	assert.True(t, c.IsCrossRegion)
	// meta: region differs (0.20 lost) so 0.80; hybrid 0.7 + 0.3*0.8 - 0.05.
	assert.InDelta(t, 0.89, c.HybridScore, 1e-9)
}

func TestFindSimilarCrossRegionDisabled(t *testing.T) {
	id := uuid.New()
	bug := matchingBug(id)
	bug.Region = "EU"

	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: []vecindex.Result{{ID: id, Score: 1.0}}},
		mapLoader{id: bug},
		Config{CrossRegionEnabled: false},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.70, 5)
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)
	assert.True(t, out.Candidates[0].IsCrossRegion)
	assert.InDelta(t, 0.94, out.Candidates[0].HybridScore, 1e-9)
}

func TestFindSimilarUnrecognizedRegionSkipsPenalty(t *testing.T) {
	id := uuid.New()
	bug := matchingBug(id)
	bug.Region = "MARS"

	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: []vecindex.Result{{ID: id, Score: 1.0}}},
		mapLoader{id: bug},
		Config{CrossRegionEnabled: true, SupportedRegions: []string{"US", "EU", "APAC"}},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.70, 5)
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)

	// Regions differ but MARS is not recognized, so no penalty applies.
	c := out.Candidates[0]
	assert.True(t, c.IsCrossRegion)
	assert.InDelta(t, 0.94, c.HybridScore, 1e-9)
}

func TestFindSimilarDropsResolvedUnlessRecurring(t *testing.T) {
	resolved, recurring := uuid.New(), uuid.New()
	resolvedBug := matchingBug(resolved)
	resolvedBug.Status = model.StatusResolved
	recurringBug := matchingBug(recurring)
	recurringBug.Status = model.StatusClosed
	recurringBug.Classification = model.ClassificationRecurring

	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: []vecindex.Result{
			{ID: resolved, Score: 1.0},
			{ID: recurring, Score: 0.99},
		}},
		mapLoader{resolved: resolvedBug, recurring: recurringBug},
		Config{},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.70, 5)
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, recurring, out.Candidates[0].Bug.ID)
}

func TestFindSimilarDeduplicatesHitsKeepingMax(t *testing.T) {
	id := uuid.New()
	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: []vecindex.Result{
			{ID: id, Score: 0.80},
			{ID: id, Score: 0.95},
		}},
		mapLoader{id: matchingBug(id)},
		Config{},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.70, 5)
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)
	assert.InDelta(t, 0.95, out.Candidates[0].VectorScore, 1e-6)
}

func TestFindSimilarEmptyIndex(t *testing.T) {
	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{hits: nil},
		mapLoader{},
		Config{},
		testLogger(),
	)

	out, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.85, 5)
	require.NoError(t, err)
	assert.Empty(t, out.Candidates)
	assert.Len(t, out.Query.Slice(), 2)
}

func TestFindSimilarIndexFailureIsFatal(t *testing.T) {
	engine := New(
		fixedEmbedder{vec: []float32{1, 0}},
		fixedIndex{err: errors.New("index unavailable")},
		mapLoader{},
		Config{},
		testLogger(),
	)

	_, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.85, 5)
	require.Error(t, err)
}

func TestFindSimilarEmbedTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ string) (pgvector.Vector, error) {
		select {
		case <-ctx.Done():
			return pgvector.Vector{}, ctx.Err()
		case <-time.After(time.Second):
			return pgvector.NewVector([]float32{1}), nil
		}
	}
	engine := New(
		embedderFunc(slow),
		fixedIndex{},
		mapLoader{},
		Config{EmbedTimeout: 5 * time.Millisecond},
		testLogger(),
	)

	_, err := engine.FindSimilar(context.Background(), baseSubmission(), 0.85, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTimeout))
}

type embedderFunc func(context.Context, string) (pgvector.Vector, error)

func (f embedderFunc) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	return f(ctx, text)
}

func TestSameMinorVersion(t *testing.T) {
	assert.True(t, sameMinorVersion("2.0.0", "2.0.1"))
	assert.True(t, sameMinorVersion("2.0", "2.0.9"))
	assert.False(t, sameMinorVersion("2.0.0", "2.1.0"))
	assert.False(t, sameMinorVersion("2", "2.0.0"))
}
