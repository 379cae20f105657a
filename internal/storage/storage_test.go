package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/storage"
	"github.com/qaforge/bugsift/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func testVector() *pgvector.Vector {
	vals := make([]float32, 384)
	vals[0] = 1
	v := pgvector.NewVector(vals)
	return &v
}

func newTestBug(title string) *model.Bug {
	return &model.Bug{
		Title:        title,
		Description:  "the app crashes immediately after the splash screen",
		Product:      "mobile-app",
		Severity:     model.SeverityMajor,
		Environment:  model.EnvProduction,
		Device:       "Pixel 8",
		BuildVersion: "2.1.0",
		Region:       "EU",
		ReproSteps:   []string{"open app", "wait"},
		QualityScore: 0.9,
		Embedding:    testVector(),
		Context:      model.SubmissionContext{Reporter: "ci-bot"},
	}
}

func TestCreateAndGetBug(t *testing.T) {
	ctx := context.Background()

	bug := newTestBug("crash on startup")
	err := testDB.CreateBug(ctx, bug, nil, []model.AuditEvent{
		{EventType: model.AuditBugCreated, Actor: "ci-bot"},
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, bug.ID)
	assert.Equal(t, model.StatusNew, bug.Status)

	got, err := testDB.GetBug(ctx, bug.ID)
	require.NoError(t, err)
	assert.Equal(t, "crash on startup", got.Title)
	assert.Equal(t, model.SeverityMajor, got.Severity)
	assert.Equal(t, "ci-bot", got.Context.Reporter)
	assert.Equal(t, []string{"open app", "wait"}, got.ReproSteps)
	require.NotNil(t, got.Embedding)
	assert.Len(t, got.Embedding.Slice(), 384)
}

func TestGetBugNotFound(t *testing.T) {
	_, err := testDB.GetBug(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlaggedDuplicateAndEvidence(t *testing.T) {
	ctx := context.Background()

	parent := newTestBug("payment fails with 500")
	require.NoError(t, testDB.CreateBug(ctx, parent, nil, nil))

	score := 0.78
	dup := newTestBug("payment errors with http 500")
	dup.IsDuplicate = true
	dup.DuplicateOf = &parent.ID
	dup.SimilarityScore = &score
	dup.Classification = model.ClassificationDuplicate
	dup.Status = model.StatusDuplicate
	require.NoError(t, testDB.CreateBug(ctx, dup, &model.DuplicateHistory{
		OriginalID:      parent.ID,
		SimilarityScore: score,
		Method:          model.MethodHybrid,
	}, nil))

	dups, err := testDB.ListDuplicates(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, dup.ID, dups[0].ID)

	// A blocked submission adds history without a bug row.
	require.NoError(t, testDB.RecordBlockedDuplicate(ctx, &model.DuplicateHistory{
		OriginalID:      parent.ID,
		SimilarityScore: 0.91,
		Method:          model.MethodHybrid,
		WasBlocked:      true,
		Snapshot:        &model.Submission{Title: "payment broken", Product: "mobile-app"},
	}, nil))

	count, err := testDB.CountDuplicateEvidence(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	history, err := testDB.HistoryForBug(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var blocked *model.DuplicateHistory
	for i := range history {
		if history[i].WasBlocked {
			blocked = &history[i]
		}
	}
	require.NotNil(t, blocked)
	require.NotNil(t, blocked.Snapshot)
	assert.Equal(t, "payment broken", blocked.Snapshot.Title)
	assert.Nil(t, blocked.CandidateID)
}

func TestResolveRootWalksChain(t *testing.T) {
	ctx := context.Background()

	root := newTestBug("root defect")
	require.NoError(t, testDB.CreateBug(ctx, root, nil, nil))

	mid := newTestBug("mid defect")
	mid.IsDuplicate = true
	mid.DuplicateOf = &root.ID
	require.NoError(t, testDB.CreateBug(ctx, mid, nil, nil))

	leaf := newTestBug("leaf defect")
	leaf.IsDuplicate = true
	leaf.DuplicateOf = &mid.ID
	require.NoError(t, testDB.CreateBug(ctx, leaf, nil, nil))

	got, err := testDB.ResolveRoot(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ID)
}

func TestSearchBugs(t *testing.T) {
	ctx := context.Background()

	bug := newTestBug("wifi drops during video call")
	bug.Product = "router-fw"
	require.NoError(t, testDB.CreateBug(ctx, bug, nil, nil))

	bugs, total, err := testDB.SearchBugs(ctx, storage.SearchParams{
		Query:   "video call",
		Product: "router-fw",
		Limit:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, bugs, 1)
	assert.Equal(t, bug.ID, bugs[0].ID)

	_, total, err = testDB.SearchBugs(ctx, storage.SearchParams{
		Product:  "router-fw",
		Severity: model.SeverityTrivial,
		Limit:    10,
	})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPromoteBugClearsLinkage(t *testing.T) {
	ctx := context.Background()

	parent := newTestBug("promote parent")
	require.NoError(t, testDB.CreateBug(ctx, parent, nil, nil))

	score := 0.8
	dup := newTestBug("promote child")
	dup.IsDuplicate = true
	dup.DuplicateOf = &parent.ID
	dup.SimilarityScore = &score
	dup.Classification = model.ClassificationDuplicate
	dup.Status = model.StatusDuplicate
	require.NoError(t, testDB.CreateBug(ctx, dup, nil, nil))

	promoted, err := testDB.PromoteBug(ctx, dup.ID, "qa-lead", "distinct root cause")
	require.NoError(t, err)
	assert.False(t, promoted.IsDuplicate)
	assert.Nil(t, promoted.DuplicateOf)
	assert.Nil(t, promoted.SimilarityScore)
	assert.Equal(t, model.ClassificationNone, promoted.Classification)
	assert.Equal(t, model.StatusNew, promoted.Status)

	events, total, err := testDB.ListAuditEvents(ctx, storage.AuditFilter{
		EventType: model.AuditBugPromoted,
		BugID:     &dup.ID,
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "qa-lead", events[0].Actor)
}

func TestReclassifyBugRepointsParent(t *testing.T) {
	ctx := context.Background()

	oldParent := newTestBug("old parent")
	require.NoError(t, testDB.CreateBug(ctx, oldParent, nil, nil))
	newParent := newTestBug("new parent")
	require.NoError(t, testDB.CreateBug(ctx, newParent, nil, nil))

	dup := newTestBug("misfiled duplicate")
	dup.IsDuplicate = true
	dup.DuplicateOf = &oldParent.ID
	dup.Status = model.StatusDuplicate
	require.NoError(t, testDB.CreateBug(ctx, dup, nil, nil))

	got, err := testDB.ReclassifyBug(ctx, dup.ID, &newParent.ID, model.ClassificationDuplicate, "qa-lead", "matches newer report")
	require.NoError(t, err)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, newParent.ID, *got.DuplicateOf)
	assert.Equal(t, model.ClassificationDuplicate, got.Classification)
}

func TestMarkRecurring(t *testing.T) {
	ctx := context.Background()

	parent := newTestBug("recurring candidate")
	require.NoError(t, testDB.CreateBug(ctx, parent, nil, nil))

	require.NoError(t, testDB.MarkRecurring(ctx, parent.ID, nil, "detector", 3))

	got, err := testDB.GetBug(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRecurring)
	assert.Equal(t, model.ClassificationRecurring, got.Classification)
}

func TestLowQualityQueueLifecycle(t *testing.T) {
	ctx := context.Background()

	item := &model.LowQualityItem{
		Submission:    model.Submission{Title: "bug", Product: "mobile-app"},
		QualityScore:  0.2,
		QualityIssues: []string{"description_too_short"},
	}
	require.NoError(t, testDB.EnqueueLowQuality(ctx, item, []model.AuditEvent{
		{EventType: model.AuditLowQualityFlagged, Actor: "detector"},
	}))
	require.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, model.ReviewPending, item.Status)

	got, err := testDB.GetLowQualityItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "bug", got.Submission.Title)

	items, total, err := testDB.ListLowQuality(ctx, model.ReviewPending, 50, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	require.NotEmpty(t, items)

	bug := newTestBug("approved from queue")
	require.NoError(t, testDB.ApproveLowQuality(ctx, item.ID, "qa-lead", "legit report", bug, nil))

	reviewed, err := testDB.GetLowQualityItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewApproved, reviewed.Status)
	require.NotNil(t, reviewed.CreatedBugID)
	assert.Equal(t, bug.ID, *reviewed.CreatedBugID)
	require.NotNil(t, reviewed.ReviewedAt)

	// A second review of the same item is rejected.
	err = testDB.ReviewLowQuality(ctx, item.ID, model.ReviewRejected, "qa-lead", "", nil, nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyReviewed)
}

func TestRejectLowQuality(t *testing.T) {
	ctx := context.Background()

	item := &model.LowQualityItem{
		Submission:    model.Submission{Title: "noise", Product: "mobile-app"},
		QualityIssues: []string{"missing_title"},
	}
	require.NoError(t, testDB.EnqueueLowQuality(ctx, item, nil))

	require.NoError(t, testDB.ReviewLowQuality(ctx, item.ID, model.ReviewRejected, "qa-lead", "spam", nil, nil))

	got, err := testDB.GetLowQualityItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewRejected, got.Status)
	assert.Equal(t, "spam", got.ReviewNotes)
}

func TestAPIKeyRoundtrip(t *testing.T) {
	ctx := context.Background()

	key := &model.APIKey{
		ID:      uuid.New(),
		KeyID:   "test-key-" + uuid.NewString()[:8],
		KeyHash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		Role:    model.RoleQA,
	}
	require.NoError(t, testDB.CreateAPIKey(ctx, key))

	got, err := testDB.GetAPIKeyByKeyID(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleQA, got.Role)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, testDB.TouchAPIKey(ctx, got.ID))
	got, err = testDB.GetAPIKeyByKeyID(ctx, key.KeyID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	// Upsert rotates the hash and re-enables in place.
	rotated := *key
	rotated.KeyHash = "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$b3RoZXI"
	rotated.Role = model.RoleAdmin
	require.NoError(t, testDB.UpsertAPIKey(ctx, &rotated))

	got, err = testDB.GetAPIKeyByKeyID(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, got.Role)
	assert.False(t, got.Disabled)
}

func TestIndexableBugsAndReindex(t *testing.T) {
	ctx := context.Background()

	bug := newTestBug("parked after index failure")
	require.NoError(t, testDB.CreateBug(ctx, bug, nil, nil))
	require.NoError(t, testDB.MarkPendingReindex(ctx, bug.ID))

	got, err := testDB.GetBug(ctx, bug.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReindex, got.Status)

	entries, err := testDB.IndexableBugs(ctx)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.ID == bug.ID {
			found = true
			assert.Len(t, e.Vector, 384)
		}
	}
	assert.True(t, found, "parked bug must still be indexable")

	since, err := testDB.IndexableBugsSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, since)

	n, err := testDB.MarkReindexed(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err = testDB.GetBug(ctx, bug.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, got.Status)
}

func TestPreventionStats(t *testing.T) {
	ctx := context.Background()

	stats, err := testDB.PreventionStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalBugs, 1)
	assert.GreaterOrEqual(t, stats.BlockedCount, 1)
	assert.GreaterOrEqual(t, stats.PreventionRate, 0.0)
	assert.LessOrEqual(t, stats.PreventionRate, 1.0)
}

func TestStatusOnlyFilterHasIndex(t *testing.T) {
	// Status-only searches can't use the composite (product, status) index,
	// so a dedicated bugs(status) index must exist.
	var exists bool
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM pg_indexes WHERE tablename = 'bugs' AND indexname = 'idx_bugs_status')`,
	).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}
