package run

import (
	"context"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestRun(t *testing.T, repo *Repo, userID uint64, workflowID, hash string) *Run {
	t.Helper()
	eventID, err := NewEventID()
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	r := &Run{
		EventID:        eventID,
		UserID:         userID,
		WorkflowID:     workflowID,
		Provider:       ProviderFal,
		Status:         StatusPending,
		InputHash:      hash,
		CreditsCharged: 3,
	}
	if err := repo.Create(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r
}

func TestMarkComplete_IdempotentFinalize(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	r := newTestRun(t, repo, 1, "wf", "h1")

	if err := repo.MarkProcessing(ctx, r.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	output := JSON(`{"outputPath":"https://cdn/x.png","type":"image"}`)
	changed, err := repo.MarkComplete(ctx, r.ID, output)
	if err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if !changed {
		t.Fatalf("expected first finalize to apply")
	}

	// Second terminal call of either kind is a no-op.
	changed, err = repo.MarkComplete(ctx, r.ID, JSON(`{"outputPath":"other"}`))
	if err != nil {
		t.Fatalf("second mark complete: %v", err)
	}
	if changed {
		t.Fatalf("expected second finalize to be a no-op")
	}

	changed, err = repo.MarkFailed(ctx, r.ID, "boom")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if changed {
		t.Fatalf("expected failed-after-complete to be a no-op")
	}

	got, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.Error != nil {
		t.Fatalf("error set on complete run: %q", *got.Error)
	}
	out, err := got.DecodeOutput()
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.OutputPath) != 1 || out.OutputPath[0] != "https://cdn/x.png" {
		t.Fatalf("output mutated by no-op finalize: %v", out.OutputPath)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestMarkProcessing_OnlyFromPending(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	r := newTestRun(t, repo, 1, "wf", "h1")

	if _, err := repo.MarkCancelled(ctx, r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.MarkProcessing(ctx, r.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	got, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("terminal status moved backwards: %s", got.Status)
	}
}

func TestFindCachedComplete(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	r1 := newTestRun(t, repo, 1, "wf", "same-hash")
	if _, err := repo.MarkComplete(ctx, r1.ID, JSON(`{"outputPath":"u1"}`)); err != nil {
		t.Fatalf("mark complete: %v", err)
	}

	// Failed run with the same hash must not be served from cache.
	r2 := newTestRun(t, repo, 1, "wf", "other-hash")
	if _, err := repo.MarkFailed(ctx, r2.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	cached, err := repo.FindCachedComplete(ctx, "wf", "same-hash")
	if err != nil {
		t.Fatalf("find cached: %v", err)
	}
	if cached == nil || cached.ID != r1.ID {
		t.Fatalf("expected run %d from cache, got %+v", r1.ID, cached)
	}

	cached, err = repo.FindCachedComplete(ctx, "wf", "missing")
	if err != nil {
		t.Fatalf("find cached: %v", err)
	}
	if cached != nil {
		t.Fatalf("expected no cache hit, got run %d", cached.ID)
	}
}

func TestListActive_ProcessingBeforePending(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	pending := newTestRun(t, repo, 1, "wf", "h1")
	processing := newTestRun(t, repo, 1, "wf", "h2")
	done := newTestRun(t, repo, 1, "wf", "h3")
	other := newTestRun(t, repo, 2, "wf", "h4")

	if err := repo.MarkProcessing(ctx, processing.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := repo.MarkComplete(ctx, done.ID, JSON(`{}`)); err != nil {
		t.Fatalf("mark complete: %v", err)
	}

	runs, err := repo.ListActive(ctx, 1)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 active runs, got %d", len(runs))
	}
	if runs[0].ID != processing.ID || runs[1].ID != pending.ID {
		t.Fatalf("wrong order: got [%d %d], want [%d %d]",
			runs[0].ID, runs[1].ID, processing.ID, pending.ID)
	}
	for _, r := range runs {
		if r.ID == other.ID {
			t.Fatalf("other user's run leaked into listing")
		}
	}
}

func TestCreateOrGetExisting_IdempotencyKey(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	key := "retry-123"
	eventID1, _ := NewEventID()
	first := &Run{
		EventID: eventID1, UserID: 1, WorkflowID: "wf", Provider: ProviderFal,
		Status: StatusPending, InputHash: "h", IdempotencyKey: &key,
	}
	got, created, err := repo.CreateOrGetExisting(ctx, first)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create")
	}

	eventID2, _ := NewEventID()
	second := &Run{
		EventID: eventID2, UserID: 1, WorkflowID: "wf", Provider: ProviderFal,
		Status: StatusPending, InputHash: "h", IdempotencyKey: &key,
	}
	existing, created, err := repo.CreateOrGetExisting(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("expected second call to return existing run")
	}
	if existing.ID != got.ID {
		t.Fatalf("expected run %d, got %d", got.ID, existing.ID)
	}

	// Same key, different user: independent runs.
	eventID3, _ := NewEventID()
	otherUser := &Run{
		EventID: eventID3, UserID: 2, WorkflowID: "wf", Provider: ProviderFal,
		Status: StatusPending, InputHash: "h", IdempotencyKey: &key,
	}
	_, created, err = repo.CreateOrGetExisting(ctx, otherUser)
	if err != nil {
		t.Fatalf("other user create: %v", err)
	}
	if !created {
		t.Fatalf("expected creation for different user")
	}
}

func TestArchive_HidesFromHistory(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	r := newTestRun(t, repo, 1, "wf", "h1")
	if _, err := repo.MarkComplete(ctx, r.ID, JSON(`{}`)); err != nil {
		t.Fatalf("mark complete: %v", err)
	}

	runs, err := repo.ListHistory(ctx, 1, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run in history, got %d", len(runs))
	}

	if err := repo.Archive(ctx, r.ID, 1); err != nil {
		t.Fatalf("archive: %v", err)
	}

	runs, err = repo.ListHistory(ctx, 1, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("archived run still listed")
	}

	// Archived, not deleted.
	if _, err := repo.GetByID(ctx, r.ID); err != nil {
		t.Fatalf("archived run gone from ledger: %v", err)
	}
}
