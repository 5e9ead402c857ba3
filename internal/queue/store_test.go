package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir() + "/queue.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueAndClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{GardenID: "g1", ZoneID: "z1", Date: "2026-08-31"}, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected job ID")
	}

	job, err := s.NextPending(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Kind != KindAnalyzeZone || job.Status != StatusRunning || job.Attempts != 1 {
		t.Errorf("job = %+v", job)
	}

	if _, err := s.NextPending(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("claimed job offered twice: %v", err)
	}
}

func TestDedupKeyCollapses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{ZoneID: "z1"}, "g1/z1/2026-08-31")
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if first == "" {
		t.Fatal("first enqueue deduplicated")
	}

	second, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{ZoneID: "z1"}, "g1/z1/2026-08-31")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second != "" {
		t.Error("duplicate dedup key inserted a second job")
	}

	// Distinct day is a distinct job.
	third, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{ZoneID: "z1"}, "g1/z1/2026-09-01")
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if third == "" {
		t.Error("distinct dedup key deduplicated")
	}
}

func TestEmptyDedupKeyNeverCollapses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := s.Enqueue(ctx, KindAnalyzeGarden, GardenPayload{GardenID: "g1"}, "")
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if id == "" {
			t.Errorf("enqueue %d deduplicated without a key", i)
		}
	}
}

func TestMarkFailedReschedulesThenFails(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{ZoneID: "z1"}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := s.NextPending(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.MarkFailed(ctx, job, errors.New("provider timeout"), 3, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending (retry scheduled)", got.Status)
	}
	if !got.RunAfter.After(time.Now()) {
		t.Error("retry not delayed")
	}
	if got.LastError != "provider timeout" {
		t.Errorf("last error = %q", got.LastError)
	}

	// Exhaust attempts.
	job.Attempts = 3
	if err := s.MarkFailed(ctx, job, errors.New("still failing"), 3, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err = s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestMarkFailedPermanentSkipsRetry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{ZoneID: "z1"}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := s.NextPending(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.MarkFailed(ctx, job, errors.New("schema violation"), 3, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("permanent failure retried: status = %q", got.Status)
	}
}

func TestRecoverStale(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, KindAnalyzeZone, ZonePayload{ZoneID: "z1"}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.NextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	if _, err := s.NextPending(ctx); err != nil {
		t.Errorf("recovered job not claimable: %v", err)
	}
}

func TestPermanentErrorMarking(t *testing.T) {
	base := errors.New("zone missing")
	if !IsPermanent(Permanent(base)) {
		t.Error("Permanent not detected")
	}
	if IsPermanent(base) {
		t.Error("plain error detected as permanent")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent hides the underlying error")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
