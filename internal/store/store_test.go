package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func sampleRecord(id string) Record {
	now := time.Now().UnixMilli()
	exp := now + 60_000
	return Record{
		ID:           id,
		ChallengeID:  7,
		OwnerKey:     "team-blue",
		Deployment:   "dynamic",
		AlwaysOn:     false,
		ImageRef:     "ctf/web-pwn:latest",
		Port:         8080,
		Protocol:     "tcp",
		BackendKind:  "local",
		BackendRef:   "0123456789abcdef",
		State:        "running",
		StateReason:  "",
		Orphaned:     false,
		CreatedAt:    now,
		StartedAt:    now,
		ExpiresAt:    &exp,
		AccessJSON:   `{"host":"ctf.example.com","url":"http://ctf.example.com:49153"}`,
		LastHealthAt: now,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	want := sampleRecord("inst-1")
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadAll returned %d records, want 1", len(got))
	}
	r := got[0]
	if r.ID != want.ID || r.ChallengeID != want.ChallengeID || r.OwnerKey != want.OwnerKey {
		t.Errorf("identity fields = %q/%d/%q, want %q/%d/%q",
			r.ID, r.ChallengeID, r.OwnerKey, want.ID, want.ChallengeID, want.OwnerKey)
	}
	if r.State != want.State || r.AccessJSON != want.AccessJSON {
		t.Errorf("state/access = %q/%q, want %q/%q", r.State, r.AccessJSON, want.State, want.AccessJSON)
	}
	if r.ExpiresAt == nil || *r.ExpiresAt != *want.ExpiresAt {
		t.Errorf("ExpiresAt = %v, want %v", r.ExpiresAt, *want.ExpiresAt)
	}
	if r.TerminatedAt != nil {
		t.Errorf("TerminatedAt = %v, want nil", r.TerminatedAt)
	}
}

func TestStoreUpsertReplaces(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	r := sampleRecord("inst-1")
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	term := time.Now().UnixMilli()
	r.State = "terminated"
	r.ExpiresAt = nil
	r.TerminatedAt = &term
	r.AccessJSON = ""
	r.Orphaned = true
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadAll returned %d records, want 1 after upsert of same ID", len(got))
	}
	if got[0].State != "terminated" || !got[0].Orphaned {
		t.Errorf("record = state %q orphaned %v, want terminated/true", got[0].State, got[0].Orphaned)
	}
	if got[0].ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil after clearing", got[0].ExpiresAt)
	}
	if got[0].TerminatedAt == nil {
		t.Error("TerminatedAt = nil, want set")
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, sampleRecord("inst-1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "inst-1"); err != nil {
		t.Errorf("Delete of absent id = %v, want nil", err)
	}

	got, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("LoadAll returned %d records, want 0", len(got))
	}
}

func TestStorePurgeTerminalBefore(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	old := now - 10_000
	fresh := now - 1_000

	oldTerm := sampleRecord("old-terminated")
	oldTerm.State = "terminated"
	oldTerm.TerminatedAt = &old

	oldFailed := sampleRecord("old-failed")
	oldFailed.State = "failed"
	oldFailed.TerminatedAt = &old

	recentTerm := sampleRecord("recent-terminated")
	recentTerm.State = "terminated"
	recentTerm.TerminatedAt = &fresh

	running := sampleRecord("still-running")

	for _, r := range []Record{oldTerm, oldFailed, recentTerm, running} {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s: %v", r.ID, err)
		}
	}

	n, err := s.PurgeTerminalBefore(ctx, []string{"terminated", "failed"}, now-5_000)
	if err != nil {
		t.Fatalf("PurgeTerminalBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d rows, want 2", n)
	}

	got, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	remaining := map[string]bool{}
	for _, r := range got {
		remaining[r.ID] = true
	}
	if !remaining["recent-terminated"] || !remaining["still-running"] {
		t.Errorf("remaining = %v, want recent-terminated and still-running kept", remaining)
	}
	if remaining["old-terminated"] || remaining["old-failed"] {
		t.Errorf("remaining = %v, want old terminal rows purged", remaining)
	}
}

func TestStorePurgeNoStates(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	n, err := s.PurgeTerminalBefore(context.Background(), nil, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("PurgeTerminalBefore: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d rows, want 0 for empty state list", n)
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first, err := AcquireLock(ctx, dir, testLogger())
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}

	// A second acquisition on the same directory must not succeed while
	// the first holder is alive.
	shortCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if _, err := AcquireLock(shortCtx, dir, testLogger()); err == nil {
		t.Fatal("second AcquireLock succeeded while the first lock was held")
	}

	first.Release()

	second, err := AcquireLock(ctx, dir, testLogger())
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	second.Release()
}

func TestLockDifferentDirsIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	a, err := AcquireLock(ctx, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("AcquireLock a: %v", err)
	}
	defer a.Release()

	b, err := AcquireLock(ctx, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("AcquireLock b: %v", err)
	}
	defer b.Release()
}
