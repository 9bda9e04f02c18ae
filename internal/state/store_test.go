package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/herald/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "herald.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreLoadSessionMissingReturnsEmpty(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	id, err := s.LoadSession(context.Background(), "ops", "fp")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty session id, got %q", id)
	}
}

func TestStoreSessionRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	if err := s.SaveSession(ctx, "ops", "fp-1", "sess-1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveSession(ctx, "ops", "fp-1", "sess-2"); err != nil {
		t.Fatalf("SaveSession (update): %v", err)
	}

	id, err := s.LoadSession(ctx, "ops", "fp-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if id != "sess-2" {
		t.Fatalf("expected sess-2, got %q", id)
	}

	sess, ok, err := s.Session(ctx, "ops")
	if err != nil || !ok {
		t.Fatalf("Session: ok=%v err=%v", ok, err)
	}
	if sess.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}
}

func TestStoreLoadSessionFingerprintMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	if err := s.SaveSession(ctx, "ops", "old-command", "sess-1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	id, err := s.LoadSession(ctx, "ops", "new-command")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if id != "" {
		t.Fatalf("session from a different command must not be reused, got %q", id)
	}
}

func TestStoreForgetSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	if err := s.SaveSession(ctx, "ops", "fp", "sess-1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.ForgetSession(ctx, "ops"); err != nil {
		t.Fatalf("ForgetSession: %v", err)
	}
	if _, ok, _ := s.Session(ctx, "ops"); ok {
		t.Fatal("expected session to be gone")
	}
}

func TestStoreSaveSessionValidation(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if err := s.SaveSession(context.Background(), "", "fp", "id"); err == nil {
		t.Fatal("expected error for empty target")
	}
	if err := s.SaveSession(context.Background(), "ops", "fp", ""); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestStoreDeliveryLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := s.RecordDelivery(ctx, Delivery{Target: "ops", Channel: "agent", ItemCount: 2, Success: true, Message: "delivered"})
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned, got %+v", first)
	}
	if _, err := s.RecordDelivery(ctx, Delivery{Target: "ops", Channel: "agent", Error: "boom"}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if _, err := s.RecordDelivery(ctx, Delivery{Target: "ci", Channel: "script", Success: true}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	all, err := s.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(all))
	}
	if all[0].Target != "ci" {
		t.Fatalf("expected newest first, got %+v", all[0])
	}

	ops, err := s.Recent(ctx, "ops", 10)
	if err != nil {
		t.Fatalf("Recent(ops): %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops deliveries, got %d", len(ops))
	}
	if ops[0].Success || ops[0].Error != "boom" {
		t.Fatalf("unexpected newest ops delivery: %+v", ops[0])
	}
	if !ops[1].Success || ops[1].ItemCount != 2 || ops[1].Message != "delivered" {
		t.Fatalf("unexpected oldest ops delivery: %+v", ops[1])
	}
}
