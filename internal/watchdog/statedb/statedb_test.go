package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

func open(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFailingTools_ComputesRateWithinWindow(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := db.RecordToolEvent(ctx, "fetch_url", false, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordToolEvent(ctx, "fetch_url", true, now); err != nil {
		t.Fatal(err)
	}
	// Outside the window entirely -- should not affect the rate.
	if err := db.RecordToolEvent(ctx, "fetch_url", true, now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	failing, err := db.FailingTools(ctx, 0.5, 24)
	if err != nil {
		t.Fatalf("FailingTools: %v", err)
	}
	if len(failing) != 1 || failing[0].Tool != "fetch_url" {
		t.Fatalf("expected fetch_url to be failing, got %+v", failing)
	}
	if failing[0].FailureRate != 0.75 {
		t.Errorf("expected 0.75 failure rate, got %v", failing[0].FailureRate)
	}
}

func TestIsSuppressed(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	suppressed, err := db.IsSuppressed(ctx, types.PatternProcessDown)
	if err != nil {
		t.Fatal(err)
	}
	if suppressed {
		t.Error("expected no suppression initially")
	}

	if err := db.Suppress(ctx, types.PatternProcessDown, time.Hour); err != nil {
		t.Fatal(err)
	}
	suppressed, err = db.IsSuppressed(ctx, types.PatternProcessDown)
	if err != nil {
		t.Fatal(err)
	}
	if !suppressed {
		t.Error("expected pattern to be suppressed")
	}

	if err := db.Suppress(ctx, types.PatternProcessDown, -time.Hour); err != nil {
		t.Fatal(err)
	}
	suppressed, err = db.IsSuppressed(ctx, types.PatternProcessDown)
	if err != nil {
		t.Fatal(err)
	}
	if suppressed {
		t.Error("expected an expired suppression to no longer apply")
	}
}

func TestInsertAndUpdateFix(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	fix := types.Fix{
		ID:         uuid.New(),
		DetectedAt: time.Now(),
		Pattern:    types.PatternDiskSpacePressure,
		Diagnosis:  "disk pressure",
	}
	if err := db.InsertFix(ctx, fix, `{"kind":"prune_logs","retention_days":7}`); err != nil {
		t.Fatalf("InsertFix: %v", err)
	}
	if err := db.UpdateFix(ctx, fix.ID, time.Now(), true); err != nil {
		t.Fatalf("UpdateFix: %v", err)
	}
}

func TestInsertAndTransitionUpdateRecord(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	id, err := db.InsertUpdate(ctx, UpdateRecord{
		CheckedAt:   time.Now(),
		FromVersion: "0.3.0",
		ToVersion:   "0.4.0",
		Status:      "pending",
	})
	if err != nil {
		t.Fatalf("InsertUpdate: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero row id")
	}

	now := time.Now()
	if err := db.SetUpdateStatus(ctx, id, "applying", &now, nil, nil, nil); err != nil {
		t.Fatalf("SetUpdateStatus: %v", err)
	}

	reason := "health checks failed"
	if err := db.SetUpdateStatus(ctx, id, "rolled_back", nil, &now, &reason, nil); err != nil {
		t.Fatalf("SetUpdateStatus rollback: %v", err)
	}
}
