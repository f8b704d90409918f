package scheduler

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStore_ShouldFire_SeedsOnFirstSight(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	fire, err := store.ShouldFire("job-a", "* * * * *", now)
	if err != nil {
		t.Fatalf("ShouldFire: %v", err)
	}
	if fire {
		t.Error("first sight must seed, not fire")
	}

	st := store.State("job-a")
	if st == nil {
		t.Fatal("expected persisted state after seeding")
	}
	if !st.NextFire.After(now) {
		t.Errorf("expected next fire after now, got %v", st.NextFire)
	}
}

func TestStore_ShouldFire_AdvancesNextFire(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	if _, err := store.ShouldFire("job-a", "* * * * *", now); err != nil {
		t.Fatalf("seed: %v", err)
	}

	later := now.Add(5 * time.Minute)
	fire, err := store.ShouldFire("job-a", "* * * * *", later)
	if err != nil {
		t.Fatalf("ShouldFire: %v", err)
	}
	if !fire {
		t.Fatal("expected fire once the window passed")
	}

	// Immediately after firing, the job is no longer due
	fire, err = store.ShouldFire("job-a", "* * * * *", later)
	if err != nil {
		t.Fatalf("ShouldFire: %v", err)
	}
	if fire {
		t.Error("job must not refire in the same window")
	}
}

func TestStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	now := time.Now()
	if _, err := store.ShouldFire("job-a", "0 * * * *", now); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.MarkFired("job-a", "run-1", now); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st := reopened.State("job-a")
	if st == nil {
		t.Fatal("expected state to survive restart")
	}
	if st.LastRun != "run-1" {
		t.Errorf("expected last run run-1, got %q", st.LastRun)
	}

	// A fire recorded before restart must not replay after it
	fire, err := reopened.ShouldFire("job-a", "0 * * * *", now)
	if err != nil {
		t.Fatalf("ShouldFire: %v", err)
	}
	if fire {
		t.Error("restart must not replay a fire already recorded")
	}
}

func TestStore_PruneDropsRemovedJobs(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	if _, err := store.ShouldFire("keep", "* * * * *", now); err != nil {
		t.Fatalf("seed keep: %v", err)
	}
	if _, err := store.ShouldFire("drop", "* * * * *", now); err != nil {
		t.Fatalf("seed drop: %v", err)
	}

	if err := store.Prune(map[string]bool{"keep": true}); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if store.State("keep") == nil {
		t.Error("active job pruned")
	}
	if store.State("drop") != nil {
		t.Error("removed job not pruned")
	}
}

func TestStore_InvalidSchedule(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.ShouldFire("bad", "nonsense", time.Now()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
