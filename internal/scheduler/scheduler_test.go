package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/genkan/internal/bus"
	"github.com/harunnryd/genkan/internal/config"
)

type mockBus struct {
	events []bus.Event
}

func (m *mockBus) Publish(evt bus.Event) {
	m.events = append(m.events, evt)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "scheduler.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	_, err := New(newTestStore(t), &mockBus{}, config.SchedulerConfig{
		Jobs: []config.JobConfig{{ID: "bad", Schedule: "not a cron spec"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNew_RejectsMissingJobID(t *testing.T) {
	_, err := New(newTestStore(t), &mockBus{}, config.SchedulerConfig{
		Jobs: []config.JobConfig{{Schedule: "* * * * *"}},
	})
	if err == nil {
		t.Fatal("expected error for missing job id")
	}
}

func TestOnTick_FiresDueJob(t *testing.T) {
	store := newTestStore(t)
	publisher := &mockBus{}
	s, err := New(store, publisher, config.SchedulerConfig{
		TickInterval: "1s",
		Jobs: []config.JobConfig{{
			ID:       "daily-digest",
			Schedule: "* * * * *",
			Prompt:   "Summarize yesterday",
			ChatIDs:  []int64{42},
		}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	now := time.Now()

	// First tick seeds the schedule without firing
	s.onTick(now)
	if len(publisher.events) != 0 {
		t.Fatalf("first tick must not fire, got %d events", len(publisher.events))
	}

	// Once the seeded next-fire time passes, the job fires
	s.onTick(now.Add(2 * time.Minute))
	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(publisher.events))
	}

	evt := publisher.events[0]
	if evt.Kind != bus.KindScheduled {
		t.Errorf("expected kind %q, got %q", bus.KindScheduled, evt.Kind)
	}
	payload, ok := evt.Payload.(Payload)
	if !ok {
		t.Fatalf("unexpected payload type %T", evt.Payload)
	}
	if payload.JobID != "daily-digest" {
		t.Errorf("expected job id daily-digest, got %q", payload.JobID)
	}
	if payload.Prompt != "Summarize yesterday" {
		t.Errorf("unexpected prompt %q", payload.Prompt)
	}
	if payload.RunID == "" {
		t.Error("expected run id")
	}
}

func TestOnTick_DoesNotRefireWithinWindow(t *testing.T) {
	store := newTestStore(t)
	publisher := &mockBus{}
	s, err := New(store, publisher, config.SchedulerConfig{
		Jobs: []config.JobConfig{{ID: "hourly", Schedule: "0 * * * *", Prompt: "tick"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	now := time.Now()
	s.onTick(now)
	s.onTick(now.Add(2 * time.Hour))
	s.onTick(now.Add(2*time.Hour + time.Second))
	s.onTick(now.Add(2*time.Hour + 2*time.Second))

	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(publisher.events))
	}
}

func TestLifecycle(t *testing.T) {
	s, err := New(newTestStore(t), &mockBus{}, config.SchedulerConfig{TickInterval: "1h"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := s.Health(ctx); err == nil {
		t.Error("expected health failure before init")
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Health(ctx); err != nil {
		t.Errorf("Health after start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected scheduler stopped")
	}
}
