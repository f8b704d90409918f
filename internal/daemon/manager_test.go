package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/genkan/internal/config"
)

type recordingComponent struct {
	name string
	deps []string
	log  *eventLog

	initErr  error
	startErr error
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (c *recordingComponent) Name() string           { return c.name }
func (c *recordingComponent) Dependencies() []string { return c.deps }

func (c *recordingComponent) Init(context.Context) error {
	c.log.record("init:" + c.name)
	return c.initErr
}

func (c *recordingComponent) Start(context.Context) error {
	c.log.record("start:" + c.name)
	return c.startErr
}

func (c *recordingComponent) Stop(context.Context) error {
	c.log.record("stop:" + c.name)
	return nil
}

func (c *recordingComponent) Health(context.Context) error { return nil }

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return New(&config.Config{
		Daemon: config.DaemonConfig{
			DataDir:         t.TempDir(),
			ShutdownTimeout: "5s",
		},
	})
}

func TestResolveInitOrder_HonorsDependencies(t *testing.T) {
	log := &eventLog{}
	d := newTestDaemon(t)
	d.AddComponent(&recordingComponent{name: "webhook", deps: []string{"store", "bus"}, log: log})
	d.AddComponent(&recordingComponent{name: "bus", log: log})
	d.AddComponent(&recordingComponent{name: "store", log: log})

	order, err := d.resolveInitOrder()
	if err != nil {
		t.Fatalf("resolveInitOrder: %v", err)
	}

	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	if pos["webhook"] < pos["store"] || pos["webhook"] < pos["bus"] {
		t.Errorf("webhook initialized before its dependencies: %v", order)
	}
}

func TestResolveInitOrder_DetectsCycle(t *testing.T) {
	log := &eventLog{}
	d := newTestDaemon(t)
	d.AddComponent(&recordingComponent{name: "a", deps: []string{"b"}, log: log})
	d.AddComponent(&recordingComponent{name: "b", deps: []string{"a"}, log: log})

	if _, err := d.resolveInitOrder(); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestResolveInitOrder_MissingDependency(t *testing.T) {
	log := &eventLog{}
	d := newTestDaemon(t)
	d.AddComponent(&recordingComponent{name: "a", deps: []string{"ghost"}, log: log})

	if _, err := d.resolveInitOrder(); err == nil {
		t.Fatal("expected error for unregistered dependency")
	}
}

func TestRun_ShutdownReversesStartOrder(t *testing.T) {
	log := &eventLog{}
	d := newTestDaemon(t)
	d.AddComponent(&recordingComponent{name: "store", log: log})
	d.AddComponent(&recordingComponent{name: "bus", log: log})
	d.AddComponent(&recordingComponent{name: "scheduler", log: log})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	waitFor(t, func() bool { return d.Health() == StatusRunning })
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := log.all()
	stops := filterPrefix(events, "stop:")
	want := []string{"stop:scheduler", "stop:bus", "stop:store"}
	if len(stops) != len(want) {
		t.Fatalf("expected %d stops, got %v", len(want), stops)
	}
	for i := range want {
		if stops[i] != want[i] {
			t.Errorf("shutdown order: got %v, want %v", stops, want)
			break
		}
	}
	if d.Health() != StatusStopped {
		t.Errorf("expected stopped state, got %s", d.Health())
	}
}

func TestRun_InitFailureRollsBack(t *testing.T) {
	log := &eventLog{}
	d := newTestDaemon(t)
	d.AddComponent(&recordingComponent{name: "store", log: log})
	d.AddComponent(&recordingComponent{name: "bus", log: log, initErr: errors.New("boom")})

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected init failure to surface")
	}

	stops := filterPrefix(log.all(), "stop:")
	if len(stops) == 0 {
		t.Error("expected rollback to stop components")
	}
	if d.Health() != StatusStopped {
		t.Errorf("expected stopped state, got %s", d.Health())
	}
}

func TestRun_SecondInstanceBlockedByLock(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Daemon: config.DaemonConfig{DataDir: dir, ShutdownTimeout: "5s"}}

	first := New(cfg)
	if err := first.acquireLock(); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer first.releaseLock()

	second := New(cfg)
	if err := second.acquireLock(); err == nil {
		second.releaseLock()
		t.Fatal("expected second instance to be refused")
	}
}

func filterPrefix(events []string, prefix string) []string {
	var out []string
	for _, ev := range events {
		if len(ev) > len(prefix) && ev[:len(prefix)] == prefix {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
