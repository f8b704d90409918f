package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/harunnryd/genkan/internal/concurrency"
	"github.com/harunnryd/genkan/internal/config"
)

// Daemon owns component lifecycle: dependency-ordered init, registration-
// ordered start, reverse-ordered shutdown. A file lock on the data dir
// keeps two instances from sharing state.
type Daemon struct {
	cfg           *config.Config
	components    []Component
	shutdownOrder []string
	health        HealthStatus
	uptimeStart   time.Time
	lock          *flock.Flock

	mu              sync.RWMutex
	healthCheckDone chan struct{}
}

func New(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg:             cfg,
		health:          StatusStarting,
		uptimeStart:     time.Now(),
		healthCheckDone: make(chan struct{}),
	}
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.shutdownOrder = append([]string{comp.Name()}, d.shutdownOrder...)
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Run starts everything and blocks until the context is cancelled or a
// signal arrives, then shuts down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("Daemon starting...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()

	if err := d.initComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Daemon is running", "components", len(d.components))

	concurrency.SafeGo(func() { d.healthMonitor(ctx) }, nil)

	<-ctx.Done()

	slog.Info("Shutdown requested", "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.healthCheckDone)

	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	return d.gracefulShutdown(context.Background(), shutdownTimeout)
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.uptimeStart)
}

func (d *Daemon) ComponentHealth(ctx context.Context) []ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make([]ComponentHealth, 0, len(components))
	for _, comp := range components {
		err := comp.Health(ctx)
		result = append(result, ComponentHealth{
			Name:    comp.Name(),
			Healthy: err == nil,
			Error:   err,
		})
	}
	return result
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) acquireLock() error {
	dataDir := d.cfg.Daemon.DataDir
	if dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	d.lock = flock.New(filepath.Join(dataDir, "genkan.lock"))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.lock.Path())
	}
	return nil
}

func (d *Daemon) releaseLock() {
	if d.lock == nil {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		slog.Warn("Failed to release data dir lock", "error", err)
	}
}

func (d *Daemon) initComponents(ctx context.Context) error {
	order, err := d.resolveInitOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		comp := d.componentByName(name)
		if comp == nil {
			continue
		}
		slog.Info("Initializing component...", "component", name)
		if err := comp.Init(ctx); err != nil {
			return fmt.Errorf("component %s init failed: %w", name, err)
		}
	}

	slog.Info("All components initialized", "count", len(d.components))
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.components {
		slog.Info("Starting component...", "component", comp.Name())
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
	}

	slog.Info("All components started", "count", len(d.components))
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.stopComponents(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		slog.Error("Shutdown timeout exceeded", "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

func (d *Daemon) stopComponents(ctx context.Context) {
	for _, name := range d.shutdownOrder {
		comp := d.componentByName(name)
		if comp == nil {
			continue
		}
		slog.Info("Stopping component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
		}
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components...")
	for i := len(d.components) - 1; i >= 0; i-- {
		if err := d.components[i].Stop(ctx); err != nil {
			slog.Error("Rollback failed", "component", d.components[i].Name(), "error", err)
		}
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) componentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) healthMonitor(ctx context.Context) {
	interval, err := config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthInterval)
	if err != nil {
		slog.Error("Failed to parse daemon health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.healthCheckDone:
			return
		case <-ticker.C:
			d.checkComponentHealth(ctx)
		}
	}
}

func (d *Daemon) checkComponentHealth(ctx context.Context) {
	unhealthy := 0
	for _, health := range d.ComponentHealth(ctx) {
		if !health.Healthy {
			unhealthy++
			slog.Warn("Component unhealthy", "component", health.Name, "error", health.Error)
		}
	}
	if unhealthy > 0 {
		slog.Warn("Daemon has unhealthy components", "count", unhealthy, "total", len(d.components))
	} else {
		slog.Debug("All components healthy", "count", len(d.components))
	}
}

// resolveInitOrder topologically sorts components by declared
// dependencies. Start order stays registration order; only init honors
// dependencies.
func (d *Daemon) resolveInitOrder() ([]string, error) {
	byName := make(map[string]Component, len(d.components))
	for _, comp := range d.components {
		byName[comp.Name()] = comp
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	order := make([]string, 0, len(d.components))

	var visit func(name string) error
	visit = func(name string) error {
		if inStack[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}
		comp, ok := byName[name]
		if !ok {
			return fmt.Errorf("component %s is not registered", name)
		}

		inStack[name] = true
		for _, dep := range comp.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		inStack[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}
