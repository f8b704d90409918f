package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/harunnryd/genkan/internal/adapter"
	"github.com/harunnryd/genkan/internal/config"
	"github.com/harunnryd/genkan/internal/notify"
)

func minimalConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Backend: config.BackendConfig{
			Primary:     "claude",
			Model:       config.DefaultBackendModel,
			APIKey:      "test-key",
			WorkdirRoot: filepath.Join(dir, "work"),
		},
		Store: config.StoreConfig{
			DatabasePath: filepath.Join(dir, "genkan.db"),
		},
		Daemon: config.DaemonConfig{
			DataDir: filepath.Join(dir, "data"),
		},
	}
}

func TestBuildDaemon_MinimalConfig(t *testing.T) {
	d, err := buildDaemon(minimalConfig(t))
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	if d == nil {
		t.Fatal("expected daemon")
	}
}

func TestBuildDaemon_UnknownPrimaryBackend(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.Backend.Primary = "gemini"

	if _, err := buildDaemon(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBuildGovernor_BadDuration(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.Governor.CleanupInterval = "not a duration"

	if _, err := buildGovernor(cfg, nil); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestBuildAdapters_DefaultsToNull(t *testing.T) {
	sender, inputs := buildAdapters(minimalConfig(t), nil)
	if sender == nil {
		t.Fatal("expected a sender")
	}
	if _, ok := sender.(*adapter.NullAdapter); !ok {
		t.Errorf("expected null adapter, got %T", sender)
	}
	if len(inputs) != 0 {
		t.Errorf("expected no input adapters, got %d", len(inputs))
	}
}

func TestMultiSender_ReturnsFirstError(t *testing.T) {
	good := adapter.NewNullAdapter("a")
	bad := failingSender{err: errors.New("boom")}

	m := multiSender{senders: []notify.Sender{bad, good}}
	if err := m.SendMessage(context.Background(), 1, "hi"); err == nil {
		t.Fatal("expected error to surface")
	}
	if len(good.Sent()) != 1 {
		t.Error("remaining senders must still receive the message")
	}
}

type failingSender struct {
	err error
}

func (f failingSender) SendMessage(context.Context, int64, string) error {
	return f.err
}
