package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/genkan/internal/agent"
	"github.com/harunnryd/genkan/internal/bus"
	"github.com/harunnryd/genkan/internal/scheduler"
	"github.com/harunnryd/genkan/internal/webhook"
)

type mockRunner struct {
	requests []agent.RunRequest
	result   *agent.Result
	err      error
}

func (m *mockRunner) Run(_ context.Context, req agent.RunRequest, _ agent.StreamFunc) (*agent.Result, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockBus struct {
	subscriptions map[bus.Kind]bus.Handler
	published     []bus.Event
}

func newMockBus() *mockBus {
	return &mockBus{subscriptions: make(map[bus.Kind]bus.Handler)}
}

func (m *mockBus) Subscribe(kind bus.Kind, h bus.Handler) {
	m.subscriptions[kind] = h
}

func (m *mockBus) Publish(evt bus.Event) {
	m.published = append(m.published, evt)
}

func TestRegister_SubscribesTriggerKinds(t *testing.T) {
	eventBus := newMockBus()
	New(&mockRunner{}, eventBus, Options{ServiceUserID: 1}).Register()

	for _, kind := range []bus.Kind{bus.KindWebhook, bus.KindScheduled} {
		if eventBus.subscriptions[kind] == nil {
			t.Errorf("expected subscription for %q", kind)
		}
	}
	if eventBus.subscriptions[bus.KindChatMessage] != nil {
		t.Error("handler must not consume chat messages")
	}
}

func TestWebhookEvent_RunsInBackground(t *testing.T) {
	runner := &mockRunner{result: &agent.Result{Content: "done", CostUSD: 0.02}}
	eventBus := newMockBus()
	h := New(runner, eventBus, Options{ServiceUserID: 7, DefaultWorkdir: "/srv/work", RunTimeout: time.Minute})
	h.Register()

	evt := bus.NewEvent(bus.KindWebhook, "github", "", webhook.Payload{
		Provider:   "github",
		DeliveryID: "d-1",
		Event:      "push",
		Body:       json.RawMessage(`{"ref":"refs/heads/main"}`),
	})
	if err := eventBus.subscriptions[bus.KindWebhook](evt); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(runner.requests) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runner.requests))
	}
	req := runner.requests[0]
	if !req.Background {
		t.Error("webhook runs must be background")
	}
	if req.UserID != 7 {
		t.Errorf("expected service user 7, got %d", req.UserID)
	}
	if req.Workdir != "/srv/work" {
		t.Errorf("expected default workdir, got %q", req.Workdir)
	}
	if !strings.Contains(req.Prompt, "push") || !strings.Contains(req.Prompt, "github") {
		t.Errorf("prompt missing delivery context: %q", req.Prompt)
	}

	if len(eventBus.published) != 1 {
		t.Fatalf("expected 1 published response, got %d", len(eventBus.published))
	}
	out := eventBus.published[0]
	if out.Kind != bus.KindAgentResponse {
		t.Errorf("expected kind %q, got %q", bus.KindAgentResponse, out.Kind)
	}
	if out.CorrelationID != evt.CorrelationID {
		t.Error("response must carry the triggering correlation id")
	}
	resp := out.Payload.(Response)
	if resp.Content != "done" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestScheduledEvent_CarriesJobTargets(t *testing.T) {
	runner := &mockRunner{result: &agent.Result{Content: "digest ready"}}
	eventBus := newMockBus()
	h := New(runner, eventBus, Options{ServiceUserID: 7, DefaultWorkdir: "/srv/work"})
	h.Register()

	evt := bus.NewEvent(bus.KindScheduled, "scheduler", "", scheduler.Payload{
		JobID:   "daily-digest",
		Prompt:  "Summarize yesterday",
		Workdir: "/srv/digest",
		ChatIDs: []int64{42, 43},
	})
	if err := eventBus.subscriptions[bus.KindScheduled](evt); err != nil {
		t.Fatalf("handler: %v", err)
	}

	req := runner.requests[0]
	if req.Workdir != "/srv/digest" {
		t.Errorf("expected job workdir, got %q", req.Workdir)
	}
	if req.Prompt != "Summarize yesterday" {
		t.Errorf("unexpected prompt %q", req.Prompt)
	}

	resp := eventBus.published[0].Payload.(Response)
	if len(resp.ChatIDs) != 2 || resp.ChatIDs[0] != 42 {
		t.Errorf("expected job chat ids, got %v", resp.ChatIDs)
	}
}

func TestRunFailure_SurfacesInResponseEvent(t *testing.T) {
	runner := &mockRunner{err: errors.New("backend down")}
	eventBus := newMockBus()
	New(runner, eventBus, Options{ServiceUserID: 7}).Register()

	evt := bus.NewEvent(bus.KindScheduled, "scheduler", "", scheduler.Payload{
		JobID:   "j",
		Prompt:  "p",
		ChatIDs: []int64{42},
	})
	if err := eventBus.subscriptions[bus.KindScheduled](evt); err == nil {
		t.Fatal("expected error")
	}

	if len(eventBus.published) != 1 {
		t.Fatalf("failed run must publish a failure response, got %d events", len(eventBus.published))
	}
	out := eventBus.published[0]
	if out.Kind != bus.KindAgentResponse {
		t.Errorf("expected kind %q, got %q", bus.KindAgentResponse, out.Kind)
	}
	if out.CorrelationID != evt.CorrelationID {
		t.Error("failure response must carry the triggering correlation id")
	}
	resp := out.Payload.(Response)
	if !strings.Contains(resp.Err, "backend down") {
		t.Errorf("failure response should name the cause, got %q", resp.Err)
	}
	if resp.Content != "" {
		t.Errorf("failure response should carry no content, got %q", resp.Content)
	}
	if len(resp.ChatIDs) != 1 || resp.ChatIDs[0] != 42 {
		t.Errorf("failure response should keep the job targets, got %v", resp.ChatIDs)
	}
}

func TestUnexpectedPayloadType(t *testing.T) {
	eventBus := newMockBus()
	New(&mockRunner{}, eventBus, Options{}).Register()

	evt := bus.NewEvent(bus.KindWebhook, "github", "", "not a payload")
	if err := eventBus.subscriptions[bus.KindWebhook](evt); err == nil {
		t.Fatal("expected error for wrong payload type")
	}
}

func TestCompactBody_TruncatesOversizedPayload(t *testing.T) {
	big := `{"data":"` + strings.Repeat("x", maxEmbeddedBodyBytes*2) + `"}`
	out := compactBody(json.RawMessage(big))
	if len(out) > maxEmbeddedBodyBytes+64 {
		t.Errorf("body not truncated, len=%d", len(out))
	}
	if !strings.HasSuffix(out, "(truncated)") {
		t.Error("expected truncation marker")
	}
}
