package agent

import (
	"context"
	"testing"

	"github.com/harunnryd/genkan/internal/errors"
	"github.com/harunnryd/genkan/internal/session"
	"github.com/harunnryd/genkan/internal/store"
)

type mockBackend struct {
	name    string
	calls   []Request
	results []func(Request, StreamFunc) (*Result, error)
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Submit(_ context.Context, req Request, onStream StreamFunc) (*Result, error) {
	m.calls = append(m.calls, req)
	idx := len(m.calls) - 1
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	return m.results[idx](req, onStream)
}

func okResult(token string, cost float64) func(Request, StreamFunc) (*Result, error) {
	return func(Request, StreamFunc) (*Result, error) {
		return &Result{Content: "done", SessionToken: token, CostUSD: cost, NumTurns: 1}, nil
	}
}

func failWith(err error) func(Request, StreamFunc) (*Result, error) {
	return func(Request, StreamFunc) (*Result, error) { return nil, err }
}

type mockGovernor struct {
	budgetErr error
	charges   []float64
}

func (m *mockGovernor) CheckBudget(context.Context, int64) error { return m.budgetErr }
func (m *mockGovernor) Charge(_ context.Context, _ int64, amount float64) error {
	m.charges = append(m.charges, amount)
	return nil
}

type mockSessions struct {
	sess      *session.Session
	promoted  string
	busy      bool
	released  int
	invalided int
}

func (m *mockSessions) Resolve(context.Context, int64, string) (*session.Session, error) {
	return m.sess, nil
}
func (m *mockSessions) Promote(_ context.Context, s *session.Session, token string) error {
	m.promoted = token
	s.Token = token
	s.State = store.SessionResumable
	return nil
}
func (m *mockSessions) Invalidate(context.Context, int64, string, string) error {
	m.invalided++
	m.sess = &session.Session{UserID: m.sess.UserID, Workdir: m.sess.Workdir, Token: session.TempPrefix + "fresh", State: store.SessionTemporary}
	return nil
}
func (m *mockSessions) Acquire(int64, string) error {
	if m.busy {
		return errors.SessionBusy("in flight")
	}
	return nil
}
func (m *mockSessions) Release(int64, string) { m.released++ }

type mockMonitor struct{ deny bool }

func (m *mockMonitor) Validate(string, map[string]any, string, int64) error {
	if m.deny {
		return errors.ToolDenied("tool refused")
	}
	return nil
}

type mockAudit struct{ entries []string }

func (m *mockAudit) AppendAudit(_ context.Context, _, action, outcome, _ string) error {
	m.entries = append(m.entries, action+":"+outcome)
	return nil
}

func tempSession() *session.Session {
	return &session.Session{UserID: 42, Workdir: "/p", Token: session.TempPrefix + "01X", State: store.SessionTemporary}
}

func newTestFacade(primary, fallback *mockBackend, sess *mockSessions, gov *mockGovernor, mon Monitor, audit *mockAudit) *Facade {
	var fb Backend
	if fallback != nil {
		fb = fallback
	}
	return NewFacade(NewFailover(primary, fb, fallback != nil), sess, gov, mon, nil, nil, audit, FacadeOptions{MaxTurns: 5})
}

func TestRun_BudgetRefusalNeverDispatches(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){okResult("tok", 0.1)}}
	gov := &mockGovernor{budgetErr: errors.ErrCostLimitExceeded}
	audit := &mockAudit{}
	f := newTestFacade(primary, nil, &mockSessions{sess: tempSession()}, gov, &mockMonitor{}, audit)

	_, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if !errors.IsCategory(err, errors.ErrCostLimitExceeded) {
		t.Fatalf("expected cost limit refusal, got %v", err)
	}
	if len(primary.calls) != 0 {
		t.Fatal("refused call must not reach a backend")
	}
	if len(gov.charges) != 0 {
		t.Fatal("refused call must not touch the ledger")
	}
	if len(audit.entries) != 1 || audit.entries[0] != "agent_run:refused" {
		t.Fatalf("refusal should be audited, got %v", audit.entries)
	}
}

func TestRun_BusyRejectsImmediately(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){okResult("tok", 0.1)}}
	f := newTestFacade(primary, nil, &mockSessions{sess: tempSession(), busy: true}, &mockGovernor{}, &mockMonitor{}, &mockAudit{})

	_, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if !errors.IsCategory(err, errors.ErrSessionBusy) {
		t.Fatalf("expected busy rejection, got %v", err)
	}
	if len(primary.calls) != 0 {
		t.Fatal("busy call must not dispatch")
	}
}

func TestRun_CleanCompletionPromotesAndCharges(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){okResult("api_new", 0.42)}}
	sessions := &mockSessions{sess: tempSession()}
	gov := &mockGovernor{}
	f := newTestFacade(primary, nil, sessions, gov, &mockMonitor{}, &mockAudit{})

	result, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Content != "done" {
		t.Fatalf("content = %q", result.Content)
	}
	if sessions.promoted != "api_new" {
		t.Fatalf("session not promoted to backend token, got %q", sessions.promoted)
	}
	if len(gov.charges) != 1 || gov.charges[0] != 0.42 {
		t.Fatalf("charge not recorded: %v", gov.charges)
	}
	if sessions.released != 1 {
		t.Fatal("busy marker must be released")
	}

	// Temporary placeholder must never be sent as a resume target
	if primary.calls[0].ResumeToken != "" {
		t.Fatalf("placeholder leaked as resume token: %q", primary.calls[0].ResumeToken)
	}
}

func TestRun_FailureCommitsNothing(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){failWith(errors.Internal("boom"))}}
	sessions := &mockSessions{sess: tempSession()}
	gov := &mockGovernor{}
	f := newTestFacade(primary, nil, sessions, gov, &mockMonitor{}, &mockAudit{})

	_, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if sessions.promoted != "" {
		t.Fatal("failed call must not commit a token")
	}
	if len(gov.charges) != 0 {
		t.Fatal("failed call must not charge")
	}
	if sessions.released != 1 {
		t.Fatal("busy marker must be released on failure")
	}
}

func TestRun_ToolDenialAborts(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){
		func(_ Request, onStream StreamFunc) (*Result, error) {
			if err := onStream(StreamEvent{Kind: StreamTool, Tool: "Bash", Input: map[string]any{"command": "sudo ls"}}); err != nil {
				return nil, err
			}
			return &Result{Content: "done", SessionToken: "tok"}, nil
		},
	}}
	sessions := &mockSessions{sess: tempSession()}
	f := newTestFacade(primary, nil, sessions, &mockGovernor{}, &mockMonitor{deny: true}, &mockAudit{})

	_, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if !errors.IsCategory(err, errors.ErrToolDenied) {
		t.Fatalf("expected tool denial, got %v", err)
	}
	if sessions.promoted != "" {
		t.Fatal("aborted call must not commit a token")
	}
}

func TestRun_ResumeRefusalInvalidatesAndRetriesFresh(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){
		failWith(errors.NotFound("session token not resumable")),
		okResult("api_fresh", 0.1),
	}}
	sessions := &mockSessions{sess: &session.Session{UserID: 42, Workdir: "/p", Token: "api_stale", State: store.SessionResumable}}
	f := newTestFacade(primary, nil, sessions, &mockGovernor{}, &mockMonitor{}, &mockAudit{})

	result, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sessions.invalided != 1 {
		t.Fatal("stale token should be invalidated")
	}
	if len(primary.calls) != 2 {
		t.Fatalf("expected retry, got %d calls", len(primary.calls))
	}
	if primary.calls[0].ResumeToken != "api_stale" {
		t.Fatalf("first call should resume, got %q", primary.calls[0].ResumeToken)
	}
	if primary.calls[1].ResumeToken != "" {
		t.Fatalf("retry must be fresh, got %q", primary.calls[1].ResumeToken)
	}
	if result.SessionToken != "api_fresh" {
		t.Fatalf("result token = %q", result.SessionToken)
	}
}

func TestRun_TransientFailsOverOnce(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){failWith(errors.Transient("overloaded"))}}
	fallback := &mockBackend{name: "cli", results: []func(Request, StreamFunc) (*Result, error){okResult("cli_tok", 0.2)}}
	sessions := &mockSessions{sess: tempSession()}
	f := newTestFacade(primary, fallback, sessions, &mockGovernor{}, &mockMonitor{}, &mockAudit{})

	result, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(fallback.calls) != 1 {
		t.Fatalf("fallback calls = %d, want 1", len(fallback.calls))
	}
	if result.SessionToken != "cli_tok" {
		t.Fatalf("result token = %q", result.SessionToken)
	}
}

func TestRun_BackgroundNeverFallsBack(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){failWith(errors.Transient("overloaded"))}}
	fallback := &mockBackend{name: "cli", results: []func(Request, StreamFunc) (*Result, error){okResult("cli_tok", 0.2)}}
	f := newTestFacade(primary, fallback, &mockSessions{sess: tempSession()}, &mockGovernor{}, &mockMonitor{}, &mockAudit{})

	_, err := f.Run(context.Background(), RunRequest{UserID: 42, Workdir: "/p", Prompt: "hi", Background: true}, nil)
	if err == nil {
		t.Fatal("background call should surface the failure")
	}
	if len(fallback.calls) != 0 {
		t.Fatal("background calls must not fall back")
	}
}

func TestFailover_NonTransientNeverFallsBack(t *testing.T) {
	primary := &mockBackend{name: "claude", results: []func(Request, StreamFunc) (*Result, error){failWith(errors.Unauthorized("bad key"))}}
	fallback := &mockBackend{name: "cli", results: []func(Request, StreamFunc) (*Result, error){okResult("cli_tok", 0)}}
	fo := NewFailover(primary, fallback, true)

	_, err := fo.Submit(context.Background(), Request{Prompt: "hi"}, nil, true)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(fallback.calls) != 0 {
		t.Fatal("auth failure must not trigger fallback")
	}
}
