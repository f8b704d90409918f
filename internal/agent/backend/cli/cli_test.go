package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStreamLine_ParsesResultEvent(t *testing.T) {
	line := `{"type":"result","subtype":"success","total_cost_usd":0.0312,"session_id":"sess-abc","num_turns":3,"duration_ms":4210,"is_error":false,"result":"final answer"}`

	var evt streamLine
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if evt.Type != "result" || evt.SessionID != "sess-abc" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.TotalCostUSD != 0.0312 || evt.NumTurns != 3 || evt.DurationMS != 4210 {
		t.Fatalf("metrics mismatch: %+v", evt)
	}
	if evt.IsError {
		t.Fatal("is_error should be false")
	}
}

func TestStreamLine_ParsesAssistantContent(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`

	var evt streamLine
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if len(evt.Message.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(evt.Message.Content))
	}
	if evt.Message.Content[0].Text != "working on it" {
		t.Fatalf("text block mismatch: %+v", evt.Message.Content[0])
	}
	if evt.Message.Content[1].Name != "Bash" {
		t.Fatalf("tool block mismatch: %+v", evt.Message.Content[1])
	}
	if evt.Message.Content[1].Input["command"] != "ls" {
		t.Fatalf("tool input mismatch: %+v", evt.Message.Content[1].Input)
	}
}

func TestFindBinary_ConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}

	got, err := FindBinary(bin)
	if err != nil {
		t.Fatalf("FindBinary failed: %v", err)
	}
	if got != bin {
		t.Fatalf("binary = %q, want %q", got, bin)
	}
}

func TestFindBinary_ConfiguredPathNotExecutable(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("data"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := FindBinary(bin); err == nil {
		t.Fatal("non-executable configured path should error")
	}
}
