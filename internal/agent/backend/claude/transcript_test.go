package claude

import (
	"testing"
)

func TestTranscriptStore_RoundTrip(t *testing.T) {
	s, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTranscriptStore failed: %v", err)
	}

	turns := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	if err := s.Save("api_01ABC", turns); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load("api_01ABC")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 || got[1].Content != "hi there" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTranscriptStore_UnknownTokenErrors(t *testing.T) {
	s, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTranscriptStore failed: %v", err)
	}

	if _, err := s.Load("api_unseen"); err == nil {
		t.Fatal("unknown token should error")
	}
}

func TestTranscriptStore_RejectsMalformedTokens(t *testing.T) {
	s, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTranscriptStore failed: %v", err)
	}

	for _, token := range []string{"../escape", "a/b", "", "tok en"} {
		if err := s.Save(token, nil); err == nil {
			t.Errorf("token %q should be rejected", token)
		}
	}
}

func TestTranscriptStore_DeleteMissingIsNoop(t *testing.T) {
	s, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTranscriptStore failed: %v", err)
	}
	if err := s.Delete("api_gone"); err != nil {
		t.Fatalf("Delete on missing transcript: %v", err)
	}
}
