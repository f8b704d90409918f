package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/natefinch/atomic"
)

// Turn is one persisted conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TranscriptStore persists conversation history per session token so a
// resumed call can replay prior turns to the API.
type TranscriptStore struct {
	dir string
}

func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}
	return &TranscriptStore{dir: dir}, nil
}

// Load returns the turns stored under token. An unknown token is an error:
// the caller invalidated or fabricated it.
func (s *TranscriptStore) Load(token string) ([]Turn, error) {
	path, err := s.path(token)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading transcript %s: %w", token, err)
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decoding transcript %s: %w", token, err)
	}
	return turns, nil
}

// Save writes the full turn list for token atomically.
func (s *TranscriptStore) Save(token string, turns []Turn) error {
	path, err := s.path(token)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Delete removes the transcript for token. Missing files are not an error.
func (s *TranscriptStore) Delete(token string) error {
	path, err := s.path(token)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *TranscriptStore) path(token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("malformed session token")
	}
	return filepath.Join(s.dir, token+".json"), nil
}
