package identity

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// cachedFile re-reads a file only when its modification time changes.
type cachedFile struct {
	path    string
	mu      sync.Mutex
	content string
	modTime time.Time
}

func (c *cachedFile) read() string {
	if c.path == "" {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return ""
	}
	if !info.ModTime().After(c.modTime) && c.content != "" {
		return c.content
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		slog.Debug("Identity file unreadable", "path", c.path, "error", err)
		return c.content
	}
	c.content = strings.TrimSpace(string(data))
	c.modTime = info.ModTime()
	return c.content
}

// Provider serves the assistant persona and user profile used to enrich
// prompts. Both files are optional; a missing file yields an empty section.
type Provider struct {
	soul    *cachedFile
	profile *cachedFile
}

func NewProvider(soulPath, profilePath string) *Provider {
	return &Provider{
		soul:    &cachedFile{path: soulPath},
		profile: &cachedFile{path: profilePath},
	}
}

// Soul returns the assistant persona text, or "".
func (p *Provider) Soul() string {
	return p.soul.read()
}

// Profile returns the user context text, or "".
func (p *Provider) Profile() string {
	return p.profile.read()
}
