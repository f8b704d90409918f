package pipeline

import (
	"context"
	"strings"

	"github.com/harunnryd/genkan/internal/errors"
)

// Default blocklist: traversal sequences, shell injection shapes, and
// sensitive file names.
var defaultBlockedPatterns = []string{
	"../",
	"..\\",
	"$(",
	"`",
	"&&",
	"||",
	";rm",
	"; rm",
	"|sh",
	"| sh",
	"/etc/passwd",
	"/etc/shadow",
	".ssh/id_rsa",
	".aws/credentials",
	".env",
}

// SecurityStage screens message text before any other stage sees it.
type SecurityStage struct {
	enabled   bool
	patterns  []string
	maxLength int
}

func NewSecurityStage(enabled bool, extraPatterns []string, maxLength int) *SecurityStage {
	patterns := make([]string, 0, len(defaultBlockedPatterns)+len(extraPatterns))
	patterns = append(patterns, defaultBlockedPatterns...)
	patterns = append(patterns, extraPatterns...)
	return &SecurityStage{
		enabled:   enabled,
		patterns:  patterns,
		maxLength: maxLength,
	}
}

func (s *SecurityStage) Name() string { return "security" }

func (s *SecurityStage) Check(_ context.Context, in *Inbound) error {
	if strings.TrimSpace(in.Text) == "" {
		return errors.InvalidInput("empty message")
	}
	if s.maxLength > 0 && len(in.Text) > s.maxLength {
		return errors.InvalidInput("message too long")
	}

	if !s.enabled {
		return nil
	}

	lower := strings.ToLower(in.Text)
	for _, pattern := range s.patterns {
		if strings.Contains(lower, pattern) {
			return errors.SecurityViolation("blocked pattern in message")
		}
	}
	return nil
}
