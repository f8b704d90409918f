package monitor

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harunnryd/genkan/internal/errors"

	"github.com/google/shlex"
)

// Commands that modify the filesystem and have their paths checked.
var fsModifyingCommands = map[string]bool{
	"mkdir": true, "touch": true, "cp": true, "mv": true, "rm": true,
	"rmdir": true, "ln": true, "install": true, "tee": true,
}

// Commands that are read-only or take no filesystem paths.
var readOnlyCommands = map[string]bool{
	"cat": true, "ls": true, "head": true, "tail": true, "less": true,
	"more": true, "which": true, "whoami": true, "pwd": true, "echo": true,
	"printf": true, "env": true, "printenv": true, "date": true, "wc": true,
	"sort": true, "uniq": true, "diff": true, "file": true, "stat": true,
	"du": true, "df": true, "tree": true, "realpath": true, "dirname": true,
	"basename": true,
}

// Actions that make find a filesystem-modifying command.
var findMutatingActions = map[string]bool{
	"-delete": true, "-exec": true, "-execdir": true, "-ok": true, "-okdir": true,
}

var dangerousPatterns = []string{
	"rm -rf", "sudo", "chmod 777", "curl", "wget", "nc ", "netcat",
	">", ">>", "|", "&", ";", "$(", "`",
}

var fileTools = map[string]bool{
	"Read": true, "Write": true, "Edit": true,
	"read_file": true, "create_file": true, "edit_file": true,
}

var bashTools = map[string]bool{
	"Bash": true, "bash": true, "shell": true,
}

// Violation records one refused tool call.
type Violation struct {
	Type    string
	Tool    string
	UserID  int64
	Workdir string
	Detail  string
}

// ToolMonitor validates backend tool calls against the configured policy
// and keeps usage and violation stats.
type ToolMonitor struct {
	allowed      map[string]bool
	disallowed   map[string]bool
	approvedDirs []string

	mu         sync.Mutex
	usage      map[string]int
	violations []Violation

	logger *slog.Logger
}

type Options struct {
	AllowedTools    []string
	DisallowedTools []string
	ApprovedDirs    []string
}

func New(opts Options) *ToolMonitor {
	m := &ToolMonitor{
		allowed:      make(map[string]bool),
		disallowed:   make(map[string]bool),
		approvedDirs: opts.ApprovedDirs,
		usage:        make(map[string]int),
		logger:       slog.Default().With("component", "monitor"),
	}
	for _, t := range opts.AllowedTools {
		m.allowed[t] = true
	}
	for _, t := range opts.DisallowedTools {
		m.disallowed[t] = true
	}
	return m
}

// Validate checks one tool call before execution. workdir is always an
// implicitly approved directory.
func (m *ToolMonitor) Validate(tool string, input map[string]any, workdir string, userID int64) error {
	if len(m.allowed) > 0 && !m.allowed[tool] {
		m.record(Violation{Type: "disallowed_tool", Tool: tool, UserID: userID, Workdir: workdir})
		return errors.ToolDenied(fmt.Sprintf("tool not allowed: %s", tool))
	}
	if m.disallowed[tool] {
		m.record(Violation{Type: "explicitly_disallowed_tool", Tool: tool, UserID: userID, Workdir: workdir})
		return errors.ToolDenied(fmt.Sprintf("tool explicitly disallowed: %s", tool))
	}

	if fileTools[tool] {
		if err := m.validateFilePath(tool, input, workdir, userID); err != nil {
			return err
		}
	}

	if bashTools[tool] {
		command, _ := input["command"].(string)
		if err := m.validateBash(tool, command, workdir, userID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.usage[tool]++
	m.mu.Unlock()
	return nil
}

func (m *ToolMonitor) validateFilePath(tool string, input map[string]any, workdir string, userID int64) error {
	path, _ := input["file_path"].(string)
	if path == "" {
		path, _ = input["path"].(string)
	}
	if path == "" {
		return errors.InvalidInput("file path required")
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workdir, resolved)
	}
	resolved = filepath.Clean(resolved)

	if !m.pathApproved(resolved, workdir) {
		m.record(Violation{Type: "invalid_file_path", Tool: tool, UserID: userID, Workdir: workdir, Detail: path})
		return errors.ToolDenied(fmt.Sprintf("path outside approved directories: %s", path))
	}
	return nil
}

func (m *ToolMonitor) validateBash(tool, command, workdir string, userID int64) error {
	lower := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			m.record(Violation{Type: "dangerous_command", Tool: tool, UserID: userID, Workdir: workdir, Detail: pattern})
			return errors.ToolDenied(fmt.Sprintf("dangerous command pattern detected: %s", pattern))
		}
	}

	ok, detail := m.checkDirectoryBoundary(command, workdir)
	if !ok {
		m.record(Violation{Type: "directory_boundary_violation", Tool: tool, UserID: userID, Workdir: workdir, Detail: detail})
		return errors.ToolDenied(detail)
	}
	return nil
}

// checkDirectoryBoundary verifies that a command's paths stay within the
// working directory or an approved directory. Only filesystem-modifying
// commands are checked; find is checked only with mutating actions.
func (m *ToolMonitor) checkDirectoryBoundary(command, workdir string) (bool, string) {
	tokens, err := shlex.Split(command)
	if err != nil {
		// Unparseable commands pass; the sandbox catches them at the OS level
		return true, ""
	}
	if len(tokens) == 0 {
		return true, ""
	}

	base := filepath.Base(tokens[0])

	if readOnlyCommands[base] {
		return true, ""
	}

	if base == "find" {
		mutating := false
		for _, t := range tokens[1:] {
			if findMutatingActions[t] {
				mutating = true
				break
			}
		}
		if !mutating {
			return true, ""
		}
	} else if !fsModifyingCommands[base] {
		return true, ""
	}

	for _, token := range tokens[1:] {
		if strings.HasPrefix(token, "-") {
			continue
		}

		// Resolve relative paths against the working directory so traversal
		// sequences like ../../evil are caught
		resolved := token
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(workdir, resolved)
		}
		resolved = filepath.Clean(resolved)

		if !m.pathApproved(resolved, workdir) {
			return false, fmt.Sprintf("directory boundary violation: %q targets %q outside approved directories", base, token)
		}
	}

	return true, ""
}

func (m *ToolMonitor) pathApproved(resolved, workdir string) bool {
	dirs := append([]string{workdir}, m.approvedDirs...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if pathWithin(resolved, filepath.Clean(dir)) {
			return true
		}
	}
	return false
}

func pathWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (m *ToolMonitor) record(v Violation) {
	m.mu.Lock()
	m.violations = append(m.violations, v)
	m.mu.Unlock()
	m.logger.Warn("Tool call refused",
		"type", v.Type, "tool", v.Tool, "user_id", v.UserID, "workdir", v.Workdir, "detail", v.Detail)
}

// Stats summarizes usage counters and violation count.
func (m *ToolMonitor) Stats() (totalCalls int, byTool map[string]int, violations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTool = make(map[string]int, len(m.usage))
	for k, v := range m.usage {
		byTool[k] = v
		totalCalls += v
	}
	return totalCalls, byTool, len(m.violations)
}

// Violations returns a copy of the recorded violations.
func (m *ToolMonitor) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}
