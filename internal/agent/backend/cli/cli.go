package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/harunnryd/genkan/internal/agent"
	"github.com/harunnryd/genkan/internal/errors"
)

// Backend runs prompts through the claude command line in stream-json
// mode. The CLI manages its own session files; the session_id it reports
// is the resume token callers get back.
type Backend struct {
	binary   string
	maxTurns int
	logger   *slog.Logger
}

func New(configuredPath string, maxTurns int) (*Backend, error) {
	binary, err := FindBinary(configuredPath)
	if err != nil {
		return nil, err
	}
	return &Backend{
		binary:   binary,
		maxTurns: maxTurns,
		logger:   slog.Default().With("component", "backend.cli"),
	}, nil
}

func (b *Backend) Name() string {
	return "cli"
}

// streamLine is one line-delimited JSON event from the CLI.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (b *Backend) Submit(ctx context.Context, req agent.Request, onStream agent.StreamFunc) (*agent.Result, error) {
	started := time.Now()

	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = b.maxTurns
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", maxTurns))
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Dir = req.Workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Internal("opening cli stdout")
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Transient("starting cli: " + err.Error())
	}

	var (
		content  strings.Builder
		final    *streamLine
		abortErr error
		scanner  = bufio.NewScanner(stdout)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt streamLine
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			b.logger.Debug("Skipping unparseable stream line", "error", err)
			continue
		}

		switch evt.Type {
		case "assistant":
			for _, block := range evt.Message.Content {
				switch block.Type {
				case "text":
					content.WriteString(block.Text)
					if onStream != nil && abortErr == nil {
						if err := onStream(agent.StreamEvent{Kind: agent.StreamText, Text: block.Text}); err != nil {
							abortErr = err
						}
					}
				case "tool_use":
					if onStream != nil && abortErr == nil {
						if err := onStream(agent.StreamEvent{Kind: agent.StreamTool, Tool: block.Name, Input: block.Input}); err != nil {
							abortErr = err
						}
					}
				}
			}
		case "result":
			evtCopy := evt
			final = &evtCopy
		}

		if abortErr != nil {
			_ = cmd.Process.Kill()
			break
		}
	}

	waitErr := cmd.Wait()

	if abortErr != nil {
		return nil, abortErr
	}
	if ctx.Err() != nil {
		return nil, errors.Transient("cli call timed out")
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Transient("reading cli stream: " + err.Error())
	}
	if final == nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" && waitErr != nil {
			detail = waitErr.Error()
		}
		return nil, errors.Transient("cli produced no result event: " + detail)
	}
	if final.IsError {
		return nil, errors.Transient("cli reported error: " + final.Result)
	}

	text := content.String()
	if text == "" {
		text = final.Result
	}

	duration := time.Duration(final.DurationMS) * time.Millisecond
	if duration == 0 {
		duration = time.Since(started)
	}

	result := &agent.Result{
		Content:      text,
		SessionToken: final.SessionID,
		CostUSD:      final.TotalCostUSD,
		Duration:     duration,
		NumTurns:     final.NumTurns,
	}
	b.logger.Debug("CLI call completed",
		"turns", result.NumTurns, "cost_usd", result.CostUSD,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}
