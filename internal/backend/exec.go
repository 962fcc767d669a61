package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// runTool spawns one query-tool invocation and returns its stdout and stderr.
// LANG=C pins the tool's output language so the parsers' grammars hold.
// The process is killed when ctx expires; a non-zero exit status is an error
// carrying the tool's stderr for diagnosis.
func runTool(ctx context.Context, tool string, stdin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Env = append(os.Environ(), "LANG=C")
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("backend: running query tool", "tool", tool, "args", args)
	err := cmd.Run()
	slog.Debug("backend: query tool finished", "tool", tool, "err", err)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", "", fmt.Errorf("%s: %w", tool, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", "", fmt.Errorf("%s: %w: %s", tool, err, firstLine(msg))
		}
		return "", "", fmt.Errorf("%s: %w", tool, err)
	}
	return stdout.String(), stderr.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// anomaly logs a parse-level oddity. The record in question is still emitted
// best-effort rather than dropped.
func anomaly(source, msg string, args ...any) {
	args = append([]any{"source", source}, args...)
	slog.Warn("backend: "+msg, args...)
}

// checkSeatCounts flags the unexpected used > total case.
func checkSeatCounts(source, feature string, total, used int64) {
	if used > total {
		anomaly(source, "used seats exceed issued seats", "feature", feature, "total", total, "used", used)
	}
}
