package compound

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// gateTimeout bounds a single validation command.
const gateTimeout = 10 * time.Minute

// GateResult holds the outcome of one gate run.
type GateResult struct {
	Name    string   `json:"name"`
	Errors  []string `json:"errors"`
	RawTail []string `json:"rawTail"`
}

// Feedback aggregates gate results for one iteration.
type Feedback struct {
	TotalErrors int          `json:"totalErrors"`
	Gates       []GateResult `json:"gates"`
}

// runGates executes each gate in dir and collects structured feedback.
// A gate that exits nonzero contributes at least one error even when no
// diagnostic lines could be extracted from its output.
func runGates(ctx context.Context, dir string, gates []Gate) *Feedback {
	fb := &Feedback{}
	for _, g := range gates {
		gateCtx, cancel := context.WithTimeout(ctx, gateTimeout)
		cmd := exec.CommandContext(gateCtx, g.Command[0], g.Command[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		cancel()

		result := GateResult{Name: g.Name}
		if err != nil {
			result.Errors = extractErrors(string(out))
			if len(result.Errors) == 0 {
				result.Errors = []string{g.Name + " exited nonzero: " + err.Error()}
			}
			result.RawTail = tailLines(string(out), 20)
		}
		fb.TotalErrors += len(result.Errors)
		fb.Gates = append(fb.Gates, result)
	}
	return fb
}

// extractErrors pulls diagnostic-looking lines from gate output.
func extractErrors(out string) []string {
	var errs []string
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "error") ||
			strings.Contains(trimmed, "FAIL") ||
			strings.Contains(lower, "warning:") ||
			strings.Contains(lower, "undefined:") {
			errs = append(errs, trimmed)
		}
	}
	return errs
}

func tailLines(out string, n int) []string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
