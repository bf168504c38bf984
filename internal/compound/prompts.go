package compound

import (
	"fmt"
	"strings"
)

// iterationBanner marks a redispatch in a worker pane. Done detection
// only honors "TASK COMPLETE" that appears after the current banner.
func iterationBanner(iteration int) string {
	return fmt.Sprintf("=== ITERATION %d: RE-ENGAGED ===", iteration)
}

// completionInstruction tells the worker how to signal completion. The
// phrase is spelled out word by word because prompt text gets echoed
// into the pane and must not trip the tail scan itself.
func completionInstruction(sentinelPath string) string {
	return fmt.Sprintf("create the file %s and print the words TASK and COMPLETE, joined by a single space, on their own line.\n", sentinelPath)
}

// doneSentinelName is the per-iteration completion marker a worker
// writes into the prompt directory.
func doneSentinelName(handle string, iteration int) string {
	return fmt.Sprintf("%s-iter%d.done", handle, iteration)
}

func fixerPrompt(objective, branch, sentinelPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the fixer on branch %s.\n\n", branch)
	fmt.Fprintf(&b, "Objective: %s\n\n", objective)
	b.WriteString("Make the smallest changes that achieve the objective. ")
	b.WriteString("Commit as you go. When you believe the objective is met, ")
	b.WriteString(completionInstruction(sentinelPath))
	return b.String()
}

func verifierPrompt(index int, objective, branch, sentinelPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are verifier %d on branch %s.\n\n", index, branch)
	fmt.Fprintf(&b, "Objective under review: %s\n\n", objective)
	b.WriteString("Review the fixer's changes for correctness and regressions. ")
	b.WriteString("Post findings to the blackboard. When your review pass is done, ")
	b.WriteString(completionInstruction(sentinelPath))
	return b.String()
}

// feedbackPrompt composes the redispatch prompt from gate failures.
func feedbackPrompt(iteration int, objective, sentinelPath string, fb *Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d: quality gates reported %d errors. Fix them, then continue the objective: %s\n\n",
		iteration, fb.TotalErrors, objective)
	for _, g := range fb.Gates {
		if len(g.Errors) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Gate %s:\n", g.Name)
		for _, e := range g.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
		if len(g.RawTail) > 0 {
			b.WriteString("  --- raw output tail ---\n")
			for _, line := range g.RawTail {
				fmt.Fprintf(&b, "  %s\n", line)
			}
		}
	}
	b.WriteString("\nWhen done, ")
	b.WriteString(completionInstruction(sentinelPath))
	return b.String()
}

// mcpConfig is the tool-server configuration written next to each live
// worker's prompt file so the agent can reach the orchestration server.
func mcpConfig(serverURL, token string) string {
	return fmt.Sprintf(`{
  "mcpServers": {
    "fleet": {
      "type": "http",
      "url": %q,
      "headers": {"Authorization": "Bearer %s"}
    }
  }
}
`, serverURL+"/mcp", token)
}
