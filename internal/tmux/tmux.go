// Package tmux drives tmux sessions and panes for terminal-hosted
// workers and the compound runner's dashboard layout.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInstalled is returned when the tmux binary cannot be found.
var ErrNotInstalled = errors.New("tmux is not installed")

// ErrTimeout is returned when a wait or execute deadline expires.
var ErrTimeout = errors.New("tmux wait timed out")

// Available reports whether tmux is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

func run(args ...string) (string, error) {
	if !Available() {
		return "", ErrNotInstalled
	}
	cmd := exec.Command("tmux", args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimRight(string(output), "\n")
	if err != nil {
		if out != "" {
			return out, fmt.Errorf("tmux %s: %s", args[0], out)
		}
		return out, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

// HasSession reports whether a session with the given name exists.
func HasSession(name string) bool {
	_, err := run("has-session", "-t", name)
	return err == nil
}

// NewSession creates a detached session whose first pane starts in dir.
func NewSession(name, dir string) error {
	_, err := run("new-session", "-d", "-s", name, "-c", dir)
	return err
}

// KillSession tears a session down. Missing sessions are not an error.
func KillSession(name string) error {
	if !HasSession(name) {
		return nil
	}
	_, err := run("kill-session", "-t", name)
	return err
}

// SplitPane splits the target pane and returns the new pane's id.
// vertical=true stacks the new pane below, false places it to the right.
func SplitPane(target, dir string, vertical bool) (string, error) {
	axis := "-h"
	if vertical {
		axis = "-v"
	}
	return run("split-window", axis, "-d", "-t", target, "-c", dir,
		"-P", "-F", "#{pane_id}")
}

// SetPaneTitle labels a pane so the dashboard identifies workers.
func SetPaneTitle(target, title string) error {
	_, err := run("select-pane", "-t", target, "-T", title)
	return err
}

// SendKeys types text into a pane followed by Enter. The text is sent
// literally so shell metacharacters survive.
func SendKeys(target, text string) error {
	if _, err := run("send-keys", "-t", target, "-l", text); err != nil {
		return err
	}
	_, err := run("send-keys", "-t", target, "Enter")
	return err
}

// CapturePane returns the last n lines of a pane's visible history.
// n <= 0 captures the full history.
func CapturePane(target string, n int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target}
	if n > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", n))
	} else {
		args = append(args, "-S", "-")
	}
	return run(args...)
}

// ListPanes returns the pane ids of a session in index order.
func ListPanes(session string) ([]string, error) {
	out, err := run("list-panes", "-s", "-t", session, "-F", "#{pane_id}")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// captureDepths is the progressive history expansion WaitForPattern
// walks through before scanning the full scrollback.
var captureDepths = []int{100, 500, 2000, 0}

// WaitForPattern polls a pane until its output contains pattern,
// expanding the captured history progressively so short waits stay
// cheap. Returns ErrTimeout when the deadline expires first.
func WaitForPattern(ctx context.Context, target, pattern string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	depth := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: pattern %q in %s", ErrTimeout, pattern, target)
		}

		out, err := CapturePane(target, captureDepths[depth])
		if err != nil {
			return err
		}
		if strings.Contains(out, pattern) {
			return nil
		}
		if depth < len(captureDepths)-1 {
			depth++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Execute runs a shell command in a pane and returns its output. The
// command is bracketed by unique markers so only its own output is
// captured, and completion is detected by the end marker appearing.
func Execute(ctx context.Context, target, command string, timeout time.Duration) (string, error) {
	marker := fmt.Sprintf("__fleet_%d__", time.Now().UnixNano())
	start := marker + "_start"
	end := marker + "_end"

	wrapped := fmt.Sprintf("echo %s; %s; echo %s", start, command, end)
	if err := SendKeys(target, wrapped); err != nil {
		return "", err
	}
	if err := WaitForPattern(ctx, target, end, timeout); err != nil {
		return "", err
	}

	out, err := CapturePane(target, 0)
	if err != nil {
		return "", err
	}

	// Take the text between the last start and end markers, skipping
	// the echoed command line itself.
	startIdx := strings.LastIndex(out, start+"\n")
	endIdx := strings.LastIndex(out, end)
	if startIdx < 0 || endIdx < 0 || endIdx <= startIdx {
		return "", fmt.Errorf("command markers not found in pane %s", target)
	}
	body := out[startIdx+len(start)+1 : endIdx]
	return strings.TrimRight(strings.TrimSuffix(body, "\n"), "\n"), nil
}
