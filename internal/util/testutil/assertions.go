// Package testutil holds polling assertion helpers shared across the
// fleet test suites.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Worker startup involves spawning a real process and waiting for its
// first NDJSON event, so the window is generous; the tight poll keeps
// fast conditions fast.
const (
	waitTimeout  = 15 * time.Second
	pollInterval = 20 * time.Millisecond
)

// AssertEventually polls condition until it holds or waitTimeout
// elapses, failing the test non-fatally on timeout.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitTimeout, pollInterval, msgAndArgs...)
}

// RequireEventually is AssertEventually but aborts the test on timeout.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitTimeout, pollInterval, msgAndArgs...)
}
