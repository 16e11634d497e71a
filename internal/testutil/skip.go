// Package testutil provides shared helpers for engine tests.
package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if COURSECHAT_TEST_SKIP_NETWORK is set.
// Use this for tests that bind TCP listeners, which may not be available in
// sandboxed environments.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("COURSECHAT_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: COURSECHAT_TEST_SKIP_NETWORK is set")
	}
}
