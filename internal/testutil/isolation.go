// Package testutil holds test doubles shared by the package tests.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// IsolateEnv unsets every environment variable starting with prefix and
// registers a t.Cleanup that restores the previous values. Tests that feed
// configuration from the environment call it first so values exported by
// the developer's shell cannot leak in.
func IsolateEnv(t *testing.T, prefix string) {
	t.Helper()

	snapshot := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		snapshot[k] = v
		_ = os.Unsetenv(k)
	}

	t.Cleanup(func() {
		for _, kv := range os.Environ() {
			if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, prefix) {
				_ = os.Unsetenv(k)
			}
		}
		for k, v := range snapshot {
			_ = os.Setenv(k, v)
		}
	})
}
