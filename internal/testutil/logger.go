package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/vk/cellar/internal/ctxlog"
)

// Context returns a context carrying a debug logger that writes to the
// returned buffer. Set CELLAR_TEST_LOGS=true to print the captured log when
// the test finishes.
func Context(t *testing.T) (context.Context, *SafeBuffer) {
	t.Helper()
	buf := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if os.Getenv("CELLAR_TEST_LOGS") == "true" {
		t.Cleanup(func() {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), buf.String())
		})
	}
	return ctxlog.WithLogger(context.Background(), logger), buf
}
