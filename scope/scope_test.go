package scope_test

import (
	"context"
	"testing"

	"github.com/xraph/herald/scope"
)

func TestCaptureRestore(t *testing.T) {
	ctx := context.Background()
	if got := scope.Capture(ctx); got != "" {
		t.Errorf("empty context tenant = %q", got)
	}

	ctx = scope.Restore(ctx, "acme")
	if got := scope.Capture(ctx); got != "acme" {
		t.Errorf("tenant = %q, want acme", got)
	}

	if got := scope.Capture(scope.Restore(ctx, "")); got != "acme" {
		t.Errorf("empty restore overwrote tenant: %q", got)
	}
}
