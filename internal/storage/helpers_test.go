package storage

import (
	"context"
	"testing"
	"time"
)

// testContext returns a context cancelled when the test ends
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
