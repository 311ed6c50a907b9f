package testutil

import (
	"testing"

	"github.com/Technical-1/Git-Archiver/internal/database"
)

// NewTestStore creates an in-memory metadata store with the schema applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()

	s, err := database.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
