// Package repotest provides store fixtures for tests in other packages.
package repotest

import (
	"testing"

	"github.com/allyhub/messaging/internal/repository"
)

// NewSQLiteStore returns an in-memory store closed at test cleanup.
func NewSQLiteStore(t *testing.T) *repository.SQLStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
