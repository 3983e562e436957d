package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/domain"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	userID, err := tokens.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestVerifyRejects(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	other := NewTokens("other-secret", time.Hour)
	foreign, err := other.Issue("alice")
	require.NoError(t, err)

	expired := NewTokens("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.Issue("alice")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      stale,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tokens.Verify(token)
			assert.ErrorIs(t, err, domain.ErrUnauthenticated)
		})
	}
}

func TestIssueRequiresUser(t *testing.T) {
	_, err := NewTokens("secret", time.Hour).Issue("  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUserIDOf(t *testing.T) {
	token, err := NewTokens("secret", time.Hour).Issue("alice")
	require.NoError(t, err)

	userID, err := UserIDOf("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = UserIDOf("garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}
