package auth

import (
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	m, err := NewManager("s3cret", time.Hour)
	require.NoError(t, err)
	now := time.Now()

	tok, err := m.Issue(now, "alice")
	require.NoError(t, err)

	id, err := m.Verify(tok, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), id)
}

func TestVerifyRejects(t *testing.T) {
	m, err := NewManager("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewManager("different", time.Hour)
	require.NoError(t, err)
	now := time.Now()

	tok, err := m.Issue(now, "alice")
	require.NoError(t, err)

	_, err = m.Verify(tok, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = other.Verify(tok, now)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	_, err = m.Verify("not-a-token", now)
	assert.Error(t, err)
}

func TestIssueValidatesUser(t *testing.T) {
	_, err := NewManager("", time.Hour)
	assert.ErrorIs(t, err, ErrSecretRequired)

	m, err := NewManager("s3cret", 0)
	require.NoError(t, err)
	_, err = m.Issue(time.Now(), "bad:id")
	assert.ErrorIs(t, err, domain.ErrUserIDInvalid)
}
