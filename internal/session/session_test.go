package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMintsVerifiableToken(t *testing.T) {
	iss := NewJWTIssuer("s3cret", time.Minute)

	s, err := iss.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.UserID)
	assert.NotEmpty(t, s.Token)
	assert.WithinDuration(t, time.Now().Add(time.Minute), s.ExpiresAt, 5*time.Second)

	sub, err := iss.Verify(s.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestResolveWithoutUserOrSecret(t *testing.T) {
	_, err := NewJWTIssuer("s3cret", 0).Resolve(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = NewJWTIssuer("", 0).Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	iss := NewJWTIssuer("s3cret", time.Minute)
	other := NewJWTIssuer("other", time.Minute)

	s, err := other.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	_, err = iss.Verify(s.Token)
	assert.Error(t, err)

	s, err = iss.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	iss.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = iss.Verify(s.Token)
	assert.Error(t, err)
}

func TestResolverFunc(t *testing.T) {
	r := ResolverFunc(func(_ context.Context, userID string) (Session, error) {
		return Session{UserID: userID, Token: "t"}, nil
	})
	s, err := r.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "t", s.Token)
}
