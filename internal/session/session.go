// Package session resolves the credential a turn uses to address the
// caller's document store.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession is returned when no credential can be obtained.
var ErrNoSession = errors.New("no session available")

// Session is a resolved credential. It is only ever held in memory.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Resolver obtains a session for a user.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Session, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, userID string) (Session, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, userID string) (Session, error) {
	return f(ctx, userID)
}

const issuer = "turnflow"

// JWTIssuer mints short-lived HS256 tokens whose subject is the user id,
// the shape a CouchDB JWT authentication handler accepts.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTIssuer creates an issuer. A zero ttl defaults to fifteen minutes.
func NewJWTIssuer(secret string, ttl time.Duration) *JWTIssuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWTIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Resolve implements Resolver.
func (j *JWTIssuer) Resolve(ctx context.Context, userID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, fmt.Errorf("%w: missing user id", ErrNoSession)
	}
	if len(j.secret) == 0 {
		return Session{}, fmt.Errorf("%w: signing secret not configured", ErrNoSession)
	}

	now := j.now()
	exp := now.Add(j.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return Session{}, fmt.Errorf("%w: sign token: %v", ErrNoSession, err)
	}
	return Session{UserID: userID, Token: signed, ExpiresAt: exp}, nil
}

// Verify parses a token minted by this issuer and returns its subject.
func (j *JWTIssuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.Subject, nil
}
