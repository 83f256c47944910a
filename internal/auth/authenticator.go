// Package auth validates connection handshake tokens against the tenant
// token store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/model"
)

// Connection-fatal authentication failures. Either one tears the
// connection down before a session exists.
var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// TokenStore looks up active tenant tokens. Returns ErrTokenNotFound from
// the store package when no active record matches.
type TokenStore interface {
	FindActiveToken(ctx context.Context, token string) (*model.TenantToken, error)
}

// Identity is the result of a successful handshake.
type Identity struct {
	TenantID  string
	SessionID string
}

// Authenticator validates opaque tokens. Every connect re-validates; there
// is no caching across connections, so revoking a token takes effect on
// the next connect.
type Authenticator struct {
	tokens TokenStore
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator over the given token store.
func NewAuthenticator(tokens TokenStore, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		tokens: tokens,
		logger: logger,
	}
}

// Authenticate resolves a raw handshake token to a tenant identity.
// A missing token fails with ErrMissingToken; a token without an active
// record fails with ErrInvalidToken. Store failures map to ErrInvalidToken
// as well: an unverifiable token never yields a session.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	record, err := a.tokens.FindActiveToken(ctx, token)
	if err != nil {
		a.logger.Warn("token lookup failed", zap.Error(err))
		return nil, ErrInvalidToken
	}

	return &Identity{
		TenantID:  record.CustomerID,
		SessionID: fmt.Sprintf("client-%s-%d", record.CustomerID, time.Now().UnixMilli()),
	}, nil
}
