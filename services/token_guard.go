package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
)

// Operation is a provider API call executed under a guarded access token.
type Operation func(ctx context.Context, accessToken string) error

// TokenGuard wraps provider API calls with expiry-aware, failure-driven token
// refresh. Many workers may guard calls for the same credential concurrently;
// the benign race where two of them both refresh is tolerated rather than
// locked away, since the next 401 self-heals it.
type TokenGuard struct {
	tokens       domain.TokenRepository
	registry     domain.ProviderRegistry
	expiryBuffer time.Duration
	now          func() time.Time
}

func NewTokenGuard(tokens domain.TokenRepository, registry domain.ProviderRegistry, expiryBuffer time.Duration) *TokenGuard {
	if expiryBuffer <= 0 {
		expiryBuffer = 10 * time.Minute
	}
	return &TokenGuard{
		tokens:       tokens,
		registry:     registry,
		expiryBuffer: expiryBuffer,
		now:          time.Now,
	}
}

// ExecuteWithTokenRetry loads the stored credential, refreshes it up front if
// it already reads as expired, and invokes op. An authorization failure from
// op triggers exactly one forced refresh followed by exactly one more op
// attempt. Every other failure class propagates unchanged. Per call, op runs
// at most twice and at most two fresh tokens are fetched.
func (g *TokenGuard) ExecuteWithTokenRetry(ctx context.Context, service domain.ServiceName, userID string, op Operation) error {
	token, err := g.tokens.GetToken(ctx, service, userID)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return domain.ErrNoTokenFound
		}
		return err
	}

	refreshed := false
	if token.Expired(g.now()) {
		if token, err = g.refresh(ctx, service, token); err != nil {
			return err
		}
		refreshed = true
	}

	err = op(ctx, token.AccessToken)
	if err == nil {
		return nil
	}
	if domain.ClassifyError(err) != domain.KindAuthorization {
		return err
	}
	if refreshed {
		// The token is seconds old and the provider still rejected it.
		// Another refresh inside this call cannot change the outcome.
		return err
	}

	if token, err = g.refresh(ctx, service, token); err != nil {
		return err
	}
	return op(ctx, token.AccessToken)
}

// Deauthorize revokes the provider-side grant and deletes the stored
// credential. Provider revocation is best effort: the credential is deleted
// even when the revocation call fails, since the user asked to disconnect.
func (g *TokenGuard) Deauthorize(ctx context.Context, service domain.ServiceName, userID string) error {
	provider, err := g.registry.Provider(service)
	if err != nil {
		return err
	}
	err = g.ExecuteWithTokenRetry(ctx, service, userID, func(ctx context.Context, accessToken string) error {
		return provider.Deauthorize(ctx, accessToken)
	})
	if err != nil && !errors.Is(err, domain.ErrNoTokenFound) {
		log.Warn().Err(err).Str("service", string(service)).Str("user_id", userID).
			Msg("Provider deauthorize failed, deleting credential anyway.")
	}
	return g.tokens.DeleteToken(ctx, service, userID)
}

// refresh exchanges the refresh token and persists the result. A refresh the
// provider rejects as an invalidated grant is terminal: the credential is
// deleted so later attempts fail fast on the no-token path. Any other refresh
// failure leaves the stored token alone, since the credential may still be
// valid once the provider recovers.
func (g *TokenGuard) refresh(ctx context.Context, service domain.ServiceName, token *domain.ProviderToken) (*domain.ProviderToken, error) {
	provider, err := g.registry.Provider(service)
	if err != nil {
		return nil, err
	}

	fresh, err := provider.RefreshToken(ctx, token.RefreshToken)
	if err != nil {
		if domain.ClassifyError(err) == domain.KindAuthorization {
			log.Warn().Err(err).Str("service", string(service)).Str("user_id", token.UserID).
				Msg("Refresh token invalidated by provider, deleting credential.")
			if delErr := g.tokens.DeleteToken(ctx, service, token.UserID); delErr != nil {
				log.Error().Err(delErr).Str("service", string(service)).Str("user_id", token.UserID).
					Msg("Failed to delete invalidated token.")
			}
		}
		return nil, err
	}

	now := g.now().UTC()
	token.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		token.RefreshToken = fresh.RefreshToken
	}
	if fresh.TokenType != "" {
		token.TokenType = fresh.TokenType
	}
	expiry := fresh.Expiry
	if expiry.IsZero() {
		expiry = now.Add(time.Hour)
	}
	token.ExpiresAt = expiry.Add(-g.expiryBuffer)
	token.DateRefreshed = now

	if err := g.tokens.UpsertToken(ctx, token); err != nil {
		// The refreshed credential still works for this call even if the
		// write failed; the next worker just refreshes again.
		log.Error().Err(err).Str("service", string(service)).Str("user_id", token.UserID).
			Msg("Failed to persist refreshed token.")
	}
	return token, nil
}
