package domain

import "time"

// ProviderToken is the stored OAuth2 credential for one (provider, user,
// external identity) tuple. Exactly one live document exists per tuple; a
// token whose access token has been cleared must be deleted rather than left
// empty, so repeated refresh attempts cannot pile up against a dead grant.
type ProviderToken struct {
	ID          string      `bson:"_id,omitempty" json:"id"`
	ServiceName ServiceName `bson:"service_name" json:"service_name"`

	UserID         string `bson:"user_id" json:"user_id"`
	ExternalUserID string `bson:"external_user_id,omitempty" json:"external_user_id,omitempty"`
	OpenID         string `bson:"open_id,omitempty" json:"open_id,omitempty"`

	AccessToken  string `bson:"access_token" json:"access_token"`
	RefreshToken string `bson:"refresh_token" json:"refresh_token"`
	TokenType    string `bson:"token_type,omitempty" json:"token_type,omitempty"`
	Scope        string `bson:"scope,omitempty" json:"scope,omitempty"`

	// ExpiresAt already has the refresh safety buffer subtracted, so a token
	// reads as expired slightly before the provider would reject it.
	ExpiresAt     time.Time `bson:"expires_at" json:"expires_at"`
	DateCreated   time.Time `bson:"date_created" json:"date_created"`
	DateRefreshed time.Time `bson:"date_refreshed,omitempty" json:"date_refreshed,omitempty"`
}

// Expired reports whether the stored access token should no longer be used.
func (t *ProviderToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
