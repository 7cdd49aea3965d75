package domain

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Window is a half-open [From, To) time range used for provider workout
// listing queries.
type Window struct {
	From time.Time
	To   time.Time
}

// Days returns the window length in whole days, rounding up.
func (w Window) Days() int {
	d := w.To.Sub(w.From)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// WorkoutRef is one workout discovered on a provider, carrying just enough to
// build a work item for it.
type WorkoutRef struct {
	ExternalID string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	FileRef    string    `json:"file_ref"`
}

// WorkoutProvider is the collaborator interface for one fitness provider's
// HTTP API. All four operations are fallible, latency-bearing and
// rate-limited; implementations tag failures with a SyncError kind.
type WorkoutProvider interface {
	// Name returns the provider's ServiceName.
	Name() ServiceName

	// GetWorkoutList lists workouts for the authorized user within the
	// window. The window must already respect MaxWindowDays.
	GetWorkoutList(ctx context.Context, accessToken string, window Window) ([]WorkoutRef, error)

	// DownloadActivity fetches the raw activity file behind a WorkoutRef.
	DownloadActivity(ctx context.Context, accessToken, fileRef string) ([]byte, error)

	// RefreshToken exchanges a refresh token at the provider's token
	// endpoint for a fresh credential.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Deauthorize revokes the credential on the provider side.
	Deauthorize(ctx context.Context, accessToken string) error

	// MaxWindowDays is the longest window GetWorkoutList accepts.
	MaxWindowDays() int

	// LookbackMonths is how far back, in calendar months, the provider
	// serves history. Zero means unlimited.
	LookbackMonths() int
}

// ProviderRegistry resolves a WorkoutProvider by service name.
type ProviderRegistry interface {
	Provider(service ServiceName) (WorkoutProvider, error)
}
