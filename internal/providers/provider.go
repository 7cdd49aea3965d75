package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"go.pilab.hu/fitsync/domain"
)

// Config holds the endpoints and limits for one provider's HTTP API.
// Provider-specific URL quirks live in configuration, not code: every
// supported provider follows the same REST shape behind its base URL.
type Config struct {
	Name           domain.ServiceName
	APIBaseURL     string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	MaxWindowDays  int
	LookbackMonths int
}

// HTTPProvider implements domain.WorkoutProvider against a provider's REST
// API, authenticating with bearer tokens managed by the token refresh guard.
type HTTPProvider struct {
	cfg  Config
	http *http.Client
}

func NewHTTPProvider(cfg Config, httpClient *http.Client) (*HTTPProvider, error) {
	if cfg.APIBaseURL == "" || cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrProviderMisconfigured
	}
	if cfg.MaxWindowDays <= 0 {
		cfg.MaxWindowDays = 30
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{cfg: cfg, http: httpClient}, nil
}

func (p *HTTPProvider) Name() domain.ServiceName { return p.cfg.Name }

func (p *HTTPProvider) MaxWindowDays() int { return p.cfg.MaxWindowDays }

func (p *HTTPProvider) LookbackMonths() int { return p.cfg.LookbackMonths }

func (p *HTTPProvider) GetWorkoutList(ctx context.Context, accessToken string, window domain.Window) ([]domain.WorkoutRef, error) {
	if days := window.Days(); days > p.cfg.MaxWindowDays {
		return nil, domain.NewSyncError(domain.KindPermanent, 0, "get workout list",
			fmt.Errorf("window of %d days exceeds the %d day maximum for %s",
				days, p.cfg.MaxWindowDays, p.cfg.Name))
	}

	q := url.Values{}
	q.Set("from", window.From.UTC().Format(time.RFC3339))
	q.Set("to", window.To.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/workouts?%s", strings.TrimRight(p.cfg.APIBaseURL, "/"), q.Encode())

	body, err := p.get(ctx, "get workout list", endpoint, accessToken)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Workouts []struct {
			ID        string    `json:"id"`
			Timestamp time.Time `json:"timestamp"`
			FileURL   string    `json:"file_url"`
		} `json:"workouts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workout list from %s: %w", p.cfg.Name, err)
	}

	refs := make([]domain.WorkoutRef, 0, len(payload.Workouts))
	for _, w := range payload.Workouts {
		refs = append(refs, domain.WorkoutRef{
			ExternalID: w.ID,
			Timestamp:  w.Timestamp,
			FileRef:    w.FileURL,
		})
	}
	return refs, nil
}

func (p *HTTPProvider) DownloadActivity(ctx context.Context, accessToken, fileRef string) ([]byte, error) {
	endpoint := fileRef
	if !strings.HasPrefix(fileRef, "http://") && !strings.HasPrefix(fileRef, "https://") {
		endpoint = strings.TrimRight(p.cfg.APIBaseURL, "/") + "/files/" + url.PathEscape(fileRef)
	}
	return p.get(ctx, "download activity", endpoint, accessToken)
}

// RefreshToken exchanges the refresh token at the provider's token endpoint.
// Failures carry their normalized kind, so the guard can distinguish a
// revoked grant from a provider outage.
func (p *HTTPProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.cfg.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, p.classifyRefreshError(err)
	}
	return token, nil
}

func (p *HTTPProvider) classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return domain.NewSyncError(domain.KindTransient, 0, "refresh token", err)
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	kind := domain.KindForStatus(status, re.ErrorCode+" "+re.ErrorDescription+" "+string(re.Body))
	return domain.NewSyncError(kind, status, "refresh token", err)
}

func (p *HTTPProvider) Deauthorize(ctx context.Context, accessToken string) error {
	endpoint := strings.TrimRight(p.cfg.APIBaseURL, "/") + "/deauthorize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return domain.NewSyncError(domain.KindTransient, 0, "deauthorize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return p.httpError("deauthorize", resp)
	}
	return nil
}

func (p *HTTPProvider) get(ctx context.Context, op, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, domain.NewSyncError(domain.KindTransient, 0, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, p.httpError(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewSyncError(domain.KindTransient, 0, op, err)
	}
	return body, nil
}

func (p *HTTPProvider) httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := domain.KindForStatus(resp.StatusCode, string(body))
	return domain.NewSyncError(kind, resp.StatusCode, op,
		fmt.Errorf("%s rejected request: %s", p.cfg.Name, strings.TrimSpace(string(body))))
}

// Registry is a static map of configured providers.
type Registry struct {
	providers map[domain.ServiceName]domain.WorkoutProvider
}

func NewRegistry(providers ...domain.WorkoutProvider) *Registry {
	m := make(map[domain.ServiceName]domain.WorkoutProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

func (r *Registry) Provider(service domain.ServiceName) (domain.WorkoutProvider, error) {
	p, ok := r.providers[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, service)
	}
	return p, nil
}
