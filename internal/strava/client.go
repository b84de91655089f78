package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
)

const (
	defaultBaseURL  = "https://www.strava.com/api/v3"
	defaultTokenURL = "https://www.strava.com/oauth/token"

	// Fallback cool-down when a 429 response carries no Retry-After header
	defaultRetryAfter = 15 * time.Minute

	maxRetries = 3
)

// ErrReauthorizationRequired means the refresh token is no longer valid and
// the user must run the authorization flow again
var ErrReauthorizationRequired = errors.New("strava: reauthorization required")

// ErrTrackNotFound means the remote source has no streams for the activity
var ErrTrackNotFound = errors.New("strava: track not found")

// RateLimitError reports a remote rate limit with the advised wait
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("strava: rate limited, retry after %s", e.RetryAfter)
}

// Client talks to the Strava v3 API. Token refresh is handled internally:
// an expired access token is rotated before the request, and a 401 forces
// one refresh-and-retry before giving up.
type Client struct {
	http     *http.Client
	settings *repository.SettingsRepository
	baseURL  string
	tokenURL string

	// Serializes refreshes so concurrent requests rotate the token once
	refreshMu sync.Mutex
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTokenURL overrides the OAuth token endpoint
func WithTokenURL(u string) Option {
	return func(c *Client) { c.tokenURL = u }
}

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a Strava API client backed by the settings store for
// credentials and token state
func NewClient(settings *repository.SettingsRepository, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		settings: settings,
		baseURL:  defaultBaseURL,
		tokenURL: defaultTokenURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type activityPayload struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	SportType string  `json:"sport_type"`
	Type      string  `json:"type"`
	StartDate string  `json:"start_date"`
	Distance  float64 `json:"distance"`
}

type streamPayload struct {
	LatLng struct {
		Data [][]float64 `json:"data"`
	} `json:"latlng"`
	Time struct {
		Data []int64 `json:"data"`
	} `json:"time"`
}

// FetchPage returns one page of athlete activities strictly newer than the
// given start time, oldest first
func (c *Client) FetchPage(ctx context.Context, after int64, perPage int) ([]models.Activity, error) {
	query := url.Values{
		"after":    {strconv.FormatInt(after, 10)},
		"page":     {"1"},
		"per_page": {strconv.Itoa(perPage)},
	}
	endpoint := fmt.Sprintf("%s/athlete/activities?%s", c.baseURL, query.Encode())

	var payload []activityPayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	activities := make([]models.Activity, 0, len(payload))
	for _, p := range payload {
		activityType := p.SportType
		if activityType == "" {
			activityType = p.Type
		}
		activities = append(activities, models.Activity{
			ID:        p.ID,
			Name:      p.Name,
			Type:      activityType,
			StartTime: parseStartDate(p.ID, p.StartDate),
			Distance:  p.Distance,
		})
	}
	return activities, nil
}

// FetchTrack returns the GPS track of one activity. Activities without a
// latlng stream return ErrTrackNotFound.
func (c *Client) FetchTrack(ctx context.Context, activityID int64) ([]models.TrackPoint, error) {
	endpoint := fmt.Sprintf(
		"%s/activities/%d/streams?keys=latlng,time&key_by_type=true",
		c.baseURL, activityID,
	)

	var payload streamPayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if len(payload.LatLng.Data) == 0 {
		return nil, ErrTrackNotFound
	}

	points := make([]models.TrackPoint, 0, len(payload.LatLng.Data))
	for i, pair := range payload.LatLng.Data {
		if len(pair) < 2 {
			continue
		}
		point := models.TrackPoint{Lat: pair[0], Lon: pair[1]}
		if i < len(payload.Time.Data) {
			point.T = payload.Time.Data[i]
		}
		points = append(points, point)
	}
	return points, nil
}

// getJSON performs an authenticated GET with retries. Transient failures
// (network errors, 5xx) are retried with exponential backoff; rate limits,
// missing resources and auth failures surface immediately as typed errors.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	refreshed := false

	operation := func() error {
		token, err := c.accessToken(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			// One forced refresh covers an access token revoked upstream;
			// a second 401 means the refresh token is dead too
			if refreshed {
				return backoff.Permanent(ErrReauthorizationRequired)
			}
			refreshed = true
			if _, err := c.refresh(ctx, token); err != nil {
				return backoff.Permanent(err)
			}
			return errors.New("retry after token refresh")

		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrTrackNotFound)

		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(&RateLimitError{RetryAfter: retryAfter(resp)})

		case resp.StatusCode >= 500:
			return fmt.Errorf("server error: %s", resp.Status)

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("unexpected status %s: %s", resp.Status, body))
		}
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// accessToken returns a valid access token, refreshing it when expired
func (c *Client) accessToken(ctx context.Context) (string, error) {
	token, err := c.settings.Token()
	if err != nil {
		return "", err
	}
	if !token.Expired(time.Now()) {
		return token.AccessToken, nil
	}
	return c.refresh(ctx, token.AccessToken)
}

// refresh rotates the token. stale is the access token that just failed or
// expired; when the stored token already differs another request rotated it
// while we waited for the lock.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	token, err := c.settings.Token()
	if err != nil {
		return "", err
	}
	if token.AccessToken != stale && !token.Expired(time.Now()) {
		return token.AccessToken, nil
	}
	if token.RefreshToken == "" {
		return "", ErrReauthorizationRequired
	}

	clientID, clientSecret, err := c.settings.ClientCredentials()
	if err != nil {
		return "", err
	}
	if clientID == "" || clientSecret == "" {
		return "", ErrReauthorizationRequired
	}

	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", ErrReauthorizationRequired
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh failed: %s", resp.Status)
	}

	var rotated models.AuthToken
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if err := c.settings.SaveToken(rotated); err != nil {
		return "", err
	}

	return rotated.AccessToken, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultRetryAfter
}

func parseStartDate(activityID int64, s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		log.Printf("[STRAVA] Unparsable start_date %q for activity %d: %v", s, activityID, err)
		return 0
	}
	return t.Unix()
}
