package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stravagonuts/regions-backend-go/internal/database"
	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
)

func testSettings(t *testing.T) *repository.SettingsRepository {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "user.db"), filepath.Join(dir, "regions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db.User, database.UserMigrations))

	repo := repository.NewSettingsRepository(db.User)
	require.NoError(t, repo.SaveClientCredentials("12345", "hush"))
	require.NoError(t, repo.SaveToken(models.AuthToken{
		AccessToken:  "valid-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}))
	return repo
}

func TestFetchPageMapsFields(t *testing.T) {
	settings := testSettings(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer valid-token", r.Header.Get("Authorization"))
		assert.Equal(t, "1000", r.URL.Query().Get("after"))
		assert.Equal(t, "200", r.URL.Query().Get("per_page"))

		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"id":         42,
				"name":       "Morning Run",
				"sport_type": "Run",
				"start_date": "2024-06-01T08:00:00Z",
				"distance":   5000.5,
			},
		})
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL))
	activities, err := client.FetchPage(context.Background(), 1000, 200)
	require.NoError(t, err)

	require.Len(t, activities, 1)
	assert.Equal(t, int64(42), activities[0].ID)
	assert.Equal(t, "Morning Run", activities[0].Name)
	assert.Equal(t, "Run", activities[0].Type)
	assert.Equal(t, 5000.5, activities[0].Distance)

	expected, _ := time.Parse(time.RFC3339, "2024-06-01T08:00:00Z")
	assert.Equal(t, expected.Unix(), activities[0].StartTime)
}

func TestFetchPageLogsUnparsableStartDate(t *testing.T) {
	settings := testSettings(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"id":         42,
				"name":       "Mystery Run",
				"sport_type": "Run",
				"start_date": "yesterday",
			},
		})
	}))
	defer server.Close()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	client := NewClient(settings, WithBaseURL(server.URL))
	activities, err := client.FetchPage(context.Background(), 0, 200)
	require.NoError(t, err)

	require.Len(t, activities, 1)
	assert.Zero(t, activities[0].StartTime)
	assert.Contains(t, buf.String(), `start_date "yesterday"`)
	assert.Contains(t, buf.String(), "activity 42")
}

func TestFetchTrackParsesStreams(t *testing.T) {
	settings := testSettings(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/activities/42/streams")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"latlng": map[string]interface{}{"data": [][]float64{{50.5, 6.5}, {50.6, 6.6}}},
			"time":   map[string]interface{}{"data": []int64{0, 30}},
		})
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL))
	points, err := client.FetchTrack(context.Background(), 42)
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, models.TrackPoint{Lat: 50.5, Lon: 6.5, T: 0}, points[0])
	assert.Equal(t, models.TrackPoint{Lat: 50.6, Lon: 6.6, T: 30}, points[1])
}

func TestFetchTrackNotFound(t *testing.T) {
	settings := testSettings(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL))
	_, err := client.FetchTrack(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestFetchTrackWithoutLatLngStream(t *testing.T) {
	settings := testSettings(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"time": map[string]interface{}{"data": []int64{0, 30}},
		})
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL))
	_, err := client.FetchTrack(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	settings := testSettings(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL))
	_, err := client.FetchPage(context.Background(), 0, 200)

	var rateLimit *RateLimitError
	require.ErrorAs(t, err, &rateLimit)
	assert.Equal(t, 2*time.Minute, rateLimit.RetryAfter)
}

func TestUnauthorizedTriggersRefreshAndRetry(t *testing.T) {
	settings := testSettings(t)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-token", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(models.AuthToken{
			AccessToken:  "rotated-token",
			RefreshToken: "rotated-refresh",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer tokenServer.Close()

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer rotated-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL), WithTokenURL(tokenServer.URL))
	activities, err := client.FetchPage(context.Background(), 0, 200)
	require.NoError(t, err)
	assert.Empty(t, activities)
	assert.GreaterOrEqual(t, calls, 2)

	// The rotated token is persisted
	token, err := settings.Token()
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", token.AccessToken)
}

func TestDeadRefreshTokenRequiresReauthorization(t *testing.T) {
	settings := testSettings(t)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer tokenServer.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL), WithTokenURL(tokenServer.URL))
	_, err := client.FetchPage(context.Background(), 0, 200)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
}

func TestExpiredTokenRefreshesBeforeRequest(t *testing.T) {
	settings := testSettings(t)
	require.NoError(t, settings.SaveToken(models.AuthToken{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour).Unix(),
	}))

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.AuthToken{
			AccessToken:  "fresh-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer tokenServer.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fresh-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL), WithTokenURL(tokenServer.URL))
	_, err := client.FetchPage(context.Background(), 0, 200)
	require.NoError(t, err)
}

func TestMissingCredentialsRequireReauthorization(t *testing.T) {
	settings := testSettings(t)
	require.NoError(t, settings.Clear())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the API without a token")
	}))
	defer server.Close()

	client := NewClient(settings, WithBaseURL(server.URL))
	_, err := client.FetchPage(context.Background(), 0, 200)
	assert.True(t, errors.Is(err, ErrReauthorizationRequired))
}
