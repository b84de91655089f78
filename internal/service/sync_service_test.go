package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stravagonuts/regions-backend-go/internal/database"
	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
	"github.com/stravagonuts/regions-backend-go/internal/strava"
)

// stubSource scripts the remote API per test
type stubSource struct {
	mu         sync.Mutex
	afterCalls []int64
	trackCalls map[int64]int

	fetchPage  func(call int, after int64) ([]models.Activity, error)
	fetchTrack func(id int64, call int) ([]models.TrackPoint, error)
}

func (s *stubSource) FetchPage(_ context.Context, after int64, _ int) ([]models.Activity, error) {
	s.mu.Lock()
	s.afterCalls = append(s.afterCalls, after)
	call := len(s.afterCalls)
	s.mu.Unlock()
	return s.fetchPage(call, after)
}

func (s *stubSource) FetchTrack(_ context.Context, id int64) ([]models.TrackPoint, error) {
	s.mu.Lock()
	if s.trackCalls == nil {
		s.trackCalls = make(map[int64]int)
	}
	s.trackCalls[id]++
	call := s.trackCalls[id]
	s.mu.Unlock()
	if s.fetchTrack == nil {
		return nil, strava.ErrTrackNotFound
	}
	return s.fetchTrack(id, call)
}

func (s *stubSource) afters() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.afterCalls...)
}

func testActivityRepo(t *testing.T) (*repository.ActivityRepository, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "user.db"), filepath.Join(dir, "regions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db.User, database.UserMigrations))
	return repository.NewActivityRepository(db.User), db.User
}

func testSync(t *testing.T, source ActivitySource, pageSize int) (*SyncService, *repository.ActivityRepository) {
	t.Helper()
	repo, _ := testActivityRepo(t)
	set, index := referenceSet(t)
	resolver := NewRegionResolver(index, set, 100)
	return NewSyncService(source, repo, resolver, pageSize, 2), repo
}

func westTrack() []models.TrackPoint {
	return []models.TrackPoint{{Lat: 50.5, Lon: 6.5}, {Lat: 50.51, Lon: 6.51, T: 60}}
}

func TestSyncCycleCompletes(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if after == 0 {
				return []models.Activity{
					{ID: 1, Name: "Run", Type: "Run", StartTime: 1000},
					{ID: 2, Name: "Ride", Type: "Ride", StartTime: 2000},
				}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, repo := testSync(t, source, 2)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, snapshot.Status)
	assert.Equal(t, models.PhaseDone, snapshot.Phase)
	assert.Equal(t, 1, snapshot.PagesDone)
	assert.Equal(t, 2, snapshot.ActivitiesSeen)
	assert.Equal(t, 2, snapshot.ActivitiesProcessed)
	assert.Zero(t, snapshot.Warnings)

	// The full page filled, so a second request probed past it
	assert.Equal(t, []int64{0, 2000}, source.afters())

	cursor, err := repo.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cursor.LastStartTime)

	laus, err := repo.VisitedRegionAggregates(models.LevelLAU)
	require.NoError(t, err)
	require.Len(t, laus, 1)
	assert.Equal(t, "DE_11111", laus[0].RegionID)
	assert.Equal(t, 2, laus[0].ActivityCount)
	assert.Equal(t, int64(1000), laus[0].FirstVisit)

	countries, err := repo.VisitedRegionAggregates(models.LevelNUTS0)
	require.NoError(t, err)
	require.Len(t, countries, 1)
	assert.Equal(t, "DE", countries[0].RegionID)
}

func TestSyncIsIncremental(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if after < 1000 {
				return []models.Activity{{ID: 1, StartTime: 1000}}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, repo := testSync(t, source, 200)

	_, err := svc.Run(context.Background(), false)
	require.NoError(t, err)
	_, err = svc.Run(context.Background(), false)
	require.NoError(t, err)

	// The second cycle starts from the committed cursor
	assert.Equal(t, []int64{0, 1000}, source.afters())

	counts, err := repo.Counts()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total)
}

func TestFullSyncRestartsFromZero(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if after < 1000 {
				return []models.Activity{{ID: 1, StartTime: 1000}}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, _ := testSync(t, source, 200)

	_, err := svc.Run(context.Background(), false)
	require.NoError(t, err)
	_, err = svc.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 0}, source.afters())
}

func TestSyncResumesAfterRateLimit(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			switch call {
			case 1:
				return []models.Activity{
					{ID: 1, StartTime: 1000},
					{ID: 2, StartTime: 2000},
				}, nil
			case 2:
				return nil, &strava.RateLimitError{RetryAfter: 10 * time.Millisecond}
			default:
				if after == 2000 {
					return []models.Activity{{ID: 3, StartTime: 3000}}, nil
				}
				return nil, nil
			}
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, repo := testSync(t, source, 2)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, snapshot.Status)
	// The rate-limited page is retried with the same cursor; the committed
	// first page is never refetched
	assert.Equal(t, []int64{0, 2000, 2000}, source.afters())

	cursor, err := repo.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(3000), cursor.LastStartTime)
	assert.Zero(t, cursor.CooldownUntil)
}

func TestSyncFailsOnReauthorization(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			return nil, strava.ErrReauthorizationRequired
		},
	}
	svc, _ := testSync(t, source, 200)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, snapshot.Status)
	assert.True(t, snapshot.ReauthRequired)
	assert.NotEmpty(t, snapshot.Error)
}

func TestSyncPartialOnTransientPageFailure(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if call == 1 {
				return []models.Activity{
					{ID: 1, StartTime: 1000},
					{ID: 2, StartTime: 2000},
				}, nil
			}
			return nil, errors.New("upstream hiccup")
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, repo := testSync(t, source, 2)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	// The committed page is kept and its tracks are processed anyway
	assert.Equal(t, models.StatusPartial, snapshot.Status)
	assert.Equal(t, 1, snapshot.Warnings)
	assert.Equal(t, 2, snapshot.ActivitiesProcessed)

	cursor, err := repo.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cursor.LastStartTime)
}

func TestSyncRetriesTransientTrackFailure(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if after == 0 {
				return []models.Activity{{ID: 1, StartTime: 1000}}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			if call == 1 {
				return nil, errors.New("stream timeout")
			}
			return westTrack(), nil
		},
	}
	svc, repo := testSync(t, source, 200)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, snapshot.Status)
	assert.Equal(t, 1, snapshot.Warnings)

	// The activity stays retryable and the next cycle picks it up
	pending, err := repo.ListUnprocessed()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	snapshot, err = svc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snapshot.Status)

	pending, err = repo.ListUnprocessed()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncMarksTracklessActivities(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if after == 0 {
				return []models.Activity{
					{ID: 1, StartTime: 1000},
					{ID: 2, StartTime: 2000},
				}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			if id == 1 {
				return nil, strava.ErrTrackNotFound
			}
			return []models.TrackPoint{}, nil
		},
	}
	svc, repo := testSync(t, source, 200)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	// Missing and empty tracks both resolve to a processed trackless state
	assert.Equal(t, models.StatusCompleted, snapshot.Status)
	assert.Equal(t, 2, snapshot.ActivitiesProcessed)

	pending, err := repo.ListUnprocessed()
	require.NoError(t, err)
	assert.Empty(t, pending)

	laus, err := repo.VisitedRegionAggregates(models.LevelLAU)
	require.NoError(t, err)
	assert.Empty(t, laus)
}

func TestSyncRetiresCorruptStoredTrack(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			return nil, nil
		},
	}
	repo, db := testActivityRepo(t)
	set, index := referenceSet(t)
	resolver := NewRegionResolver(index, set, 100)
	svc := NewSyncService(source, repo, resolver, 200, 2)

	require.NoError(t, repo.UpsertPage([]models.Activity{
		{ID: 1, StartTime: 1000},
	}, models.SyncCursor{LastStartTime: 1000}))
	_, err := db.Exec(
		"UPDATE activities SET track_points = 'not-json', track_fetched = 1, has_track = 1 WHERE id = 1",
	)
	require.NoError(t, err)

	snapshot, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	// Undecodable stored data cannot improve on retry; the activity ends up
	// processed with no region links instead of failing every cycle
	assert.Equal(t, models.StatusCompleted, snapshot.Status)
	assert.Equal(t, 1, snapshot.ActivitiesProcessed)

	pending, err := repo.ListUnprocessed()
	require.NoError(t, err)
	assert.Empty(t, pending)

	laus, err := repo.VisitedRegionAggregates(models.LevelLAU)
	require.NoError(t, err)
	assert.Empty(t, laus)

	// The track was fetched before, so no refetch is attempted either
	assert.Empty(t, source.trackCalls)
}

func TestCancelStopsSynchronousRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if call == 1 {
				close(started)
				<-release
				return []models.Activity{
					{ID: 1, StartTime: 1000},
					{ID: 2, StartTime: 2000},
				}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, _ := testSync(t, source, 2)

	done := make(chan models.ProgressSnapshot, 1)
	go func() {
		snapshot, err := svc.Run(context.Background(), false)
		assert.NoError(t, err)
		done <- snapshot
	}()

	<-started
	svc.Cancel()
	close(release)

	snapshot := <-done
	assert.Equal(t, models.StatusFailed, snapshot.Status)
	assert.Contains(t, snapshot.Error, "cancel")
	assert.False(t, svc.Running())
}

func TestSyncRejectsConcurrentCycles(t *testing.T) {
	release := make(chan struct{})
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			<-release
			return nil, nil
		},
	}
	svc, _ := testSync(t, source, 200)

	cycleID, err := svc.Start(false)
	require.NoError(t, err)
	assert.NotEmpty(t, cycleID)

	_, err = svc.Start(false)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.Eventually(t, func() bool { return !svc.Running() },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, svc.Snapshot().Status)
}

func TestSyncPublishesProgress(t *testing.T) {
	source := &stubSource{
		fetchPage: func(call int, after int64) ([]models.Activity, error) {
			if after == 0 {
				return []models.Activity{{ID: 1, StartTime: 1000}}, nil
			}
			return nil, nil
		},
		fetchTrack: func(id int64, call int) ([]models.TrackPoint, error) {
			return westTrack(), nil
		},
	}
	svc, _ := testSync(t, source, 200)

	updates, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	_, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	var last models.ProgressSnapshot
	for {
		select {
		case snapshot := <-updates:
			last = snapshot
			continue
		default:
		}
		break
	}
	assert.Equal(t, models.PhaseDone, last.Phase)
	assert.Equal(t, models.StatusCompleted, last.Status)
}
