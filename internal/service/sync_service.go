package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stravagonuts/regions-backend-go/internal/models"
	"github.com/stravagonuts/regions-backend-go/internal/observability"
	"github.com/stravagonuts/regions-backend-go/internal/repository"
	"github.com/stravagonuts/regions-backend-go/internal/strava"
)

// ActivitySource is the remote activity API as the orchestrator consumes it
type ActivitySource interface {
	FetchPage(ctx context.Context, after int64, perPage int) ([]models.Activity, error)
	FetchTrack(ctx context.Context, activityID int64) ([]models.TrackPoint, error)
}

// ErrSyncInProgress means a sync cycle is already running
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncService orchestrates one sync cycle at a time: page-wise activity
// fetching behind the persisted cursor, then concurrent track fetching and
// region resolution. Progress is observable through polling or subscription.
type SyncService struct {
	source     ActivitySource
	activities *repository.ActivityRepository
	resolver   *RegionResolver

	pageSize     int
	trackWorkers int

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	snapshot    models.ProgressSnapshot
	subscribers map[int]chan models.ProgressSnapshot
	nextSubID   int
}

// NewSyncService creates a new sync orchestrator
func NewSyncService(source ActivitySource, activities *repository.ActivityRepository,
	resolver *RegionResolver, pageSize, trackWorkers int) *SyncService {
	if pageSize <= 0 {
		pageSize = 200
	}
	if trackWorkers <= 0 {
		trackWorkers = 4
	}
	return &SyncService{
		source:       source,
		activities:   activities,
		resolver:     resolver,
		pageSize:     pageSize,
		trackWorkers: trackWorkers,
		snapshot:     models.ProgressSnapshot{Phase: models.PhaseIdle},
		subscribers:  make(map[int]chan models.ProgressSnapshot),
	}
}

// Running reports whether a cycle is in flight
func (s *SyncService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns the latest progress observation
func (s *SyncService) Snapshot() models.ProgressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Subscribe registers a progress listener. Slow listeners drop intermediate
// snapshots rather than blocking the cycle. The returned func unsubscribes.
func (s *SyncService) Subscribe() (<-chan models.ProgressSnapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan models.ProgressSnapshot, 16)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

// Start begins a sync cycle in the background. Only one cycle runs at a
// time; a second start while one is in flight fails with ErrSyncInProgress.
func (s *SyncService) Start(full bool) (string, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return "", ErrSyncInProgress
	}

	cycleID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.snapshot = models.ProgressSnapshot{
		CycleID:   cycleID,
		Phase:     models.PhaseFetching,
		Status:    models.StatusRunning,
		StartedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}
	s.mu.Unlock()

	go func() {
		defer cancel()
		s.runCycle(ctx, full)
	}()

	return cycleID, nil
}

// Run executes one sync cycle synchronously
func (s *SyncService) Run(ctx context.Context, full bool) (models.ProgressSnapshot, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return models.ProgressSnapshot{}, ErrSyncInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.running = true
	s.cancel = cancel
	s.snapshot = models.ProgressSnapshot{
		CycleID:   uuid.NewString(),
		Phase:     models.PhaseFetching,
		Status:    models.StatusRunning,
		StartedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}
	s.mu.Unlock()

	s.runCycle(ctx, full)
	return s.Snapshot(), nil
}

// Cancel aborts the cycle in flight, if any
func (s *SyncService) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *SyncService) runCycle(ctx context.Context, full bool) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	if full {
		if err := s.activities.ResetCursor(); err != nil {
			s.fail(err)
			return
		}
	}

	if err := s.fetchPages(ctx); err != nil {
		return
	}
	if err := s.processTracks(ctx); err != nil {
		return
	}

	s.finish()
}

// fetchPages walks the remote activity list from the persisted cursor. Each
// committed page advances the cursor, so an interrupted cycle resumes after
// the last committed page and never refetches one.
func (s *SyncService) fetchPages(ctx context.Context) error {
	cursor, err := s.activities.Cursor()
	if err != nil {
		s.fail(err)
		return err
	}

	if err := s.waitCooldown(ctx, cursor.CooldownUntil); err != nil {
		s.fail(err)
		return err
	}

	page := s.Snapshot().PagesDone + 1
	for {
		if err := ctx.Err(); err != nil {
			s.fail(err)
			return err
		}

		s.update(func(p *models.ProgressSnapshot) {
			p.Phase = models.PhaseFetching
			p.CurrentPage = page
		})

		activities, err := s.source.FetchPage(ctx, cursor.LastStartTime, s.pageSize)

		var rateLimit *strava.RateLimitError
		switch {
		case errors.As(err, &rateLimit):
			observability.RecordRateLimit()
			until := time.Now().Add(rateLimit.RetryAfter).Unix()
			if err := s.activities.SaveCooldown(until); err != nil {
				s.fail(err)
				return err
			}
			log.Printf("[SYNC] Rate limited on page %d, waiting %s", page, rateLimit.RetryAfter)
			if err := s.waitCooldown(ctx, until); err != nil {
				s.fail(err)
				return err
			}
			// Same page again; the cursor has not advanced
			continue

		case errors.Is(err, strava.ErrReauthorizationRequired):
			s.update(func(p *models.ProgressSnapshot) { p.ReauthRequired = true })
			s.fail(err)
			return err

		case err != nil:
			// Transient page failure after client-side retries; keep what is
			// committed and continue with track processing
			log.Printf("[SYNC] Page %d failed: %v", page, err)
			s.update(func(p *models.ProgressSnapshot) { p.Warnings++ })
			return nil
		}

		if len(activities) == 0 {
			return nil
		}

		newCursor := cursor
		newCursor.CooldownUntil = 0
		for _, a := range activities {
			if a.StartTime > newCursor.LastStartTime {
				newCursor.LastStartTime = a.StartTime
			}
		}

		if err := s.activities.UpsertPage(activities, newCursor); err != nil {
			s.fail(err)
			return err
		}
		cursor = newCursor
		observability.RecordPageFetched(len(activities))

		s.update(func(p *models.ProgressSnapshot) {
			p.PagesDone++
			p.ActivitiesSeen += len(activities)
		})

		if len(activities) < s.pageSize {
			return nil
		}
		page++
	}
}

// processTracks fetches and resolves tracks for all unprocessed activities
// with a bounded worker pool. A transient per-activity failure is a warning
// and leaves the activity retryable for the next cycle.
func (s *SyncService) processTracks(ctx context.Context) error {
	pending, err := s.activities.ListUnprocessed()
	if err != nil {
		s.fail(err)
		return err
	}

	s.update(func(p *models.ProgressSnapshot) {
		p.Phase = models.PhaseProcessing
		p.ActivitiesTotal = len(pending)
	})

	if len(pending) == 0 {
		return nil
	}

	// A rate limit hit by one worker stops the others from piling on
	var rateLimited atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.trackWorkers)

	for _, activity := range pending {
		activity := activity
		g.Go(func() error {
			if gctx.Err() != nil || rateLimited.Load() {
				return nil
			}
			return s.processActivity(gctx, activity, &rateLimited)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, strava.ErrReauthorizationRequired) {
			s.update(func(p *models.ProgressSnapshot) { p.ReauthRequired = true })
		}
		s.fail(err)
		return err
	}
	return nil
}

func (s *SyncService) processActivity(ctx context.Context, activity models.Activity, rateLimited *atomic.Bool) error {
	track, err := s.activities.Track(activity.ID)
	if errors.Is(err, repository.ErrCorruptTrack) {
		// Decoding will fail the same way every cycle; retire the activity
		// instead of retrying forever
		log.Printf("[SYNC] Activity %d: %v, marking trackless", activity.ID, err)
		if err := s.activities.MarkNoTrack(activity.ID); err != nil {
			s.warn(activity.ID, err)
			return nil
		}
		s.update(func(p *models.ProgressSnapshot) { p.ActivitiesProcessed++ })
		return nil
	}
	if err != nil {
		s.warn(activity.ID, err)
		return nil
	}

	if track == nil && !activity.TrackFetched {
		track, err = s.source.FetchTrack(ctx, activity.ID)

		var rateLimit *strava.RateLimitError
		switch {
		case errors.Is(err, strava.ErrTrackNotFound):
			if err := s.activities.MarkNoTrack(activity.ID); err != nil {
				s.warn(activity.ID, err)
				return nil
			}
			s.update(func(p *models.ProgressSnapshot) { p.ActivitiesProcessed++ })
			return nil

		case errors.As(err, &rateLimit):
			observability.RecordRateLimit()
			rateLimited.Store(true)
			until := time.Now().Add(rateLimit.RetryAfter).Unix()
			if err := s.activities.SaveCooldown(until); err != nil {
				log.Printf("[SYNC] Failed to persist cooldown: %v", err)
			}
			s.warn(activity.ID, err)
			return nil

		case errors.Is(err, strava.ErrReauthorizationRequired):
			return err

		case err != nil:
			s.warn(activity.ID, err)
			return nil
		}

		if len(track) == 0 {
			if err := s.activities.MarkNoTrack(activity.ID); err != nil {
				s.warn(activity.ID, err)
				return nil
			}
			s.update(func(p *models.ProgressSnapshot) { p.ActivitiesProcessed++ })
			return nil
		}
		if err := s.activities.SaveTrack(activity.ID, track); err != nil {
			s.warn(activity.ID, err)
			return nil
		}
	}

	if track == nil {
		// Track fetch was attempted before and the source has none
		if err := s.activities.MarkNoTrack(activity.ID); err != nil {
			s.warn(activity.ID, err)
			return nil
		}
		s.update(func(p *models.ProgressSnapshot) { p.ActivitiesProcessed++ })
		return nil
	}

	matches := s.resolver.Resolve(track)
	if err := s.activities.FinishProcessing(activity.ID, activity.StartTime, matches); err != nil {
		s.warn(activity.ID, err)
		return nil
	}

	observability.RecordTrackProcessed()
	s.update(func(p *models.ProgressSnapshot) { p.ActivitiesProcessed++ })
	return nil
}

// waitCooldown blocks until the rate-limit deadline passes
func (s *SyncService) waitCooldown(ctx context.Context, until int64) error {
	wait := time.Until(time.Unix(until, 0))
	if wait <= 0 {
		return nil
	}

	s.update(func(p *models.ProgressSnapshot) { p.Phase = models.PhaseRateLimited })
	return sleepCtx(ctx, wait)
}

func (s *SyncService) warn(activityID int64, err error) {
	observability.RecordTrackFailure()
	log.Printf("[SYNC] Activity %d: %v", activityID, err)
	s.update(func(p *models.ProgressSnapshot) { p.Warnings++ })
}

func (s *SyncService) fail(err error) {
	log.Printf("[SYNC] Cycle failed: %v", err)
	s.update(func(p *models.ProgressSnapshot) {
		p.Phase = models.PhaseDone
		p.Status = models.StatusFailed
		p.Error = err.Error()
	})
}

func (s *SyncService) finish() {
	now := time.Now().Unix()
	observability.RecordSyncCompleted(now)
	s.update(func(p *models.ProgressSnapshot) {
		p.Phase = models.PhaseDone
		if p.Warnings > 0 {
			p.Status = models.StatusPartial
		} else {
			p.Status = models.StatusCompleted
		}
	})
	log.Printf("[SYNC] Cycle %s finished: %s", s.Snapshot().CycleID, s.Snapshot().Status)
}

func (s *SyncService) update(fn func(*models.ProgressSnapshot)) {
	s.mu.Lock()
	fn(&s.snapshot)
	s.snapshot.UpdatedAt = time.Now().Unix()
	snapshot := s.snapshot
	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sync cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
