package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stravagonuts/regions-backend-go/internal/database"
	"github.com/stravagonuts/regions-backend-go/internal/models"
)

// ErrCorruptTrack means stored track data no longer decodes. Refetching will
// not help; callers should treat the activity as trackless.
var ErrCorruptTrack = errors.New("corrupt track data")

// ActivityRepository handles the per-user activity dataset: activity
// metadata, stored tracks, region links and the sync cursor
type ActivityRepository struct {
	db *sql.DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// UpsertPage commits one fetched page atomically: metadata upserts plus the
// cursor advance happen in a single transaction, so a cycle interrupted
// between pages resumes exactly after the last committed page. Re-upserting
// a known activity refreshes metadata only and never regresses sync flags.
func (r *ActivityRepository) UpsertPage(activities []models.Activity, cursor models.SyncCursor) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO activities (id, name, type, start_time, distance)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				start_time = excluded.start_time,
				distance = excluded.distance,
				updated_at = datetime('now')
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare activity upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range activities {
			if _, err := stmt.Exec(a.ID, a.Name, a.Type, a.StartTime, a.Distance); err != nil {
				return fmt.Errorf("failed to upsert activity %d: %w", a.ID, err)
			}
		}

		return saveCursor(tx, cursor)
	})
}

// Cursor returns the persisted sync cursor, zero-valued when no sync has
// committed yet
func (r *ActivityRepository) Cursor() (models.SyncCursor, error) {
	var cursor models.SyncCursor
	err := r.db.QueryRow(
		"SELECT last_start_time, cooldown_until FROM sync_cursor WHERE id = 1",
	).Scan(&cursor.LastStartTime, &cursor.CooldownUntil)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor, nil
}

// SaveCooldown persists a rate-limit deadline without touching the position
func (r *ActivityRepository) SaveCooldown(until int64) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		cursor, err := cursorTx(tx)
		if err != nil {
			return err
		}
		cursor.CooldownUntil = until
		return saveCursor(tx, cursor)
	})
}

// ResetCursor clears the sync position so the next cycle refetches from the
// beginning
func (r *ActivityRepository) ResetCursor() error {
	if _, err := r.db.Exec("DELETE FROM sync_cursor"); err != nil {
		return fmt.Errorf("failed to reset sync cursor: %w", err)
	}
	return nil
}

// ListUnprocessed returns activities still awaiting track fetch or region
// matching, oldest first
func (r *ActivityRepository) ListUnprocessed() ([]models.Activity, error) {
	rows, err := r.db.Query(`
		SELECT id, name, type, start_time, distance, track_fetched, has_track, processed
		FROM activities
		WHERE processed = 0
		ORDER BY start_time ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unprocessed activities: %w", err)
	}
	defer rows.Close()

	var activities []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.StartTime, &a.Distance,
			&a.TrackFetched, &a.HasTrack, &a.Processed); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// Track returns the stored track points of an activity, nil when none are
// stored
func (r *ActivityRepository) Track(activityID int64) ([]models.TrackPoint, error) {
	var raw sql.NullString
	err := r.db.QueryRow(
		"SELECT track_points FROM activities WHERE id = ?", activityID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track for activity %d: %w", activityID, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var points []models.TrackPoint
	if err := json.Unmarshal([]byte(raw.String), &points); err != nil {
		return nil, fmt.Errorf("activity %d: %w: %w", activityID, ErrCorruptTrack, err)
	}
	return points, nil
}

// SaveTrack stores a fetched track and marks the activity as having GPS data
func (r *ActivityRepository) SaveTrack(activityID int64, points []models.TrackPoint) error {
	raw, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("failed to encode track for activity %d: %w", activityID, err)
	}
	_, err = r.db.Exec(`
		UPDATE activities
		SET track_points = ?, track_fetched = 1, has_track = 1, updated_at = datetime('now')
		WHERE id = ?
	`, string(raw), activityID)
	if err != nil {
		return fmt.Errorf("failed to save track for activity %d: %w", activityID, err)
	}
	return nil
}

// MarkNoTrack permanently marks an activity as having no usable GPS data.
// The activity counts as processed and produces no region links.
func (r *ActivityRepository) MarkNoTrack(activityID int64) error {
	_, err := r.db.Exec(`
		UPDATE activities
		SET track_fetched = 1, has_track = 0, processed = 1, updated_at = datetime('now')
		WHERE id = ?
	`, activityID)
	if err != nil {
		return fmt.Errorf("failed to mark activity %d as trackless: %w", activityID, err)
	}
	return nil
}

// FinishProcessing records the resolver output for one activity: the full
// link set replaces any previous links and the processed flag is set, all in
// one transaction so reprocessing is idempotent
func (r *ActivityRepository) FinishProcessing(activityID, firstVisit int64, matches []models.RegionMatch) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM activity_regions WHERE activity_id = ?", activityID,
		); err != nil {
			return fmt.Errorf("failed to clear region links for activity %d: %w", activityID, err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO activity_regions (activity_id, region_id, level, first_visit)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare region link insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range matches {
			if _, err := stmt.Exec(activityID, m.RegionID, string(m.Level), firstVisit); err != nil {
				return fmt.Errorf("failed to link activity %d to region %s: %w", activityID, m.RegionID, err)
			}
		}

		if _, err := tx.Exec(`
			UPDATE activities
			SET processed = 1, updated_at = datetime('now')
			WHERE id = ?
		`, activityID); err != nil {
			return fmt.Errorf("failed to mark activity %d processed: %w", activityID, err)
		}
		return nil
	})
}

// VisitedRegionAggregates rolls up region links at one level: per region the
// activity count and the earliest visit
func (r *ActivityRepository) VisitedRegionAggregates(level models.Level) ([]models.RegionAggregate, error) {
	rows, err := r.db.Query(`
		SELECT region_id, COUNT(*), MIN(first_visit)
		FROM activity_regions
		WHERE level = ?
		GROUP BY region_id
	`, string(level))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate visited regions: %w", err)
	}
	defer rows.Close()

	var aggregates []models.RegionAggregate
	for rows.Next() {
		var agg models.RegionAggregate
		if err := rows.Scan(&agg.RegionID, &agg.ActivityCount, &agg.FirstVisit); err != nil {
			return nil, fmt.Errorf("failed to scan region aggregate: %w", err)
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, rows.Err()
}

// Counts summarizes the activity dataset
func (r *ActivityRepository) Counts() (models.ActivityCounts, error) {
	var counts models.ActivityCounts
	err := r.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(has_track), 0),
		       COALESCE(SUM(processed), 0)
		FROM activities
	`).Scan(&counts.Total, &counts.WithTrack, &counts.Processed)
	if err != nil {
		return counts, fmt.Errorf("failed to count activities: %w", err)
	}
	return counts, nil
}

// ClearActivities removes all activities, their region links and the sync
// cursor
func (r *ActivityRepository) ClearActivities() error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		for _, table := range []string{"activity_regions", "activities", "sync_cursor"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func cursorTx(tx *sql.Tx) (models.SyncCursor, error) {
	var cursor models.SyncCursor
	err := tx.QueryRow(
		"SELECT last_start_time, cooldown_until FROM sync_cursor WHERE id = 1",
	).Scan(&cursor.LastStartTime, &cursor.CooldownUntil)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor, nil
}

func saveCursor(tx *sql.Tx, cursor models.SyncCursor) error {
	_, err := tx.Exec(`
		INSERT INTO sync_cursor (id, last_start_time, cooldown_until, updated_at)
		VALUES (1, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			last_start_time = excluded.last_start_time,
			cooldown_until = excluded.cooldown_until,
			updated_at = excluded.updated_at
	`, cursor.LastStartTime, cursor.CooldownUntil)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
