package models

// Activity is one remote activity as tracked by the user dataset.
// ID is assigned by the remote source; sync-state flags are owned by the
// sync orchestrator and never regressed by a metadata re-upsert.
type Activity struct {
	ID        int64   `json:"id" db:"id"`
	Name      string  `json:"name" db:"name"`
	Type      string  `json:"type" db:"type"`
	StartTime int64   `json:"startTime" db:"start_time"` // Unix timestamp in seconds
	Distance  float64 `json:"distance" db:"distance"`

	// Sync state
	TrackFetched bool `json:"trackFetched" db:"track_fetched"` // track fetch attempted
	HasTrack     bool `json:"hasTrack" db:"has_track"`         // GPS data available
	Processed    bool `json:"processed" db:"processed"`        // region matching completed
}

// TrackPoint is one GPS sample of an activity track. T is the offset from
// the activity start in seconds (zero when the source sends no time stream).
// A fetched track is immutable for its activity id.
type TrackPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	T   int64   `json:"t,omitempty"`
}

// RegionLink ties an activity to one region it touched. FirstVisit carries
// the activity's start time; a region's first-visited date is the minimum
// over its links.
type RegionLink struct {
	ActivityID int64  `json:"activityId" db:"activity_id"`
	RegionID   string `json:"regionId" db:"region_id"`
	Level      Level  `json:"level" db:"level"`
	FirstVisit int64  `json:"firstVisit" db:"first_visit"`
}

// ActivityCounts summarizes the user dataset for the status API
type ActivityCounts struct {
	Total     int64 `json:"total"`
	WithTrack int64 `json:"withTrack"`
	Processed int64 `json:"processed"`
}
