package models

// SyncCursor is the persisted per-user sync position: the highest activity
// start time committed so far (the remote source's "after" filter) and the
// rate-limit cool-down deadline, both Unix seconds. Written transactionally
// with each page's upserts.
type SyncCursor struct {
	LastStartTime int64 `json:"lastStartTime" db:"last_start_time"`
	CooldownUntil int64 `json:"cooldownUntil" db:"cooldown_until"`
}

// SyncPhase is the orchestrator's current stage within a cycle
type SyncPhase string

const (
	PhaseIdle        SyncPhase = "idle"
	PhaseFetching    SyncPhase = "fetching"
	PhaseRateLimited SyncPhase = "rate_limited"
	PhaseProcessing  SyncPhase = "processing_tracks"
	PhaseDone        SyncPhase = "done"
)

// SyncStatus is the terminal (or running) status of a sync cycle
type SyncStatus string

const (
	StatusRunning   SyncStatus = "running"
	StatusCompleted SyncStatus = "completed"
	StatusPartial   SyncStatus = "partial"
	StatusFailed    SyncStatus = "failed"
)

// ProgressSnapshot is one observation of a sync cycle, consumed by polling
// or subscription. Warnings counts non-fatal failures (retryable pages or
// activities) separately from a cycle-ending error.
type ProgressSnapshot struct {
	CycleID string     `json:"cycleId"`
	Phase   SyncPhase  `json:"phase"`
	Status  SyncStatus `json:"status"`

	CurrentPage         int `json:"currentPage"`
	PagesDone           int `json:"pagesDone"`
	ActivitiesSeen      int `json:"activitiesSeen"`
	ActivitiesTotal     int `json:"activitiesTotal"` // pending track processing this cycle
	ActivitiesProcessed int `json:"activitiesProcessed"`

	Warnings       int    `json:"warnings"`
	ReauthRequired bool   `json:"reauthRequired,omitempty"`
	Error          string `json:"error,omitempty"`

	StartedAt int64 `json:"startedAt"`
	UpdatedAt int64 `json:"updatedAt"`
}
