package domain

import "time"

// SyncMode selects which catalog sweep a checkpoint belongs to.
type SyncMode string

const (
	// SyncModeFull enumerates the entire catalog, overwriting all records.
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental enumerates only currently-active markets.
	SyncModeIncremental SyncMode = "incremental"
)

// SyncCheckpoint is the durable progress record for one sync mode. It is the
// sole source of resumability truth: Cursor and BatchesDone reflect only
// fully-committed batches, so a restart resumes from the last committed page
// rather than from the beginning.
//
// At most one run per mode may hold InProgress at a time; Claim on the
// checkpoint store enforces that.
type SyncCheckpoint struct {
	Mode            SyncMode
	Cursor          int
	InProgress      bool
	BatchesDone     int
	StartedAt       time.Time
	LastCompletedAt time.Time
	UpdatedAt       time.Time
}
