package document

import "time"

// SyncStatus enumerates the per-document synchronization states.
type SyncStatus string

const (
	// SyncStatusIdle means no sync attempt is in flight.
	SyncStatusIdle SyncStatus = "idle"
	// SyncStatusSyncing means a sync attempt started and has not resolved.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSuccess means the last sync attempt completed.
	SyncStatusSuccess SyncStatus = "success"
	// SyncStatusError means the last sync attempt failed.
	SyncStatusError SyncStatus = "error"
)

// SyncState is the externally visible sync badge for one document.
// ErrorMessage is non-empty exactly when Status is SyncStatusError.
type SyncState struct {
	DocumentID   string
	Status       SyncStatus
	ErrorMessage string
	ChangedAt    time.Time
}
