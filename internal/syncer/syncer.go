package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/document"
	"github.com/inkwellhq/inkwell-sync/internal/queue"
	"github.com/inkwellhq/inkwell-sync/internal/remote"
	"github.com/inkwellhq/inkwell-sync/internal/repository"
	"go.uber.org/zap"
)

const (
	opSyncDocument = "syncer.sync_document"
	opSyncAll      = "syncer.sync_all"

	defaultInterval    = 30 * time.Second
	defaultMaxAttempts = 5
	backoffBase        = 2 * time.Second
	backoffCap         = 5 * time.Minute

	reasonRetryBudgetExhausted = "retry budget exhausted"
	reasonUnsupportedEntity    = "unsupported entity type"
	reasonRemoteRejected       = "rejected by server"
)

var (
	errMissingDocuments  = errors.New("document store is required")
	errMissingQueue      = errors.New("queue store is required")
	errMissingRepository = errors.New("repository is required")
	noOpLogger           = zap.NewNop()
)

// SyncRepository is the repository surface the orchestrator replays through.
type SyncRepository interface {
	SyncPush(ctx context.Context, documentID string) (remote.RemoteDocument, error)
	SyncDelete(ctx context.Context, documentID string) error
	RecordRemap(localID, remoteID string) error
	IsLocalID(documentID string) bool
}

// SyncResult reports the outcome of one document sync attempt.
type SyncResult struct {
	Success         bool
	DocumentsSynced int
	ErrorMessage    string
}

// SyncSummary aggregates one full pass over the dirty set.
type SyncSummary struct {
	Success     bool
	SyncedCount int
	FailedCount int
	Timestamp   time.Time
}

// Config bundles the orchestrator dependencies.
type Config struct {
	Documents    *document.Store
	Queue        *queue.Store
	Repository   SyncRepository
	MaxAttempts  int
	SyncInterval time.Duration
	AutoSync     bool
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Orchestrator drives convergence between local dirty state and the remote
// service. It is the only component that classifies sync failures and decides
// retry versus give-up.
type Orchestrator struct {
	documents   *document.Store
	queue       *queue.Store
	repository  SyncRepository
	maxAttempts int
	clock       func() time.Time
	logger      *zap.Logger

	timerMu  sync.Mutex
	autoSync bool
	interval time.Duration
	stopCh   chan struct{}
}

// New constructs the orchestrator with validated configuration. Auto-sync
// does not start until Start is called.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Orchestrator{
		documents:   cfg.Documents,
		queue:       cfg.Queue,
		repository:  cfg.Repository,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
		autoSync:    cfg.AutoSync,
		interval:    interval,
	}, nil
}

// SyncDocument attempts to synchronize one document. A document with no
// materialized state and no queued intent has nothing to sync and succeeds
// trivially.
func (orchestrator *Orchestrator) SyncDocument(ctx context.Context, documentID string) SyncResult {
	if err := orchestrator.documents.UpdateSyncState(documentID, document.SyncStatusSyncing, ""); err != nil {
		orchestrator.logError(opSyncDocument, "sync_state_failed", err, documentID)
	}

	state := orchestrator.documents.GetState(documentID)
	pendingOp, hasPending := orchestrator.pendingOperation(documentID)
	if state == nil && !hasPending {
		orchestrator.setSuccess(documentID)
		return SyncResult{Success: true, DocumentsSynced: 0}
	}

	if hasPending && pendingOp == queue.OperationDelete {
		if err := orchestrator.repository.SyncDelete(ctx, documentID); err != nil {
			return orchestrator.recordFailure(documentID, err)
		}
		orchestrator.clearQueued(documentID)
		orchestrator.documents.DeleteDocument(documentID)
		orchestrator.setSuccess(documentID)
		return SyncResult{Success: true, DocumentsSynced: 1}
	}

	wasLocal := orchestrator.repository.IsLocalID(documentID)
	pushed, err := orchestrator.repository.SyncPush(ctx, documentID)
	if err != nil {
		return orchestrator.recordFailure(documentID, err)
	}

	finalID := documentID
	if wasLocal && pushed.ID != "" && pushed.ID != documentID {
		if remapErr := orchestrator.remapDocument(documentID, pushed.ID); remapErr != nil {
			return orchestrator.recordFailure(documentID, remapErr)
		}
		finalID = pushed.ID
	}

	orchestrator.clearQueued(documentID)
	orchestrator.clearQueued(finalID)
	orchestrator.documents.MarkSynced(finalID)
	return SyncResult{Success: true, DocumentsSynced: 1}
}

// SyncAllDirtyDocuments runs one sequential pass over the dirty snapshot and
// any queued intents for documents outside it. Sequential iteration bounds
// remote load and serializes per-document syncs.
func (orchestrator *Orchestrator) SyncAllDirtyDocuments(ctx context.Context) SyncSummary {
	summary := SyncSummary{Timestamp: orchestrator.clock().UTC()}

	dirty := orchestrator.documents.DirtyDocumentIDs()
	seen := make(map[string]struct{}, len(dirty))
	for _, documentID := range dirty {
		seen[documentID] = struct{}{}
	}

	pendingEntries, err := orchestrator.queue.PendingItems()
	if err != nil {
		orchestrator.logError(opSyncAll, "pending_read_failed", err, "")
		summary.FailedCount++
		summary.Success = false
		return summary
	}
	queuedIDs := make([]string, 0, len(pendingEntries))
	for _, entry := range pendingEntries {
		if entry.EntityType != repository.EntityTypeDocument {
			if _, moveErr := orchestrator.queue.MoveToSkipped(entry.EntityType, entry.EntityID, reasonUnsupportedEntity); moveErr != nil {
				orchestrator.logError(opSyncAll, "skip_move_failed", moveErr, entry.EntityID)
			}
			continue
		}
		if _, ok := seen[entry.EntityID]; ok {
			continue
		}
		seen[entry.EntityID] = struct{}{}
		queuedIDs = append(queuedIDs, entry.EntityID)
	}

	for _, documentID := range append(dirty, queuedIDs...) {
		if ctx.Err() != nil {
			summary.FailedCount++
			break
		}
		eligible, checkErr := orchestrator.eligibleForRetry(documentID)
		if checkErr != nil {
			orchestrator.logError(opSyncAll, "eligibility_check_failed", checkErr, documentID)
			summary.FailedCount++
			continue
		}
		if !eligible {
			continue
		}
		result := orchestrator.SyncDocument(ctx, documentID)
		if result.Success {
			summary.SyncedCount += result.DocumentsSynced
		} else {
			summary.FailedCount++
		}
	}

	summary.Success = summary.FailedCount == 0
	return summary
}

// PendingSyncCount returns the number of documents with unsynced local
// mutations. UI badges read it; the durable queues stay authoritative.
func (orchestrator *Orchestrator) PendingSyncCount() int {
	return len(orchestrator.documents.DirtyDocumentIDs())
}

// SetAutoSync enables or disables the periodic background pass. Disabling
// cancels future scheduling only; an in-flight pass runs to completion.
// AutoSyncEnabled reports whether background passes are configured to run.
func (orchestrator *Orchestrator) AutoSyncEnabled() bool {
	orchestrator.timerMu.Lock()
	defer orchestrator.timerMu.Unlock()
	return orchestrator.autoSync
}

// SyncInterval returns the configured delay between background passes.
func (orchestrator *Orchestrator) SyncInterval() time.Duration {
	orchestrator.timerMu.Lock()
	defer orchestrator.timerMu.Unlock()
	return orchestrator.interval
}

func (orchestrator *Orchestrator) SetAutoSync(enabled bool) {
	orchestrator.timerMu.Lock()
	defer orchestrator.timerMu.Unlock()
	orchestrator.autoSync = enabled
	if enabled {
		orchestrator.startLocked()
	} else {
		orchestrator.stopLocked()
	}
}

// SetSyncInterval changes the auto-sync period, restarting the timer when it
// is running.
func (orchestrator *Orchestrator) SetSyncInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	orchestrator.timerMu.Lock()
	defer orchestrator.timerMu.Unlock()
	orchestrator.interval = interval
	if orchestrator.stopCh != nil {
		orchestrator.stopLocked()
		orchestrator.startLocked()
	}
}

// Start launches the auto-sync timer when auto-sync is enabled.
func (orchestrator *Orchestrator) Start() {
	orchestrator.timerMu.Lock()
	defer orchestrator.timerMu.Unlock()
	if orchestrator.autoSync {
		orchestrator.startLocked()
	}
}

// Stop cancels future auto-sync scheduling. Idempotent.
func (orchestrator *Orchestrator) Stop() {
	orchestrator.timerMu.Lock()
	defer orchestrator.timerMu.Unlock()
	orchestrator.stopLocked()
}

func (orchestrator *Orchestrator) startLocked() {
	if orchestrator.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	orchestrator.stopCh = stopCh
	interval := orchestrator.interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				summary := orchestrator.SyncAllDirtyDocuments(context.Background())
				if summary.SyncedCount > 0 || summary.FailedCount > 0 {
					orchestrator.logger.Info("auto sync pass completed",
						zap.Int("synced", summary.SyncedCount),
						zap.Int("failed", summary.FailedCount))
				}
			}
		}
	}()
}

func (orchestrator *Orchestrator) stopLocked() {
	if orchestrator.stopCh == nil {
		return
	}
	close(orchestrator.stopCh)
	orchestrator.stopCh = nil
}

func (orchestrator *Orchestrator) pendingOperation(documentID string) (queue.Operation, bool) {
	entries, err := orchestrator.queue.PendingItems()
	if err != nil {
		orchestrator.logError(opSyncDocument, "pending_read_failed", err, documentID)
		return "", false
	}
	for _, entry := range entries {
		if entry.EntityType == repository.EntityTypeDocument && entry.EntityID == documentID {
			return entry.Operation, true
		}
	}
	return "", false
}

// eligibleForRetry applies the bounded exponential backoff to entries in the
// failed queue; everything else is always eligible. Entities already in the
// skipped queue are excluded from automatic retry entirely.
func (orchestrator *Orchestrator) eligibleForRetry(documentID string) (bool, error) {
	skipped, err := orchestrator.queue.IsSkipped(repository.EntityTypeDocument, documentID)
	if err != nil {
		return false, err
	}
	if skipped {
		return false, nil
	}

	failedEntries, err := orchestrator.queue.FailedItems()
	if err != nil {
		return false, err
	}
	for _, entry := range failedEntries {
		if entry.EntityType != repository.EntityTypeDocument || entry.EntityID != documentID {
			continue
		}
		delay := backoffDelay(entry.Attempts)
		nextAttemptAt := entry.LastAttemptAt.Add(delay)
		return !orchestrator.clock().UTC().Before(nextAttemptAt), nil
	}
	return true, nil
}

func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	delay := backoffBase << uint(attempts-1)
	if delay > backoffCap || delay <= 0 {
		return backoffCap
	}
	return delay
}

// recordFailure classifies the error, routes the queue entry, and broadcasts
// the error state. The document stays dirty in every branch so the local edit
// is never lost.
func (orchestrator *Orchestrator) recordFailure(documentID string, cause error) SyncResult {
	message := cause.Error()
	if stateErr := orchestrator.documents.UpdateSyncState(documentID, document.SyncStatusError, message); stateErr != nil {
		orchestrator.logError(opSyncDocument, "sync_state_failed", stateErr, documentID)
	}

	if isPermanentFailure(cause) {
		orchestrator.routeToSkipped(documentID, reasonRemoteRejected+": "+message)
		orchestrator.logger.Warn("document sync permanently rejected",
			zap.String("document_id", documentID),
			zap.Error(cause))
		return SyncResult{Success: false, ErrorMessage: message}
	}

	orchestrator.routeToFailed(documentID, message)
	return SyncResult{Success: false, ErrorMessage: message}
}

// routeToFailed records the failure as a single queue transition and
// escalates to skipped once the retry budget is exhausted.
func (orchestrator *Orchestrator) routeToFailed(documentID, message string) {
	operation := queue.OperationUpdate
	if orchestrator.repository.IsLocalID(documentID) {
		operation = queue.OperationCreate
	}
	attempts, err := orchestrator.queue.Fail(repository.EntityTypeDocument, documentID, operation, message)
	if err != nil {
		orchestrator.logError(opSyncDocument, "failed_move_failed", err, documentID)
		return
	}
	if attempts >= orchestrator.maxAttempts {
		if _, moveErr := orchestrator.queue.MoveFailedToSkipped(repository.EntityTypeDocument, documentID, reasonRetryBudgetExhausted); moveErr != nil {
			orchestrator.logError(opSyncDocument, "skip_move_failed", moveErr, documentID)
		} else {
			orchestrator.logger.Warn("document excluded from automatic retry",
				zap.String("document_id", documentID),
				zap.Int("attempts", attempts))
		}
	}
}

// routeToSkipped writes a skipped entry; the queue store clears any pending
// or failed entry for the document in the same step.
func (orchestrator *Orchestrator) routeToSkipped(documentID, reason string) {
	if err := orchestrator.queue.AddSkipped(repository.EntityTypeDocument, documentID, reason); err != nil {
		orchestrator.logError(opSyncDocument, "skip_move_failed", err, documentID)
	}
}

func (orchestrator *Orchestrator) clearQueued(documentID string) {
	if err := orchestrator.queue.Remove(repository.EntityTypeDocument, documentID); err != nil {
		orchestrator.logError(opSyncDocument, "pending_remove_failed", err, documentID)
	}
	if err := orchestrator.queue.RemoveFailed(repository.EntityTypeDocument, documentID); err != nil {
		orchestrator.logError(opSyncDocument, "failed_remove_failed", err, documentID)
	}
	if err := orchestrator.queue.RemoveSkipped(repository.EntityTypeDocument, documentID); err != nil {
		orchestrator.logError(opSyncDocument, "skipped_remove_failed", err, documentID)
	}
}

// remapDocument replaces a temporary local id with the server-assigned one in
// the document store, queues, cache, and remap ledger.
func (orchestrator *Orchestrator) remapDocument(localID, remoteID string) error {
	if err := orchestrator.repository.RecordRemap(localID, remoteID); err != nil {
		return fmt.Errorf("record remap: %w", err)
	}
	if err := orchestrator.queue.Rename(repository.EntityTypeDocument, localID, remoteID); err != nil {
		return fmt.Errorf("rename queue entries: %w", err)
	}
	orchestrator.documents.Rename(localID, remoteID)
	orchestrator.logger.Info("document id remapped",
		zap.String("local_id", localID),
		zap.String("remote_id", remoteID))
	return nil
}

func (orchestrator *Orchestrator) setSuccess(documentID string) {
	if err := orchestrator.documents.UpdateSyncState(documentID, document.SyncStatusSuccess, ""); err != nil {
		orchestrator.logError(opSyncDocument, "sync_state_failed", err, documentID)
	}
}

// isPermanentFailure reports whether retrying cannot help: the entity is gone
// remotely. Validation, conflict, and auth failures stay in the failed queue
// with the message surfaced; the retry budget caps them eventually.
func isPermanentFailure(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}

func (orchestrator *Orchestrator) logError(operation, reason string, err error, documentID string) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if documentID != "" {
		fields = append(fields, zap.String("document_id", documentID))
	}
	orchestrator.logger.Error("sync orchestrator error", fields...)
}
