package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/inkwellhq/inkwell-sync/internal/document"
	"github.com/inkwellhq/inkwell-sync/internal/queue"
	"github.com/inkwellhq/inkwell-sync/internal/syncer"
	"go.uber.org/zap"
)

const (
	queueNamePending = "pending"
	queueNameFailed  = "failed"
	queueNameSkipped = "skipped"
)

var (
	errMissingDocumentStore = errors.New("document store dependency required")
	errMissingQueueStore    = errors.New("queue store dependency required")
	errMissingOrchestrator  = errors.New("orchestrator dependency required")
)

// SyncController is the orchestrator surface exposed over the control API.
type SyncController interface {
	SyncDocument(ctx context.Context, documentID string) syncer.SyncResult
	SyncAllDirtyDocuments(ctx context.Context) syncer.SyncSummary
	PendingSyncCount() int
	AutoSyncEnabled() bool
	SyncInterval() time.Duration
	SetAutoSync(enabled bool)
	SetSyncInterval(interval time.Duration)
}

// Dependencies bundles what the control API serves.
type Dependencies struct {
	Documents    *document.Store
	Queue        *queue.Store
	Orchestrator SyncController
	Logger       *zap.Logger
}

// NewHTTPHandler builds the local control API consumed by UI collaborators:
// sync status, queue inspection, manual sync triggers, and a server-sent
// event stream of sync state changes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Queue == nil {
		return nil, errMissingQueueStore
	}
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &controlHandler{
		documents:    deps.Documents,
		queue:        deps.Queue,
		orchestrator: deps.Orchestrator,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	router.POST("/sync", handler.handleSyncAll)
	router.POST("/sync/:id", handler.handleSyncDocument)
	router.GET("/queues/:name", handler.handleQueueItems)
	router.POST("/queues/:name/clear", handler.handleQueueClear)
	router.PUT("/settings/autosync", handler.handleAutoSyncSettings)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

type controlHandler struct {
	documents    *document.Store
	queue        *queue.Store
	orchestrator SyncController
	logger       *zap.Logger
}

func (handler *controlHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *controlHandler) handleStatus(c *gin.Context) {
	pendingSize, err := handler.queue.PendingSize()
	if err != nil {
		handler.storageError(c, err)
		return
	}
	failedSize, err := handler.queue.FailedSize()
	if err != nil {
		handler.storageError(c, err)
		return
	}
	skippedSize, err := handler.queue.SkippedSize()
	if err != nil {
		handler.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending_sync_count":    handler.orchestrator.PendingSyncCount(),
		"dirty_documents":       handler.documents.DirtyDocumentIDs(),
		"auto_sync":             handler.orchestrator.AutoSyncEnabled(),
		"sync_interval_seconds": int(handler.orchestrator.SyncInterval() / time.Second),
		"queue_sizes": gin.H{
			queueNamePending: pendingSize,
			queueNameFailed:  failedSize,
			queueNameSkipped: skippedSize,
		},
	})
}

func (handler *controlHandler) handleSyncAll(c *gin.Context) {
	summary := handler.orchestrator.SyncAllDirtyDocuments(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":      summary.Success,
		"synced_count": summary.SyncedCount,
		"failed_count": summary.FailedCount,
		"timestamp":    summary.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (handler *controlHandler) handleSyncDocument(c *gin.Context) {
	documentID := c.Param("id")
	result := handler.orchestrator.SyncDocument(c.Request.Context(), documentID)
	statusCode := http.StatusOK
	if !result.Success {
		statusCode = http.StatusBadGateway
	}
	c.JSON(statusCode, gin.H{
		"success":          result.Success,
		"documents_synced": result.DocumentsSynced,
		"error_message":    result.ErrorMessage,
	})
}

func (handler *controlHandler) handleQueueItems(c *gin.Context) {
	switch c.Param("name") {
	case queueNamePending:
		items, err := handler.queue.PendingItems()
		if err != nil {
			handler.storageError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	case queueNameFailed:
		items, err := handler.queue.FailedItems()
		if err != nil {
			handler.storageError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	case queueNameSkipped:
		items, err := handler.queue.SkippedItems()
		if err != nil {
			handler.storageError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue"})
	}
}

func (handler *controlHandler) handleQueueClear(c *gin.Context) {
	var err error
	switch c.Param("name") {
	case queueNamePending:
		err = handler.queue.ClearPending()
	case queueNameFailed:
		err = handler.queue.ClearFailed()
	case queueNameSkipped:
		err = handler.queue.ClearSkipped()
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue"})
		return
	}
	if err != nil {
		handler.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": c.Param("name")})
}

type autoSyncSettingsRequest struct {
	Enabled         *bool `json:"enabled"`
	IntervalSeconds int   `json:"interval_seconds"`
}

func (handler *controlHandler) handleAutoSyncSettings(c *gin.Context) {
	var request autoSyncSettingsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}
	if request.IntervalSeconds > 0 {
		handler.orchestrator.SetSyncInterval(time.Duration(request.IntervalSeconds) * time.Second)
	}
	if request.Enabled != nil {
		handler.orchestrator.SetAutoSync(*request.Enabled)
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type syncStateEvent struct {
	DocumentID   string `json:"document_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ChangedAt    string `json:"changed_at"`
}

// handleEvents streams sync state transitions as server-sent events. New
// subscribers only see transitions that happen after they connect.
func (handler *controlHandler) handleEvents(c *gin.Context) {
	stream, cancel := handler.documents.SyncStateChanges(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case state, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("sync-state", syncStateEvent{
				DocumentID:   state.DocumentID,
				Status:       string(state.Status),
				ErrorMessage: state.ErrorMessage,
				ChangedAt:    state.ChangedAt.UTC().Format(time.RFC3339),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (handler *controlHandler) storageError(c *gin.Context, err error) {
	handler.logger.Error("control api storage error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
}
