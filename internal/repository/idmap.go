package repository

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidRemap indicates an unusable local/remote id pair.
var ErrInvalidRemap = errors.New("repository: invalid id remap")

// RemapRecord persists one temporary-local-id to server-assigned-id mapping.
type RemapRecord struct {
	LocalID          string `gorm:"column:local_id;primaryKey;size:190;not null"`
	RemoteID         string `gorm:"column:remote_id;size:190;not null;index:idx_remap_remote"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RemapRecord) TableName() string {
	return "document_id_remaps"
}

// LedgerConfig describes the dependencies required for id remap resolution.
type LedgerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Ledger records which server-assigned ids superseded temporary local ids, so
// stale references created while offline keep resolving after reconciliation.
type Ledger struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewLedger constructs the ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("repository: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Record persists a local-to-remote id mapping. Idempotent for the same pair.
func (ledger *Ledger) Record(localID, remoteID string) error {
	if localID == "" || remoteID == "" || localID == remoteID {
		return ErrInvalidRemap
	}
	record := RemapRecord{
		LocalID:          localID,
		RemoteID:         remoteID,
		CreatedAtSeconds: ledger.now().UTC().Unix(),
	}
	err := ledger.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "local_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"remote_id"}),
	}).Create(&record).Error
	if err != nil {
		return err
	}
	ledger.cache.Store(localID, remoteID)
	return nil
}

// Resolve returns the server-assigned id for a (possibly temporary) document
// id. Unmapped ids resolve to themselves.
func (ledger *Ledger) Resolve(documentID string) (string, error) {
	if documentID == "" {
		return "", ErrInvalidRemap
	}
	if cached, ok := ledger.cache.Load(documentID); ok {
		if remoteID, ok := cached.(string); ok {
			return remoteID, nil
		}
	}

	var record RemapRecord
	err := ledger.db.Where("local_id = ?", documentID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return documentID, nil
	}
	if err != nil {
		return "", err
	}
	ledger.cache.Store(documentID, record.RemoteID)
	return record.RemoteID, nil
}
