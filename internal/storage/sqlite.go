package storage

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry models one persisted key/value pair.
type Entry struct {
	Key   string `gorm:"column:key;primaryKey;size:512;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

const queryKeyLike = `key LIKE ? ESCAPE '\'`

// SQLStore implements KeyValue on top of a GORM-managed SQLite database.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps the provided database handle. The schema must already be
// migrated (see the database package).
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: database handle is required")
	}
	return &SQLStore{db: db}, nil
}

// Get returns the stored value for key, or ErrNotFound.
func (store *SQLStore) Get(key string) (string, error) {
	var entry Entry
	err := store.db.Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: get %q: %w", key, err)
	}
	return entry.Value, nil
}

// Set upserts the value under key.
func (store *SQLStore) Set(key, value string) error {
	entry := Entry{Key: key, Value: value}
	err := store.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

// Remove deletes the key; absent keys are a no-op.
func (store *SQLStore) Remove(key string) error {
	if err := store.db.Where("key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("storage: remove %q: %w", key, err)
	}
	return nil
}

// Clear deletes every key beginning with prefix.
func (store *SQLStore) Clear(prefix string) error {
	if err := store.db.Where(queryKeyLike, likePattern(prefix)).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("storage: clear %q: %w", prefix, err)
	}
	return nil
}

// KeysByPrefix returns all stored keys beginning with prefix.
func (store *SQLStore) KeysByPrefix(prefix string) ([]string, error) {
	var keys []string
	err := store.db.Model(&Entry{}).
		Where(queryKeyLike, likePattern(prefix)).
		Order("key ASC").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("storage: keys by prefix %q: %w", prefix, err)
	}
	return keys, nil
}

func likePattern(prefix string) string {
	escaped := ""
	for _, character := range prefix {
		switch character {
		case '%', '_', '\\':
			escaped += `\` + string(character)
		default:
			escaped += string(character)
		}
	}
	return escaped + "%"
}
