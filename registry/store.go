package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gormerrors "errors"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// shareRow is the GORM model backing ShareRecord; BusID is the primary key
// since a bus id is only ever shared once at a time.
type shareRow struct {
	BusID        string `gorm:"primaryKey"`
	GUID         string `gorm:"uniqueIndex"`
	FriendlyName string
}

func (shareRow) TableName() string { return "shares" }

// GORMStore persists ShareRecords via GORM, defaulting to a local SQLite
// file the way dittofs's controlplane store does, modeled the same way
// down to the WAL/busy_timeout pragmas for concurrent CLI + server access.
type GORMStore struct {
	db *gorm.DB
}

// NewGORMStore opens (creating if absent) a SQLite-backed share store at path.
func NewGORMStore(path string) (*GORMStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.AutoMigrate(&shareRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	return &GORMStore{db: db}, nil
}

func (s *GORMStore) Create(ctx context.Context, rec ShareRecord) error {
	row := shareRow{BusID: rec.BusID, GUID: rec.GUID, FriendlyName: rec.FriendlyName}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrAlreadyShared
		}
		return err
	}
	return nil
}

func (s *GORMStore) Delete(ctx context.Context, busID string) error {
	result := s.db.WithContext(ctx).Delete(&shareRow{}, "bus_id = ?", busID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrShareNotFound
	}
	return nil
}

func (s *GORMStore) Get(ctx context.Context, busID string) (*ShareRecord, error) {
	var row shareRow
	err := s.db.WithContext(ctx).Where("bus_id = ?", busID).First(&row).Error
	if gormerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := ShareRecord{BusID: row.BusID, GUID: row.GUID, FriendlyName: row.FriendlyName}
	return &rec, nil
}

func (s *GORMStore) List(ctx context.Context) ([]ShareRecord, error) {
	var rows []shareRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ShareRecord, len(rows))
	for i, row := range rows {
		out[i] = ShareRecord{BusID: row.BusID, GUID: row.GUID, FriendlyName: row.FriendlyName}
	}
	return out, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
