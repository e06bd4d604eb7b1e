package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// IdentityRow is an enrolled subject known to the stub authority.
type IdentityRow struct {
	UserID      int64  `gorm:"primaryKey;autoIncrement:false"`
	ExternalID  string `gorm:"size:32;index"`
	DisplayName string `gorm:"size:128"`
	Role        string `gorm:"size:32"`
	Template    []byte
	Quality     int
	Slot        int
	UpdatedAt   time.Time
}

func (IdentityRow) TableName() string { return "identities" }

// EventRow is an event accepted from a device.
type EventRow struct {
	EventID    string `gorm:"primaryKey;size:64"`
	DeviceID   string `gorm:"size:64;index"`
	Type       string `gorm:"size:64;index"`
	Attempts   int
	Data       []byte
	EnqueuedAt time.Time
	ReceivedAt time.Time
}

func (EventRow) TableName() string { return "events" }

// SyncRow records one full-sync request.
type SyncRow struct {
	ID                  uint   `gorm:"primaryKey"`
	DeviceID            string `gorm:"size:64;index"`
	CurrentFingerprints int
	FirmwareVersion     string `gorm:"size:32"`
	LastSync            int64
	At                  time.Time
}

func (SyncRow) TableName() string { return "syncs" }

// Ledger is the stub authority's database.
type Ledger struct {
	db *gorm.DB
}

// OpenLedger opens (creating if needed) the ledger at dsn and migrates it.
// Use "file::memory:?cache=shared" style DSNs for throwaway ledgers.
func OpenLedger(dsn string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.AutoMigrate(&IdentityRow{}, &EventRow{}, &SyncRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PutIdentity inserts or replaces an identity.
func (l *Ledger) PutIdentity(ctx context.Context, row IdentityRow) error {
	return l.db.WithContext(ctx).Save(&row).Error
}

// DeleteIdentity removes an identity. Missing identities are ignored.
func (l *Ledger) DeleteIdentity(ctx context.Context, userID int64) error {
	return l.db.WithContext(ctx).Delete(&IdentityRow{}, "user_id = ?", userID).Error
}

// Identities returns all identities ordered by user id.
func (l *Ledger) Identities(ctx context.Context) ([]IdentityRow, error) {
	var rows []IdentityRow
	err := l.db.WithContext(ctx).Order("user_id").Find(&rows).Error
	return rows, err
}

// RecordEvent stores ev unless an event with the same id exists.
// Returns true when ev was a redelivery.
func (l *Ledger) RecordEvent(ctx context.Context, ev EventRow) (bool, error) {
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

// Event returns the event with id.
func (l *Ledger) Event(ctx context.Context, id string) (EventRow, bool, error) {
	var row EventRow
	err := l.db.WithContext(ctx).First(&row, "event_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EventRow{}, false, nil
	}
	return row, err == nil, err
}

// Events returns accepted events in arrival order, optionally filtered by type.
func (l *Ledger) Events(ctx context.Context, eventType string) ([]EventRow, error) {
	q := l.db.WithContext(ctx).Order("received_at, event_id")
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var rows []EventRow
	err := q.Find(&rows).Error
	return rows, err
}

// RecordSync logs a sync request.
func (l *Ledger) RecordSync(ctx context.Context, row SyncRow) error {
	return l.db.WithContext(ctx).Create(&row).Error
}

// Syncs returns the number of sync requests seen for deviceID.
func (l *Ledger) Syncs(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&SyncRow{}).Where("device_id = ?", deviceID).Count(&n).Error
	return n, err
}
