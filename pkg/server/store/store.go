// Package store provides persistence for the development report
// backend: launches, items and log entries.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a launch or item does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for reported launches, items and logs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateLaunch(ctx context.Context, launch *Launch) error
	FinishLaunch(ctx context.Context, uuid, status string, endTime time.Time) error
	GetLaunch(ctx context.Context, uuid string) (*Launch, error)

	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, uuid string) (*Item, error)
	FinishItem(ctx context.Context, uuid, status string, endTime time.Time) error
	FindItemByPath(ctx context.Context, launchUUID, path string) (*Item, error)
	ListItems(ctx context.Context, launchUUID string) ([]Item, error)

	InsertLogs(ctx context.Context, entries []LogEntry) error
	ListLogs(ctx context.Context, launchUUID string) ([]LogEntry, error)

	ListUnarchivedFinished(ctx context.Context) ([]Launch, error)
	MarkArchived(ctx context.Context, uuid string, at time.Time) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		pg := s.cfg.Postgres
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unknown database driver %q", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := db.WithContext(ctx).AutoMigrate(
		&Launch{}, &Item{}, &LogEntry{},
	); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Store started")

	return nil
}

// Stop closes the database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting database handle: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	return nil
}

// CreateLaunch inserts a new running launch.
func (s *store) CreateLaunch(ctx context.Context, launch *Launch) error {
	if err := s.db.WithContext(ctx).Create(launch).Error; err != nil {
		return fmt.Errorf("creating launch: %w", err)
	}

	return nil
}

// FinishLaunch marks the launch finished with the given status.
func (s *store) FinishLaunch(ctx context.Context, uuid, status string, endTime time.Time) error {
	res := s.db.WithContext(ctx).Model(&Launch{}).
		Where("uuid = ?", uuid).
		Updates(map[string]any{"status": status, "end_time": endTime})
	if res.Error != nil {
		return fmt.Errorf("finishing launch: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetLaunch returns the launch with the given UUID.
func (s *store) GetLaunch(ctx context.Context, uuid string) (*Launch, error) {
	var launch Launch

	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&launch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting launch: %w", err)
	}

	return &launch, nil
}

// CreateItem inserts a new running item.
func (s *store) CreateItem(ctx context.Context, item *Item) error {
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("creating item: %w", err)
	}

	return nil
}

// GetItem returns the item with the given UUID.
func (s *store) GetItem(ctx context.Context, uuid string) (*Item, error) {
	var item Item

	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting item: %w", err)
	}

	return &item, nil
}

// FinishItem marks the item finished with the given status.
func (s *store) FinishItem(ctx context.Context, uuid, status string, endTime time.Time) error {
	res := s.db.WithContext(ctx).Model(&Item{}).
		Where("uuid = ?", uuid).
		Updates(map[string]any{"status": status, "end_time": endTime})
	if res.Error != nil {
		return fmt.Errorf("finishing item: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// FindItemByPath returns the newest item with the given hierarchy path
// within a launch. A path can recur when it is re-entered after
// finishing; followers must adopt the latest incarnation.
func (s *store) FindItemByPath(ctx context.Context, launchUUID, path string) (*Item, error) {
	var item Item

	err := s.db.WithContext(ctx).
		Where("launch_uuid = ? AND path = ?", launchUUID, path).
		Order("id DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("finding item by path: %w", err)
	}

	return &item, nil
}

// ListItems returns all items of a launch in creation order.
func (s *store) ListItems(ctx context.Context, launchUUID string) ([]Item, error) {
	var items []Item

	err := s.db.WithContext(ctx).
		Where("launch_uuid = ?", launchUUID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	return items, nil
}

// InsertLogs inserts a batch of log entries.
func (s *store) InsertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("inserting logs: %w", err)
	}

	return nil
}

// ListLogs returns all log entries of a launch in insertion order.
func (s *store) ListLogs(ctx context.Context, launchUUID string) ([]LogEntry, error) {
	var entries []LogEntry

	err := s.db.WithContext(ctx).
		Where("launch_uuid = ?", launchUUID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}

	return entries, nil
}

// ListUnarchivedFinished returns finished launches that have not been
// archived yet.
func (s *store) ListUnarchivedFinished(ctx context.Context) ([]Launch, error) {
	var launches []Launch

	err := s.db.WithContext(ctx).
		Where("status <> ? AND archived_at IS NULL", StatusRunning).
		Order("id ASC").
		Find(&launches).Error
	if err != nil {
		return nil, fmt.Errorf("listing unarchived launches: %w", err)
	}

	return launches, nil
}

// MarkArchived records the archive timestamp for a launch.
func (s *store) MarkArchived(ctx context.Context, uuid string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Launch{}).
		Where("uuid = ?", uuid).
		Update("archived_at", at)
	if res.Error != nil {
		return fmt.Errorf("marking launch archived: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
