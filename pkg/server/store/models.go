package store

import "time"

// Launch statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Launch is one reported test run, root of the item hierarchy.
type Launch struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	UUID        string     `gorm:"uniqueIndex;not null" json:"uuid"`
	Project     string     `gorm:"index;not null" json:"project"`
	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description,omitempty"`
	Tags        string     `json:"tags,omitempty"`
	Mode        string     `gorm:"not null" json:"mode"`
	Status      string     `gorm:"not null;index" json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	ArchivedAt  *time.Time `gorm:"index" json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Item is a suite or test node within a launch.
type Item struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	UUID       string     `gorm:"uniqueIndex;not null" json:"uuid"`
	LaunchUUID string     `gorm:"index:idx_items_launch_path,priority:1;not null" json:"launch_uuid"`
	ParentUUID string     `gorm:"index" json:"parent_uuid,omitempty"`
	Name       string     `gorm:"not null" json:"name"`
	Kind       string     `gorm:"not null" json:"kind"`
	Path       string     `gorm:"index:idx_items_launch_path,priority:2;not null" json:"path"`
	Tags       string     `json:"tags,omitempty"`
	Status     string     `gorm:"not null" json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LogEntry is one log record attached to an item.
type LogEntry struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	ItemUUID   string    `gorm:"index;not null" json:"item_uuid"`
	LaunchUUID string    `gorm:"index;not null" json:"launch_uuid"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}
