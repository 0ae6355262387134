// Package rpclient implements the HTTP client for the remote report
// backend. It speaks a ReportPortal-style REST surface: launches,
// hierarchical items and batched log records.
package rpclient

import (
	"context"
	"time"
)

// Item kinds understood by the backend.
const (
	KindSuite = "suite"
	KindTest  = "test"
)

// Statuses understood by the backend.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// StartLaunchRequest describes the launch to create.
type StartLaunchRequest struct {
	Name        string
	Description string
	Tags        []string
	Mode        string
	StartTime   time.Time
}

// StartItemRequest describes a suite or test item to start.
type StartItemRequest struct {
	Name      string
	Kind      string
	Path      string
	Tags      []string
	StartTime time.Time
}

// LogRecord is a single log line attached to an item.
type LogRecord struct {
	Time    time.Time
	Level   string
	Message string
}

// Client reports launches, items and log batches to the remote backend.
//
// StartLaunch is asynchronous: the remote launch identifier becomes
// visible through LaunchID once the backend has confirmed the launch.
// Callers that need the identifier poll LaunchID with their own bound.
type Client interface {
	// StartLaunch issues the start-launch call in the background.
	StartLaunch(ctx context.Context, req *StartLaunchRequest)

	// LaunchID returns the remote launch identifier, or "" while the
	// start-launch call is still in flight (or has failed).
	LaunchID() string

	// SetLaunchID installs an already-established launch identifier.
	// Used by follower processes that join an existing launch.
	SetLaunchID(id string)

	// FinishLaunch finishes the launch with the given aggregate status.
	FinishLaunch(ctx context.Context, status string, endTime time.Time) error

	// StartItem starts a suite or test item. An empty parentID starts
	// the item directly under the launch root. Returns the remote item
	// identifier.
	StartItem(ctx context.Context, parentID string, req *StartItemRequest) (string, error)

	// FinishItem finishes the item with the given status.
	FinishItem(ctx context.Context, itemID, status string, endTime time.Time) error

	// Log delivers one batch of log records for a single item. Record
	// order within the batch is preserved.
	Log(ctx context.Context, itemID string, records []LogRecord) error

	// FindItem looks up an already-started item by hierarchy path
	// within the launch. Returns "" without error when no such item
	// exists. Used by followers to adopt suites started elsewhere.
	FindItem(ctx context.Context, path string) (string, error)

	// Close releases transport resources.
	Close() error
}
