package store

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newLaunch(uuid string) *Launch {
	return &Launch{
		UUID:      uuid,
		Project:   "proj",
		Name:      "nightly",
		Mode:      "DEFAULT",
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
}

func TestStore_LaunchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLaunch(ctx, newLaunch("launch-1")))

	launch, err := s.GetLaunch(ctx, "launch-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, launch.Status)
	assert.Nil(t, launch.EndTime)

	end := time.Now()
	require.NoError(t, s.FinishLaunch(ctx, "launch-1", StatusFailed, end))

	launch, err = s.GetLaunch(ctx, "launch-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, launch.Status)
	require.NotNil(t, launch.EndTime)
}

func TestStore_GetLaunchNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetLaunch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishLaunch(context.Background(), "missing", StatusPassed, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLaunch(ctx, newLaunch("launch-1")))

	suite := &Item{
		UUID:       "item-1",
		LaunchUUID: "launch-1",
		Name:       "pkg",
		Kind:       "suite",
		Path:       "pkg",
		Status:     StatusRunning,
		StartTime:  time.Now(),
	}
	test := &Item{
		UUID:       "item-2",
		LaunchUUID: "launch-1",
		ParentUUID: "item-1",
		Name:       "case",
		Kind:       "test",
		Path:       "pkg::case",
		Status:     StatusRunning,
		StartTime:  time.Now(),
	}

	require.NoError(t, s.CreateItem(ctx, suite))
	require.NoError(t, s.CreateItem(ctx, test))

	got, err := s.GetItem(ctx, "item-2")
	require.NoError(t, err)
	assert.Equal(t, "item-1", got.ParentUUID)

	require.NoError(t, s.FinishItem(ctx, "item-2", StatusPassed, time.Now()))

	got, err = s.GetItem(ctx, "item-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, got.Status)

	items, err := s.ListItems(ctx, "launch-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-1", items[0].UUID)
	assert.Equal(t, "item-2", items[1].UUID)
}

func TestStore_FindItemByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLaunch(ctx, newLaunch("launch-1")))

	require.NoError(t, s.CreateItem(ctx, &Item{
		UUID: "item-1", LaunchUUID: "launch-1", Name: "pkg", Kind: "suite",
		Path: "pkg", Status: StatusRunning, StartTime: time.Now(),
	}))

	got, err := s.FindItemByPath(ctx, "launch-1", "pkg")
	require.NoError(t, err)
	assert.Equal(t, "item-1", got.UUID)

	_, err = s.FindItemByPath(ctx, "launch-1", "other")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindItemByPath(ctx, "other-launch", "pkg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FindItemByPathReturnsLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLaunch(ctx, newLaunch("launch-1")))

	// The same path can recur when it is re-entered after finishing.
	require.NoError(t, s.CreateItem(ctx, &Item{
		UUID: "item-old", LaunchUUID: "launch-1", Name: "pkg", Kind: "suite",
		Path: "pkg", Status: StatusPassed, StartTime: time.Now(),
	}))
	require.NoError(t, s.CreateItem(ctx, &Item{
		UUID: "item-new", LaunchUUID: "launch-1", Name: "pkg", Kind: "suite",
		Path: "pkg", Status: StatusRunning, StartTime: time.Now(),
	}))

	got, err := s.FindItemByPath(ctx, "launch-1", "pkg")
	require.NoError(t, err)
	assert.Equal(t, "item-new", got.UUID)
}

func TestStore_Logs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLogs(ctx, []LogEntry{
		{ItemUUID: "item-1", LaunchUUID: "launch-1", Level: "info", Message: "first", Time: time.Now()},
		{ItemUUID: "item-1", LaunchUUID: "launch-1", Level: "error", Message: "second", Time: time.Now()},
	}))

	// Empty batches are accepted.
	require.NoError(t, s.InsertLogs(ctx, nil))

	logs, err := s.ListLogs(ctx, "launch-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
}

func TestStore_ArchiveBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLaunch(ctx, newLaunch("running")))
	require.NoError(t, s.CreateLaunch(ctx, newLaunch("finished")))
	require.NoError(t, s.CreateLaunch(ctx, newLaunch("archived")))

	require.NoError(t, s.FinishLaunch(ctx, "finished", StatusPassed, time.Now()))
	require.NoError(t, s.FinishLaunch(ctx, "archived", StatusPassed, time.Now()))
	require.NoError(t, s.MarkArchived(ctx, "archived", time.Now()))

	launches, err := s.ListUnarchivedFinished(ctx)
	require.NoError(t, err)
	require.Len(t, launches, 1)
	assert.Equal(t, "finished", launches[0].UUID)

	err = s.MarkArchived(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
