// Package archive exports finished launches as JSON documents to local
// disk or S3-compatible storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/server/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Archiver is a background service that periodically scans the store
// for finished launches and writes their archive documents.
type Archiver interface {
	Start(ctx context.Context) error
	Stop() error
}

// Writer persists one archive document under a key.
type Writer interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Document is the archived form of a launch.
type Document struct {
	Launch store.Launch     `json:"launch"`
	Items  []store.Item     `json:"items"`
	Logs   []store.LogEntry `json:"logs"`
}

// Compile-time interface check.
var _ Archiver = (*archiver)(nil)

type archiver struct {
	log    logrus.FieldLogger
	cfg    *config.ArchiveConfig
	store  store.Store
	writer Writer
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewArchiver creates a new background archiver.
func NewArchiver(
	log logrus.FieldLogger,
	cfg *config.ArchiveConfig,
	st store.Store,
	writer Writer,
) Archiver {
	return &archiver{
		log:    log.WithField("component", "archiver"),
		cfg:    cfg,
		store:  st,
		writer: writer,
		done:   make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate archive
// pass and then ticks at the configured interval.
func (a *archiver) Start(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"interval":    a.cfg.Interval.String(),
		"concurrency": a.cfg.Concurrency,
	}).Info("Starting archiver")

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		a.runPass(ctx)

		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.runPass(ctx)
			case <-a.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the archiver goroutine to stop and waits for it.
func (a *archiver) Stop() error {
	close(a.done)
	a.wg.Wait()

	a.log.Info("Archiver stopped")

	return nil
}

// runPass archives all finished, not-yet-archived launches, bounded to
// the configured concurrency.
func (a *archiver) runPass(ctx context.Context) {
	start := time.Now()

	launches, err := a.store.ListUnarchivedFinished(ctx)
	if err != nil {
		a.log.WithError(err).Warn("Failed to list launches for archiving")

		return
	}

	if len(launches) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for i := range launches {
		launch := launches[i]

		g.Go(func() error {
			if err := a.archiveLaunch(gctx, &launch); err != nil {
				a.log.WithError(err).WithField("launch", launch.UUID).
					Warn("Failed to archive launch")
			}

			return nil
		})
	}

	_ = g.Wait()

	a.log.WithFields(logrus.Fields{
		"launches": len(launches),
		"duration": time.Since(start).String(),
	}).Info("Archive pass completed")
}

// archiveLaunch writes one launch document and marks it archived.
func (a *archiver) archiveLaunch(ctx context.Context, launch *store.Launch) error {
	items, err := a.store.ListItems(ctx, launch.UUID)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	logs, err := a.store.ListLogs(ctx, launch.UUID)
	if err != nil {
		return fmt.Errorf("listing logs: %w", err)
	}

	doc := &Document{
		Launch: *launch,
		Items:  items,
		Logs:   logs,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding archive document: %w", err)
	}

	key := fmt.Sprintf("%s/%s.json", launch.StartTime.UTC().Format("2006-01-02"), launch.UUID)

	if err := a.writer.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("writing archive document: %w", err)
	}

	if err := a.store.MarkArchived(ctx, launch.UUID, time.Now()); err != nil {
		return fmt.Errorf("marking archived: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"launch": launch.UUID,
		"key":    key,
	}).Debug("Launch archived")

	return nil
}
