// Package server implements the development report backend: the REST
// surface the report client speaks, persisted through the store, with
// optional archive export of finished launches.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/server/archive"
	"github.com/ethpandaops/reportoor/pkg/server/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the report backend HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.ServerConfig
	store       store.Store
	archiver    archive.Archiver
	tokenHashes [][]byte
	httpServer  *http.Server
}

// NewServer creates a new report backend server.
func NewServer(log logrus.FieldLogger, cfg *config.ServerConfig) Server {
	return &server{
		log: log.WithField("component", "server"),
		cfg: cfg,
	}
}

// Start opens the store, prepares auth and archiving, and starts the
// HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if s.cfg.Auth.Enabled {
		if err := s.hashTokens(); err != nil {
			return fmt.Errorf("preparing auth tokens: %w", err)
		}

		s.log.WithField("tokens", len(s.tokenHashes)).Info("Bearer token auth enabled")
	}

	if a := s.cfg.Archive; a != nil && a.Enabled {
		writer, err := s.buildArchiveWriter()
		if err != nil {
			return fmt.Errorf("building archive writer: %w", err)
		}

		s.archiver = archive.NewArchiver(s.log, a, s.store, writer)
		if err := s.archiver.Start(ctx); err != nil {
			return fmt.Errorf("starting archiver: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("listen", s.cfg.Listen).Info("HTTP server starting")

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()

	return nil
}

// Stop shuts down the HTTP server, the archiver and the store.
func (s *server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown failed")
		}
	}

	if s.archiver != nil {
		if err := s.archiver.Stop(); err != nil {
			s.log.WithError(err).Warn("Archiver shutdown failed")
		}
	}

	if err := s.store.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	s.log.Info("Server stopped")

	return nil
}

// hashTokens derives bcrypt hashes for the configured bearer tokens so
// plaintext tokens never sit in server memory past startup.
func (s *server) hashTokens() error {
	s.tokenHashes = make([][]byte, 0, len(s.cfg.Auth.Tokens))

	for _, token := range s.cfg.Auth.Tokens {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing token: %w", err)
		}

		s.tokenHashes = append(s.tokenHashes, hash)
	}

	return nil
}

// buildArchiveWriter selects the configured archive backend.
func (s *server) buildArchiveWriter() (archive.Writer, error) {
	a := s.cfg.Archive

	if a.S3 != nil {
		return archive.NewS3Writer(s.log, a.S3)
	}

	return archive.NewLocalWriter(s.log, a.Local)
}
