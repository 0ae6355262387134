package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/engine"
	"github.com/ethpandaops/reportoor/pkg/listener"
	"github.com/ethpandaops/reportoor/pkg/reporter"
	"github.com/ethpandaops/reportoor/pkg/rpclient"
	"github.com/ethpandaops/reportoor/pkg/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runInput      string
	runLaunchTags []string
	runHandleFile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Report a go test -json stream",
	Long: `Consume a "go test -json" event stream from stdin or a file and
report it to the configured remote backend as one launch. A process
started with a worker handle in its environment joins the owning
process's launch instead of creating its own.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runInput, "input", "-",
		"event stream source: a file path, or - for stdin")
	runCmd.Flags().StringSliceVar(&runLaunchTags, "tag", nil,
		"additional launch tag (can be repeated)")
	runCmd.Flags().StringVar(&runHandleFile, "handle-file", "",
		"wait for the launch to be established, then write a worker handle to this file")
}

func runReport(cmd *cobra.Command, args []string) error {
	// Setup context with signal handling. An interrupted run still
	// finishes the launch best-effort.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	coord, err := buildCoordinator()
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := coord.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to close coordinator")
		}
	}()

	if runHandleFile != "" {
		if coord.Owner() && coord.Enabled() {
			if err := coord.StartLaunch(ctx); err != nil {
				return fmt.Errorf("starting launch: %w", err)
			}

			if err := writeHandleFile(ctx, coord, runHandleFile); err != nil {
				return err
			}
		} else {
			log.Warn("Ignoring --handle-file: reporting is disabled or running as worker")
		}
	}

	lst := listener.New(log, coord, listenerConfig())

	input, closer, err := openInput(runInput)
	if err != nil {
		return err
	}

	defer closer()

	stream := engine.NewStream(log, lst)

	if err := stream.Run(ctx, input); err != nil {
		if errors.Is(err, reporter.ErrLaunchNotEstablished) {
			return fmt.Errorf("reporting aborted: %w", err)
		}

		return fmt.Errorf("reporting run: %w", err)
	}

	return nil
}

// buildCoordinator wires the owner or follower coordinator depending
// on whether a worker handle is present in the environment.
func buildCoordinator() (reporter.Coordinator, error) {
	handle, err := worker.FromEnv()
	if err != nil {
		return nil, err
	}

	if handle != nil {
		log.WithField("launch_id", handle.LaunchID).Info("Joining launch as worker")

		client := rpclient.New(log, &rpclient.Config{
			Endpoint: handle.Endpoint,
			Project:  handle.Project,
			Token:    handle.Token,
		})

		reporterCfg.IgnoredTags = handle.IgnoredTags

		return reporter.Attach(log, handle, client), nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Reporter.Launch.Tags = append(cfg.Reporter.Launch.Tags, runLaunchTags...)

	var client rpclient.Client
	if cfg.Reporter.Complete() {
		client = rpclient.New(log, &rpclient.Config{
			Endpoint:          cfg.Reporter.Endpoint,
			Project:           cfg.Reporter.Project,
			Token:             cfg.Reporter.Token,
			RequestsPerSecond: cfg.Reporter.RequestsPerSecond,
		})
	}

	coord := reporter.New(log, &cfg.Reporter, client)

	reporterCfg = cfg.Reporter

	return coord, nil
}

// reporterCfg keeps the owner's resolved reporter configuration for
// the listener wiring; followers derive theirs from the handle.
var reporterCfg config.ReporterConfig

// listenerConfig resolves the listener's log-level filter and ignored
// tags.
func listenerConfig() *listener.Config {
	level, err := logrus.ParseLevel(reporterCfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	return &listener.Config{
		LogLevel:    level,
		IgnoredTags: reporterCfg.IgnoredTags,
	}
}

// openInput opens the event stream source.
func openInput(source string) (io.Reader, func(), error) {
	if source == "-" || source == "" {
		return os.Stdin, func() {}, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input %s: %w", source, err)
	}

	return f, func() { _ = f.Close() }, nil
}

// writeHandleFile waits for the launch to be established and writes an
// encoded worker handle, so worker processes can be spawned with
// REPORTOOR_WORKER_HANDLE set to its contents.
func writeHandleFile(ctx context.Context, coord reporter.Coordinator, path string) error {
	if err := coord.WaitLaunch(ctx); err != nil {
		return err
	}

	handle, err := coord.Handle()
	if err != nil {
		return fmt.Errorf("building worker handle: %w", err)
	}

	encoded, err := worker.Encode(handle)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return fmt.Errorf("writing handle file: %w", err)
	}

	log.WithField("path", path).Info("Worker handle written")

	return nil
}
