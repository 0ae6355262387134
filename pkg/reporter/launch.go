package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/rpclient"
	"github.com/ethpandaops/reportoor/pkg/worker"
)

// launchState is the launch lifecycle state machine.
type launchState int

const (
	launchInitialized launchState = iota
	launchStarting
	launchLive
	launchFinishing
	launchFinished
)

func (s launchState) String() string {
	switch s {
	case launchInitialized:
		return "initialized"
	case launchStarting:
		return "starting"
	case launchLive:
		return "live"
	case launchFinishing:
		return "finishing"
	case launchFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// StartLaunch begins the remote launch. The remote identifier resolves
// asynchronously; callers that need it confirmed use WaitLaunch.
func (c *coordinator) StartLaunch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owner {
		return fmt.Errorf("follower process cannot start a launch")
	}

	switch c.state {
	case launchStarting, launchLive:
		// Already underway.
		return nil
	case launchInitialized:
	default:
		return fmt.Errorf("cannot start launch in state %s", c.state)
	}

	c.state = launchStarting

	c.client.StartLaunch(ctx, &rpclient.StartLaunchRequest{
		Name:        c.cfg.Launch.Name,
		Description: c.cfg.Launch.Description,
		Tags:        c.cfg.Launch.Tags,
		Mode:        c.cfg.Launch.Mode,
		StartTime:   time.Now(),
	})

	c.log.WithField("launch", c.cfg.Launch.Name).Info("Launch starting")

	return nil
}

// WaitLaunch blocks until the remote launch identifier is observed or
// the configured timeout elapses. The timeout is a hard bound: workers
// reporting against an unestablished launch would silently lose data,
// so expiry is fatal regardless of the error tolerance policy.
func (c *coordinator) WaitLaunch(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == launchLive {
		return nil
	}

	if state != launchStarting {
		return fmt.Errorf("cannot wait for launch in state %s", state)
	}

	deadline := time.Now().Add(c.cfg.LaunchWaitTimeout)
	ticker := time.NewTicker(config.DefaultLaunchWaitInterval)

	defer ticker.Stop()

	for {
		if id := c.client.LaunchID(); id != "" {
			c.mu.Lock()
			c.state = launchLive
			c.mu.Unlock()

			c.log.WithField("launch_id", id).Info("Launch live")

			return nil
		}

		if time.Now().After(deadline) {
			return ErrLaunchNotEstablished
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ensureLive makes sure the launch identifier is available before an
// item or log call references it. Under the permissive policy an
// unestablished launch degrades the pipeline to a no-op, logged once;
// under the strict policy it is fatal.
//
// Callers hold c.mu.
func (c *coordinator) ensureLive(ctx context.Context) (bool, error) {
	switch c.state {
	case launchLive:
		return true, nil
	case launchFinishing, launchFinished:
		return false, fmt.Errorf("launch already %s", c.state)
	case launchInitialized:
		return false, fmt.Errorf("launch not started")
	case launchStarting:
	}

	if c.degraded {
		return false, nil
	}

	// Poll without holding the lock: the start call resolves from
	// another goroutine.
	c.mu.Unlock()
	err := c.WaitLaunch(ctx)
	c.mu.Lock()

	if err == nil {
		return true, nil
	}

	if c.cfg.IgnoreErrors {
		c.log.WithError(err).
			Warn("Launch was never established, reporting disabled for the remainder of the run")

		c.degraded = true

		return false, nil
	}

	return false, err
}

// FinishLaunch flushes pending log batches, best-effort finishes any
// item still running (an aborted session must not leave a permanently
// running remote launch), and, on the owner, finishes the launch with
// the aggregate status: failed if any item failed, else passed.
func (c *coordinator) FinishLaunch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == launchFinished {
		return nil
	}

	c.state = launchFinishing

	if err := c.remoteErr("log", c.batcher.flushAll(ctx, c.client)); err != nil {
		return err
	}

	if err := c.finishRemaining(ctx); err != nil {
		return err
	}

	if c.owner {
		status := rpclient.StatusPassed
		if c.anyFailed {
			status = rpclient.StatusFailed
		}

		if !c.degraded && c.client.LaunchID() != "" {
			if err := c.remoteErr("finishLaunch",
				c.client.FinishLaunch(ctx, status, time.Now())); err != nil {
				return err
			}
		}

		c.log.WithField("status", status).Info("Launch finished")
	}

	c.state = launchFinished

	return nil
}

// finishRemaining finishes still-running items bottom-up, leaves first.
// Callers hold c.mu.
func (c *coordinator) finishRemaining(ctx context.Context) error {
	// Tests first so suite refcounts drain naturally.
	for i := len(c.running) - 1; i >= 0; i-- {
		n := c.running[i]
		if n.state != itemRunning {
			continue
		}

		c.log.WithField("item", n.key).Debug("Finishing item left running at session end")

		c.anyFailed = true

		for a := n.parent; a != nil; a = a.parent {
			a.failed = true
		}

		if err := c.finishNode(ctx, n, StatusFailed); err != nil {
			return err
		}
	}

	c.running = c.running[:0]

	// Any suites still active are drained deepest-first.
	for {
		var deepest *node

		for _, n := range c.nodes {
			if n.kind != rpclient.KindSuite || n.state != itemRunning {
				continue
			}

			if deepest == nil || n.depth > deepest.depth {
				deepest = n
			}
		}

		if deepest == nil {
			return nil
		}

		if err := c.finishSuiteNode(ctx, deepest); err != nil {
			return err
		}
	}
}

// Handle snapshots the live launch into a transferable worker handle,
// including the identifiers of suites already started so followers
// adopt them instead of starting duplicates.
func (c *coordinator) Handle() (*worker.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owner {
		return nil, fmt.Errorf("only the owner can issue worker handles")
	}

	id := c.client.LaunchID()
	if id == "" {
		return nil, ErrLaunchNotEstablished
	}

	suiteIDs := make(map[string]string, len(c.nodes))

	for key, n := range c.nodes {
		if n.kind == rpclient.KindSuite && n.state == itemRunning && n.id != "" {
			suiteIDs[key] = n.id
		}
	}

	return &worker.Handle{
		Endpoint:          c.cfg.Endpoint,
		Project:           c.cfg.Project,
		Token:             c.cfg.Token,
		LaunchID:          id,
		Mode:              c.cfg.Launch.Mode,
		LogBatchSize:      c.cfg.LogBatchSize,
		IgnoreErrors:      c.cfg.IgnoreErrors,
		IgnoredTags:       c.cfg.IgnoredTags,
		LaunchWaitTimeout: c.cfg.LaunchWaitTimeout,
		SuiteIDs:          suiteIDs,
	}, nil
}
