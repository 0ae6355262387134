package reporter

import (
	"context"
	"time"

	"github.com/ethpandaops/reportoor/pkg/rpclient"
	"github.com/sirupsen/logrus"
)

// itemState is the per-item sub-state-machine.
type itemState int

const (
	itemRunning itemState = iota
	itemFinished
)

// node is an active report item: a suite or a test case. Finished
// nodes are evicted from the coordinator map, so a path that is
// re-entered after finishing becomes a distinct item with a fresh
// remote identifier.
type node struct {
	key    string
	name   string
	kind   string
	id     string
	parent *node
	depth  int
	state  itemState

	// activeChildren counts running children; a suite finish is
	// deferred until it reaches zero.
	activeChildren int

	// pendingFinish marks a suite whose finish event arrived while
	// children were still running.
	pendingFinish bool

	// failed aggregates descendant failures into the suite status.
	failed bool

	// adopted suites were started by another process; this process
	// reports into them but never finishes them.
	adopted bool

	// degraded items failed to start remotely under the permissive
	// policy. Their finish events and logs are accepted and dropped so
	// the local tree stays consistent with the real run.
	degraded bool
}

// resolveSuites walks the hierarchy path root-first, starting every
// suite not yet running, and returns the innermost suite node (nil for
// a root-level test).
//
// Callers hold c.mu.
func (c *coordinator) resolveSuites(ctx context.Context, path Path) (*node, error) {
	var parent *node

	for i := range path {
		key := Path(path[:i+1]).Key()

		if n, ok := c.nodes[key]; ok {
			parent = n

			continue
		}

		n := &node{
			key:    key,
			name:   path[i],
			kind:   rpclient.KindSuite,
			parent: parent,
			depth:  i,
			state:  itemRunning,
		}

		if err := c.startSuiteRemote(ctx, n); err != nil {
			return nil, err
		}

		c.nodes[key] = n

		if parent != nil {
			parent.activeChildren++
		}

		parent = n
	}

	return parent, nil
}

// startSuiteRemote assigns the suite's remote identifier: adopting an
// identifier started by another process when one exists, otherwise
// issuing a start-item call. Callers hold c.mu.
func (c *coordinator) startSuiteRemote(ctx context.Context, n *node) error {
	if n.parent != nil && n.parent.degraded {
		n.degraded = true

		return nil
	}

	// Followers first consult the identifiers transferred in the worker
	// handle, then the backend itself, so a suite is started at most
	// once across all processes.
	if !c.owner {
		if id, ok := c.seeded[n.key]; ok {
			n.id = id
			n.adopted = true

			return nil
		}

		id, err := c.client.FindItem(ctx, n.key)
		if err != nil {
			c.log.WithError(err).WithField("path", n.key).
				Debug("Suite lookup failed, starting a fresh item")
		} else if id != "" {
			n.id = id
			n.adopted = true

			return nil
		}
	}

	parentID := ""
	if n.parent != nil {
		parentID = n.parent.id
	}

	id, err := c.client.StartItem(ctx, parentID, &rpclient.StartItemRequest{
		Name:      n.name,
		Kind:      rpclient.KindSuite,
		Path:      n.key,
		StartTime: time.Now(),
	})
	if err != nil {
		if perr := c.remoteErr("startItem", err); perr != nil {
			return perr
		}

		n.degraded = true

		return nil
	}

	n.id = id

	return nil
}

// StartTest starts the test item, lazily starting its suite chain
// root-first.
func (c *coordinator) StartTest(ctx context.Context, t *Test) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	live, err := c.ensureLive(ctx)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	key := t.Path.child(t.Name)

	if existing, ok := c.nodes[key]; ok && existing.state == itemRunning {
		c.log.WithField("item", key).Warn("Start event for an already running item, skipping")

		return nil
	}

	parent, err := c.resolveSuites(ctx, t.Path)
	if err != nil {
		return err
	}

	n := &node{
		key:    key,
		name:   t.Name,
		kind:   rpclient.KindTest,
		parent: parent,
		depth:  len(t.Path),
		state:  itemRunning,
	}

	if parent != nil && parent.degraded {
		n.degraded = true
	} else {
		parentID := ""
		if parent != nil {
			parentID = parent.id
		}

		id, startErr := c.client.StartItem(ctx, parentID, &rpclient.StartItemRequest{
			Name:      t.Name,
			Kind:      rpclient.KindTest,
			Path:      key,
			Tags:      t.Tags,
			StartTime: time.Now(),
		})
		if startErr != nil {
			if perr := c.remoteErr("startItem", startErr); perr != nil {
				return perr
			}

			n.degraded = true
		} else {
			n.id = id
		}
	}

	c.nodes[key] = n
	c.running = append(c.running, n)

	if parent != nil {
		parent.activeChildren++
	}

	return nil
}

// FinishTest finishes the test item and flushes its pending logs. A
// finish event for an item that was never started (or already
// finished) is a hierarchy violation: logged and skipped, never a
// crash, since engines emit best-effort events during their own
// failure handling.
func (c *coordinator) FinishTest(ctx context.Context, t *Test, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.degraded {
		return nil
	}

	key := t.Path.child(t.Name)

	n, ok := c.nodes[key]
	if !ok || n.kind != rpclient.KindTest {
		c.log.WithField("item", key).Warn("Finish event for an item that was never started, skipping")

		return nil
	}

	if status == StatusFailed {
		c.anyFailed = true

		for a := n.parent; a != nil; a = a.parent {
			a.failed = true
		}
	}

	return c.finishNode(ctx, n, status)
}

// finishNode completes a test node: flushes its logs, issues the
// remote finish unless the item is degraded, evicts it, and drains the
// parent suite's refcount, cascading deferred suite finishes upward.
// Callers hold c.mu.
func (c *coordinator) finishNode(ctx context.Context, n *node, status Status) error {
	if !n.degraded && n.id != "" {
		if err := c.remoteErr("log", c.batcher.flushItem(ctx, c.client, n.id)); err != nil {
			return err
		}

		if err := c.remoteErr("finishItem",
			c.client.FinishItem(ctx, n.id, string(status), time.Now())); err != nil {
			return err
		}
	} else {
		c.batcher.drop(n.id)
	}

	n.state = itemFinished
	delete(c.nodes, n.key)
	c.removeRunning(n)

	return c.drainParent(ctx, n)
}

// drainParent decrements the parent's active-child count and completes
// a deferred suite finish when it reaches zero. Callers hold c.mu.
func (c *coordinator) drainParent(ctx context.Context, n *node) error {
	p := n.parent
	if p == nil {
		return nil
	}

	if p.activeChildren > 0 {
		p.activeChildren--
	}

	if p.pendingFinish && p.activeChildren == 0 {
		return c.finishSuiteNode(ctx, p)
	}

	return nil
}

// FinishSuite marks the suite at path finished, deferring while
// children are still running. Engines may emit a suite's finish before
// all of its children have individually finished.
func (c *coordinator) FinishSuite(ctx context.Context, path Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.degraded {
		return nil
	}

	key := path.Key()

	n, ok := c.nodes[key]
	if !ok || n.kind != rpclient.KindSuite {
		c.log.WithField("item", key).Debug("Finish event for unknown suite, skipping")

		return nil
	}

	if n.activeChildren > 0 {
		n.pendingFinish = true

		c.log.WithFields(logrus.Fields{
			"item":     key,
			"children": n.activeChildren,
		}).Debug("Suite finish deferred until children complete")

		return nil
	}

	return c.finishSuiteNode(ctx, n)
}

// finishSuiteNode completes a suite node with a status aggregated from
// its descendants. Adopted suites are owned by another process and are
// only evicted locally. Callers hold c.mu.
func (c *coordinator) finishSuiteNode(ctx context.Context, n *node) error {
	if !n.adopted && !n.degraded && n.id != "" {
		status := StatusPassed
		if n.failed {
			status = StatusFailed
		}

		if err := c.remoteErr("finishItem",
			c.client.FinishItem(ctx, n.id, string(status), time.Now())); err != nil {
			return err
		}
	}

	n.state = itemFinished
	delete(c.nodes, n.key)

	return c.drainParent(ctx, n)
}

// removeRunning drops the node from the running-test stack.
func (c *coordinator) removeRunning(n *node) {
	for i := len(c.running) - 1; i >= 0; i-- {
		if c.running[i] == n {
			c.running = append(c.running[:i], c.running[i+1:]...)

			return
		}
	}
}

// Log attaches a log record to the innermost currently-running test
// item. Records for degraded items are dropped; records arriving while
// no test is running are discarded.
func (c *coordinator) Log(ctx context.Context, level, message string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.degraded || len(c.running) == 0 {
		return nil
	}

	n := c.running[len(c.running)-1]
	if n.degraded || n.id == "" {
		return nil
	}

	return c.remoteErr("log", c.batcher.add(ctx, c.client, n.id, rpclient.LogRecord{
		Time:    at,
		Level:   level,
		Message: message,
	}))
}
