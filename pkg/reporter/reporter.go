// Package reporter implements the test-run reporting coordinator: the
// launch lifecycle state machine, the hierarchy resolver that rebuilds
// a report tree from a flat stream of start/finish events, the per-item
// log batcher, and the error tolerance policy governing delivery to the
// remote backend.
package reporter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/rpclient"
	"github.com/ethpandaops/reportoor/pkg/worker"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of a reported item.
type Status string

// Item statuses.
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// pathSep joins hierarchy path segments into map keys. Suite and test
// names must not contain it.
const pathSep = "::"

// Path is an ordered sequence of suite names locating a test case.
type Path []string

// Key returns the canonical string form of the path.
func (p Path) Key() string {
	return strings.Join(p, pathSep)
}

// child returns the key of a child of this path.
func (p Path) child(name string) string {
	if len(p) == 0 {
		return name
	}

	return p.Key() + pathSep + name
}

// Test describes a single test case to report.
type Test struct {
	// Path is the suite chain enclosing the test, outermost first.
	Path Path

	// Name is the test case name, unique within its innermost suite.
	Name string

	// File is the source file the test comes from. Collection ordering
	// sorts by (File, innermost suite name) so tests from the same file
	// and suite stay contiguous.
	File string

	// Tags are reported as item tags, minus the ignored set.
	Tags []string
}

// Coordinator is the process-local reporting pipeline. All methods are
// safe to call on a disabled coordinator; they do nothing and return
// nil.
type Coordinator interface {
	// Enabled reports whether this coordinator actually reports
	// anywhere. A coordinator built from an incomplete configuration is
	// permanently disabled.
	Enabled() bool

	// Owner reports whether this process owns the launch lifecycle.
	Owner() bool

	// StartLaunch begins the remote launch. Owner only; the remote
	// identifier resolves asynchronously.
	StartLaunch(ctx context.Context) error

	// WaitLaunch blocks until the remote launch identifier is observed
	// or the configured wait timeout elapses, in which case it returns
	// ErrLaunchNotEstablished. Called by the owner before dispatching
	// work to worker processes.
	WaitLaunch(ctx context.Context) error

	// LaunchID returns the remote launch identifier, or "" while it is
	// unresolved.
	LaunchID() string

	// StartTest starts the test item, lazily starting any suite in its
	// path that is not running yet, root first.
	StartTest(ctx context.Context, t *Test) error

	// FinishTest finishes the test item with the given status and
	// flushes its pending log records.
	FinishTest(ctx context.Context, t *Test, status Status) error

	// FinishSuite marks the suite at path finished. If the suite still
	// has running children the finish is deferred until the last child
	// finishes.
	FinishSuite(ctx context.Context, path Path) error

	// Log attaches a log record to the innermost currently-running test
	// item. Records are buffered and flushed in bounded batches.
	Log(ctx context.Context, level, message string, at time.Time) error

	// FinishLaunch flushes everything, best-effort finishes items still
	// running, and (owner only) finishes the remote launch with the
	// aggregate status.
	FinishLaunch(ctx context.Context) error

	// Handle snapshots the live launch into a transferable worker
	// handle. Owner only, after the launch is established.
	Handle() (*worker.Handle, error)

	// Close releases transport resources.
	Close() error
}

// New creates the coordinator for an owner process. It returns a
// permanently disabled coordinator when the configuration is missing
// any required connection parameter, reporting that clearly once at
// construction rather than as a cryptic failure mid-run.
func New(log logrus.FieldLogger, cfg *config.ReporterConfig, client rpclient.Client) Coordinator {
	if !cfg.Complete() {
		log.WithField("missing", strings.Join(cfg.MissingFields(), ", ")).
			Warn("Reporting disabled: incomplete configuration")

		return Disabled()
	}

	return &coordinator{
		log:     log.WithField("component", "reporter"),
		cfg:     cfg,
		client:  client,
		owner:   true,
		state:   launchInitialized,
		nodes:   make(map[string]*node),
		batcher: newBatcher(cfg.LogBatchSize),
	}
}

// Attach creates a follower coordinator from a worker handle. The
// launch is already live; the follower only reports items and logs
// into it.
func Attach(log logrus.FieldLogger, h *worker.Handle, client rpclient.Client) Coordinator {
	client.SetLaunchID(h.LaunchID)

	cfg := &config.ReporterConfig{
		Endpoint:          h.Endpoint,
		Project:           h.Project,
		Token:             h.Token,
		LogBatchSize:      h.LogBatchSize,
		IgnoreErrors:      h.IgnoreErrors,
		IgnoredTags:       h.IgnoredTags,
		LaunchWaitTimeout: h.LaunchWaitTimeout,
	}

	if cfg.LogBatchSize <= 0 {
		cfg.LogBatchSize = config.DefaultLogBatchSize
	}

	c := &coordinator{
		log:     log.WithField("component", "reporter"),
		cfg:     cfg,
		client:  client,
		owner:   false,
		state:   launchLive,
		nodes:   make(map[string]*node),
		batcher: newBatcher(cfg.LogBatchSize),
	}

	c.seedSuites(h.SuiteIDs)

	return c
}

type coordinator struct {
	log    logrus.FieldLogger
	cfg    *config.ReporterConfig
	client rpclient.Client
	owner  bool

	mu    sync.Mutex
	state launchState

	// nodes holds the active (pending or running) report items keyed by
	// hierarchy path. Finished items are evicted, so a re-entered path
	// becomes a fresh item with a fresh remote identifier.
	nodes map[string]*node

	// running is the stack of currently-running test items; log records
	// attach to its top.
	running []*node

	// seeded maps hierarchy paths to suite identifiers the owner had
	// already started, transferred through the worker handle.
	seeded map[string]string

	batcher *batcher

	anyFailed bool

	// degraded is set once the pipeline has given up on remote delivery
	// under the permissive policy. Logged exactly once.
	degraded bool
}

// Ensure interface compliance.
var _ Coordinator = (*coordinator)(nil)

// Enabled reports whether this coordinator reports anywhere.
func (c *coordinator) Enabled() bool { return true }

// Owner reports whether this process owns the launch lifecycle.
func (c *coordinator) Owner() bool { return c.owner }

// LaunchID returns the remote launch identifier, or "".
func (c *coordinator) LaunchID() string { return c.client.LaunchID() }

// Close releases transport resources.
func (c *coordinator) Close() error {
	return c.client.Close()
}

// seedSuites installs suite identifiers already started elsewhere.
func (c *coordinator) seedSuites(ids map[string]string) {
	if len(ids) == 0 {
		return
	}

	c.seeded = make(map[string]string, len(ids))
	for k, v := range ids {
		c.seeded[k] = v
	}
}

// remoteErr applies the error tolerance policy to a failed remote
// call: strict policy propagates, permissive logs once per occurrence
// and swallows.
func (c *coordinator) remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if c.cfg.IgnoreErrors {
		c.log.WithError(err).WithField("op", op).
			Warn("Remote call failed, continuing (ignore_errors)")

		return nil
	}

	return &RemoteCallError{Op: op, Err: err}
}

// SortTests orders collected tests by (source file, innermost suite
// name), stably, so tests from the same file and suite stay contiguous
// regardless of execution interleaving. Order within a leaf group is
// engine-provided and deliberately preserved: parametrized cases may
// rely on it.
func SortTests(tests []*Test) {
	sort.SliceStable(tests, func(i, j int) bool {
		if tests[i].File != tests[j].File {
			return tests[i].File < tests[j].File
		}

		return innermostSuite(tests[i]) < innermostSuite(tests[j])
	})
}

func innermostSuite(t *Test) string {
	if len(t.Path) == 0 {
		return ""
	}

	return t.Path[len(t.Path)-1]
}
