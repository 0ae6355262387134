// Package listener translates test-execution engine callbacks into
// coordinator calls. It owns no reporting state of its own beyond a
// log-level filter and the ignored-tag set.
package listener

import (
	"context"
	"time"

	"github.com/ethpandaops/reportoor/pkg/reporter"
	"github.com/sirupsen/logrus"
)

// Outcome is the execution engine's verdict for a finished item.
type Outcome string

// Engine outcomes.
const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Config for the listener.
type Config struct {
	// LogLevel is the minimum level of engine log records forwarded to
	// the backend. Records below it are filtered out.
	LogLevel logrus.Level

	// IgnoredTags are stripped from reported item tags.
	IgnoredTags []string
}

// Listener receives execution-engine lifecycle callbacks and forwards
// them to the coordinator. Every callback is a no-op when the
// coordinator is disabled.
type Listener struct {
	log     logrus.FieldLogger
	coord   reporter.Coordinator
	level   logrus.Level
	ignored map[string]struct{}
}

// New creates a listener bound to the given coordinator.
func New(log logrus.FieldLogger, coord reporter.Coordinator, cfg *Config) *Listener {
	ignored := make(map[string]struct{}, len(cfg.IgnoredTags))
	for _, tag := range cfg.IgnoredTags {
		ignored[tag] = struct{}{}
	}

	return &Listener{
		log:     log.WithField("component", "listener"),
		coord:   coord,
		level:   cfg.LogLevel,
		ignored: ignored,
	}
}

// OnSessionStart begins the launch in the owning process. Followers
// join an already-live launch and do nothing here.
func (l *Listener) OnSessionStart(ctx context.Context) error {
	if !l.coord.Enabled() || !l.coord.Owner() {
		return nil
	}

	return l.coord.StartLaunch(ctx)
}

// OnCollectionFinish receives the ordered collected item list. Items
// are re-sorted by (source file, enclosing suite) so tests from the
// same file and suite stay contiguous; order within a leaf group is
// preserved as the engine produced it.
func (l *Listener) OnCollectionFinish(tests []*reporter.Test) {
	reporter.SortTests(tests)
}

// OnItemStart reports the start of a test case, creating its suite
// chain as needed.
func (l *Listener) OnItemStart(ctx context.Context, t *reporter.Test) error {
	return l.coord.StartTest(ctx, l.filtered(t))
}

// OnItemFinish reports the end of a test case with its outcome.
func (l *Listener) OnItemFinish(ctx context.Context, t *reporter.Test, outcome Outcome) error {
	return l.coord.FinishTest(ctx, l.filtered(t), statusFor(outcome))
}

// OnSuiteFinish reports the end of a suite. The coordinator defers the
// finish while the suite still has running children.
func (l *Listener) OnSuiteFinish(ctx context.Context, path reporter.Path) error {
	return l.coord.FinishSuite(ctx, path)
}

// OnLog forwards an engine log record, applying the level filter.
func (l *Listener) OnLog(ctx context.Context, level logrus.Level, message string, at time.Time) error {
	if level > l.level {
		return nil
	}

	return l.coord.Log(ctx, level.String(), message, at)
}

// OnSessionFinish flushes and finishes the launch. Safe to call after
// an interrupted session: the coordinator reports whatever status is
// computable from finished items.
func (l *Listener) OnSessionFinish(ctx context.Context) error {
	return l.coord.FinishLaunch(ctx)
}

// filtered returns the test with ignored tags stripped.
func (l *Listener) filtered(t *reporter.Test) *reporter.Test {
	if len(l.ignored) == 0 || len(t.Tags) == 0 {
		return t
	}

	kept := make([]string, 0, len(t.Tags))

	for _, tag := range t.Tags {
		if _, ok := l.ignored[tag]; !ok {
			kept = append(kept, tag)
		}
	}

	out := *t
	out.Tags = kept

	return &out
}

// statusFor maps an engine outcome to a reported status.
func statusFor(outcome Outcome) reporter.Status {
	switch outcome {
	case OutcomePassed:
		return reporter.StatusPassed
	case OutcomeSkipped:
		return reporter.StatusSkipped
	default:
		return reporter.StatusFailed
	}
}
