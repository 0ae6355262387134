package listener

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/reportoor/pkg/reporter"
	"github.com/ethpandaops/reportoor/pkg/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyCoordinator records what the listener forwards.
type spyCoordinator struct {
	owner    bool
	enabled  bool
	launches int
	finishes int
	started  []*reporter.Test
	logs     []string
}

var _ reporter.Coordinator = (*spyCoordinator)(nil)

func (s *spyCoordinator) Enabled() bool { return s.enabled }

func (s *spyCoordinator) Owner() bool { return s.owner }

func (s *spyCoordinator) StartLaunch(context.Context) error {
	s.launches++

	return nil
}

func (s *spyCoordinator) WaitLaunch(context.Context) error { return nil }

func (s *spyCoordinator) LaunchID() string { return "" }

func (s *spyCoordinator) StartTest(_ context.Context, t *reporter.Test) error {
	s.started = append(s.started, t)

	return nil
}

func (s *spyCoordinator) FinishTest(context.Context, *reporter.Test, reporter.Status) error {
	return nil
}

func (s *spyCoordinator) FinishSuite(context.Context, reporter.Path) error { return nil }

func (s *spyCoordinator) Log(_ context.Context, level, message string, _ time.Time) error {
	s.logs = append(s.logs, level+":"+message)

	return nil
}

func (s *spyCoordinator) FinishLaunch(context.Context) error {
	s.finishes++

	return nil
}

func (s *spyCoordinator) Handle() (*worker.Handle, error) { return nil, nil }

func (s *spyCoordinator) Close() error { return nil }

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestListener_SessionStartOwnerOnly(t *testing.T) {
	tests := []struct {
		name    string
		owner   bool
		enabled bool
		want    int
	}{
		{name: "enabled owner starts", owner: true, enabled: true, want: 1},
		{name: "follower does not", owner: false, enabled: true, want: 0},
		{name: "disabled does not", owner: true, enabled: false, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &spyCoordinator{owner: tt.owner, enabled: tt.enabled}
			l := New(quietLog(), coord, &Config{LogLevel: logrus.InfoLevel})

			require.NoError(t, l.OnSessionStart(context.Background()))
			assert.Equal(t, tt.want, coord.launches)
		})
	}
}

func TestListener_IgnoredTagsStripped(t *testing.T) {
	coord := &spyCoordinator{owner: true, enabled: true}
	l := New(quietLog(), coord, &Config{
		LogLevel:    logrus.InfoLevel,
		IgnoredTags: []string{"flaky", "wip"},
	})

	test := &reporter.Test{
		Name: "case",
		Tags: []string{"smoke", "flaky", "regression", "wip"},
	}

	require.NoError(t, l.OnItemStart(context.Background(), test))

	require.Len(t, coord.started, 1)
	assert.Equal(t, []string{"smoke", "regression"}, coord.started[0].Tags)

	// The caller's test is left untouched.
	assert.Equal(t, []string{"smoke", "flaky", "regression", "wip"}, test.Tags)
}

func TestListener_LogLevelFilter(t *testing.T) {
	coord := &spyCoordinator{owner: true, enabled: true}
	l := New(quietLog(), coord, &Config{LogLevel: logrus.WarnLevel})

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.OnLog(ctx, logrus.ErrorLevel, "broken", now))
	require.NoError(t, l.OnLog(ctx, logrus.WarnLevel, "suspicious", now))
	require.NoError(t, l.OnLog(ctx, logrus.InfoLevel, "chatty", now))
	require.NoError(t, l.OnLog(ctx, logrus.DebugLevel, "noise", now))

	assert.Equal(t, []string{"error:broken", "warning:suspicious"}, coord.logs)
}

func TestListener_CollectionSortsTests(t *testing.T) {
	coord := &spyCoordinator{owner: true, enabled: true}
	l := New(quietLog(), coord, &Config{LogLevel: logrus.InfoLevel})

	tests := []*reporter.Test{
		{File: "z.go", Path: reporter.Path{"Z"}, Name: "last"},
		{File: "a.go", Path: reporter.Path{"A"}, Name: "first"},
	}

	l.OnCollectionFinish(tests)

	assert.Equal(t, "first", tests[0].Name)
	assert.Equal(t, "last", tests[1].Name)
}

func TestListener_SessionFinish(t *testing.T) {
	coord := &spyCoordinator{owner: true, enabled: true}
	l := New(quietLog(), coord, &Config{LogLevel: logrus.InfoLevel})

	require.NoError(t, l.OnSessionFinish(context.Background()))
	assert.Equal(t, 1, coord.finishes)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, reporter.StatusPassed, statusFor(OutcomePassed))
	assert.Equal(t, reporter.StatusSkipped, statusFor(OutcomeSkipped))
	assert.Equal(t, reporter.StatusFailed, statusFor(OutcomeFailed))
	assert.Equal(t, reporter.StatusFailed, statusFor(Outcome("bogus")))
}
