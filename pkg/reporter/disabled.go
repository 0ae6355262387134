package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/worker"
)

// disabled is the coordinator variant returned when configuration is
// incomplete. Every call is a silent no-op for the rest of the run, so
// call sites handle the disabled case through normal dispatch rather
// than ad hoc guard checks.
type disabled struct{}

// Ensure interface compliance.
var _ Coordinator = disabled{}

// Disabled returns the permanently disabled coordinator.
func Disabled() Coordinator {
	return disabled{}
}

func (disabled) Enabled() bool { return false }

func (disabled) Owner() bool { return true }

func (disabled) StartLaunch(context.Context) error { return nil }

func (disabled) WaitLaunch(context.Context) error { return nil }

func (disabled) LaunchID() string { return "" }

func (disabled) StartTest(context.Context, *Test) error { return nil }

func (disabled) FinishTest(context.Context, *Test, Status) error { return nil }

func (disabled) FinishSuite(context.Context, Path) error { return nil }

func (disabled) Log(context.Context, string, string, time.Time) error { return nil }

func (disabled) FinishLaunch(context.Context) error { return nil }

func (disabled) Handle() (*worker.Handle, error) {
	return nil, fmt.Errorf("reporting is disabled")
}

func (disabled) Close() error { return nil }
