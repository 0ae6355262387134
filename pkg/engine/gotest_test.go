package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/reportoor/pkg/listener"
	"github.com/ethpandaops/reportoor/pkg/reporter"
	"github.com/ethpandaops/reportoor/pkg/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCoordinator captures the call sequence the stream adapter
// produces through the listener.
type recordingCoordinator struct {
	calls []string
}

var _ reporter.Coordinator = (*recordingCoordinator)(nil)

func (r *recordingCoordinator) Enabled() bool { return true }

func (r *recordingCoordinator) Owner() bool { return true }

func (r *recordingCoordinator) StartLaunch(context.Context) error {
	r.calls = append(r.calls, "startLaunch")

	return nil
}

func (r *recordingCoordinator) WaitLaunch(context.Context) error { return nil }

func (r *recordingCoordinator) LaunchID() string { return "launch-1" }

func (r *recordingCoordinator) StartTest(_ context.Context, t *reporter.Test) error {
	r.calls = append(r.calls, "start:"+t.Path.Key()+"#"+t.Name)

	return nil
}

func (r *recordingCoordinator) FinishTest(_ context.Context, t *reporter.Test, status reporter.Status) error {
	r.calls = append(r.calls, "finish:"+t.Path.Key()+"#"+t.Name+"="+string(status))

	return nil
}

func (r *recordingCoordinator) FinishSuite(_ context.Context, path reporter.Path) error {
	r.calls = append(r.calls, "finishSuite:"+path.Key())

	return nil
}

func (r *recordingCoordinator) Log(_ context.Context, level, message string, _ time.Time) error {
	r.calls = append(r.calls, "log:"+level+":"+message)

	return nil
}

func (r *recordingCoordinator) FinishLaunch(context.Context) error {
	r.calls = append(r.calls, "finishLaunch")

	return nil
}

func (r *recordingCoordinator) Handle() (*worker.Handle, error) { return nil, nil }

func (r *recordingCoordinator) Close() error { return nil }

func newTestStream(coord reporter.Coordinator) *Stream {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	l := listener.New(log, coord, &listener.Config{LogLevel: logrus.InfoLevel})

	return NewStream(log, l)
}

const pkgPath = "example.com/mod/pkg"

func TestStream_ReplaysPackageWithSubtests(t *testing.T) {
	coord := &recordingCoordinator{}
	stream := newTestStream(coord)

	input := strings.Join([]string{
		`{"Time":"2026-08-24T10:00:00Z","Action":"start","Package":"` + pkgPath + `"}`,
		`{"Time":"2026-08-24T10:00:01Z","Action":"run","Package":"` + pkgPath + `","Test":"TestParent"}`,
		`{"Time":"2026-08-24T10:00:01Z","Action":"output","Package":"` + pkgPath + `","Test":"TestParent","Output":"=== RUN   TestParent\n"}`,
		`{"Time":"2026-08-24T10:00:02Z","Action":"run","Package":"` + pkgPath + `","Test":"TestParent/sub_one"}`,
		`{"Time":"2026-08-24T10:00:02Z","Action":"output","Package":"` + pkgPath + `","Test":"TestParent/sub_one","Output":"    checking the thing\n"}`,
		`{"Time":"2026-08-24T10:00:03Z","Action":"pass","Package":"` + pkgPath + `","Test":"TestParent/sub_one","Elapsed":1}`,
		`{"Time":"2026-08-24T10:00:04Z","Action":"run","Package":"` + pkgPath + `","Test":"TestSolo"}`,
		`{"Time":"2026-08-24T10:00:05Z","Action":"output","Package":"` + pkgPath + `","Test":"TestSolo","Output":"solo failed: boom\n"}`,
		`{"Time":"2026-08-24T10:00:05Z","Action":"fail","Package":"` + pkgPath + `","Test":"TestSolo","Elapsed":1}`,
		`{"Time":"2026-08-24T10:00:06Z","Action":"pass","Package":"` + pkgPath + `","Test":"TestParent","Elapsed":5}`,
		`{"Time":"2026-08-24T10:00:07Z","Action":"fail","Package":"` + pkgPath + `","Elapsed":7}`,
	}, "\n")

	require.NoError(t, stream.Run(context.Background(), strings.NewReader(input)))

	// Collection ordering puts the suite-less TestSolo first; the parent
	// test becomes a suite around its subtest; framing lines are
	// filtered; suites finish innermost-first with the package last.
	assert.Equal(t, []string{
		"startLaunch",
		"start:" + pkgPath + "#TestSolo",
		"log:info:solo failed: boom",
		"finish:" + pkgPath + "#TestSolo=failed",
		"start:" + pkgPath + "::TestParent#sub_one",
		"log:info:    checking the thing",
		"finish:" + pkgPath + "::TestParent#sub_one=passed",
		"finishSuite:" + pkgPath + "::TestParent",
		"finishSuite:" + pkgPath,
		"finishLaunch",
	}, coord.calls)
}

func TestStream_AbortedStreamFailsUnfinishedTests(t *testing.T) {
	coord := &recordingCoordinator{}
	stream := newTestStream(coord)

	// The stream ends without a verdict for the test or the package.
	input := `{"Time":"2026-08-24T10:00:00Z","Action":"run","Package":"` + pkgPath + `","Test":"TestHanging"}`

	require.NoError(t, stream.Run(context.Background(), strings.NewReader(input)))

	assert.Equal(t, []string{
		"startLaunch",
		"start:" + pkgPath + "#TestHanging",
		"finish:" + pkgPath + "#TestHanging=failed",
		"finishSuite:" + pkgPath,
		"finishLaunch",
	}, coord.calls)
}

func TestStream_SkippedTest(t *testing.T) {
	coord := &recordingCoordinator{}
	stream := newTestStream(coord)

	input := strings.Join([]string{
		`{"Time":"2026-08-24T10:00:00Z","Action":"run","Package":"` + pkgPath + `","Test":"TestSkipped"}`,
		`{"Time":"2026-08-24T10:00:01Z","Action":"skip","Package":"` + pkgPath + `","Test":"TestSkipped"}`,
		`{"Time":"2026-08-24T10:00:02Z","Action":"pass","Package":"` + pkgPath + `"}`,
	}, "\n")

	require.NoError(t, stream.Run(context.Background(), strings.NewReader(input)))

	assert.Contains(t, coord.calls, "finish:"+pkgPath+"#TestSkipped=skipped")
}

func TestStream_MalformedLinesSkipped(t *testing.T) {
	coord := &recordingCoordinator{}
	stream := newTestStream(coord)

	input := strings.Join([]string{
		`this is not json`,
		``,
		`{"Time":"2026-08-24T10:00:00Z","Action":"run","Package":"` + pkgPath + `","Test":"TestOK"}`,
		`{"Time":"2026-08-24T10:00:01Z","Action":"pass","Package":"` + pkgPath + `","Test":"TestOK"}`,
		`{"Time":"2026-08-24T10:00:02Z","Action":"pass","Package":"` + pkgPath + `"}`,
	}, "\n")

	require.NoError(t, stream.Run(context.Background(), strings.NewReader(input)))

	assert.Contains(t, coord.calls, "finish:"+pkgPath+"#TestOK=passed")
}

func TestStream_MultiplePackages(t *testing.T) {
	coord := &recordingCoordinator{}
	stream := newTestStream(coord)

	// Two packages interleaved; each replays when its terminal event
	// arrives.
	input := strings.Join([]string{
		`{"Time":"2026-08-24T10:00:00Z","Action":"run","Package":"mod/a","Test":"TestA"}`,
		`{"Time":"2026-08-24T10:00:00Z","Action":"run","Package":"mod/b","Test":"TestB"}`,
		`{"Time":"2026-08-24T10:00:01Z","Action":"pass","Package":"mod/b","Test":"TestB"}`,
		`{"Time":"2026-08-24T10:00:01Z","Action":"pass","Package":"mod/b"}`,
		`{"Time":"2026-08-24T10:00:02Z","Action":"pass","Package":"mod/a","Test":"TestA"}`,
		`{"Time":"2026-08-24T10:00:02Z","Action":"pass","Package":"mod/a"}`,
	}, "\n")

	require.NoError(t, stream.Run(context.Background(), strings.NewReader(input)))

	assert.Equal(t, []string{
		"startLaunch",
		"start:mod/b#TestB",
		"finish:mod/b#TestB=passed",
		"finishSuite:mod/b",
		"start:mod/a#TestA",
		"finish:mod/a#TestA=passed",
		"finishSuite:mod/a",
		"finishLaunch",
	}, coord.calls)
}

func TestTestFor(t *testing.T) {
	tests := []struct {
		name     string
		testName string
		wantPath reporter.Path
		wantName string
	}{
		{
			name:     "top level",
			testName: "TestThing",
			wantPath: reporter.Path{"mod/pkg"},
			wantName: "TestThing",
		},
		{
			name:     "subtest",
			testName: "TestThing/case_one",
			wantPath: reporter.Path{"mod/pkg", "TestThing"},
			wantName: "case_one",
		},
		{
			name:     "nested subtest",
			testName: "TestThing/group/case",
			wantPath: reporter.Path{"mod/pkg", "TestThing", "group"},
			wantName: "case",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := testFor("mod/pkg", tt.testName)

			assert.Equal(t, tt.wantPath, got.Path)
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, "mod/pkg", got.File)
		})
	}
}

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain line", in: "hello world\n", want: "hello world"},
		{name: "indented output kept", in: "    value was 7\n", want: "    value was 7"},
		{name: "run marker dropped", in: "=== RUN   TestThing\n", want: ""},
		{name: "result marker dropped", in: "--- PASS: TestThing (0.01s)\n", want: ""},
		{name: "indented result marker dropped", in: "    --- PASS: TestThing/sub (0.01s)\n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanOutput(tt.in))
		})
	}
}
