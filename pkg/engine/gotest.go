package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/reportoor/pkg/listener"
	"github.com/ethpandaops/reportoor/pkg/reporter"
	"github.com/sirupsen/logrus"
)

// maxLineSize bounds a single test2json line. Test output lines are
// split by test2json itself, so this is generous.
const maxLineSize = 10 * 1024 * 1024

// Stream consumes a `go test -json` stream and drives the listener.
//
// Events for a package are buffered until the package completes, then
// replayed per test in collection order: go test interleaves parallel
// tests, and replaying sequentially keeps each test's logs attached to
// the right item.
type Stream struct {
	log      logrus.FieldLogger
	listener *listener.Listener

	pkgs map[string]*pkgBuffer
}

// NewStream creates a stream adapter bound to the given listener.
func NewStream(log logrus.FieldLogger, l *listener.Listener) *Stream {
	return &Stream{
		log:      log.WithField("component", "engine"),
		listener: l,
		pkgs:     make(map[string]*pkgBuffer),
	}
}

// testRec accumulates one test's events until replay.
type testRec struct {
	name    string
	start   time.Time
	outcome listener.Outcome
	done    bool
	logs    []logLine
}

type logLine struct {
	at   time.Time
	text string
}

// pkgBuffer accumulates one package's events until the package
// completes.
type pkgBuffer struct {
	recs  map[string]*testRec
	order []string
}

// Run reads the stream to completion, reporting a session around it.
// On context cancellation the session is still finished best-effort so
// the remote launch does not stay running forever.
func (s *Stream) Run(ctx context.Context, r io.Reader) error {
	if err := s.listener.OnSessionStart(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	scanErr := s.scan(ctx, r)

	// Packages the stream never closed (aborted run) are replayed with
	// whatever was buffered.
	for pkg := range s.pkgs {
		if err := s.replayPackage(ctx, pkg); err != nil {
			s.log.WithError(err).WithField("package", pkg).Warn("Failed to replay package")
		}
	}

	if err := s.listener.OnSessionFinish(ctx); err != nil {
		if scanErr != nil {
			s.log.WithError(err).Warn("Failed to finish session")

			return scanErr
		}

		return fmt.Errorf("finishing session: %w", err)
	}

	return scanErr
}

// scan consumes stream lines until EOF or cancellation.
func (s *Stream) scan(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.log.WithError(err).Debug("Skipping malformed stream line")

			continue
		}

		if err := s.handle(ctx, &ev); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}

	return nil
}

// handle routes one event into the package buffer, replaying the
// package when its terminal event arrives.
func (s *Stream) handle(ctx context.Context, ev *Event) error {
	if ev.Package == "" {
		return nil
	}

	buf, ok := s.pkgs[ev.Package]
	if !ok {
		buf = &pkgBuffer{recs: make(map[string]*testRec)}
		s.pkgs[ev.Package] = buf
	}

	if ev.Test == "" {
		switch ev.Action {
		case actionPass, actionFail, actionSkip:
			return s.replayPackage(ctx, ev.Package)
		}

		return nil
	}

	rec, ok := buf.recs[ev.Test]
	if !ok {
		rec = &testRec{name: ev.Test}
		buf.recs[ev.Test] = rec
	}

	switch ev.Action {
	case actionRun:
		rec.start = ev.Time
		buf.order = append(buf.order, ev.Test)
	case actionOutput:
		if text := cleanOutput(ev.Output); text != "" {
			rec.logs = append(rec.logs, logLine{at: ev.Time, text: text})
		}
	case actionPass:
		rec.outcome, rec.done = listener.OutcomePassed, true
	case actionSkip:
		rec.outcome, rec.done = listener.OutcomeSkipped, true
	case actionFail:
		rec.outcome, rec.done = listener.OutcomeFailed, true
	}

	return nil
}

// replayPackage reports the buffered package: collection ordering,
// then each test sequentially, then suite finishes innermost-first.
func (s *Stream) replayPackage(ctx context.Context, pkg string) error {
	buf, ok := s.pkgs[pkg]
	if !ok {
		return nil
	}

	delete(s.pkgs, pkg)

	parents := parentSet(buf.order)

	tests := make([]*reporter.Test, 0, len(buf.order))
	byKey := make(map[*reporter.Test]*testRec, len(buf.order))

	for _, name := range buf.order {
		if _, isParent := parents[name]; isParent {
			continue
		}

		rec := buf.recs[name]
		t := testFor(pkg, name)
		tests = append(tests, t)
		byKey[t] = rec
	}

	s.listener.OnCollectionFinish(tests)

	for _, t := range tests {
		rec := byKey[t]

		if err := s.listener.OnItemStart(ctx, t); err != nil {
			return err
		}

		for _, line := range rec.logs {
			if err := s.listener.OnLog(ctx, logrus.InfoLevel, line.text, line.at); err != nil {
				return err
			}
		}

		outcome := rec.outcome
		if !rec.done {
			// The package terminated without a verdict for this test.
			outcome = listener.OutcomeFailed
		}

		if err := s.listener.OnItemFinish(ctx, t, outcome); err != nil {
			return err
		}
	}

	// Parent tests are suites; finish them innermost-first, the
	// package suite last.
	chain := make([]string, 0, len(parents))
	for name := range parents {
		chain = append(chain, name)
	}

	sort.Slice(chain, func(i, j int) bool {
		ci, cj := strings.Count(chain[i], "/"), strings.Count(chain[j], "/")
		if ci != cj {
			return ci > cj
		}

		return chain[i] < chain[j]
	})

	for _, name := range chain {
		path := append(reporter.Path{pkg}, strings.Split(name, "/")...)
		if err := s.listener.OnSuiteFinish(ctx, path); err != nil {
			return err
		}
	}

	return s.listener.OnSuiteFinish(ctx, reporter.Path{pkg})
}

// testFor maps a test2json test name to a reported test: the package
// and any parent tests become the suite chain, the last segment is the
// test case.
func testFor(pkg, name string) *reporter.Test {
	segments := strings.Split(name, "/")

	path := reporter.Path{pkg}
	if len(segments) > 1 {
		path = append(path, segments[:len(segments)-1]...)
	}

	return &reporter.Test{
		Path: path,
		Name: segments[len(segments)-1],
		File: pkg,
	}
}

// parentSet returns the test names that have subtests; they are
// reported as suites, not test cases.
func parentSet(names []string) map[string]struct{} {
	parents := make(map[string]struct{})

	for _, a := range names {
		prefix := a + "/"

		for _, b := range names {
			if strings.HasPrefix(b, prefix) {
				parents[a] = struct{}{}

				break
			}
		}
	}

	return parents
}

// cleanOutput strips test2json framing noise from an output line.
// Framework markers carry no information the item statuses don't.
func cleanOutput(out string) string {
	text := strings.TrimRight(out, "\n")
	trimmed := strings.TrimLeft(text, " ")

	for _, marker := range []string{"=== ", "--- "} {
		if strings.HasPrefix(trimmed, marker) {
			return ""
		}
	}

	return text
}
