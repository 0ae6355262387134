// Package engine adapts a `go test -json` event stream into the
// lifecycle callbacks the listener expects: session start/finish, item
// start/finish, suite finish and log emission.
package engine

import "time"

// Event is one record of the test2json stream.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test,omitempty"`
	Output  string    `json:"Output,omitempty"`
	Elapsed float64   `json:"Elapsed,omitempty"`
}

// test2json actions this adapter cares about.
const (
	actionRun    = "run"
	actionPass   = "pass"
	actionFail   = "fail"
	actionSkip   = "skip"
	actionOutput = "output"
)
