// Package worker implements the owner/follower coordination protocol.
//
// Exactly one process owns the remote launch: it creates the launch,
// waits for the backend to confirm it, and finishes it at the end of
// the session. Worker processes receive an encoded Handle from the
// owner (through the environment) and report items and logs into the
// same launch without ever touching launch-level lifecycle.
package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// HandleEnv is the environment variable carrying the encoded handle.
const HandleEnv = "REPORTOOR_WORKER_HANDLE"

// Handle is the opaque value transferred from the owner to each
// follower at process start. It carries everything a follower needs to
// report into the owner's launch: connection parameters, the confirmed
// launch identifier, the delivery policy, and a seed of suite
// identifiers already started by the owner so followers reuse them
// instead of starting duplicates.
type Handle struct {
	Endpoint string `json:"endpoint"`
	Project  string `json:"project"`
	Token    string `json:"token"`

	LaunchID string `json:"launch_id"`
	Mode     string `json:"mode"`

	LogBatchSize int      `json:"log_batch_size"`
	IgnoreErrors bool     `json:"ignore_errors"`
	IgnoredTags  []string `json:"ignored_tags,omitempty"`

	LaunchWaitTimeout time.Duration `json:"launch_wait_timeout"`

	// SuiteIDs maps hierarchy paths to remote identifiers of suites the
	// owner had already started when the handle was created.
	SuiteIDs map[string]string `json:"suite_ids,omitempty"`
}

// IsWorker reports whether this process was started as a follower.
// The determination is an environment fact fixed for the process
// lifetime, established before any configuration is read.
func IsWorker() bool {
	return os.Getenv(HandleEnv) != ""
}

// Encode serializes the handle for transfer through the environment.
func Encode(h *Handle) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding worker handle: %w", err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode deserializes a handle produced by Encode.
func Decode(s string) (*Handle, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding worker handle: %w", err)
	}

	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parsing worker handle: %w", err)
	}

	if h.LaunchID == "" {
		return nil, fmt.Errorf("worker handle carries no launch identifier")
	}

	return &h, nil
}

// FromEnv decodes the handle from the process environment. Returns nil
// without error when the process is not a follower.
func FromEnv() (*Handle, error) {
	raw := os.Getenv(HandleEnv)
	if raw == "" {
		return nil, nil
	}

	h, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", HandleEnv, err)
	}

	return h, nil
}

// Env returns the encoded handle as a KEY=value environment entry,
// ready to append to a worker process environment.
func (h *Handle) Env() (string, error) {
	encoded, err := Encode(h)
	if err != nil {
		return "", err
	}

	return HandleEnv + "=" + encoded, nil
}
