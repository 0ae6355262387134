package rpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultRequestTimeout = 30 * time.Second

// Config for the HTTP client.
type Config struct {
	Endpoint string
	Project  string
	Token    string

	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration

	// RequestsPerSecond throttles outbound calls so a chatty run cannot
	// trip the backend's rate limiting. Zero means unthrottled.
	RequestsPerSecond int
}

// httpClient implements Client against a ReportPortal-style REST API.
type httpClient struct {
	log     logrus.FieldLogger
	cfg     *Config
	http    *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	launchID string

	// startWG tracks the in-flight asynchronous start-launch call so
	// Close can wait for it.
	startWG sync.WaitGroup
}

// Ensure interface compliance.
var _ Client = (*httpClient)(nil)

// New creates a new HTTP report client.
func New(log logrus.FieldLogger, cfg *Config) Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}

	return &httpClient{
		log:     log.WithField("component", "rpclient"),
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
	}
}

// Wire types. Timestamps travel as Unix milliseconds.

type startLaunchBody struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Mode        string   `json:"mode"`
	StartTime   int64    `json:"start_time"`
}

type finishLaunchBody struct {
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}

type startItemBody struct {
	LaunchID  string   `json:"launch_id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Path      string   `json:"path"`
	Tags      []string `json:"tags,omitempty"`
	StartTime int64    `json:"start_time"`
}

type finishItemBody struct {
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}

type logEntryBody struct {
	ItemID  string `json:"item_id"`
	Time    int64  `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

type idResponse struct {
	ID string `json:"id"`
}

// StartLaunch issues the start-launch call in the background. The
// launch identifier is published through LaunchID once the backend
// responds; failures are logged and leave the identifier empty so the
// caller's bounded wait can surface them.
func (c *httpClient) StartLaunch(ctx context.Context, req *StartLaunchRequest) {
	body := &startLaunchBody{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Mode:        req.Mode,
		StartTime:   req.StartTime.UnixMilli(),
	}

	c.startWG.Add(1)

	go func() {
		defer c.startWG.Done()

		var resp idResponse
		if err := c.do(ctx, http.MethodPost, c.projectURL("launch"), body, &resp); err != nil {
			c.log.WithError(err).Error("Start launch call failed")

			return
		}

		c.mu.Lock()
		c.launchID = resp.ID
		c.mu.Unlock()

		c.log.WithField("launch_id", resp.ID).Debug("Launch established")
	}()
}

// LaunchID returns the remote launch identifier, or "" while unresolved.
func (c *httpClient) LaunchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.launchID
}

// SetLaunchID installs an already-established launch identifier.
func (c *httpClient) SetLaunchID(id string) {
	c.mu.Lock()
	c.launchID = id
	c.mu.Unlock()
}

// FinishLaunch finishes the launch with the given aggregate status.
func (c *httpClient) FinishLaunch(ctx context.Context, status string, endTime time.Time) error {
	id := c.LaunchID()
	if id == "" {
		return fmt.Errorf("finishing launch: no launch identifier")
	}

	body := &finishLaunchBody{
		Status:  status,
		EndTime: endTime.UnixMilli(),
	}

	if err := c.do(ctx, http.MethodPut, c.projectURL("launch", id, "finish"), body, nil); err != nil {
		return fmt.Errorf("finishing launch: %w", err)
	}

	return nil
}

// StartItem starts a suite or test item under the given parent.
func (c *httpClient) StartItem(ctx context.Context, parentID string, req *StartItemRequest) (string, error) {
	body := &startItemBody{
		LaunchID:  c.LaunchID(),
		Name:      req.Name,
		Kind:      req.Kind,
		Path:      req.Path,
		Tags:      req.Tags,
		StartTime: req.StartTime.UnixMilli(),
	}

	target := c.projectURL("item")
	if parentID != "" {
		target = c.projectURL("item", parentID)
	}

	var resp idResponse
	if err := c.do(ctx, http.MethodPost, target, body, &resp); err != nil {
		return "", fmt.Errorf("starting item %q: %w", req.Name, err)
	}

	return resp.ID, nil
}

// FinishItem finishes the item with the given status.
func (c *httpClient) FinishItem(ctx context.Context, itemID, status string, endTime time.Time) error {
	body := &finishItemBody{
		Status:  status,
		EndTime: endTime.UnixMilli(),
	}

	if err := c.do(ctx, http.MethodPut, c.projectURL("item", itemID), body, nil); err != nil {
		return fmt.Errorf("finishing item: %w", err)
	}

	return nil
}

// Log delivers one batch of log records for a single item.
func (c *httpClient) Log(ctx context.Context, itemID string, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	entries := make([]logEntryBody, 0, len(records))
	for _, rec := range records {
		entries = append(entries, logEntryBody{
			ItemID:  itemID,
			Time:    rec.Time.UnixMilli(),
			Level:   rec.Level,
			Message: rec.Message,
		})
	}

	if err := c.do(ctx, http.MethodPost, c.projectURL("log"), entries, nil); err != nil {
		return fmt.Errorf("sending log batch: %w", err)
	}

	return nil
}

// FindItem looks up an already-started item by hierarchy path.
func (c *httpClient) FindItem(ctx context.Context, path string) (string, error) {
	id := c.LaunchID()
	if id == "" {
		return "", nil
	}

	target := c.projectURL("item") + "?" + url.Values{
		"launch": {id},
		"path":   {path},
	}.Encode()

	var resp idResponse

	err := c.do(ctx, http.MethodGet, target, nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}

		return "", fmt.Errorf("finding item: %w", err)
	}

	return resp.ID, nil
}

// Close waits for the in-flight start-launch call and releases the
// transport.
func (c *httpClient) Close() error {
	c.startWG.Wait()
	c.http.CloseIdleConnections()

	return nil
}

// projectURL joins path segments under the project API root.
func (c *httpClient) projectURL(parts ...string) string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")

	segments := append([]string{"api", "v1", c.cfg.Project}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return base + "/" + strings.Join(segments, "/")
}

// statusError carries a non-2xx HTTP status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError

	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// do executes a single JSON request against the backend.
func (c *httpClient) do(ctx context.Context, method, target string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
