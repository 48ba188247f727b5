package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// Config configures a REST client.
type Config struct {
	BaseURL    string
	Token      string
	Language   language.Tag
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Client talks to the generation backend's REST API.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	language   language.Tag

	mu             sync.RWMutex
	token          string
	onUnauthorized func()

	jobFetches singleflight.Group
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		language:   cfg.Language,
		token:      cfg.Token,
	}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized registers fn to run whenever the server answers 401.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

type generateResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		JobID string `json:"job_id"`
	} `json:"data"`
}

// Submit validates req and posts it to /generate/{mode}. It returns the new
// job id; the response may carry nothing else.
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	if err := Validate(req); err != nil {
		return "", err
	}

	var resp generateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/generate/"+string(req.Mode()), req, &resp); err != nil {
		return "", err
	}

	jobID := resp.JobID
	if resp.Data != nil && resp.Data.JobID != "" {
		jobID = resp.Data.JobID
	}
	if jobID == "" {
		return "", NewError(ErrDecode, "submit response carries no job id").
			WithContext("mode", string(req.Mode()))
	}
	log.Info("Submitted %s job %s", req.Mode(), jobID)
	return jobID, nil
}

// GetJob fetches full job detail. Concurrent calls for the same id share one
// request, which runs detached from any single caller's cancellation and is
// bounded by the client timeout.
func (c *Client) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	fetch := c.jobFetches.DoChan(id, func() (any, error) {
		var wire jobResponse
		if err := c.doJSON(shared, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &wire); err != nil {
			return nil, err
		}
		job := wire.toJob()
		return &job, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-fetch:
		if res.Err != nil {
			return nil, res.Err
		}
		job := *res.Val.(*jobs.Job)
		return &job, nil
	}
}

type ListOptions struct {
	Page     int
	PageSize int
	Status   jobs.Status
	Type     jobs.Type
}

type JobList struct {
	Items    []jobs.Job
	Total    int
	Page     int
	PageSize int
}

type jobListResponse struct {
	Items    []jobResponse `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// ListJobs returns one page of the user's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*JobList, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Type != "" {
		q.Set("job_type", string(opts.Type))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var wire jobListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	ret := &JobList{
		Items:    make([]jobs.Job, 0, len(wire.Items)),
		Total:    wire.Total,
		Page:     wire.Page,
		PageSize: wire.PageSize,
	}
	for _, item := range wire.Items {
		ret.Items = append(ret.Items, item.toJob())
	}
	return ret, nil
}

// DeleteJob cancels a queued job or deletes a finished one.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	if err := validateJobID(id); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func validateJobID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return WrapError(err, ErrValidation, "invalid job id").WithContext("job_id", id)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return WrapError(err, ErrUnknown, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}
	contentType := ""
	if payload != nil {
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return WrapError(err, ErrUnknown, "failed to create request").WithContext("path", path)
	}

	requestID := uuid.NewString()
	for key, value := range c.headers(requestID) {
		req.Header.Set(key, value)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return WrapError(err, ErrNetwork, "request failed").
			WithContext("method", method).
			WithContext("path", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(err, ErrNetwork, "failed to read response").WithContext("path", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := statusError(resp.StatusCode, errorDetail(data)).
			WithContext("method", method).
			WithContext("path", path).
			WithContext("request_id", requestID)
		if resp.StatusCode == http.StatusUnauthorized {
			c.handleUnauthorized()
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return WrapError(err, ErrDecode, "failed to decode response").WithContext("path", path)
	}
	return nil
}

func (c *Client) headers(requestID string) map[string]string {
	headers := map[string]string{
		"Accept":       "application/json",
		"X-Request-ID": requestID,
	}
	if c.language != language.Und {
		headers["Accept-Language"] = c.language.String()
	}
	if token := c.Token(); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

func (c *Client) handleUnauthorized() {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// errorDetail extracts FastAPI's {"detail": ...} body, falling back to raw text.
func errorDetail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil {
			return s
		}
		return string(body.Detail)
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// jobResponse is the wire shape of GET /jobs/{id}. Every optional field may be
// null or missing.
type jobResponse struct {
	ID             string   `json:"id"`
	JobType        string   `json:"job_type"`
	Provider       string   `json:"provider"`
	Status         string   `json:"status"`
	Prompt         *string  `json:"prompt"`
	StylePreset    *string  `json:"style_preset"`
	InputFileURL   *string  `json:"input_file_url"`
	OutputVideoURL *string  `json:"output_video_url"`
	ThumbnailURL   *string  `json:"thumbnail_url"`
	ErrorMessage   *string  `json:"error_message"`
	Progress       *float64 `json:"progress"`
	CreatedAt      string   `json:"created_at"`
}

func (r jobResponse) toJob() jobs.Job {
	job := jobs.Job{
		ID:             r.ID,
		Type:           jobs.Type(r.JobType),
		Provider:       r.Provider,
		Status:         jobs.Status(r.Status),
		Prompt:         deref(r.Prompt),
		StylePreset:    deref(r.StylePreset),
		InputFileURL:   deref(r.InputFileURL),
		OutputVideoURL: deref(r.OutputVideoURL),
		ThumbnailURL:   deref(r.ThumbnailURL),
		ErrorMessage:   deref(r.ErrorMessage),
		CreatedAt:      parseTimestamp(r.CreatedAt),
	}
	if r.Progress != nil {
		job.Progress = int(math.Round(*r.Progress))
	}
	return job
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 and the naive ISO forms Python emits.
// Naive values are taken as UTC; unparseable input yields the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
