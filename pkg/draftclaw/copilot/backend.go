// Package copilot – backend.go is the REST client for the integration
// backend that builds tool configurations and executes them. Drafts are
// never saved there; a draft run sends the full configuration inline.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ---------- Tool model ----------

// ToolConfiguration is an executable integration: ordered HTTP steps plus
// schemas and an optional output transform.
type ToolConfiguration struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Version         string          `json:"version,omitempty"`
	Instruction     string          `json:"instruction,omitempty"`
	Steps           []ToolStep      `json:"steps"`
	InputSchema     json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema    json.RawMessage `json:"outputSchema,omitempty"`
	OutputTransform string          `json:"outputTransform,omitempty"`
	CreatedAt       *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time      `json:"updatedAt,omitempty"`
}

// ToolStep is one request of a tool. String fields may contain
// <<(sourceData) => ...>> expressions evaluated by the backend.
type ToolStep struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	SystemID        string            `json:"systemId"`
	QueryParams     map[string]any    `json:"queryParams,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	Pagination      *Pagination       `json:"pagination,omitempty"`
	Instruction     string            `json:"instruction,omitempty"`
	Modify          bool              `json:"modify,omitempty"`
	DataSelector    string            `json:"dataSelector,omitempty"`
	FailureBehavior string            `json:"failureBehavior,omitempty"` // "fail" or "continue"
}

// Pagination describes how a step walks pages.
type Pagination struct {
	Type          string `json:"type"` // disabled, offsetBased, pageBased, cursorBased
	PageSize      string `json:"pageSize,omitempty"`
	CursorPath    string `json:"cursorPath,omitempty"`
	StopCondition string `json:"stopCondition,omitempty"`
}

// SystemIDs returns the distinct system ids referenced by the steps, in
// step order.
func (c ToolConfiguration) SystemIDs() []string {
	ids := make([]string, 0, len(c.Steps))
	for _, s := range c.Steps {
		ids = append(ids, s.SystemID)
	}
	return dedupeStrings(ids)
}

// ---------- Run model ----------

// RunStatus is the state of a backend run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted"
)

// Run is one execution of a tool.
type Run struct {
	RunID       string            `json:"runId"`
	ToolID      string            `json:"toolId"`
	Status      RunStatus         `json:"status"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	StepResults []json.RawMessage `json:"stepResults,omitempty"`
	Metadata    RunMetadata       `json:"metadata"`
	TraceID     string            `json:"traceId,omitempty"`
}

// RunMetadata holds run timing.
type RunMetadata struct {
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

// RunRequest starts a run. Credentials override stored system credentials
// for this run only and are never persisted by the backend.
type RunRequest struct {
	RunID       string            `json:"runId,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Options     *RunOptions       `json:"options,omitempty"`
}

// RunOptions tunes a run.
type RunOptions struct {
	Async      bool   `json:"async,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// BuildRequest asks the backend to generate a tool configuration.
type BuildRequest struct {
	Instruction    string          `json:"instruction"`
	SystemIDs      []string        `json:"systemIds,omitempty"`
	Payload        map[string]any  `json:"payload,omitempty"`
	ResponseSchema json.RawMessage `json:"responseSchema,omitempty"`
}

// ListRunsParams filters ListRuns.
type ListRunsParams struct {
	ToolID string
	Status RunStatus
	Page   int
	Limit  int
}

// ListRunsResponse is one page of runs.
type ListRunsResponse struct {
	Data    []Run `json:"data"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int   `json:"total"`
	HasMore bool  `json:"hasMore"`
}

// Backend is the integration backend used by the draft tools.
type Backend interface {
	BuildTool(ctx context.Context, req BuildRequest) (*ToolConfiguration, error)
	RunDraft(ctx context.Context, cfg ToolConfiguration, req RunRequest) (*Run, error)
	RunTool(ctx context.Context, toolID string, req RunRequest) (*Run, error)
	GetTool(ctx context.Context, toolID string) (*ToolConfiguration, error)
	ListRuns(ctx context.Context, params ListRunsParams) (*ListRunsResponse, error)
	CancelRun(ctx context.Context, runID string) (*Run, error)
}

// BackendError is a non-2xx response from the backend.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, truncate(e.Message, 200))
}

// ---------- HTTP client ----------

// HTTPBackend implements Backend over the REST API.
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPBackend creates a backend client from config.
func NewHTTPBackend(cfg BackendConfig, logger *slog.Logger) *HTTPBackend {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "backend"),
	}
}

// BuildTool implements Backend.
func (b *HTTPBackend) BuildTool(ctx context.Context, req BuildRequest) (*ToolConfiguration, error) {
	var cfg ToolConfiguration
	if err := b.do(ctx, http.MethodPost, "/tools/build", nil, req, &cfg); err != nil {
		return nil, fmt.Errorf("build tool: %w", err)
	}
	return &cfg, nil
}

// RunDraft implements Backend. The unsaved configuration travels inline.
func (b *HTTPBackend) RunDraft(ctx context.Context, cfg ToolConfiguration, req RunRequest) (*Run, error) {
	body := struct {
		Tool ToolConfiguration `json:"tool"`
		RunRequest
	}{Tool: cfg, RunRequest: req}

	var run Run
	if err := b.do(ctx, http.MethodPost, "/tools/run", nil, body, &run); err != nil {
		return nil, fmt.Errorf("run draft: %w", err)
	}
	return &run, nil
}

// RunTool implements Backend.
func (b *HTTPBackend) RunTool(ctx context.Context, toolID string, req RunRequest) (*Run, error) {
	var run Run
	if err := b.do(ctx, http.MethodPost, "/tools/"+url.PathEscape(toolID)+"/run", nil, req, &run); err != nil {
		return nil, fmt.Errorf("run tool %s: %w", toolID, err)
	}
	return &run, nil
}

// GetTool implements Backend.
func (b *HTTPBackend) GetTool(ctx context.Context, toolID string) (*ToolConfiguration, error) {
	var cfg ToolConfiguration
	if err := b.do(ctx, http.MethodGet, "/tools/"+url.PathEscape(toolID), nil, nil, &cfg); err != nil {
		return nil, fmt.Errorf("get tool %s: %w", toolID, err)
	}
	return &cfg, nil
}

// ListRuns implements Backend.
func (b *HTTPBackend) ListRuns(ctx context.Context, params ListRunsParams) (*ListRunsResponse, error) {
	q := url.Values{}
	if params.ToolID != "" {
		q.Set("toolId", params.ToolID)
	}
	if params.Status != "" {
		q.Set("status", string(params.Status))
	}
	page, limit := params.Page, params.Limit
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var resp ListRunsResponse
	if err := b.do(ctx, http.MethodGet, "/runs", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return &resp, nil
}

// CancelRun implements Backend.
func (b *HTTPBackend) CancelRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := b.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, nil, &run); err != nil {
		return nil, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return &run, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := b.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	b.logger.Debug("backend request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &BackendError{StatusCode: resp.StatusCode, Message: backendErrorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// backendErrorMessage extracts {"error": "..."} or {"message": "..."} and
// falls back to the raw body.
func backendErrorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}
