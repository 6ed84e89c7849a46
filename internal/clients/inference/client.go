package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inquira/inquira-backend/internal/platform/envutil"
	"github.com/inquira/inquira-backend/internal/platform/logger"
)

// AskStatus is the status reported by the AI service for a SQL-generation job.
type AskStatus string

const (
	AskStatusUnderstanding AskStatus = "UNDERSTANDING"
	AskStatusSearching     AskStatus = "SEARCHING"
	AskStatusPlanning      AskStatus = "PLANNING"
	AskStatusGenerating    AskStatus = "GENERATING"
	AskStatusCorrecting    AskStatus = "CORRECTING"
	AskStatusFinished      AskStatus = "FINISHED"
	AskStatusFailed        AskStatus = "FAILED"
	AskStatusStopped       AskStatus = "STOPPED"
)

func (s AskStatus) Terminal() bool {
	switch s {
	case AskStatusFinished, AskStatusFailed, AskStatusStopped:
		return true
	}
	return false
}

type AskType string

const (
	AskTypeNormal     AskType = "NORMAL"
	AskTypeGeneral    AskType = "GENERAL"
	AskTypeMisleading AskType = "MISLEADING_QUERY"
)

// SummaryStatus is the status of a text-based answer job. The service only
// exposes terminal states for this job kind.
type SummaryStatus string

const (
	SummaryStatusSucceeded SummaryStatus = "SUCCEEDED"
	SummaryStatusFailed    SummaryStatus = "FAILED"
)

func (s SummaryStatus) Terminal() bool {
	return s == SummaryStatusSucceeded || s == SummaryStatusFailed
}

type JobError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type AskResponse struct {
	SQL string `json:"sql"`
}

type AskResult struct {
	Status                 AskStatus     `json:"status"`
	Type                   AskType       `json:"type,omitempty"`
	Response               []AskResponse `json:"response,omitempty"`
	Error                  *JobError     `json:"error,omitempty"`
	RephrasedQuestion      string        `json:"rephrasedQuestion,omitempty"`
	IntentReasoning        string        `json:"intentReasoning,omitempty"`
	SQLGenerationReasoning string        `json:"sqlGenerationReasoning,omitempty"`
	RetrievedTables        []string      `json:"retrievedTables,omitempty"`
	InvalidSQL             string        `json:"invalidSql,omitempty"`
	TraceID                string        `json:"traceId,omitempty"`
}

type SummaryResult struct {
	Status SummaryStatus `json:"status"`
	Error  *JobError     `json:"error,omitempty"`
}

type AskHistory struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type AskConfigurations struct {
	Language string `json:"language,omitempty"`
}

type AskInput struct {
	Query          string            `json:"query"`
	DeployID       string            `json:"id"`
	ThreadID       string            `json:"threadId,omitempty"`
	Histories      []AskHistory      `json:"histories,omitempty"`
	Configurations AskConfigurations `json:"configurations,omitempty"`
}

type TextBasedAnswerInput struct {
	Query          string            `json:"query"`
	SQL            string            `json:"sql"`
	SQLData        json.RawMessage   `json:"sqlData"`
	ThreadID       string            `json:"threadId,omitempty"`
	Configurations AskConfigurations `json:"configurations,omitempty"`
}

// Client is the contract the orchestrator consumes. Both SQL generation and
// summarization follow the service's submit-job / poll-job shape; streamed
// content arrives on a separate channel per job.
type Client interface {
	Ask(ctx context.Context, in AskInput) (string, error)
	GetAskResult(ctx context.Context, queryID string) (*AskResult, error)
	StreamAskResult(ctx context.Context, queryID string) (io.ReadCloser, error)
	CreateTextBasedAnswer(ctx context.Context, in TextBasedAnswerInput) (string, error)
	GetTextBasedAnswerResult(ctx context.Context, queryID string) (*SummaryResult, error)
	StreamTextBasedAnswer(ctx context.Context, queryID string) (io.ReadCloser, error)
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference service: status=%d body=%s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	log        *logger.Logger
}

func New(opts Options, baseLog *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("baseURL required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &client{
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: hc,
		log:        baseLog.With("client", "InferenceClient"),
	}, nil
}

func NewFromEnv(baseLog *logger.Logger) (Client, error) {
	return New(Options{
		BaseURL: envutil.Str("INFERENCE_BASE_URL", "http://localhost:5555"),
		Timeout: envutil.Dur("INFERENCE_TIMEOUT", 30*time.Second),
	}, baseLog)
}

func (c *client) Ask(ctx context.Context, in AskInput) (string, error) {
	if strings.TrimSpace(in.Query) == "" {
		return "", errors.New("query required")
	}
	var out struct {
		QueryID string `json:"queryId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/asks", in, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.QueryID) == "" {
		return "", errors.New("ask: missing queryId")
	}
	return out.QueryID, nil
}

func (c *client) GetAskResult(ctx context.Context, queryID string) (*AskResult, error) {
	var out AskResult
	if err := c.doJSON(ctx, http.MethodGet, "/v1/asks/"+queryID+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) StreamAskResult(ctx context.Context, queryID string) (io.ReadCloser, error) {
	return c.openStream(ctx, "/v1/asks/"+queryID+"/streaming-result")
}

func (c *client) CreateTextBasedAnswer(ctx context.Context, in TextBasedAnswerInput) (string, error) {
	var out struct {
		QueryID string `json:"queryId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sql-answers", in, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.QueryID) == "" {
		return "", errors.New("sql-answers: missing queryId")
	}
	return out.QueryID, nil
}

func (c *client) GetTextBasedAnswerResult(ctx context.Context, queryID string) (*SummaryResult, error) {
	var out SummaryResult
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sql-answers/"+queryID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) StreamTextBasedAnswer(ctx context.Context, queryID string) (io.ReadCloser, error) {
	return c.openStream(ctx, "/v1/sql-answers/"+queryID+"/streaming")
}

func (c *client) doJSON(ctx context.Context, method string, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// openStream opens the provider's streaming channel. No client-side timeout
// is applied; the caller owns cancellation via ctx and must close the body.
func (c *client) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp.Body, nil
}
