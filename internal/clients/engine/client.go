package engine

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

type PreviewInput struct {
	SQL      string          `json:"sql"`
	Manifest json.RawMessage `json:"manifest"`
	Limit    int             `json:"limit,omitempty"`
}

type PreviewColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type PreviewResult struct {
	Columns []PreviewColumn `json:"columns"`
	Data    [][]any         `json:"data"`
}

type NativeSQLInput struct {
	SQL      string          `json:"sql"`
	Manifest json.RawMessage `json:"manifest"`
	Dialect  string          `json:"dialect,omitempty"`
}

// Client is the query-execution collaborator: it previews generated SQL
// against the deployed modeling manifest and renders SQL in the data source's
// native dialect.
type Client interface {
	Preview(ctx context.Context, in PreviewInput) (*PreviewResult, error)
	NativeSQL(ctx context.Context, in NativeSQLInput) (string, error)
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("engine: status=%d body=%s", e.StatusCode, e.Body)
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
		timeout = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &client{
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: hc,
		log:        baseLog.With("client", "EngineClient"),
	}, nil
}

func NewFromEnv(baseLog *logger.Logger) (Client, error) {
	return New(Options{
		BaseURL: envutil.Str("ENGINE_BASE_URL", "http://localhost:8080"),
		Timeout: envutil.Dur("ENGINE_TIMEOUT", 60*time.Second),
	}, baseLog)
}

func (c *client) Preview(ctx context.Context, in PreviewInput) (*PreviewResult, error) {
	if strings.TrimSpace(in.SQL) == "" {
		return nil, errors.New("sql required")
	}
	var out PreviewResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/mdl/preview", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) NativeSQL(ctx context.Context, in NativeSQLInput) (string, error) {
	if strings.TrimSpace(in.SQL) == "" {
		return "", errors.New("sql required")
	}
	var out struct {
		SQL string `json:"sql"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/mdl/native-sql", in, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SQL) == "" {
		return "", errors.New("native-sql: empty sql")
	}
	return out.SQL, nil
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
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
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
