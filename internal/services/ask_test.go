package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inquira/inquira-backend/internal/clients/engine"
	"github.com/inquira/inquira-backend/internal/clients/inference"
	"github.com/inquira/inquira-backend/internal/platform/apierr"
	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/sse"
	"github.com/inquira/inquira-backend/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeInference struct {
	mu sync.Mutex

	askInputs    []inference.AskInput
	askResults   []*inference.AskResult
	askResultIdx int
	askStream    string

	answerInputs    []inference.TextBasedAnswerInput
	answerResults   []*inference.SummaryResult
	answerResultIdx int
	answerStream    string
	answerStreamFn  func() (io.ReadCloser, error)
}

func (f *fakeInference) Ask(ctx context.Context, in inference.AskInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.askInputs = append(f.askInputs, in)
	return "ask-query-1", nil
}

func (f *fakeInference) GetAskResult(ctx context.Context, queryID string) (*inference.AskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.askResults[f.askResultIdx]
	if f.askResultIdx < len(f.askResults)-1 {
		f.askResultIdx++
	}
	return r, nil
}

func (f *fakeInference) StreamAskResult(ctx context.Context, queryID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.askStream)), nil
}

func (f *fakeInference) CreateTextBasedAnswer(ctx context.Context, in inference.TextBasedAnswerInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerInputs = append(f.answerInputs, in)
	return "answer-query-1", nil
}

func (f *fakeInference) GetTextBasedAnswerResult(ctx context.Context, queryID string) (*inference.SummaryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.answerResults[f.answerResultIdx]
	if f.answerResultIdx < len(f.answerResults)-1 {
		f.answerResultIdx++
	}
	return r, nil
}

func (f *fakeInference) StreamTextBasedAnswer(ctx context.Context, queryID string) (io.ReadCloser, error) {
	if f.answerStreamFn != nil {
		return f.answerStreamFn()
	}
	return io.NopCloser(strings.NewReader(f.answerStream)), nil
}

type fakeEngine struct {
	mu            sync.Mutex
	previewCalls  int
	previewResult *engine.PreviewResult
	previewErr    error
	nativeSQL     string
	nativeErr     error
}

func (f *fakeEngine) Preview(ctx context.Context, in engine.PreviewInput) (*engine.PreviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	if f.previewResult != nil {
		return f.previewResult, nil
	}
	return &engine.PreviewResult{
		Columns: []engine.PreviewColumn{{Name: "count", Type: "bigint"}},
		Data:    [][]any{{42}},
	}, nil
}

func (f *fakeEngine) NativeSQL(ctx context.Context, in engine.NativeSQLInput) (string, error) {
	if f.nativeErr != nil {
		return "", f.nativeErr
	}
	return f.nativeSQL, nil
}

func (f *fakeEngine) previews() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previewCalls
}

type fakeProjects struct {
	project *types.Project
}

func (f *fakeProjects) GetCurrent(ctx context.Context) (*types.Project, error) {
	return f.project, nil
}

type fakeDeploys struct {
	deployment *types.Deployment
}

func (f *fakeDeploys) GetLastDeployment(ctx context.Context, projectID uuid.UUID) (*types.Deployment, error) {
	return f.deployment, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	existing []*types.ApiHistory
	created  []*types.ApiHistory
}

func (f *fakeHistory) CreateOne(ctx context.Context, record *types.ApiHistory) (*types.ApiHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, record)
	return record, nil
}

func (f *fakeHistory) FindAllByThreadID(ctx context.Context, threadID string) ([]*types.ApiHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}

func (f *fakeHistory) records() []*types.ApiHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ApiHistory, len(f.created))
	copy(out, f.created)
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testProject() *types.Project {
	return &types.Project{ID: uuid.New(), Name: "analytics", Language: "en"}
}

func testDeployment(projectID uuid.UUID) *types.Deployment {
	return &types.Deployment{
		ID:        uuid.New(),
		ProjectID: projectID,
		Hash:      "deploy-hash-1",
		Manifest:  []byte(`{"models":[]}`),
		Status:    "DEPLOYED",
	}
}

func newTestAskService(inf *fakeInference, eng *fakeEngine, hist *fakeHistory, deployment *types.Deployment) (AskService, *types.Project) {
	project := testProject()
	if deployment == nil {
		deployment = testDeployment(project.ID)
	}
	svc := NewAskService(
		logger.NewNop(),
		inf,
		eng,
		&fakeProjects{project: project},
		&fakeDeploys{deployment: deployment},
		hist,
		AskServiceConfig{PollInterval: time.Millisecond, PollDeadline: time.Second},
	)
	return svc, project
}

func decodeStreamEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &event); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		events = append(events, event)
	}
	return events
}

func eventTypes(events []map[string]any) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e["type"].(string)
	}
	return out
}

func runStream(t *testing.T, svc AskService, ctx context.Context, in StreamAskInput) []map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := sse.NewEventWriter(rec)
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}
	svc.StreamAsk(ctx, in, w)
	return decodeStreamEvents(t, rec.Body.String())
}

// checkFraming asserts the stream-level invariants: exactly one message_start
// (first), exactly one message_stop (last), balanced content blocks.
func checkFraming(t *testing.T, events []map[string]any) {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("no events")
	}
	if events[0]["type"] != "message_start" {
		t.Fatalf("first event = %v, want message_start", events[0]["type"])
	}
	if events[len(events)-1]["type"] != "message_stop" {
		t.Fatalf("last event = %v, want message_stop", events[len(events)-1]["type"])
	}
	starts, stops := 0, 0
	open := false
	for i, e := range events {
		switch e["type"] {
		case "message_start":
			starts++
			if i != 0 {
				t.Fatalf("message_start at index %d", i)
			}
		case "message_stop":
			stops++
			if i != len(events)-1 {
				t.Fatalf("message_stop at index %d", i)
			}
		case "content_block_start":
			if open {
				t.Fatalf("nested content_block_start at index %d", i)
			}
			open = true
		case "content_block_delta":
			if !open {
				t.Fatalf("content_block_delta without open block at index %d", i)
			}
		case "content_block_stop":
			if !open {
				t.Fatalf("content_block_stop without open block at index %d", i)
			}
			open = false
		}
	}
	if open {
		t.Fatalf("content block left open")
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("message_start=%d message_stop=%d, want exactly one of each", starts, stops)
	}
}

// ---------------------------------------------------------------------------
// Streaming scenarios
// ---------------------------------------------------------------------------

func TestStreamAsk_FullPipeline(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusUnderstanding},
			{Status: inference.AskStatusSearching},
			{Status: inference.AskStatusGenerating},
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT COUNT(*) FROM orders"}}},
		},
		answerResults: []*inference.SummaryResult{
			{Status: inference.SummaryStatusSucceeded},
		},
		answerStream: "data: {\"message\":\"There were \"}\n\ndata: {\"message\":\"42 orders.\"}\n\n",
	}
	eng := &fakeEngine{}
	hist := &fakeHistory{}
	svc, _ := newTestAskService(inf, eng, hist, nil)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "How many orders last month?", ThreadID: "thread-A"},
	})
	checkFraming(t, events)

	var states, deltas []string
	var blockName string
	for _, e := range events {
		switch e["type"] {
		case "state":
			states = append(states, e["data"].(map[string]any)["state"].(string))
		case "content_block_start":
			blockName = e["content_block"].(map[string]any)["name"].(string)
		case "content_block_delta":
			deltas = append(deltas, e["delta"].(map[string]any)["text"].(string))
		}
	}

	wantStates := []string{"understanding", "searching", "generating", "finished"}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Fatalf("state[%d] = %q, want %q", i, states[i], wantStates[i])
		}
	}
	if blockName != "answer" {
		t.Fatalf("content block name = %q, want answer", blockName)
	}
	if strings.Join(deltas, "") != "There were 42 orders." {
		t.Fatalf("streamed text = %q", strings.Join(deltas, ""))
	}
	if eng.previews() != 1 {
		t.Fatalf("preview calls = %d, want 1", eng.previews())
	}
	if len(inf.answerInputs) != 1 || inf.answerInputs[0].SQL != "SELECT COUNT(*) FROM orders" {
		t.Fatalf("answer inputs = %+v", inf.answerInputs)
	}

	stop := events[len(events)-1]["data"].(map[string]any)
	if stop["threadId"] != "thread-A" {
		t.Fatalf("message_stop threadId = %v, want thread-A", stop["threadId"])
	}

	records := hist.records()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want exactly 1", len(records))
	}
	if records[0].StatusCode != 200 || records[0].ThreadID != "thread-A" || records[0].ApiType != types.ApiTypeStreamAsk {
		t.Fatalf("audit record = %+v", records[0])
	}
	var payload map[string]any
	if err := json.Unmarshal(records[0].ResponsePayload, &payload); err != nil {
		t.Fatalf("bad response payload: %v", err)
	}
	if payload["sql"] != "SELECT COUNT(*) FROM orders" || payload["summary"] != "There were 42 orders." {
		t.Fatalf("audit payload = %v", payload)
	}
}

func TestStreamAsk_GeneralQuestionStreamsExplanation(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusUnderstanding},
			{Status: inference.AskStatusFinished, Type: inference.AskTypeGeneral, IntentReasoning: "Question about the dataset itself"},
		},
		askStream: "data: {\"message\":\"This dataset covers \"}\n\ndata: {\"message\":\"orders and customers.\"}\n\n",
	}
	eng := &fakeEngine{}
	hist := &fakeHistory{}
	svc, _ := newTestAskService(inf, eng, hist, nil)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "What is this data about?", ThreadID: "thread-B"},
	})
	checkFraming(t, events)

	if eng.previews() != 0 {
		t.Fatalf("preview calls = %d, want 0 for GENERAL intent", eng.previews())
	}
	if len(inf.answerInputs) != 0 {
		t.Fatalf("summarization ran for GENERAL intent")
	}

	blocks := 0
	var blockName string
	for _, e := range events {
		if e["type"] == "content_block_start" {
			blocks++
			blockName = e["content_block"].(map[string]any)["name"].(string)
		}
	}
	if blocks != 1 || blockName != "explanation" {
		t.Fatalf("blocks = %d name = %q, want one explanation block", blocks, blockName)
	}

	records := hist.records()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	var payload map[string]any
	if err := json.Unmarshal(records[0].ResponsePayload, &payload); err != nil {
		t.Fatalf("bad response payload: %v", err)
	}
	if payload["explanation"] != "This dataset covers orders and customers." {
		t.Fatalf("audit explanation = %v", payload["explanation"])
	}
	if _, ok := payload["sql"]; ok {
		t.Fatalf("audit payload carries sql for GENERAL intent: %v", payload)
	}
}

func TestStreamAsk_PollingTimeout(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusUnderstanding},
		},
	}
	eng := &fakeEngine{}
	hist := &fakeHistory{}
	project := testProject()
	svc := NewAskService(
		logger.NewNop(),
		inf,
		eng,
		&fakeProjects{project: project},
		&fakeDeploys{deployment: testDeployment(project.ID)},
		hist,
		AskServiceConfig{PollInterval: time.Millisecond, PollDeadline: 15 * time.Millisecond},
	)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "How many orders?", ThreadID: "thread-C"},
	})
	checkFraming(t, events)

	var errEvent map[string]any
	for _, e := range events {
		if e["type"] == "error" {
			errEvent = e
		}
	}
	if errEvent == nil {
		t.Fatalf("no error event in %v", eventTypes(events))
	}
	if code := errEvent["data"].(map[string]any)["code"]; code != apierr.CodePollingTimeout {
		t.Fatalf("error code = %v, want POLLING_TIMEOUT", code)
	}
	if eng.previews() != 0 {
		t.Fatalf("preview calls = %d, want 0 after timeout", eng.previews())
	}

	records := hist.records()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].StatusCode != 500 {
		t.Fatalf("audit statusCode = %d, want 500", records[0].StatusCode)
	}
}

func TestStreamAsk_FailedGenerationSkipsExecution(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusFailed, Error: &inference.JobError{Code: "NO_RELEVANT_DATA", Message: "no relevant data"}, InvalidSQL: "SELECT broken"},
		},
	}
	eng := &fakeEngine{}
	hist := &fakeHistory{}
	svc, _ := newTestAskService(inf, eng, hist, nil)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "How many orders?", ThreadID: "thread-E"},
	})
	checkFraming(t, events)

	if eng.previews() != 0 {
		t.Fatalf("preview ran after failed generation")
	}
	var errEvent map[string]any
	for _, e := range events {
		if e["type"] == "error" {
			errEvent = e
		}
	}
	if errEvent == nil {
		t.Fatalf("no error event")
	}
	data := errEvent["data"].(map[string]any)
	if data["code"] != "NO_RELEVANT_DATA" || data["invalidSql"] != "SELECT broken" {
		t.Fatalf("error data = %v", data)
	}
	records := hist.records()
	if len(records) != 1 || records[0].StatusCode != 400 {
		t.Fatalf("audit = %+v", records)
	}
}

func TestStreamAsk_NoDeployment(t *testing.T) {
	inf := &fakeInference{}
	eng := &fakeEngine{}
	hist := &fakeHistory{}
	project := testProject()
	svc := NewAskService(
		logger.NewNop(),
		inf,
		eng,
		&fakeProjects{project: project},
		&fakeDeploys{deployment: nil},
		hist,
		AskServiceConfig{PollInterval: time.Millisecond, PollDeadline: time.Second},
	)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "How many orders?"},
	})
	checkFraming(t, events)

	var errEvent map[string]any
	for _, e := range events {
		if e["type"] == "error" {
			errEvent = e
		}
	}
	if errEvent == nil {
		t.Fatalf("no error event")
	}
	if code := errEvent["data"].(map[string]any)["code"]; code != apierr.CodeNoDeploymentFound {
		t.Fatalf("error code = %v, want NO_DEPLOYMENT_FOUND", code)
	}
}

func TestStreamAsk_GeneratedThreadIDRoundTrip(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT 1"}}},
		},
		answerResults: []*inference.SummaryResult{{Status: inference.SummaryStatusSucceeded}},
		answerStream:  "data: {\"message\":\"One.\"}\n\n",
	}
	hist := &fakeHistory{}
	svc, _ := newTestAskService(inf, &fakeEngine{}, hist, nil)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "Anything?"},
	})
	checkFraming(t, events)

	stop := events[len(events)-1]["data"].(map[string]any)
	threadID, _ := stop["threadId"].(string)
	if _, err := uuid.Parse(threadID); err != nil {
		t.Fatalf("generated threadId %q is not a uuid: %v", threadID, err)
	}

	records := hist.records()
	if len(records) != 1 || records[0].ThreadID != threadID {
		t.Fatalf("audit threadId = %q, want %q", records[0].ThreadID, threadID)
	}
}

// blockingStream serves one frame, then blocks until closed.
type blockingStream struct {
	data    []byte
	served  bool
	mu      sync.Mutex
	closed  bool
	unblock chan struct{}
}

func newBlockingStream(data string) *blockingStream {
	return &blockingStream{data: []byte(data), unblock: make(chan struct{})}
}

func (b *blockingStream) Read(p []byte) (int, error) {
	if !b.served {
		b.served = true
		return copy(p, b.data), nil
	}
	<-b.unblock
	return 0, errors.New("stream destroyed")
}

func (b *blockingStream) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.unblock)
	}
	return nil
}

func (b *blockingStream) wasClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func TestStreamAsk_ClientDisconnectMidSummary(t *testing.T) {
	body := newBlockingStream("data: {\"message\":\"partial \"}\n\n")
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT 1"}}},
		},
		answerResults:  []*inference.SummaryResult{{Status: inference.SummaryStatusSucceeded}},
		answerStreamFn: func() (io.ReadCloser, error) { return body, nil },
	}
	hist := &fakeHistory{}
	svc, _ := newTestAskService(inf, &fakeEngine{}, hist, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	events := runStream(t, svc, ctx, StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "How many?", ThreadID: "thread-D"},
	})
	checkFraming(t, events)

	if !body.wasClosed() {
		t.Fatalf("provider stream was not destroyed on disconnect")
	}
	for _, e := range events {
		if e["type"] == "error" {
			t.Fatalf("error event written after disconnect")
		}
	}

	records := hist.records()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want best-effort write", len(records))
	}
	if records[0].StatusCode != statusClientClosedRequest {
		t.Fatalf("audit statusCode = %d, want %d", records[0].StatusCode, statusClientClosedRequest)
	}
}

// stopOrderHistory records whether message_stop had already been written to
// the response when the audit write arrived.
type stopOrderHistory struct {
	fakeHistory
	rec               *httptest.ResponseRecorder
	stopBeforeHistory bool
}

func (h *stopOrderHistory) CreateOne(ctx context.Context, record *types.ApiHistory) (*types.ApiHistory, error) {
	h.stopBeforeHistory = strings.Contains(h.rec.Body.String(), `"type":"message_stop"`)
	return h.fakeHistory.CreateOne(ctx, record)
}

func TestStreamAsk_StopPrecedesAuditWrite(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT 1"}}},
		},
		answerResults: []*inference.SummaryResult{{Status: inference.SummaryStatusSucceeded}},
		answerStream:  "data: {\"message\":\"done\"}\n\n",
	}
	rec := httptest.NewRecorder()
	hist := &stopOrderHistory{rec: rec}
	project := testProject()
	svc := NewAskService(
		logger.NewNop(),
		inf,
		&fakeEngine{},
		&fakeProjects{project: project},
		&fakeDeploys{deployment: testDeployment(project.ID)},
		hist,
		AskServiceConfig{PollInterval: time.Millisecond, PollDeadline: time.Second},
	)

	w, err := sse.NewEventWriter(rec)
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}
	svc.StreamAsk(context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "q", ThreadID: "thread-O"},
	}, w)

	if len(hist.records()) != 1 {
		t.Fatalf("audit records = %d, want 1", len(hist.records()))
	}
	if !hist.stopBeforeHistory {
		t.Fatalf("audit write ran before message_stop reached the client")
	}
}

func TestStreamAsk_MissingQuestion(t *testing.T) {
	hist := &fakeHistory{}
	svc, _ := newTestAskService(&fakeInference{}, &fakeEngine{}, hist, nil)

	events := runStream(t, svc, context.Background(), StreamAskInput{})
	checkFraming(t, events)

	var errEvent map[string]any
	for _, e := range events {
		if e["type"] == "error" {
			errEvent = e
		}
	}
	if errEvent == nil {
		t.Fatalf("no error event")
	}
	if code := errEvent["data"].(map[string]any)["code"]; code != apierr.CodeValidation {
		t.Fatalf("error code = %v, want VALIDATION", code)
	}
	if len(hist.records()) != 1 {
		t.Fatalf("validation failure must still write the audit record")
	}
}

func TestStreamAsk_ForwardsThreadHistory(t *testing.T) {
	complete := &types.ApiHistory{
		StatusCode:      200,
		ThreadID:        "thread-H",
		RequestPayload:  []byte(`{"question":"How many orders?"}`),
		ResponsePayload: []byte(`{"sql":"SELECT COUNT(*) FROM orders"}`),
	}
	incomplete := &types.ApiHistory{
		StatusCode:      400,
		ThreadID:        "thread-H",
		RequestPayload:  []byte(`{"question":"What about the weather?"}`),
		ResponsePayload: []byte(`{"error":"NON_SQL_QUERY"}`),
	}
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT 1"}}},
		},
		answerResults: []*inference.SummaryResult{{Status: inference.SummaryStatusSucceeded}},
		answerStream:  "data: {\"message\":\"ok\"}\n\n",
	}
	hist := &fakeHistory{existing: []*types.ApiHistory{complete, incomplete}}
	svc, _ := newTestAskService(inf, &fakeEngine{}, hist, nil)

	events := runStream(t, svc, context.Background(), StreamAskInput{
		GenerateSQLInput: GenerateSQLInput{Question: "And this month?", ThreadID: "thread-H"},
	})
	checkFraming(t, events)

	if len(inf.askInputs) != 1 {
		t.Fatalf("ask submissions = %d, want 1", len(inf.askInputs))
	}
	histories := inf.askInputs[0].Histories
	if len(histories) != 1 {
		t.Fatalf("histories = %+v, want only the completed turn", histories)
	}
	if histories[0].Question != "How many orders?" || histories[0].SQL != "SELECT COUNT(*) FROM orders" {
		t.Fatalf("history = %+v", histories[0])
	}
}

// ---------------------------------------------------------------------------
// Synchronous surface
// ---------------------------------------------------------------------------

func TestGenerateSQL_Success(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusUnderstanding},
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT COUNT(*) FROM orders"}}},
		},
	}
	hist := &fakeHistory{}
	svc, _ := newTestAskService(inf, &fakeEngine{}, hist, nil)

	out, aerr := svc.GenerateSQL(context.Background(), GenerateSQLInput{Question: "How many orders?", ThreadID: "thread-S"})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if out.SQL != "SELECT COUNT(*) FROM orders" || out.ThreadID != "thread-S" {
		t.Fatalf("out = %+v", out)
	}

	records := hist.records()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].ApiType != types.ApiTypeGenerateSQL || records[0].StatusCode != 200 {
		t.Fatalf("audit = %+v", records[0])
	}
}

func TestGenerateSQL_DialectFallback(t *testing.T) {
	inf := &fakeInference{
		askResults: []*inference.AskResult{
			{Status: inference.AskStatusFinished, Type: inference.AskTypeNormal, Response: []inference.AskResponse{{SQL: "SELECT 1"}}},
		},
	}
	cases := []struct {
		name    string
		eng     *fakeEngine
		wantSQL string
	}{
		{name: "translated", eng: &fakeEngine{nativeSQL: "SELECT 1 /* native */"}, wantSQL: "SELECT 1 /* native */"},
		{name: "fallback_on_error", eng: &fakeEngine{nativeErr: errors.New("dialect unsupported")}, wantSQL: "SELECT 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inf.askResultIdx = 0
			svc, _ := newTestAskService(inf, tc.eng, &fakeHistory{}, nil)
			out, aerr := svc.GenerateSQL(context.Background(), GenerateSQLInput{Question: "q", ReturnSQLDialect: true})
			if aerr != nil {
				t.Fatalf("unexpected error: %v", aerr)
			}
			if out.SQL != tc.wantSQL {
				t.Fatalf("sql = %q, want %q", out.SQL, tc.wantSQL)
			}
		})
	}
}

func TestGenerateSQL_ValidationFailureStillAudited(t *testing.T) {
	hist := &fakeHistory{}
	svc, _ := newTestAskService(&fakeInference{}, &fakeEngine{}, hist, nil)

	_, aerr := svc.GenerateSQL(context.Background(), GenerateSQLInput{})
	if aerr == nil {
		t.Fatalf("expected validation error")
	}
	if aerr.Status != 400 || aerr.Code != apierr.CodeValidation {
		t.Fatalf("aerr = %+v", aerr)
	}
	records := hist.records()
	if len(records) != 1 || records[0].StatusCode != 400 {
		t.Fatalf("audit = %+v", records)
	}
}
