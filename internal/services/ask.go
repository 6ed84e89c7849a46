package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inquira/inquira-backend/internal/clients/engine"
	"github.com/inquira/inquira-backend/internal/clients/inference"
	"github.com/inquira/inquira-backend/internal/platform/apierr"
	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/repos"
	"github.com/inquira/inquira-backend/internal/sse"
	"github.com/inquira/inquira-backend/internal/types"
)

// statusClientClosedRequest records a mid-stream disconnect in the audit
// table (nginx convention; never sent over the closed channel).
const statusClientClosedRequest = 499

const (
	defaultPollInterval = time.Second
	defaultPollDeadline = 3 * time.Minute
	defaultSampleSize   = 500
	maxSampleSize       = 10000

	historyWriteTimeout = 5 * time.Second
)

const (
	blockExplanation = "explanation"
	blockAnswer      = "answer"
)

type GenerateSQLInput struct {
	Question         string `json:"question"`
	ThreadID         string `json:"threadId,omitempty"`
	Language         string `json:"language,omitempty"`
	ReturnSQLDialect bool   `json:"returnSqlDialect,omitempty"`
}

type GenerateSQLOutput struct {
	SQL      string `json:"sql"`
	ThreadID string `json:"threadId"`
}

type StreamAskInput struct {
	GenerateSQLInput
	SampleSize int `json:"sampleSize,omitempty"`
}

// AskService turns a natural-language question into validated SQL and, on the
// streaming surface, an executed sample plus a streamed textual answer. Both
// entry points write exactly one audit record per request, on every exit path.
type AskService interface {
	GenerateSQL(ctx context.Context, in GenerateSQLInput) (*GenerateSQLOutput, *apierr.Error)
	StreamAsk(ctx context.Context, in StreamAskInput, w *sse.EventWriter)
}

type AskServiceConfig struct {
	PollInterval time.Duration
	PollDeadline time.Duration
}

type askService struct {
	log       *logger.Logger
	inference inference.Client
	engine    engine.Client
	projects  repos.ProjectRepo
	deploys   DeployService
	history   repos.ApiHistoryRepo

	pollInterval time.Duration
	pollDeadline time.Duration
}

func NewAskService(
	baseLog *logger.Logger,
	inferenceClient inference.Client,
	engineClient engine.Client,
	projects repos.ProjectRepo,
	deploys DeployService,
	history repos.ApiHistoryRepo,
	cfg AskServiceConfig,
) AskService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = defaultPollDeadline
	}
	return &askService{
		log:          baseLog.With("service", "AskService"),
		inference:    inferenceClient,
		engine:       engineClient,
		projects:     projects,
		deploys:      deploys,
		history:      history,
		pollInterval: cfg.PollInterval,
		pollDeadline: cfg.PollDeadline,
	}
}

func (s *askService) pollCfg() pollConfig {
	return pollConfig{Interval: s.pollInterval, Deadline: s.pollDeadline}
}

// ---------------------------------------------------------------------------
// Synchronous surface
// ---------------------------------------------------------------------------

func (s *askService) GenerateSQL(ctx context.Context, in GenerateSQLInput) (*GenerateSQLOutput, *apierr.Error) {
	start := time.Now()
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = uuid.New().String()
	}

	var projectID uuid.UUID
	out, aerr := s.runGenerateSQL(ctx, in, threadID, &projectID)

	statusCode := http.StatusOK
	var responsePayload any = out
	if aerr != nil {
		statusCode = aerr.Status
		responsePayload = errorPayload(aerr)
	}
	s.writeHistory(types.ApiTypeGenerateSQL, projectID, threadID, in, responsePayload, statusCode, time.Since(start))

	return out, aerr
}

func (s *askService) runGenerateSQL(ctx context.Context, in GenerateSQLInput, threadID string, projectID *uuid.UUID) (*GenerateSQLOutput, *apierr.Error) {
	if strings.TrimSpace(in.Question) == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, errors.New("question is required"))
	}

	project, deployment, aerr := s.resolveDeployment(ctx)
	if aerr != nil {
		return nil, aerr
	}
	*projectID = project.ID

	queryID, result, aerr := s.generateSQLJob(ctx, in, threadID, project, deployment, nil)
	if aerr != nil {
		return nil, aerr
	}

	sqlText, verr := validateAskResult(result, queryID)
	if verr != nil {
		return nil, verr
	}

	if in.ReturnSQLDialect {
		native, err := s.engine.NativeSQL(ctx, engine.NativeSQLInput{
			SQL:      sqlText,
			Manifest: json.RawMessage(deployment.Manifest),
		})
		if err != nil {
			// Translation failure falls back to the generated SQL.
			s.log.Warn("native sql translation failed, returning generated sql", "error", err, "threadId", threadID)
		} else {
			sqlText = native
		}
	}

	return &GenerateSQLOutput{SQL: sqlText, ThreadID: threadID}, nil
}

// ---------------------------------------------------------------------------
// Streaming surface
// ---------------------------------------------------------------------------

func (s *askService) StreamAsk(ctx context.Context, in StreamAskInput, w *sse.EventWriter) {
	start := time.Now()
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = uuid.New().String()
	}
	log := s.log.With("threadId", threadID)

	var (
		projectID       uuid.UUID
		statusCode      = http.StatusOK
		responsePayload any
	)

	// One audit record and one message_stop on every path out of here,
	// including panics. The writer ignores writes after Stop. message_stop
	// goes out first so a slow audit write never delays the client.
	defer func() {
		if r := recover(); r != nil {
			log.Error("stream ask panicked", "panic", r)
			statusCode = http.StatusInternalServerError
			responsePayload = map[string]any{"error": "internal server error", "code": apierr.CodeInternalServerError}
			_ = w.Error("internal server error", apierr.CodeInternalServerError, nil)
		}
		elapsed := time.Since(start)
		_ = w.Stop(threadID, elapsed)
		s.writeHistory(types.ApiTypeStreamAsk, projectID, threadID, in, responsePayload, statusCode, elapsed)
	}()

	_ = w.Start()

	payload, aerr := s.runStreamAsk(ctx, in, threadID, &projectID, w)
	if aerr != nil {
		statusCode = aerr.Status
		responsePayload = errorPayload(aerr)
		if ctx.Err() != nil {
			// Channel is gone; the audit write is the only thing left to do.
			log.Info("client disconnected mid-stream", "after", time.Since(start))
			return
		}
		log.Warn("stream ask failed", "error", aerr.Err, "code", aerr.Code)
		_ = w.Error(aerr.Error(), aerr.Code, aerr.Data)
		return
	}
	responsePayload = payload
}

func (s *askService) runStreamAsk(ctx context.Context, in StreamAskInput, threadID string, projectID *uuid.UUID, w *sse.EventWriter) (map[string]any, *apierr.Error) {
	if strings.TrimSpace(in.Question) == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, errors.New("question is required"))
	}

	project, deployment, aerr := s.resolveDeployment(ctx)
	if aerr != nil {
		return nil, aerr
	}
	*projectID = project.ID

	queryID, result, aerr := s.generateSQLJob(ctx, in.GenerateSQLInput, threadID, project, deployment, func(r *inference.AskResult) {
		_ = w.State(strings.ToLower(string(r.Status)), askStateFields(r))
	})
	if aerr != nil {
		return nil, aerr
	}

	sqlText, verr := validateAskResult(result, queryID)
	if verr != nil {
		if explanationID, ok := explanationQueryID(verr); ok {
			// GENERAL intent: no SQL stage runs; stream the service's
			// explanation for the same job instead.
			text, aerr := s.streamBlock(ctx, w, blockExplanation, func(ctx context.Context) (io.ReadCloser, error) {
				return s.inference.StreamAskResult(ctx, explanationID)
			})
			if aerr != nil {
				return nil, aerr
			}
			return map[string]any{"explanation": text, "threadId": threadID}, nil
		}
		return nil, verr
	}

	sampleSize := in.SampleSize
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	} else if sampleSize > maxSampleSize {
		sampleSize = maxSampleSize
	}

	preview, err := s.engine.Preview(ctx, engine.PreviewInput{
		SQL:      sqlText,
		Manifest: json.RawMessage(deployment.Manifest),
		Limit:    sampleSize,
	})
	if err != nil {
		return nil, s.stageError(ctx, err, "sql execution")
	}
	sqlData, err := json.Marshal(preview)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, apierr.CodeInternalServerError, err)
	}

	summaryID, err := s.inference.CreateTextBasedAnswer(ctx, inference.TextBasedAnswerInput{
		Query:          in.Question,
		SQL:            sqlText,
		SQLData:        sqlData,
		ThreadID:       threadID,
		Configurations: s.configurations(in.Language, project),
	})
	if err != nil {
		return nil, s.stageError(ctx, err, "answer submission")
	}

	// Second stage, fresh deadline. No intermediate states are observable
	// for this job kind, so there is nothing to emit per tick.
	summary, err := pollUntil(ctx, s.pollCfg(),
		func(ctx context.Context) (*inference.SummaryResult, error) {
			return s.inference.GetTextBasedAnswerResult(ctx, summaryID)
		},
		func(r *inference.SummaryResult) bool { return r.Status.Terminal() || r.Error != nil },
		func(r *inference.SummaryResult) string { return string(r.Status) },
		nil,
	)
	if err != nil {
		return nil, s.stageError(ctx, err, "answer generation")
	}
	if summary.Status != inference.SummaryStatusSucceeded {
		msg := "answer generation failed"
		code := apierr.CodeInternalServerError
		if summary.Error != nil {
			if summary.Error.Message != "" {
				msg = summary.Error.Message
			}
			if summary.Error.Code != "" {
				code = summary.Error.Code
			}
		}
		return nil, apierr.New(http.StatusBadRequest, code, errors.New(msg))
	}

	summaryText, aerr := s.streamBlock(ctx, w, blockAnswer, func(ctx context.Context) (io.ReadCloser, error) {
		return s.inference.StreamTextBasedAnswer(ctx, summaryID)
	})
	if aerr != nil {
		return nil, aerr
	}

	return map[string]any{"sql": sqlText, "summary": summaryText, "threadId": threadID}, nil
}

// ---------------------------------------------------------------------------
// Shared stages
// ---------------------------------------------------------------------------

func (s *askService) resolveDeployment(ctx context.Context) (*types.Project, *types.Deployment, *apierr.Error) {
	project, err := s.projects.GetCurrent(ctx)
	if err != nil {
		return nil, nil, apierr.New(http.StatusInternalServerError, apierr.CodeInternalServerError, fmt.Errorf("resolve project: %w", err))
	}
	deployment, err := s.deploys.GetLastDeployment(ctx, project.ID)
	if err != nil {
		return nil, nil, apierr.New(http.StatusInternalServerError, apierr.CodeInternalServerError, fmt.Errorf("resolve deployment: %w", err))
	}
	if deployment == nil {
		return nil, nil, apierr.New(http.StatusBadRequest, apierr.CodeNoDeploymentFound, errors.New("No deployment found"))
	}
	return project, deployment, nil
}

// generateSQLJob submits the SQL-generation job and polls it to a terminal
// snapshot, invoking onChange per observed status change.
func (s *askService) generateSQLJob(
	ctx context.Context,
	in GenerateSQLInput,
	threadID string,
	project *types.Project,
	deployment *types.Deployment,
	onChange func(*inference.AskResult),
) (string, *inference.AskResult, *apierr.Error) {
	queryID, err := s.inference.Ask(ctx, inference.AskInput{
		Query:          in.Question,
		DeployID:       deployment.Hash,
		ThreadID:       threadID,
		Histories:      s.threadHistories(ctx, threadID),
		Configurations: s.configurations(in.Language, project),
	})
	if err != nil {
		return "", nil, s.stageError(ctx, err, "sql generation submission")
	}

	result, err := pollUntil(ctx, s.pollCfg(),
		func(ctx context.Context) (*inference.AskResult, error) {
			return s.inference.GetAskResult(ctx, queryID)
		},
		func(r *inference.AskResult) bool { return r.Status.Terminal() || r.Error != nil },
		func(r *inference.AskResult) string { return string(r.Status) },
		onChange,
	)
	if err != nil {
		return "", nil, s.stageError(ctx, err, "sql generation")
	}
	return queryID, result, nil
}

// threadHistories reconstructs prior {question, sql} turns for the thread
// from the audit table. Turns missing either side are excluded. History is
// context, not correctness: a read failure degrades to an empty history.
func (s *askService) threadHistories(ctx context.Context, threadID string) []inference.AskHistory {
	records, err := s.history.FindAllByThreadID(ctx, threadID)
	if err != nil {
		s.log.Warn("failed to load thread history", "error", err, "threadId", threadID)
		return nil
	}

	var histories []inference.AskHistory
	for _, record := range records {
		if record.StatusCode != http.StatusOK {
			continue
		}
		var request struct {
			Question string `json:"question"`
		}
		var response struct {
			SQL string `json:"sql"`
		}
		_ = json.Unmarshal(record.RequestPayload, &request)
		_ = json.Unmarshal(record.ResponsePayload, &response)
		if strings.TrimSpace(request.Question) == "" || strings.TrimSpace(response.SQL) == "" {
			continue
		}
		histories = append(histories, inference.AskHistory{Question: request.Question, SQL: response.SQL})
	}
	return histories
}

// streamBlock writes one complete content block from a provider stream. The
// start/delta*/stop triple is completed on every path; the stream body is
// closed by the consumer, on disconnect included.
func (s *askService) streamBlock(ctx context.Context, w *sse.EventWriter, name string, open func(context.Context) (io.ReadCloser, error)) (string, *apierr.Error) {
	body, err := open(ctx)
	if err != nil {
		return "", s.stageError(ctx, err, name+" stream open")
	}

	if err := w.BlockStart(name); err != nil {
		_ = body.Close()
		return "", apierr.New(http.StatusInternalServerError, apierr.CodeInternalServerError, err)
	}

	var text strings.Builder
	streamErr := inference.ConsumeMessageStream(ctx, body, func(fragment string) error {
		text.WriteString(fragment)
		return w.BlockDelta(fragment)
	})
	_ = w.BlockStop()

	if streamErr != nil {
		return text.String(), s.stageError(ctx, streamErr, name+" stream")
	}
	return text.String(), nil
}

func (s *askService) configurations(language string, project *types.Project) inference.AskConfigurations {
	if strings.TrimSpace(language) == "" && project != nil {
		language = project.Language
	}
	return inference.AskConfigurations{Language: language}
}

// stageError folds a stage failure into the typed error taxonomy. Disconnects
// and deadline hits each get their canonical status so the audit record
// matches the outcome.
func (s *askService) stageError(ctx context.Context, err error, stage string) *apierr.Error {
	var aerr *apierr.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	if ctx.Err() != nil {
		return apierr.New(statusClientClosedRequest, apierr.CodeInternalServerError, fmt.Errorf("%s aborted: %w", stage, ctx.Err()))
	}
	if errors.Is(err, ErrPollingTimeout) {
		return apierr.New(http.StatusInternalServerError, apierr.CodePollingTimeout, fmt.Errorf("%s timed out", stage))
	}
	if stage == "sql execution" {
		return apierr.New(http.StatusBadRequest, apierr.CodeSQLExecutionError, err)
	}
	return apierr.New(http.StatusInternalServerError, apierr.CodeInternalServerError, fmt.Errorf("%s: %w", stage, err))
}

// askStateFields carries the diagnostic fields a client renders as live
// progress. Empty fields are omitted.
func askStateFields(r *inference.AskResult) map[string]any {
	fields := map[string]any{}
	if r.RephrasedQuestion != "" {
		fields["rephrasedQuestion"] = r.RephrasedQuestion
	}
	if r.IntentReasoning != "" {
		fields["intentReasoning"] = r.IntentReasoning
	}
	if r.SQLGenerationReasoning != "" {
		fields["sqlGenerationReasoning"] = r.SQLGenerationReasoning
	}
	if len(r.RetrievedTables) > 0 {
		fields["retrievedTables"] = r.RetrievedTables
	}
	if r.InvalidSQL != "" {
		fields["invalidSql"] = r.InvalidSQL
	}
	if r.TraceID != "" {
		fields["traceId"] = r.TraceID
	}
	return fields
}

func errorPayload(aerr *apierr.Error) map[string]any {
	payload := map[string]any{"error": aerr.Error()}
	if aerr.Code != "" {
		payload["code"] = aerr.Code
	}
	for k, v := range aerr.Data {
		payload[k] = v
	}
	return payload
}

// writeHistory persists the audit record. Detached from the request context
// so a disconnect still gets its best-effort write.
func (s *askService) writeHistory(apiType string, projectID uuid.UUID, threadID string, request any, response any, statusCode int, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	requestJSON, _ := json.Marshal(request)
	responseJSON, _ := json.Marshal(response)

	record := &types.ApiHistory{
		ProjectID:       projectID,
		ApiType:         apiType,
		ThreadID:        threadID,
		RequestPayload:  requestJSON,
		ResponsePayload: responseJSON,
		StatusCode:      statusCode,
		DurationMs:      duration.Milliseconds(),
	}
	if _, err := s.history.CreateOne(ctx, record); err != nil {
		s.log.Error("failed to write api history", "error", err, "apiType", apiType, "threadId", threadID)
	}
}
