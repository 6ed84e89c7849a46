package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/repos"
	"github.com/inquira/inquira-backend/internal/types"
)

const auditWriteTimeout = 5 * time.Second

// Auditor writes the audit record for requests rejected before any service
// ran (unparsable body, wrong method), keeping the one-record-per-request
// guarantee at the route level.
type Auditor struct {
	history repos.ApiHistoryRepo
	log     *logger.Logger
}

func NewAuditor(history repos.ApiHistoryRepo, baseLog *logger.Logger) *Auditor {
	return &Auditor{history: history, log: baseLog.With("component", "Auditor")}
}

// ApiTypeForPath maps an audited route to its api type. Routes outside the
// audited surface report false.
func ApiTypeForPath(path string) (string, bool) {
	switch path {
	case "/api/v1/generate_sql":
		return types.ApiTypeGenerateSQL, true
	case "/api/v1/stream/ask":
		return types.ApiTypeStreamAsk, true
	}
	return "", false
}

func (a *Auditor) RecordRejection(apiType string, threadID string, statusCode int, code string, err error, duration time.Duration) {
	if threadID == "" {
		threadID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	responseJSON, _ := json.Marshal(map[string]any{"error": err.Error(), "code": code})
	record := &types.ApiHistory{
		ApiType:         apiType,
		ThreadID:        threadID,
		ResponsePayload: responseJSON,
		StatusCode:      statusCode,
		DurationMs:      duration.Milliseconds(),
	}
	if _, err := a.history.CreateOne(ctx, record); err != nil {
		a.log.Error("failed to write api history", "error", err, "apiType", apiType)
	}
}
