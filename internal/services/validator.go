package services

import (
	"errors"
	"net/http"
	"strings"

	"github.com/inquira/inquira-backend/internal/clients/inference"
	"github.com/inquira/inquira-backend/internal/platform/apierr"
)

// validateAskResult classifies a terminal SQL-generation snapshot into a SQL
// string or a typed error. The queryID travels with the GENERAL outcome so
// the caller can still stream the service's free-form explanation for that
// job even though no SQL was produced.
func validateAskResult(result *inference.AskResult, queryID string) (string, *apierr.Error) {
	if result.Error != nil {
		var data map[string]any
		if result.InvalidSQL != "" {
			data = map[string]any{"invalidSql": result.InvalidSQL}
		}
		msg := result.Error.Message
		if msg == "" {
			msg = "SQL generation failed"
		}
		code := result.Error.Code
		if code == "" {
			code = apierr.CodeInternalServerError
		}
		return "", apierr.WithData(http.StatusBadRequest, code, errors.New(msg), data)
	}

	switch result.Type {
	case inference.AskTypeMisleading:
		msg := result.IntentReasoning
		if msg == "" {
			msg = "The question is not answerable with the available data"
		}
		return "", apierr.New(http.StatusBadRequest, apierr.CodeNonSQLQuery, errors.New(msg))
	case inference.AskTypeGeneral:
		msg := result.IntentReasoning
		if msg == "" {
			msg = "The question does not resolve to a SQL query"
		}
		return "", apierr.WithData(http.StatusBadRequest, apierr.CodeNonSQLQuery, errors.New(msg), map[string]any{
			"explanationQueryId": queryID,
		})
	}

	// FINISHED with an empty response is a contract violation upstream.
	if len(result.Response) == 0 || strings.TrimSpace(result.Response[0].SQL) == "" {
		return "", apierr.New(http.StatusBadRequest, apierr.CodeInternalServerError, errors.New("No SQL generated"))
	}
	return result.Response[0].SQL, nil
}

// explanationQueryID reports the job handle carried by a GENERAL outcome.
func explanationQueryID(aerr *apierr.Error) (string, bool) {
	if aerr == nil || aerr.Data == nil {
		return "", false
	}
	id, ok := aerr.Data["explanationQueryId"].(string)
	return id, ok && id != ""
}
