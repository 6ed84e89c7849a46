package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inquira/inquira-backend/internal/platform/apierr"
	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/services"
	"github.com/inquira/inquira-backend/internal/sse"
	"github.com/inquira/inquira-backend/internal/types"
)

type AskHandler struct {
	ask   services.AskService
	audit *Auditor
	log   *logger.Logger
}

func NewAskHandler(ask services.AskService, audit *Auditor, baseLog *logger.Logger) *AskHandler {
	return &AskHandler{ask: ask, audit: audit, log: baseLog.With("handler", "AskHandler")}
}

// POST /api/v1/generate_sql
func (h *AskHandler) GenerateSQL(c *gin.Context) {
	start := time.Now()
	var req services.GenerateSQLInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.audit.RecordRejection(types.ApiTypeGenerateSQL, req.ThreadID, http.StatusBadRequest, apierr.CodeValidation, err, time.Since(start))
		RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
		return
	}

	out, aerr := h.ask.GenerateSQL(c.Request.Context(), req)
	if aerr != nil {
		RespondAPIError(c, aerr)
		return
	}
	RespondOK(c, out)
}

// POST /api/v1/stream/ask
func (h *AskHandler) StreamAsk(c *gin.Context) {
	start := time.Now()
	var req services.StreamAskInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.audit.RecordRejection(types.ApiTypeStreamAsk, req.ThreadID, http.StatusBadRequest, apierr.CodeValidation, err, time.Since(start))
		RespondError(c, http.StatusBadRequest, apierr.CodeValidation, err)
		return
	}

	sse.SetHeaders(c.Writer)
	writer, err := sse.NewEventWriter(c.Writer)
	if err != nil {
		h.audit.RecordRejection(types.ApiTypeStreamAsk, req.ThreadID, http.StatusInternalServerError, apierr.CodeInternalServerError, err, time.Since(start))
		RespondError(c, http.StatusInternalServerError, apierr.CodeInternalServerError, err)
		return
	}
	// Headers go out before the first event.
	c.Writer.Flush()

	h.ask.StreamAsk(c.Request.Context(), req, writer)
}
