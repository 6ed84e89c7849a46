package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inquira/inquira-backend/internal/platform/apierr"
)

// Error bodies are flat: {error, code?, ...additionalData}.
func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	body := gin.H{"error": msg}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func RespondAPIError(c *gin.Context, aerr *apierr.Error) {
	body := gin.H{"error": aerr.Error()}
	if aerr.Code != "" {
		body["code"] = aerr.Code
	}
	for k, v := range aerr.Data {
		body[k] = v
	}
	c.JSON(aerr.Status, body)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
