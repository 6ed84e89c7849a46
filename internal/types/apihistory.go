package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ApiTypeGenerateSQL = "GENERATE_SQL"
	ApiTypeStreamAsk   = "STREAM_ASK"
)

// ApiHistory is the audit record written exactly once per inbound request.
type ApiHistory struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID       uuid.UUID      `gorm:"type:uuid;index" json:"project_id"`
	ApiType         string         `gorm:"column:api_type;not null;index" json:"api_type"`
	ThreadID        string         `gorm:"column:thread_id;index" json:"thread_id"`
	RequestPayload  datatypes.JSON `gorm:"type:jsonb;column:request_payload" json:"request_payload"`
	ResponsePayload datatypes.JSON `gorm:"type:jsonb;column:response_payload" json:"response_payload"`
	StatusCode      int            `gorm:"column:status_code;not null" json:"status_code"`
	DurationMs      int64          `gorm:"column:duration_ms;not null" json:"duration_ms"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (ApiHistory) TableName() string {
	return "api_history"
}
