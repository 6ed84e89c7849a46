package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Project struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name      string    `gorm:"column:name;not null" json:"name"`
	Catalog   string    `gorm:"column:catalog" json:"catalog"`
	Schema    string    `gorm:"column:schema" json:"schema"`
	Language  string    `gorm:"column:language" json:"language"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}

type Deployment struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;index;not null" json:"project_id"`
	Hash      string         `gorm:"column:hash;not null" json:"hash"`
	Manifest  datatypes.JSON `gorm:"type:jsonb;column:manifest" json:"manifest"`
	Status    string         `gorm:"column:status;not null" json:"status"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Deployment) TableName() string {
	return "deployment"
}
