package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/types"
)

type ProjectRepo interface {
	GetCurrent(ctx context.Context) (*types.Project, error)
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{db: db, log: baseLog.With("repo", "ProjectRepo")}
}

// GetCurrent returns the active project. The backend manages a single
// project per installation, so the newest row wins.
func (r *projectRepo) GetCurrent(ctx context.Context) (*types.Project, error) {
	var project types.Project
	if err := r.db.WithContext(ctx).Order("created_at DESC").First(&project).Error; err != nil {
		return nil, err
	}
	return &project, nil
}
