package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/types"
)

const DeploymentStatusDeployed = "DEPLOYED"

type DeploymentRepo interface {
	FindLastByProject(ctx context.Context, projectID uuid.UUID) (*types.Deployment, error)
}

type deploymentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeploymentRepo(db *gorm.DB, baseLog *logger.Logger) DeploymentRepo {
	return &deploymentRepo{db: db, log: baseLog.With("repo", "DeploymentRepo")}
}

func (r *deploymentRepo) FindLastByProject(ctx context.Context, projectID uuid.UUID) (*types.Deployment, error) {
	var deployment types.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status = ?", projectID, DeploymentStatusDeployed).
		Order("created_at DESC").
		First(&deployment).Error
	if err != nil {
		return nil, err
	}
	return &deployment, nil
}
