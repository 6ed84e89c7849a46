package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/repos"
	"github.com/inquira/inquira-backend/internal/types"
)

const deployCacheTTL = 30 * time.Second

// DeployService hands out the current deployment for a project. Returns
// (nil, nil) when the project has never been deployed.
type DeployService interface {
	GetLastDeployment(ctx context.Context, projectID uuid.UUID) (*types.Deployment, error)
}

type deployService struct {
	log  *logger.Logger
	repo repos.DeploymentRepo
	rdb  *goredis.Client
}

// NewDeployService wires an optional redis read-through cache in front of the
// deployment table; rdb may be nil.
func NewDeployService(baseLog *logger.Logger, repo repos.DeploymentRepo, rdb *goredis.Client) DeployService {
	return &deployService{
		log:  baseLog.With("service", "DeployService"),
		repo: repo,
		rdb:  rdb,
	}
}

func (s *deployService) GetLastDeployment(ctx context.Context, projectID uuid.UUID) (*types.Deployment, error) {
	key := fmt.Sprintf("deploy:last:%s", projectID)

	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var cached types.Deployment
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, goredis.Nil) {
			s.log.Warn("deployment cache read failed", "error", err, "projectId", projectID)
		}
	}

	deployment, err := s.repo.FindLastByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(deployment); err == nil {
			if err := s.rdb.Set(ctx, key, raw, deployCacheTTL).Err(); err != nil {
				s.log.Warn("deployment cache write failed", "error", err, "projectId", projectID)
			}
		}
	}
	return deployment, nil
}
