package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/inquira/inquira-backend/internal/platform/logger"
	"github.com/inquira/inquira-backend/internal/types"
)

type ApiHistoryRepo interface {
	CreateOne(ctx context.Context, record *types.ApiHistory) (*types.ApiHistory, error)
	FindAllByThreadID(ctx context.Context, threadID string) ([]*types.ApiHistory, error)
}

type apiHistoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewApiHistoryRepo(db *gorm.DB, baseLog *logger.Logger) ApiHistoryRepo {
	return &apiHistoryRepo{db: db, log: baseLog.With("repo", "ApiHistoryRepo")}
}

func (r *apiHistoryRepo) CreateOne(ctx context.Context, record *types.ApiHistory) (*types.ApiHistory, error) {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (r *apiHistoryRepo) FindAllByThreadID(ctx context.Context, threadID string) ([]*types.ApiHistory, error) {
	var records []*types.ApiHistory
	err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
