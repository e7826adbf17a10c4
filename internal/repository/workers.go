package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"linewatch/internal/models"
)

// WorkerRepository 工人注册表仓库
type WorkerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWorkerRepository 创建工人注册表仓库
func NewWorkerRepository(db *sql.DB, logger *zap.Logger) *WorkerRepository {
	return &WorkerRepository{
		db:     db,
		logger: logger,
	}
}

// GetWorker 根据 worker_id 获取单个工人
func (r *WorkerRepository) GetWorker(ctx context.Context, workerID string) (*models.Worker, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}

	query := `
		SELECT
			worker_id,
			name,
			badge_id,
			shift,
			active
		FROM workers
		WHERE worker_id = $1
	`

	var w models.Worker
	err := r.db.QueryRowContext(ctx, query, workerID).Scan(
		&w.WorkerID,
		&w.Name,
		&w.BadgeID,
		&w.Shift,
		&w.Active,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("worker not found: %s", workerID)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return &w, nil
}

// ListActive 获取全部在册工人
func (r *WorkerRepository) ListActive(ctx context.Context) ([]models.Worker, error) {
	query := `
		SELECT
			worker_id,
			name,
			badge_id,
			shift,
			active
		FROM workers
		WHERE active = TRUE
		ORDER BY worker_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		var w models.Worker
		if err := rows.Scan(&w.WorkerID, &w.Name, &w.BadgeID, &w.Shift, &w.Active); err != nil {
			return nil, fmt.Errorf("failed to scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worker rows: %w", err)
	}

	return workers, nil
}

// Directory 内存中的在册工人目录
// 识别层需要同步校验神谕返回的 worker_id，不能在帧处理路径上查库，
// 因此启动时全量加载，之后定期 Refresh
type Directory struct {
	repo   *WorkerRepository
	logger *zap.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewDirectory 创建工人目录，调用方需先 Refresh 一次再投入使用
func NewDirectory(repo *WorkerRepository, logger *zap.Logger) *Directory {
	return &Directory{
		repo:   repo,
		logger: logger,
		ids:    make(map[string]struct{}),
	}
}

// Refresh 重新加载在册工人集合
func (d *Directory) Refresh(ctx context.Context) error {
	workers, err := d.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh worker directory: %w", err)
	}

	ids := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		ids[w.WorkerID] = struct{}{}
	}

	d.mu.Lock()
	d.ids = ids
	d.mu.Unlock()

	d.logger.Info("worker directory refreshed", zap.Int("workers", len(ids)))
	return nil
}

// Exists 判断工人是否在册
func (d *Directory) Exists(workerID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[workerID]
	return ok
}
