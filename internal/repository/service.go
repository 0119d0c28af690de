// Package repository 数据访问层
package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pu-ac-cn/cas-backend/internal/model"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrServiceNotFound = errors.New("注册服务不存在")
)

// ChangeStamp 注册表变更戳
// 行数或最后更新时间变化时说明底层数据发生了变更
type ChangeStamp struct {
	Count     int64
	UpdatedAt time.Time
}

// RegisteredServiceRepository 注册服务数据访问接口
type RegisteredServiceRepository interface {
	Save(ctx context.Context, svc *model.RegisteredService) error
	GetByID(ctx context.Context, id uint64) (*model.RegisteredService, error)
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context) ([]*model.RegisteredService, error)
	// Stamp 返回当前变更戳，用于快照刷新判断
	Stamp(ctx context.Context) (ChangeStamp, error)
}

// registeredServiceRepository 基于 gorm 的实现
type registeredServiceRepository struct {
	db *gorm.DB
}

// NewRegisteredServiceRepository 创建注册服务数据访问实例
func NewRegisteredServiceRepository(db *gorm.DB) RegisteredServiceRepository {
	return &registeredServiceRepository{db: db}
}

// Save 创建或更新注册服务
func (r *registeredServiceRepository) Save(ctx context.Context, svc *model.RegisteredService) error {
	return r.db.WithContext(ctx).Save(svc).Error
}

// GetByID 根据 ID 获取注册服务
func (r *registeredServiceRepository) GetByID(ctx context.Context, id uint64) (*model.RegisteredService, error) {
	var svc model.RegisteredService
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &svc, nil
}

// Delete 删除注册服务（软删除）
func (r *registeredServiceRepository) Delete(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.RegisteredService{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// List 列出全部注册服务，按匹配优先级排序
func (r *registeredServiceRepository) List(ctx context.Context) ([]*model.RegisteredService, error) {
	var services []*model.RegisteredService
	err := r.db.WithContext(ctx).
		Order("evaluation_order ASC, id ASC").
		Find(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

// Stamp 查询变更戳
func (r *registeredServiceRepository) Stamp(ctx context.Context) (ChangeStamp, error) {
	var stamp ChangeStamp
	row := r.db.WithContext(ctx).Model(&model.RegisteredService{}).
		Select("COUNT(*) AS count, COALESCE(MAX(updated_at), '1970-01-01') AS updated_at").
		Row()
	if err := row.Scan(&stamp.Count, &stamp.UpdatedAt); err != nil {
		return ChangeStamp{}, err
	}
	return stamp, nil
}

// memoryServiceRepository 内存实现
// service_registry.enabled=false 时使用，也便于测试
type memoryServiceRepository struct {
	mu       sync.RWMutex
	services map[uint64]*model.RegisteredService
	nextID   uint64
	version  int64
	updated  time.Time
}

// NewMemoryServiceRepository 创建内存注册服务仓库
func NewMemoryServiceRepository(seed []*model.RegisteredService) RegisteredServiceRepository {
	repo := &memoryServiceRepository{
		services: make(map[uint64]*model.RegisteredService),
		nextID:   1,
	}
	for _, svc := range seed {
		s := *svc
		if s.ID == 0 {
			s.ID = repo.nextID
		}
		if s.ID >= repo.nextID {
			repo.nextID = s.ID + 1
		}
		repo.services[s.ID] = &s
	}
	repo.updated = time.Now()
	return repo
}

func (r *memoryServiceRepository) Save(ctx context.Context, svc *model.RegisteredService) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc.ID == 0 {
		svc.ID = r.nextID
		r.nextID++
	}
	now := time.Now()
	svc.UpdatedAt = now
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	cp := *svc
	r.services[svc.ID] = &cp
	r.version++
	r.updated = now
	return nil
}

func (r *memoryServiceRepository) GetByID(ctx context.Context, id uint64) (*model.RegisteredService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (r *memoryServiceRepository) Delete(ctx context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[id]; !ok {
		return ErrServiceNotFound
	}
	delete(r.services, id)
	r.version++
	r.updated = time.Now()
	return nil
}

func (r *memoryServiceRepository) List(ctx context.Context) ([]*model.RegisteredService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services := make([]*model.RegisteredService, 0, len(r.services))
	for _, svc := range r.services {
		cp := *svc
		services = append(services, &cp)
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].EvaluationOrder != services[j].EvaluationOrder {
			return services[i].EvaluationOrder < services[j].EvaluationOrder
		}
		return services[i].ID < services[j].ID
	})
	return services, nil
}

func (r *memoryServiceRepository) Stamp(ctx context.Context) (ChangeStamp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ChangeStamp{Count: int64(len(r.services)) + r.version, UpdatedAt: r.updated}, nil
}
