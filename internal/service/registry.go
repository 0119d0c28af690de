// Package service 业务逻辑层
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/repository"
	"go.uber.org/zap"
)

// 服务注册表相关错误
var (
	ErrServiceUnmatched = errors.New("服务未注册")
	ErrServiceDisabled  = errors.New("服务已禁用")
	ErrServiceExpired   = errors.New("服务注册已过期")
)

// ServiceRegistry 服务注册表接口
// 注册表是准入的唯一依据：未命中任何注册服务的 URL 一律拒绝
type ServiceRegistry interface {
	// FindServiceByURL 将服务 URL 解析为注册服务
	// 多条命中时按 evaluation_order 升序、ID 升序决出，结果确定
	FindServiceByURL(serviceURL string) (*model.RegisteredService, error)
	// Refresh 重建内存快照
	Refresh(ctx context.Context) error
	Save(ctx context.Context, svc *model.RegisteredService) error
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context) ([]*model.RegisteredService, error)
	GetByID(ctx context.Context, id uint64) (*model.RegisteredService, error)
}

// snapshotEntry 快照中的一条服务，正则预编译
type snapshotEntry struct {
	service *model.RegisteredService
	regex   *regexp.Regexp // 仅 regex 模式有值
}

// snapshot 注册表快照，只读，整体替换
type snapshot struct {
	entries []snapshotEntry
	stamp   repository.ChangeStamp
}

// serviceRegistry 带内存快照的注册表实现
type serviceRegistry struct {
	repo    repository.RegisteredServiceRepository
	current atomic.Pointer[snapshot]
	logger  *zap.Logger
}

// NewServiceRegistry 创建服务注册表并加载首个快照
func NewServiceRegistry(ctx context.Context, repo repository.RegisteredServiceRepository, logger *zap.Logger) (ServiceRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &serviceRegistry{repo: repo, logger: logger}
	if err := r.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("加载服务注册表失败: %w", err)
	}
	return r, nil
}

// Refresh 重建快照并原子替换
// 读者要么看到旧快照要么看到新快照，不会看到部分合并的状态
func (r *serviceRegistry) Refresh(ctx context.Context) error {
	stamp, err := r.repo.Stamp(ctx)
	if err != nil {
		return err
	}
	if cur := r.current.Load(); cur != nil && cur.stamp == stamp {
		return nil
	}

	services, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	entries := make([]snapshotEntry, 0, len(services))
	for _, svc := range services {
		entry := snapshotEntry{service: svc}
		if svc.MatchType == model.MatchRegex {
			re, err := regexp.Compile(svc.Pattern)
			if err != nil {
				r.logger.Warn("注册服务匹配模式无效，已跳过",
					zap.Uint64("id", svc.ID),
					zap.String("pattern", svc.Pattern),
					zap.Error(err),
				)
				continue
			}
			entry.regex = re
		}
		entries = append(entries, entry)
	}

	r.current.Store(&snapshot{entries: entries, stamp: stamp})
	return nil
}

// FindServiceByURL 在当前快照中解析服务
func (r *serviceRegistry) FindServiceByURL(serviceURL string) (*model.RegisteredService, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrServiceUnmatched
	}
	// List 已按 evaluation_order、ID 排序，首个命中即为确定结果
	for _, entry := range snap.entries {
		matched := false
		if entry.regex != nil {
			matched = entry.regex.MatchString(serviceURL)
		} else {
			matched = entry.service.Matches(serviceURL)
		}
		if !matched {
			continue
		}
		if !entry.service.Enabled {
			return nil, ErrServiceDisabled
		}
		if entry.service.IsExpired() {
			return nil, ErrServiceExpired
		}
		return entry.service, nil
	}
	return nil, ErrServiceUnmatched
}

// Save 保存注册服务并刷新快照
func (r *serviceRegistry) Save(ctx context.Context, svc *model.RegisteredService) error {
	if err := r.repo.Save(ctx, svc); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// Delete 删除注册服务并刷新快照
func (r *serviceRegistry) Delete(ctx context.Context, id uint64) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// List 列出全部注册服务
func (r *serviceRegistry) List(ctx context.Context) ([]*model.RegisteredService, error) {
	return r.repo.List(ctx)
}

// GetByID 根据 ID 获取注册服务
func (r *serviceRegistry) GetByID(ctx context.Context, id uint64) (*model.RegisteredService, error) {
	return r.repo.GetByID(ctx, id)
}

// StartRefresher 启动周期刷新，底层存储变更通过变更戳感知
func StartRefresher(ctx context.Context, registry ServiceRegistry, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := registry.Refresh(ctx); err != nil {
					logger.Warn("刷新服务注册表失败", zap.Error(err))
				}
			}
		}
	}()
}
