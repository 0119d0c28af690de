package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 票据相关错误
var (
	ErrTicketNotFound = errors.New("票据不存在")
	ErrTicketExpired  = errors.New("票据已过期")
	ErrTicketConsumed = errors.New("票据已被使用")
	ErrTicketExists   = errors.New("票据 ID 冲突")
	ErrUnavailable    = errors.New("票据存储暂时不可用")
)

// Registry 票据注册表接口
// 所有票据状态变更都经由注册表，其它组件不直接操作存储
type Registry interface {
	// TGT
	PutTGT(ctx context.Context, tgt *model.TGT) error
	GetTGT(ctx context.Context, id string) (*model.TGT, error)
	// UpdateTGT 回写 TGT（滑动空闲超时、记录已访问服务）
	UpdateTGT(ctx context.Context, tgt *model.TGT) error
	DeleteTGT(ctx context.Context, id string) error
	// DeleteTGTCascade 删除 TGT 及其派生的所有 ST/PGT/PT，
	// 返回该会话期间访问过的服务（stID -> 服务 URL），用于单点登出
	DeleteTGTCascade(ctx context.Context, id string) (map[string]string, error)

	// ST
	PutST(ctx context.Context, st *model.ServiceTicket) error
	GetST(ctx context.Context, id string) (*model.ServiceTicket, error)
	// ConsumeST 原子消费 ST：并发调用下恰有一个调用者得到票据
	ConsumeST(ctx context.Context, id string) (*model.ServiceTicket, error)

	// 代理票据
	PutPGT(ctx context.Context, pgt *model.ProxyGrantingTicket) error
	GetPGT(ctx context.Context, id string) (*model.ProxyGrantingTicket, error)
	DeletePGT(ctx context.Context, id string) error
	PutPT(ctx context.Context, pt *model.ProxyTicket) error
	ConsumePT(ctx context.Context, id string) (*model.ProxyTicket, error)

	// SweepExpired 清理过期残留（幂等，周期运行）
	SweepExpired(ctx context.Context) (int, error)
}

// Redis key 前缀
const (
	tgtKeyPrefix      = "cas:tgt:"
	stKeyPrefix       = "cas:st:"
	pgtKeyPrefix      = "cas:pgt:"
	ptKeyPrefix       = "cas:pt:"
	childrenKeyPrefix = "cas:tgt_children:"
)

// 重试参数：3 次尝试，指数退避，上限 2 秒
const (
	retryAttempts   = 3
	retryBaseDelay  = 100 * time.Millisecond
	retryMaxDelay   = 2 * time.Second
	childrenIdxTTL  = 9 * time.Hour // 子票据索引保留时间，覆盖 TGT 默认硬超时
)

// consumeScript 原子消费脚本
// 读取、判定、回写在同一步完成，确保 use_count 只被一个调用者推进到上限
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local t = cjson.decode(raw)
if t['use_count'] >= t['max_uses'] then
  return redis.error_reply('consumed')
end
t['use_count'] = t['use_count'] + 1
local enc = cjson.encode(t)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], enc, 'PX', ttl)
else
  redis.call('SET', KEYS[1], enc)
end
return enc
`)

// redisRegistry 基于 Redis 的票据注册表
type redisRegistry struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewRedisRegistry 创建 Redis 票据注册表
func NewRedisRegistry(client *redis.Client, logger *zap.Logger) Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisRegistry{redis: client, logger: logger}
}

// withRetry 对存储层错误做有界重试
func (r *redisRegistry) withRetry(ctx context.Context, op func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = op()
		if err == nil || !isStorageError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 4
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// isStorageError 判断是否为存储层错误（区别于业务性结果）
func isStorageError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, ErrTicketNotFound) || errors.Is(err, ErrTicketExpired) ||
		errors.Is(err, ErrTicketConsumed) || errors.Is(err, ErrTicketExists) {
		return false
	}
	// 脚本返回的 consumed 错误
	if strings.Contains(err.Error(), "consumed") {
		return false
	}
	return true
}

// PutTGT 存储 TGT，ID 冲突返回 ErrTicketExists
func (r *redisRegistry) PutTGT(ctx context.Context, tgt *model.TGT) error {
	data, err := json.Marshal(tgt)
	if err != nil {
		return fmt.Errorf("序列化 TGT 失败: %w", err)
	}
	ttl := time.Until(tgt.ExpiresAt())
	if ttl <= 0 {
		return ErrTicketExpired
	}
	return r.withRetry(ctx, func() error {
		ok, err := r.redis.SetNX(ctx, tgtKeyPrefix+tgt.ID, data, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrTicketExists
		}
		return nil
	})
}

// GetTGT 获取 TGT，过期视为不存在
func (r *redisRegistry) GetTGT(ctx context.Context, id string) (*model.TGT, error) {
	var tgt model.TGT
	err := r.withRetry(ctx, func() error {
		data, err := r.redis.Get(ctx, tgtKeyPrefix+id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTicketNotFound
			}
			return err
		}
		return json.Unmarshal(data, &tgt)
	})
	if err != nil {
		return nil, err
	}
	if tgt.IsExpired() {
		r.redis.Del(ctx, tgtKeyPrefix+id)
		return nil, ErrTicketExpired
	}
	return &tgt, nil
}

// UpdateTGT 回写 TGT，TTL 重新对齐到过期时间
func (r *redisRegistry) UpdateTGT(ctx context.Context, tgt *model.TGT) error {
	data, err := json.Marshal(tgt)
	if err != nil {
		return fmt.Errorf("序列化 TGT 失败: %w", err)
	}
	ttl := time.Until(tgt.ExpiresAt())
	if ttl <= 0 {
		return ErrTicketExpired
	}
	return r.withRetry(ctx, func() error {
		return r.redis.Set(ctx, tgtKeyPrefix+tgt.ID, data, ttl).Err()
	})
}

// DeleteTGT 删除 TGT
func (r *redisRegistry) DeleteTGT(ctx context.Context, id string) error {
	return r.withRetry(ctx, func() error {
		return r.redis.Del(ctx, tgtKeyPrefix+id).Err()
	})
}

// DeleteTGTCascade 级联删除 TGT 及所有子票据
func (r *redisRegistry) DeleteTGTCascade(ctx context.Context, id string) (map[string]string, error) {
	tgt, err := r.GetTGT(ctx, id)
	if err != nil && !errors.Is(err, ErrTicketNotFound) && !errors.Is(err, ErrTicketExpired) {
		return nil, err
	}

	childrenKey := childrenKeyPrefix + id
	var members []string
	err = r.withRetry(ctx, func() error {
		var err error
		members, err = r.redis.SMembers(ctx, childrenKey).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(members)+2)
	for _, m := range members {
		if key := childKey(m); key != "" {
			keys = append(keys, key)
		}
	}
	keys = append(keys, tgtKeyPrefix+id, childrenKey)

	if err := r.withRetry(ctx, func() error {
		return r.redis.Del(ctx, keys...).Err()
	}); err != nil {
		return nil, err
	}

	if tgt == nil {
		return nil, nil
	}
	return tgt.Services, nil
}

// childKey 将子票据索引成员还原为存储 key
func childKey(member string) string {
	kind, id, ok := strings.Cut(member, ":")
	if !ok {
		return ""
	}
	switch kind {
	case "st":
		return stKeyPrefix + id
	case "pgt":
		return pgtKeyPrefix + id
	case "pt":
		return ptKeyPrefix + id
	}
	return ""
}

// PutST 存储 ST 并登记到父 TGT 的子票据索引
func (r *redisRegistry) PutST(ctx context.Context, st *model.ServiceTicket) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化 ST 失败: %w", err)
	}
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return ErrTicketExpired
	}
	return r.withRetry(ctx, func() error {
		ok, err := r.redis.SetNX(ctx, stKeyPrefix+st.ID, data, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrTicketExists
		}
		if err := r.redis.SAdd(ctx, childrenKeyPrefix+st.TGTID, "st:"+st.ID).Err(); err != nil {
			return err
		}
		return r.redis.Expire(ctx, childrenKeyPrefix+st.TGTID, childrenIdxTTL).Err()
	})
}

// GetST 读取 ST（不消费）
func (r *redisRegistry) GetST(ctx context.Context, id string) (*model.ServiceTicket, error) {
	var st model.ServiceTicket
	err := r.withRetry(ctx, func() error {
		data, err := r.redis.Get(ctx, stKeyPrefix+id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTicketNotFound
			}
			return err
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ConsumeST 原子消费 ST
func (r *redisRegistry) ConsumeST(ctx context.Context, id string) (*model.ServiceTicket, error) {
	raw, err := r.consume(ctx, stKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	var st model.ServiceTicket
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("反序列化 ST 失败: %w", err)
	}
	if st.IsExpired() {
		return nil, ErrTicketExpired
	}
	return &st, nil
}

// consume 执行消费脚本，解释其三种结果
func (r *redisRegistry) consume(ctx context.Context, key string) ([]byte, error) {
	var raw []byte
	err := r.withRetry(ctx, func() error {
		result, err := consumeScript.Run(ctx, r.redis, []string{key}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTicketNotFound
			}
			if strings.Contains(err.Error(), "consumed") {
				return ErrTicketConsumed
			}
			return err
		}
		s, ok := result.(string)
		if !ok {
			return ErrTicketNotFound
		}
		raw = []byte(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// PutPGT 存储 PGT 并登记到父 TGT 的子票据索引
func (r *redisRegistry) PutPGT(ctx context.Context, pgt *model.ProxyGrantingTicket) error {
	data, err := json.Marshal(pgt)
	if err != nil {
		return fmt.Errorf("序列化 PGT 失败: %w", err)
	}
	ttl := time.Until(pgt.ExpiresAt)
	if ttl <= 0 {
		return ErrTicketExpired
	}
	return r.withRetry(ctx, func() error {
		ok, err := r.redis.SetNX(ctx, pgtKeyPrefix+pgt.ID, data, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrTicketExists
		}
		return r.redis.SAdd(ctx, childrenKeyPrefix+pgt.TGTID, "pgt:"+pgt.ID).Err()
	})
}

// GetPGT 获取 PGT，过期视为不存在
func (r *redisRegistry) GetPGT(ctx context.Context, id string) (*model.ProxyGrantingTicket, error) {
	var pgt model.ProxyGrantingTicket
	err := r.withRetry(ctx, func() error {
		data, err := r.redis.Get(ctx, pgtKeyPrefix+id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTicketNotFound
			}
			return err
		}
		return json.Unmarshal(data, &pgt)
	})
	if err != nil {
		return nil, err
	}
	if pgt.IsExpired() {
		r.redis.Del(ctx, pgtKeyPrefix+id)
		return nil, ErrTicketExpired
	}
	return &pgt, nil
}

// DeletePGT 删除 PGT
func (r *redisRegistry) DeletePGT(ctx context.Context, id string) error {
	return r.withRetry(ctx, func() error {
		return r.redis.Del(ctx, pgtKeyPrefix+id).Err()
	})
}

// PutPT 存储 PT 并登记到根 TGT 的子票据索引
func (r *redisRegistry) PutPT(ctx context.Context, pt *model.ProxyTicket) error {
	data, err := json.Marshal(pt)
	if err != nil {
		return fmt.Errorf("序列化 PT 失败: %w", err)
	}
	ttl := time.Until(pt.ExpiresAt)
	if ttl <= 0 {
		return ErrTicketExpired
	}
	return r.withRetry(ctx, func() error {
		ok, err := r.redis.SetNX(ctx, ptKeyPrefix+pt.ID, data, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrTicketExists
		}
		return r.redis.SAdd(ctx, childrenKeyPrefix+pt.TGTID, "pt:"+pt.ID).Err()
	})
}

// ConsumePT 原子消费 PT
func (r *redisRegistry) ConsumePT(ctx context.Context, id string) (*model.ProxyTicket, error) {
	raw, err := r.consume(ctx, ptKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	var pt model.ProxyTicket
	if err := json.Unmarshal(raw, &pt); err != nil {
		return nil, fmt.Errorf("反序列化 PT 失败: %w", err)
	}
	if pt.IsExpired() {
		return nil, ErrTicketExpired
	}
	return &pt, nil
}

// SweepExpired 清理过期残留
// 票据本体依赖 TTL 自动过期，这里只回收 TGT 已消失的子票据索引。
// 清理与消费互不阻塞：消费走脚本，清理只删除孤儿 key
func (r *redisRegistry) SweepExpired(ctx context.Context) (int, error) {
	var cleaned int
	iter := r.redis.Scan(ctx, 0, childrenKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		childrenKey := iter.Val()
		tgtID := strings.TrimPrefix(childrenKey, childrenKeyPrefix)
		exists, err := r.redis.Exists(ctx, tgtKeyPrefix+tgtID).Result()
		if err != nil {
			return cleaned, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if exists > 0 {
			continue
		}
		members, err := r.redis.SMembers(ctx, childrenKey).Result()
		if err != nil {
			return cleaned, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		keys := make([]string, 0, len(members)+1)
		for _, m := range members {
			if key := childKey(m); key != "" {
				keys = append(keys, key)
			}
		}
		keys = append(keys, childrenKey)
		if err := r.redis.Del(ctx, keys...).Err(); err != nil {
			return cleaned, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		cleaned += len(keys)
	}
	if err := iter.Err(); err != nil {
		return cleaned, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cleaned, nil
}

// StartSweeper 启动周期清理，ctx 取消时退出
func StartSweeper(ctx context.Context, registry Registry, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := registry.SweepExpired(ctx)
				if err != nil {
					logger.Warn("清理过期票据失败", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("清理过期票据残留", zap.Int("count", n))
				}
			}
		}
	}()
}
