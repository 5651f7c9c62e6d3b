package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"SyncFM/model"

	"github.com/go-redis/redis/v8"
)

const (
	sessionStateKey    = "session:%s:state"        // Hash: 播放状态快照
	sessionPresenceKey = "session:%s:presence:%s"  // String: 连接心跳
	sessionOnlineSet   = "session:%s:online_conns" // Set: 在线连接集合
	sessionTTL         = 24 * time.Hour
	presenceTTL        = 60 * time.Second // 心跳过期时间
)

// SessionCache 会话快照与在线状态缓存。快照只用于重启恢复，从不作为权威状态
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache 使用全局 RedisClient 创建缓存
func NewSessionCache() *SessionCache {
	return &SessionCache{client: RedisClient}
}

// NewSessionCacheWithClient uses client instead of the global one.
func NewSessionCacheWithClient(client *redis.Client) *SessionCache {
	return &SessionCache{client: client}
}

// ========== 播放状态快照 ==========

// SaveSnapshot 保存播放状态快照，UpdatedAt 以毫秒墙上时间保存
func (c *SessionCache) SaveSnapshot(ctx context.Context, sessionID string, state model.SessionState) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(sessionStateKey, sessionID)
	trackID := ""
	if state.CurrentTrackID.Valid {
		trackID = strconv.FormatInt(state.CurrentTrackID.ID, 10)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"track_id":   trackID,
		"position":   strconv.FormatFloat(state.Position, 'f', -1, 64),
		"is_playing": strconv.FormatBool(state.IsPlaying),
		"version":    strconv.FormatUint(state.Version, 10),
		"updated_at": state.UpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadSnapshot 读取播放状态快照，不存在时返回 nil, nil
func (c *SessionCache) LoadSnapshot(ctx context.Context, sessionID string) (*model.SessionState, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(sessionStateKey, sessionID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	state := &model.SessionState{CurrentTrackID: model.NullTrack()}
	if v := result["track_id"]; v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot track_id %q: %w", v, err)
		}
		state.CurrentTrackID = model.SomeTrack(id)
	}
	if v, ok := result["position"]; ok {
		state.Position, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := result["is_playing"]; ok {
		state.IsPlaying, _ = strconv.ParseBool(v)
	}
	if v, ok := result["version"]; ok {
		state.Version, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := result["updated_at"]; ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		state.UpdatedAt = time.UnixMilli(ms)
	}
	return state, nil
}

// ========== 心跳在线状态管理 ==========

// UpdatePresence 更新连接心跳
func (c *SessionCache) UpdatePresence(ctx context.Context, sessionID, connID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, connID)
	onlineSetKey := fmt.Sprintf(sessionOnlineSet, sessionID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, connID)
	pipe.Expire(ctx, onlineSetKey, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence 移除连接在线状态
func (c *SessionCache) RemovePresence(ctx context.Context, sessionID, connID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(sessionPresenceKey, sessionID, connID))
	pipe.SRem(ctx, fmt.Sprintf(sessionOnlineSet, sessionID), connID)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveOnlineCount 统计心跳未过期的连接数，顺带清理过期成员
func (c *SessionCache) ActiveOnlineCount(ctx context.Context, sessionID string) (int64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("Redis client not initialized")
	}

	onlineSetKey := fmt.Sprintf(sessionOnlineSet, sessionID)
	conns, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, err
	}
	if len(conns) == 0 {
		return 0, nil
	}

	pipe := c.client.Pipeline()
	checks := make([]*redis.IntCmd, len(conns))
	for i, connID := range conns {
		checks[i] = pipe.Exists(ctx, fmt.Sprintf(sessionPresenceKey, sessionID, connID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}

	var active int64
	var expired []interface{}
	for i, cmd := range checks {
		if cmd.Val() > 0 {
			active++
		} else {
			expired = append(expired, conns[i])
		}
	}
	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}
	return active, nil
}
