package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/taskmodel"
)

const (
	workerPrefix = "worker:"
	tokenPrefix  = "worker:token:"
)

// RedisRegistry implements Registry as a Redis hash per worker
// (worker:{id}) with a TTL, plus a worker:token:{token} -> worker id
// reverse index.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry wraps an already-configured *redis.Client.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func workerKey(id string) string { return workerPrefix + id }
func tokenKey(tok string) string { return tokenPrefix + tok }

func (r *RedisRegistry) Register(ctx context.Context, name, platform, executorType string, capabilities map[string]bool) (*Registration, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, err
	}

	w := taskmodel.Worker{
		ID:           uuid.NewString(),
		Name:         name,
		Platform:     platform,
		Capabilities: capabilities,
		ExecutorType: executorType,
		Status:       taskmodel.WorkerIdle,
		Token:        token,
	}

	key := workerKey(w.ID)
	fields := map[string]interface{}{
		"id":              w.ID,
		"name":            w.Name,
		"platform":        w.Platform,
		"capabilities":    string(capsJSON),
		"executor_type":   w.ExecutorType,
		"status":          string(w.Status),
		"current_task_id": "",
		"token":           token,
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.ttl)
	pipe.Set(ctx, tokenKey(token), w.ID, TokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logx.ErrorErr(logx.CatRegistry, "register", err, "worker_id", w.ID)
		return nil, err
	}

	return &Registration{Worker: w, Token: token}, nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, workerID string) error {
	key := workerKey(workerID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return taskmodel.ErrNotFound
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, workerID string) (*taskmodel.Worker, error) {
	data, err := r.client.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, taskmodel.ErrNotFound
	}
	return fromHash(workerID, data), nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]taskmodel.Worker, error) {
	var out []taskmodel.Worker

	iter := r.client.Scan(ctx, 0, workerPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) >= len(tokenPrefix) && key[:len(tokenPrefix)] == tokenPrefix {
			continue
		}
		id := key[len(workerPrefix):]
		w, err := r.Get(ctx, id)
		if errors.Is(err, taskmodel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisRegistry) SetBusy(ctx context.Context, workerID, taskID string) error {
	return r.client.HSet(ctx, workerKey(workerID), map[string]interface{}{
		"status":          string(taskmodel.WorkerBusy),
		"current_task_id": taskID,
	}).Err()
}

func (r *RedisRegistry) SetIdle(ctx context.Context, workerID string) error {
	return r.client.HSet(ctx, workerKey(workerID), map[string]interface{}{
		"status":          string(taskmodel.WorkerIdle),
		"current_task_id": "",
	}).Err()
}

func (r *RedisRegistry) Deregister(ctx context.Context, workerID string) error {
	key := workerKey(workerID)
	token, err := r.client.HGet(ctx, key, "token").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	if token != "" {
		return r.client.Del(ctx, tokenKey(token)).Err()
	}
	return nil
}

func (r *RedisRegistry) ResolveToken(ctx context.Context, token string) (string, error) {
	id, err := r.client.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", taskmodel.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func fromHash(workerID string, data map[string]string) *taskmodel.Worker {
	var caps map[string]bool
	if raw, ok := data["capabilities"]; ok {
		_ = json.Unmarshal([]byte(raw), &caps)
	}

	id := data["id"]
	if id == "" {
		id = workerID
	}

	return &taskmodel.Worker{
		ID:            id,
		Name:          data["name"],
		Platform:      data["platform"],
		Capabilities:  caps,
		ExecutorType:  data["executor_type"],
		Status:        taskmodel.WorkerStatus(data["status"]),
		CurrentTaskID: data["current_task_id"],
		Token:         data["token"],
	}
}
