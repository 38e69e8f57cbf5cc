package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"blindscan/scanner"
)

// TaskStore defines persistence operations for scan tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *ScanTask) error
	GetTask(ctx context.Context, id string) (*ScanTask, error)
	UpdateTask(ctx context.Context, task *ScanTask) error
	PushToQueue(ctx context.Context, taskID string) error
	// PopFromQueue blocks until a task ID is available or ctx ends.
	PopFromQueue(ctx context.Context) (string, error)
}

var (
	// ErrTaskNotFound indicates the requested task doesn't exist in the store.
	ErrTaskNotFound = errors.New("task not found")
)

const (
	queueKey = "idlescans:queue"
	taskTTL  = 7 * 24 * time.Hour

	popTimeout = 5 * time.Second
)

// RedisStore implements TaskStore using Redis as backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed task store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) taskKey(id string) string {
	return fmt.Sprintf("idlescan:%s", id)
}

// CreateTask persists a new scan task in Redis.
func (s *RedisStore) CreateTask(ctx context.Context, task *ScanTask) error {
	return s.save(ctx, task)
}

// GetTask retrieves a task by ID.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*ScanTask, error) {
	res, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrTaskNotFound
	}
	return deserializeTask(res)
}

// UpdateTask updates an existing task in Redis.
func (s *RedisStore) UpdateTask(ctx context.Context, task *ScanTask) error {
	return s.save(ctx, task)
}

func (s *RedisStore) save(ctx context.Context, task *ScanTask) error {
	data, err := serializeTask(task)
	if err != nil {
		return err
	}
	key := s.taskKey(task.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, taskTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PushToQueue enqueues a task ID for workers to process.
func (s *RedisStore) PushToQueue(ctx context.Context, taskID string) error {
	return s.client.LPush(ctx, queueKey, taskID).Err()
}

// PopFromQueue blocks until a task ID is available. BRPOP is issued with a
// bounded timeout so ctx cancellation is noticed between calls.
func (s *RedisStore) PopFromQueue(ctx context.Context) (string, error) {
	for {
		res, err := s.client.BRPop(ctx, popTimeout, queueKey).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if err != nil {
			return "", err
		}
		if len(res) != 2 {
			return "", errors.New("unexpected response size from BRPOP")
		}
		return res[1], nil
	}
}

func serializeTask(task *ScanTask) (map[string]interface{}, error) {
	hosts, err := json.Marshal(task.Hosts)
	if err != nil {
		return nil, err
	}

	var resultsData string
	if task.Results != nil {
		encoded, err := json.Marshal(task.Results)
		if err != nil {
			return nil, err
		}
		resultsData = string(encoded)
	}

	createdAt := task.CreatedAt.Format(time.RFC3339Nano)
	completedAt := ""
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.Format(time.RFC3339Nano)
	}

	return map[string]interface{}{
		"id":           task.ID,
		"status":       task.Status,
		"zombie":       task.Zombie,
		"hosts":        string(hosts),
		"ports":        task.Ports,
		"results":      resultsData,
		"created_at":   createdAt,
		"completed_at": completedAt,
		"error":        task.Error,
	}, nil
}

func deserializeTask(data map[string]string) (*ScanTask, error) {
	var hosts []string
	if raw, ok := data["hosts"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
			return nil, err
		}
	}

	var results []scanner.ScanResult
	if raw, ok := data["results"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return nil, err
		}
	}

	createdAt := time.Time{}
	if raw, ok := data["created_at"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}
		createdAt = t
	}

	var completedAt *time.Time
	if raw, ok := data["completed_at"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}
		completedAt = &t
	}

	return &ScanTask{
		ID:          data["id"],
		Status:      data["status"],
		Zombie:      data["zombie"],
		Hosts:       hosts,
		Ports:       data["ports"],
		Results:     results,
		CreatedAt:   createdAt,
		CompletedAt: completedAt,
		Error:       data["error"],
	}, nil
}
