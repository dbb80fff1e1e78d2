package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/tmasuda/dropherd/internal/model"
)

const (
	taskQueueKey   = "dropherd:task_queue"
	resultQueueKey = "dropherd:result_queue"
)

// TaskSink receives task descriptors for out-of-process workers.
type TaskSink interface {
	PushTask(desc model.TaskDescriptor) error
}

// RedisTransport bridges the dispatcher and detached workers over two
// Redis lists: task descriptors flow out on dropherd:task_queue,
// outcome reports flow back on dropherd:result_queue.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects and verifies the server is reachable.
func NewRedisTransport(cfg model.RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisTransport{client: client}, nil
}

// PushTask appends a descriptor to the task list.
func (t *RedisTransport) PushTask(desc model.TaskDescriptor) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal task descriptor: %w", err)
	}
	if err := t.client.RPush(taskQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("rpush task: %w", err)
	}
	return nil
}

// PopTask blocks up to timeout for the next task descriptor. A nil
// descriptor with nil error means the wait timed out.
func (t *RedisTransport) PopTask(timeout time.Duration) (*model.TaskDescriptor, error) {
	vals, err := t.client.BLPop(timeout, taskQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop task: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("blpop task: unexpected reply length %d", len(vals))
	}

	var desc model.TaskDescriptor
	if err := json.Unmarshal([]byte(vals[1]), &desc); err != nil {
		return nil, fmt.Errorf("unmarshal task descriptor: %w", err)
	}
	return &desc, nil
}

// PushOutcome appends a worker's result report to the result list.
func (t *RedisTransport) PushOutcome(report model.OutcomeReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal outcome report: %w", err)
	}
	if err := t.client.RPush(resultQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("rpush outcome: %w", err)
	}
	return nil
}

// PopOutcome blocks up to timeout for the next outcome report. A nil
// report with nil error means the wait timed out.
func (t *RedisTransport) PopOutcome(timeout time.Duration) (*model.OutcomeReport, error) {
	vals, err := t.client.BLPop(timeout, resultQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop outcome: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("blpop outcome: unexpected reply length %d", len(vals))
	}

	var report model.OutcomeReport
	if err := json.Unmarshal([]byte(vals[1]), &report); err != nil {
		return nil, fmt.Errorf("unmarshal outcome report: %w", err)
	}
	return &report, nil
}

// TaskDepth returns the number of descriptors waiting in Redis.
func (t *RedisTransport) TaskDepth() (int64, error) {
	return t.client.LLen(taskQueueKey).Result()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
