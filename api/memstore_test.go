package api

import (
	"context"
	"errors"
	"sync"
)

// memStore is an in-memory TaskStore.
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]ScanTask
	queue   chan string
	pushErr error
	updates []string
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]ScanTask), queue: make(chan string, 16)}
}

func (m *memStore) CreateTask(_ context.Context, task *ScanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*ScanTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (m *memStore) UpdateTask(_ context.Context, task *ScanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	m.updates = append(m.updates, task.Status)
	return nil
}

func (m *memStore) PushToQueue(_ context.Context, taskID string) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	m.queue <- taskID
	return nil
}

func (m *memStore) PopFromQueue(ctx context.Context) (string, error) {
	select {
	case id := <-m.queue:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *memStore) task(id string) ScanTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

var errQueueDown = errors.New("queue down")
