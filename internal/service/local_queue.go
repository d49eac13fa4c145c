package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// LocalQueue runs tasks in goroutines of the current process. Used when
// redis is not available and in tests; it satisfies both Enqueuer and
// Canceller.
type LocalQueue struct {
	handler asynq.Handler

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewLocalQueue(handler asynq.Handler) *LocalQueue {
	return &LocalQueue{
		handler: handler,
		running: make(map[string]context.CancelFunc),
	}
}

func (q *LocalQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	id := ""
	queue := "default"
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			id, _ = opt.Value().(string)
		case asynq.QueueOpt:
			queue, _ = opt.Value().(string)
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	if _, exists := q.running[id]; exists {
		q.mu.Unlock()
		cancel()
		return nil, asynq.ErrTaskIDConflict
	}
	q.running[id] = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			q.mu.Lock()
			delete(q.running, id)
			q.mu.Unlock()
			cancel()
		}()
		if err := q.handler.ProcessTask(ctx, task); err != nil {
			log.Printf("[LocalQueue] Task %s (%s) failed: %v", id, task.Type(), err)
		}
	}()

	return &asynq.TaskInfo{
		ID:      id,
		Queue:   queue,
		Type:    task.Type(),
		Payload: task.Payload(),
		State:   asynq.TaskStateActive,
	}, nil
}

func (q *LocalQueue) CancelProcessing(id string) error {
	q.mu.Lock()
	cancel, ok := q.running[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not running", id)
	}
	cancel()
	return nil
}

// DeleteTask always fails: local tasks start as soon as they are enqueued
func (q *LocalQueue) DeleteTask(queue, id string) error {
	return fmt.Errorf("task %s is already running", id)
}

// Wait blocks until every started task has returned
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
