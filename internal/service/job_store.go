package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tccmarket/api/internal/model"
)

const (
	jobTTL           = 24 * time.Hour
	maxUpdateRetries = 10
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotCompleted = errors.New("job not completed")
	ErrJobFinished     = errors.New("job already completed")
)

// JobStore persists job records
type JobStore interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	// Update applies fn to the stored record atomically. fn may run more
	// than once; nothing is written when it returns an error.
	Update(ctx context.Context, jobID string, fn func(job *model.Job) error) error
}

// RedisJobStore keeps job records under job:<id> for 24 hours
type RedisJobStore struct {
	redis *redis.Client
}

func NewRedisJobStore(redisClient *redis.Client) *RedisJobStore {
	return &RedisJobStore{redis: redisClient}
}

func (s *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update re-reads the record under WATCH and retries when another writer
// changed it before the MULTI block committed.
func (s *RedisJobStore) Update(ctx context.Context, jobID string, fn func(job *model.Job) error) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, jobTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update job %s: %w", jobID, redis.TxFailedErr)
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// MemoryJobStore keeps job records in process
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string][]byte)}
}

func (s *MemoryJobStore) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	data, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, jobID string, fn func(job *model.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	if err := fn(&job); err != nil {
		return err
	}
	out, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	s.jobs[jobID] = out
	return nil
}
