package stores

import (
	"context"
	"sync"

	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
)

const taskKey = "task"

// Task keeps the writing assignment and the remaining writing time.
type Task struct {
	base
	clock *clock.ServerClock

	mu           sync.Mutex
	task         entity.Task
	remaining    int64
	hasRemaining bool
}

// ClearStorage removes the persisted task.
func (s *Task) ClearStorage(ctx context.Context) {
	s.clear(ctx)
}

// LoadFromStorage restores the persisted task.
func (s *Task) LoadFromStorage(ctx context.Context) {
	if payload := s.readPayload(ctx, taskKey); payload != nil {
		task, err := entity.DecodeTask(payload)
		if err != nil {
			s.logError("load_from_storage", "decode_failed", err)
		} else {
			s.mu.Lock()
			s.task = task
			s.mu.Unlock()
		}
	}
	s.UpdateRemainingTime()
	s.publish()
}

// LoadFromData replaces the task with the one delivered by the backend.
func (s *Task) LoadFromData(ctx context.Context, task entity.Task) {
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
	s.write(ctx, taskKey, task)
	s.UpdateRemainingTime()
	s.publish()
}

// LoadFromUpdate applies the writing end and exclusion of an update and keeps the other fields.
func (s *Task) LoadFromUpdate(ctx context.Context, update entity.Task) {
	s.mu.Lock()
	s.task.WritingEnd = update.WritingEnd
	s.task.WritingExcluded = update.WritingExcluded
	task := s.task
	s.mu.Unlock()
	s.write(ctx, taskKey, task)
	s.UpdateRemainingTime()
	s.publish()
}

// UpdateRemainingTime recomputes the remaining writing time and reports whether the writer
// has to be sent to the review because the end is reached or the writer was excluded.
func (s *Task) UpdateRemainingTime() bool {
	now := s.clock.ServerNow()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task.WritingEnd > 0 {
		s.remaining = max(0, s.task.WritingEnd-now)
		s.hasRemaining = true
	} else {
		s.remaining = 0
		s.hasRemaining = false
	}
	return (s.hasRemaining && s.remaining == 0) || s.task.WritingExcluded > 0
}

// Current returns the task.
func (s *Task) Current() entity.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// RemainingTime returns the remaining writing time in seconds and whether a writing end is set.
func (s *Task) RemainingTime() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining, s.hasRemaining
}

// WritingEndReached reports whether the writing time is over.
func (s *Task) WritingEndReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRemaining && s.remaining == 0
}

// IsExcluded reports whether the writer was excluded from the task.
func (s *Task) IsExcluded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.WritingExcluded > 0
}
