// Package scheduler owns the task lifecycle: segment assignment, the
// paired Task + ExecutionEntry writes on add, and the paired deletes on
// remove. The round-robin counter is process-local and unsynchronized, so
// exactly one Scheduler instance may assign tasks at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/interval"
	"tickflow/internal/store"
)

type Scheduler struct {
	store      store.Store
	segmentMax int // segments run [1, segmentMax); 0 is never assigned

	mu      sync.Mutex
	segment int

	now func() time.Time
}

func New(st store.Store, segmentMax int) *Scheduler {
	return &Scheduler{store: st, segmentMax: segmentMax, now: time.Now}
}

// AddTask validates the task, assigns its segment and id, and writes the
// Task row followed by its ExecutionEntry. The two writes are not atomic:
// if the execution write fails, the Task row is deleted again so no
// orphan is left behind. Returns the assigned task id.
func (s *Scheduler) AddTask(ctx context.Context, t domain.Task) (int64, error) {
	if !domain.ValidKind(t.Kind) {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownKind, t.Kind)
	}
	if t.Kind == domain.KindNotification && t.UserID == "" {
		return 0, fmt.Errorf("notification task requires user_id")
	}
	d, err := interval.Parse(t.Interval)
	if err != nil {
		return 0, err
	}

	if t.ID == 0 {
		t.ID = newTaskID()
	}
	now := s.now().Unix()
	t.Created = interval.TruncateMinute(now)

	if err := s.store.PutTask(ctx, t); err != nil {
		return 0, fmt.Errorf("store write: task %d: %w", t.ID, err)
	}
	entry := domain.ExecutionEntry{
		Segment:      s.nextSegment(),
		TaskID:       t.ID,
		NextExecTime: interval.Next(now, d),
	}
	if err := s.store.PutExecution(ctx, entry); err != nil {
		// compensate for the partial write; an orphan Task row would
		// never fire and never be deletable through the normal path
		if derr := s.store.DeleteTask(ctx, t.ID); derr != nil {
			log.Error().Err(derr).Int64("task_id", t.ID).
				Msg("orphan task row left behind after failed execution write")
		}
		return 0, fmt.Errorf("store write: execution for task %d: %w", t.ID, err)
	}
	log.Info().Int64("task_id", t.ID).Str("kind", t.Kind).
		Int("segment", entry.Segment).Int64("next_exec_time", entry.NextExecTime).
		Msg("task added")
	return t.ID, nil
}

// DeleteTask removes a task and its execution entry, execution first so a
// concurrent tick cannot fire a task whose definition is already gone.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID int64) error {
	entry, err := s.store.ExecutionForTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("lookup segment for task %d: %w", taskID, err)
	}
	if err := s.store.DeleteExecution(ctx, entry.Segment, taskID); err != nil {
		return fmt.Errorf("store write: delete execution for task %d: %w", taskID, err)
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("store write: delete task %d: %w", taskID, err)
	}
	log.Info().Int64("task_id", taskID).Int("segment", entry.Segment).Msg("task deleted")
	return nil
}

func (s *Scheduler) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, taskID)
	}
	return t, err
}

// GetSegment returns the segment a task is assigned to.
func (s *Scheduler) GetSegment(ctx context.Context, taskID int64) (int, error) {
	entry, err := s.store.ExecutionForTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return 0, err
	}
	return entry.Segment, nil
}

// nextSegment cycles over [1, segmentMax), wrapping back to 1 and never
// assigning segment 0.
func (s *Scheduler) nextSegment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segment++
	if s.segment >= s.segmentMax {
		s.segment = 1
	}
	return s.segment
}

func newTaskID() int64 {
	for {
		if id := rand.Int63(); id != 0 {
			return id
		}
	}
}
