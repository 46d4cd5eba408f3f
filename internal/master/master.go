// Package master owns the executor fleet. It partitions the segment space
// into contiguous ranges of up to four segments per executor and drives
// the global minute tick.
package master

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"tickflow/internal/dispatch"
	"tickflow/internal/domain"
	"tickflow/internal/executor"
	"tickflow/internal/interval"
	"tickflow/internal/scheduler"
	"tickflow/internal/store"
)

const segmentsPerExecutor = 4

type Master struct {
	scheduler *scheduler.Scheduler
	executors []*executor.Executor
}

// New builds a master for the given executor concurrency. The segment
// space is the half-open range [1, concurrency+1); segment 0 is never
// assigned.
func New(st store.Store, q *dispatch.Queue, concurrency int, selfDrain bool) *Master {
	segmentMax := concurrency + 1

	execCount := (concurrency + segmentsPerExecutor - 1) / segmentsPerExecutor
	if execCount < 1 {
		execCount = 1
	}

	m := &Master{scheduler: scheduler.New(st, segmentMax)}
	execID := 0
	for i := 0; i < execCount; i++ {
		start := i*segmentsPerExecutor + 1
		end := start + segmentsPerExecutor - 1
		if end > concurrency {
			end = concurrency
		}
		execID++
		m.executors = append(m.executors, executor.New(st, q, start, end, execID, selfDrain))
	}
	return m
}

// Run drives the tick loop until ctx is cancelled. Ticks fire on minute
// boundaries; a tick still running when the next minute arrives is
// skipped rather than overlapped.
func (m *Master) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&log.Logger))))
	_, err := c.AddFunc("* * * * *", func() {
		m.Tick(ctx, interval.CurrentMinute(time.Now()))
	})
	if err != nil {
		return err
	}

	log.Info().Int("executors", len(m.executors)).Msg("master started")
	c.Start()
	<-ctx.Done()

	stop := c.Stop()
	<-stop.Done()
	log.Info().Msg("master stopped")
	return ctx.Err()
}

// Tick runs every executor against the given minute. Executors own
// disjoint segment ranges, so they run in parallel; Tick returns once all
// of them finish.
func (m *Master) Tick(ctx context.Context, currentTime int64) {
	var wg sync.WaitGroup
	for _, e := range m.executors {
		wg.Add(1)
		go func(e *executor.Executor) {
			defer wg.Done()
			e.Tick(ctx, currentTime)
		}(e)
	}
	wg.Wait()
}

// AddTask forwards to the scheduler and returns the assigned task id.
func (m *Master) AddTask(ctx context.Context, t domain.Task) (int64, error) {
	return m.scheduler.AddTask(ctx, t)
}

func (m *Master) DeleteTask(ctx context.Context, taskID int64) error {
	return m.scheduler.DeleteTask(ctx, taskID)
}

func (m *Master) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	return m.scheduler.GetTask(ctx, taskID)
}

// Executors exposes the fleet, mainly for inspection in tests and logs.
func (m *Master) Executors() []*executor.Executor { return m.executors }
