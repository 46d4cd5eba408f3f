// Package executor runs the per-tick scan-and-fire loop over a contiguous
// range of segments. Ranges are disjoint across executors, so no row is
// ever written by two of them and no locking is needed.
package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"tickflow/internal/dispatch"
	"tickflow/internal/domain"
	"tickflow/internal/interval"
	"tickflow/internal/store"
)

const (
	drainBatch = 10
	statusOK   = "success"
)

type Executor struct {
	store store.Store
	queue *dispatch.Queue

	segmentStart int // inclusive
	segmentEnd   int // inclusive
	execID       int

	// selfDrain makes the executor receive+delete from the queue it just
	// published to, for local runs with no external consumer attached.
	selfDrain bool
}

func New(st store.Store, q *dispatch.Queue, segmentStart, segmentEnd, execID int, selfDrain bool) *Executor {
	return &Executor{
		store:        st,
		queue:        q,
		segmentStart: segmentStart,
		segmentEnd:   segmentEnd,
		execID:       execID,
		selfDrain:    selfDrain,
	}
}

// firing is the dispatch message payload. Unset notification fields are
// omitted so downstream filters never see null placeholders.
type firing struct {
	TaskID    int64  `json:"task_id"`
	TaskType  string `json:"task_type"`
	ExecID    int    `json:"exec_id"`
	Timestamp int64  `json:"timestamp"`

	UserID   string  `json:"user_id,omitempty"`
	JobID    *string `json:"job_id,omitempty"`
	Title    *string `json:"title,omitempty"`
	Company  *string `json:"company,omitempty"`
	Location *string `json:"location,omitempty"`
}

// Tick processes every entry due at currentTime within the executor's
// segment range. One task's failure never aborts the rest of the batch.
func (e *Executor) Tick(ctx context.Context, currentTime int64) {
	due, err := e.store.QueryDue(ctx, currentTime, e.Segments())
	if err != nil {
		log.Error().Err(err).Int("exec_id", e.execID).Msg("query due tasks")
		return
	}
	for _, p := range due {
		e.fire(ctx, p, currentTime)
	}
	if len(due) > 0 {
		log.Info().Int("exec_id", e.execID).Int64("tick", currentTime).
			Int("fired", len(due)).Msg("tick complete")
	}
}

func (e *Executor) fire(ctx context.Context, p store.DuePair, currentTime int64) {
	if err := e.store.AppendHistory(ctx, domain.HistoryEntry{
		TaskID:   p.TaskID,
		ExecTime: currentTime,
		Status:   statusOK,
		Retries:  1,
	}); err != nil {
		log.Error().Err(err).Int64("task_id", p.TaskID).Msg("append history")
	}

	t, err := e.store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// execution row without a task row; skip it, keep the tick alive
		log.Error().Int64("task_id", p.TaskID).Int("segment", p.Segment).
			Msg("due entry references missing task")
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("task_id", p.TaskID).Msg("load task for reschedule")
		return
	}

	d, err := interval.Parse(t.Interval)
	if err != nil {
		log.Error().Err(err).Int64("task_id", p.TaskID).Str("interval", t.Interval).
			Msg("stored interval does not parse")
		return
	}
	// base the new due time on the fire time, not the previous due time:
	// a missed tick shifts the cadence forward once, it never compounds
	next := interval.Next(currentTime, d)
	if err := e.store.UpdateNextExec(ctx, p.Segment, p.TaskID, next); err != nil {
		log.Error().Err(err).Int64("task_id", p.TaskID).Msg("update next exec time")
		return
	}

	e.publish(ctx, t, currentTime)
}

func (e *Executor) publish(ctx context.Context, t domain.Task, currentTime int64) {
	msg := firing{
		TaskID:    t.ID,
		TaskType:  t.Kind,
		ExecID:    e.execID,
		Timestamp: currentTime,
	}
	if t.Kind == domain.KindNotification {
		msg.UserID = t.UserID
		msg.JobID = t.JobID
		msg.Title = t.Title
		msg.Company = t.Company
		msg.Location = t.Location
	}
	body, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Int64("task_id", t.ID).Msg("encode dispatch message")
		return
	}
	if err := e.queue.Send(ctx, t.Kind, body); err != nil {
		// publish failure is not retried within the tick
		log.Error().Err(err).Int64("task_id", t.ID).Str("queue", t.Kind).
			Msg("dispatch publish failed")
		return
	}
	log.Info().Int64("task_id", t.ID).Str("queue", t.Kind).
		Int("exec_id", e.execID).Msg("dispatched")

	if e.selfDrain {
		e.drain(ctx, t.Kind)
	}
}

// drain performs one receive+delete cycle against the queue, standing in
// for an external consumer.
func (e *Executor) drain(ctx context.Context, kind string) {
	msgs, err := e.queue.Receive(ctx, kind, drainBatch, 0)
	if err != nil {
		log.Error().Err(err).Str("queue", kind).Msg("self-drain receive")
		return
	}
	for _, m := range msgs {
		log.Debug().Str("queue", kind).RawJSON("body", m.Body).Msg("self-drain received")
		if err := e.queue.Delete(ctx, kind, m.ReceiptHandle); err != nil {
			log.Error().Err(err).Str("queue", kind).Msg("self-drain ack")
		}
	}
}

// Segments expands the inclusive range into the segment set QueryDue takes.
func (e *Executor) Segments() []int {
	if e.segmentEnd < e.segmentStart {
		return nil
	}
	segs := make([]int, 0, e.segmentEnd-e.segmentStart+1)
	for seg := e.segmentStart; seg <= e.segmentEnd; seg++ {
		segs = append(segs, seg)
	}
	return segs
}

// Range reports the inclusive segment range this executor owns.
func (e *Executor) Range() (start, end int) { return e.segmentStart, e.segmentEnd }

// ExecID reports the executor's id as assigned by the master.
func (e *Executor) ExecID() int { return e.execID }
