// Package dispatch is the outbound message queue: one logical queue per
// task kind, at-least-once delivery. Received messages are hidden behind
// a visibility timeout and identified by a receipt handle; a message is
// only gone once Delete is called with a live handle. Consumers that die
// mid-flight just let the handle expire and the message comes back.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultVisibility = 60 * time.Second

	pollEvery = 250 * time.Millisecond
)

// EnsureSchema creates the queue table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS dispatch_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  queue TEXT NOT NULL,
  body BLOB NOT NULL,
  visible_at INTEGER NOT NULL DEFAULT 0,
  receipt_handle TEXT,
  enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_visible ON dispatch_messages(queue, visible_at);
`
	_, err := db.Exec(schema)
	return err
}

type Message struct {
	Queue         string
	Body          []byte
	ReceiptHandle string
}

type Queue struct {
	db         *sql.DB
	visibility time.Duration
	now        func() time.Time
}

func New(db *sql.DB, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Queue{db: db, visibility: visibility, now: time.Now}
}

// Send publishes one message to the named queue. At-least-once: a send
// that returns nil is durable; a failed send is the caller's to report.
func (q *Queue) Send(ctx context.Context, kind string, body []byte) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO dispatch_messages (queue, body, visible_at, enqueued_at) VALUES (?,?,0,?)
`, kind, body, q.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("publish to %s: %w", kind, err)
	}
	return nil
}

// Receive leases up to max visible messages from the named queue, waiting
// up to wait for at least one to arrive. Each leased message is hidden for
// the visibility timeout and stamped with a fresh receipt handle.
func (q *Queue) Receive(ctx context.Context, kind string, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)
	for {
		msgs, err := q.lease(ctx, kind, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !q.now().Before(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

func (q *Queue) lease(ctx context.Context, kind string, max int) ([]Message, error) {
	now := q.now().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `
SELECT id, body FROM dispatch_messages
WHERE queue=? AND visible_at <= ?
ORDER BY id LIMIT ?`, kind, now, max)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		id   int64
		body []byte
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.body); err != nil {
			rows.Close()
			return nil, err
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var msgs []Message
	for _, c := range cands {
		handle := uuid.NewString()
		// guarded update: a concurrent consumer may have leased it first
		res, err := q.db.ExecContext(ctx, `
UPDATE dispatch_messages SET visible_at=?, receipt_handle=?
WHERE id=? AND visible_at <= ?`, now+q.visibility.Milliseconds(), handle, c.id, now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			msgs = append(msgs, Message{Queue: kind, Body: c.body, ReceiptHandle: handle})
		}
	}
	return msgs, nil
}

// Delete acknowledges a received message. An expired or unknown handle
// deletes nothing and is not an error; the message will simply be
// delivered again, which at-least-once permits.
func (q *Queue) Delete(ctx context.Context, kind string, receiptHandle string) error {
	_, err := q.db.ExecContext(ctx, `
DELETE FROM dispatch_messages WHERE queue=? AND receipt_handle=?`, kind, receiptHandle)
	if err != nil {
		return fmt.Errorf("ack on %s: %w", kind, err)
	}
	return nil
}
