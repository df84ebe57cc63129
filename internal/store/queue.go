package store

import (
	"errors"
	"sync"
	"time"

	"shadowscan/internal/logger"
)

// ErrQueueClosed is returned to a producer that enqueues after shutdown.
// The producer's run transitions to partial when it sees this.
var ErrQueueClosed = errors.New("writer queue closed")

// Op is a mutation intent kind.
type Op string

const (
	// OpUpsert applies the UPSERT contract to one keyed row.
	OpUpsert Op = "upsert"
	// OpInsert appends one row (append-only tables).
	OpInsert Op = "insert"
	// OpExec runs a prepared statement verbatim. Used for updates the
	// conflict path cannot express: status transitions on indexed columns,
	// counter increments, and partial updates of existing run rows.
	OpExec Op = "exec"
)

// Intent is one mutation delivered to the single writer.
type Intent struct {
	Op      Op
	Table   string
	Record  map[string]any
	SQL     string
	Args    []any
	RunID   string
	BatchID int64

	// barrier is an internal flush marker; the ack channel is closed once
	// every intent enqueued before it has been committed.
	barrier chan error
}

// WriterQueue serializes all store mutations: many producers, exactly one
// consumer applying batches inside a transaction.
type WriterQueue struct {
	store         *Store
	ch            chan Intent
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriterQueue starts the writer task.
func NewWriterQueue(s *Store, batchSize int, flushInterval time.Duration, depth int) *WriterQueue {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 1 * time.Second
	}
	if depth <= 0 {
		depth = 1024
	}
	q := &WriterQueue{
		store:         s,
		ch:            make(chan Intent, depth),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
	q.wg.Add(1)
	go q.writeLoop()
	return q
}

// Enqueue hands one intent to the writer without blocking on database I/O.
func (q *WriterQueue) Enqueue(in Intent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.ch <- in
	q.mu.Unlock()
	return nil
}

// Flush blocks until every intent enqueued before the call is committed.
func (q *WriterQueue) Flush() error {
	barrier := make(chan error, 1)
	if err := q.Enqueue(Intent{barrier: barrier}); err != nil {
		return err
	}
	return <-barrier
}

// Close drains the queue, commits the last batch, and stops the writer.
// Subsequent Enqueue calls receive ErrQueueClosed.
func (q *WriterQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

func (q *WriterQueue) writeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	var batch []Intent
	var barriers []chan error

	flush := func() {
		if len(batch) > 0 {
			if err := q.commit(batch); err != nil {
				logger.Errorf("Writer queue commit failed: %v", err)
				for _, b := range barriers {
					b <- err
				}
				batch = nil
				barriers = nil
				return
			}
			batch = nil
		}
		for _, b := range barriers {
			b <- nil
		}
		barriers = nil
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case in, ok := <-q.ch:
			if !ok {
				flush()
				return
			}
			if in.barrier != nil {
				barriers = append(barriers, in.barrier)
				flush()
				continue
			}
			batch = append(batch, in)
			if len(batch) >= q.batchSize {
				flush()
			}
		}
	}
}

// commit applies one batch atomically. Duplicate upserts on the same
// conflict key are pre-deduplicated keeping the last occurrence.
func (q *WriterQueue) commit(batch []Intent) error {
	batch = dedupeBatch(batch)

	tx, err := q.store.db.Begin()
	if err != nil {
		return err
	}
	for _, in := range batch {
		var err error
		switch in.Op {
		case OpUpsert:
			err = upsert(tx, in.Table, in.Record)
		case OpInsert:
			err = insertRow(tx, in.Table, in.Record)
		case OpExec:
			_, err = tx.Exec(in.SQL, in.Args...)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// dedupeBatch collapses duplicate upserts on the same conflict key down
// to one intent at the position of the last occurrence: the most recent
// intent wins column-wise, columns it does not carry keep the earlier
// intent's values. Inserts and execs pass through untouched, in order.
func dedupeBatch(batch []Intent) []Intent {
	lastByKey := make(map[string]int)
	merged := make(map[string]map[string]any)
	keys := make([]string, len(batch))

	for i, in := range batch {
		if in.Op != OpUpsert {
			continue
		}
		key := in.Table
		for _, pk := range tablePKCols[in.Table] {
			key += "\x00"
			if v, ok := in.Record[pk]; ok {
				key += toKeyString(v)
			}
		}
		keys[i] = key
		lastByKey[key] = i

		rec, ok := merged[key]
		if !ok {
			rec = make(map[string]any, len(in.Record))
			merged[key] = rec
		}
		for col, v := range in.Record {
			rec[col] = v
		}
	}

	out := batch[:0:0]
	for i, in := range batch {
		if in.Op == OpUpsert {
			if lastByKey[keys[i]] != i {
				continue
			}
			in.Record = merged[keys[i]]
		}
		out = append(out, in)
	}
	return out
}

func toKeyString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		return ""
	}
}
