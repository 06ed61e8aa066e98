package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wagate/cmd/internal/sessionstore"
)

// recordWriter writes session records in the background.
// Each record is a full row, so only the latest pending one is written.
type recordWriter struct {
	store   RecordStore
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending *sessionstore.Record
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newRecordWriter(store RecordStore, log *slog.Logger, timeout time.Duration) *recordWriter {
	w := &recordWriter{
		store:   store,
		log:     log,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit queues rec, replacing any record not yet written.
func (w *recordWriter) Submit(rec sessionstore.Record) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = &rec
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close flushes the pending record and stops the writer.
// The returned channel closes once the final write is done.
func (w *recordWriter) Close() <-chan struct{} {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.mu.Unlock()
	return w.done
}

func (w *recordWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *recordWriter) flush() {
	w.mu.Lock()
	rec := w.pending
	w.pending = nil
	w.mu.Unlock()

	if rec == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.store.Upsert(ctx, *rec); err != nil {
		w.log.Warn("session.persist.fail",
			"tenant_id", rec.TenantID,
			"session_name", rec.SessionName,
			"err", err,
		)
	}
}
