package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplex/internal/transcript"
)

// defaultWriteTimeout bounds one AppendMessages call made by a [Writer].
const defaultWriteTimeout = 10 * time.Second

type batch struct {
	mode string
	msgs []transcript.Message
}

// Writer serializes appends to a [Store] on a single goroutine so callers
// never block on storage and batches land in submission order.
//
// Failed writes are logged and dropped.
type Writer struct {
	store   Store
	timeout time.Duration
	onError func(error)

	mu     sync.Mutex
	queue  []batch
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriteTimeout bounds each store call.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithErrorHandler is called for every failed write, after it was logged.
func WithErrorHandler(fn func(error)) WriterOption {
	return func(w *Writer) { w.onError = fn }
}

// NewWriter starts a Writer over store. Call [Writer.Close] to flush and
// stop it.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		timeout: defaultWriteTimeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.run()
	return w
}

// Append queues msgs for mode. It never blocks. Appends after Close are
// dropped.
func (w *Writer) Append(mode string, msgs []transcript.Message) {
	if len(msgs) == 0 {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		slog.Warn("history: append after close dropped", "mode", mode, "messages", len(msgs))
		return
	}
	w.queue = append(w.queue, batch{mode: mode, msgs: msgs})
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
}

// Close flushes every queued batch and stops the writer goroutine. It
// returns early with ctx's error if the flush does not finish in time.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.wake)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		_, open := <-w.wake
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			b := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			w.write(b)
		}
		if !open {
			return
		}
	}
}

func (w *Writer) write(b batch) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.AppendMessages(ctx, b.mode, b.msgs); err != nil {
		slog.Error("history: append failed", "mode", b.mode, "messages", len(b.msgs), "err", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
}
