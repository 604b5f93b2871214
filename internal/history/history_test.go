package history_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/history"
	"github.com/MrWong99/duplex/internal/transcript"
)

func msg(id string, role transcript.Role, text string) transcript.Message {
	return transcript.Message{ID: id, Role: role, Text: text, CreatedAt: time.Unix(0, 0).UTC()}
}

func TestMemory_AppendAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := history.NewMemory()

	if err := s.AppendMessages(ctx, "general", []transcript.Message{
		msg("1", transcript.RoleUser, "Hello"),
		msg("2", transcript.RoleModel, "Hi there"),
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	// Duplicate IDs are ignored.
	_ = s.AppendMessages(ctx, "general", []transcript.Message{msg("2", transcript.RoleModel, "again")})
	_ = s.AppendMessages(ctx, "advisor", []transcript.Message{msg("3", transcript.RoleUser, "other mode")})

	got, err := s.Messages(ctx, "general", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 2 || got[0].Text != "Hello" || got[1].Text != "Hi there" {
		t.Errorf("Messages = %+v", got)
	}

	tail, _ := s.Messages(ctx, "general", 1)
	if len(tail) != 1 || tail[0].ID != "2" {
		t.Errorf("Messages(limit 1) = %+v, want newest", tail)
	}
}

func TestMemory_Search(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := history.NewMemory()
	_ = s.AppendMessages(ctx, "advisor", []transcript.Message{
		msg("1", transcript.RoleUser, "What about the supplier invoice?"),
		msg("2", transcript.RoleModel, "The invoice is due Friday."),
		msg("3", transcript.RoleUser, "Thanks"),
	})

	tests := []struct {
		query string
		want  []string
	}{
		{query: "invoice", want: []string{"1", "2"}},
		{query: "INVOICE friday", want: []string{"2"}},
		{query: "payroll", want: nil},
		{query: "  ", want: nil},
	}
	for _, tt := range tests {
		got, err := s.Search(ctx, "advisor", tt.query, 10)
		if err != nil {
			t.Fatalf("Search(%q): %v", tt.query, err)
		}
		var ids []string
		for _, m := range got {
			ids = append(ids, m.ID)
		}
		if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
			t.Errorf("Search(%q) = %v, want %v", tt.query, ids, tt.want)
		}
	}
}

func TestMemory_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := history.NewMemory().AppendMessages(ctx, "general", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type recordingStore struct {
	history.Store
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recordingStore) AppendMessages(ctx context.Context, mode string, msgs []transcript.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.calls = append(r.calls, mode+":"+m.ID)
	}
	if r.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestWriter_PreservesOrderAndFlushes(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	w := history.NewWriter(store)
	for i := range 20 {
		w.Append("general", []transcript.Message{msg(fmt.Sprint(i), transcript.RoleUser, "x")})
	}
	w.Append("general", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(store.calls) != 20 {
		t.Fatalf("calls = %d, want 20", len(store.calls))
	}
	for i, c := range store.calls {
		if want := fmt.Sprintf("general:%d", i); c != want {
			t.Fatalf("call %d = %s, want %s", i, c, want)
		}
	}

	// After Close appends are dropped and Close stays idempotent.
	w.Append("general", []transcript.Message{msg("late", transcript.RoleUser, "x")})
	if err := w.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if len(store.calls) != 20 {
		t.Errorf("append after close was written")
	}
}

func TestWriter_ReportsErrors(t *testing.T) {
	t.Parallel()
	store := &recordingStore{fail: true}
	errs := make(chan error, 1)
	w := history.NewWriter(store, history.WithErrorHandler(func(err error) { errs <- err }))
	w.Append("general", []transcript.Message{msg("1", transcript.RoleUser, "x")})

	select {
	case err := <-errs:
		if err == nil {
			t.Error("nil error reported")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
	_ = w.Close(context.Background())
}
