package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recorder" }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FilterAndThrottle(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{EventBusUnavailable}, discardLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	_ = n.Notify(ctx, EventArchiveFailed, "archive", "filtered")
	if rec.count() != 0 {
		t.Fatal("filtered event was sent")
	}

	_ = n.Notify(ctx, EventBusUnavailable, "bus", "1")
	_ = n.Notify(ctx, EventBusUnavailable, "bus", "2")
	if rec.count() != 1 {
		t.Fatalf("sent %d, want 1 inside the throttle window", rec.count())
	}

	now = now.Add(DefaultThrottle)
	_ = n.Notify(ctx, EventBusUnavailable, "bus", "3")
	if rec.count() != 2 {
		t.Fatalf("sent %d, want 2 after the window", rec.count())
	}
}

func TestNotifier_SenderFailureReported(t *testing.T) {
	bad := &recordingSender{err: errors.New("down")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "anything", "t", "m")
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("err = %v", err)
	}
	if good.count() != 1 {
		t.Error("second sender skipped after first failed")
	}
}

func TestNotifier_NoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	if n.Enabled() {
		t.Error("Enabled with no senders")
	}
	if err := n.Notify(context.Background(), "e", "t", "m"); err != nil {
		t.Errorf("Notify = %v", err)
	}
	var nilNotifier *Notifier
	if err := nilNotifier.Notify(context.Background(), "e", "t", "m"); err != nil {
		t.Errorf("nil Notify = %v", err)
	}
}

func TestSenders_HTTP(t *testing.T) {
	var got map[string]string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	if err := d.Send(context.Background(), "Bus down", "redis unreachable"); err != nil {
		t.Fatal(err)
	}
	if got["content"] != "**Bus down**\nredis unreachable" {
		t.Errorf("discord content = %q", got["content"])
	}

	tg := NewTelegramSender("tok", "42")
	tg.baseURL = srv.URL
	if err := tg.Send(context.Background(), "Bus down", "x"); err != nil {
		t.Fatal(err)
	}
	if got["chat_id"] != "42" {
		t.Errorf("telegram chat_id = %q", got["chat_id"])
	}

	status = http.StatusBadRequest
	if err := d.Send(context.Background(), "t", "m"); err == nil {
		t.Error("expected error on 400")
	}
}
