package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/notify"
)

type countingArchiver struct {
	runs atomic.Int32
	err  error
}

func (c *countingArchiver) ArchiveLedger(context.Context, time.Time) (int64, error) {
	c.runs.Add(1)
	return 3, c.err
}

type oneLock struct {
	mu   sync.Mutex
	held bool
}

func (l *oneLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.held = true
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, nil
}

type brokenLock struct{}

func (brokenLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis down")
}

type alertLog struct {
	mu     sync.Mutex
	events []string
}

func (a *alertLog) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiver_Run(t *testing.T) {
	tests := []struct {
		name       string
		lock       domain.LockManager
		archiveErr error
		wantErr    bool
		wantRuns   int32
		wantAlerts int
	}{
		{"no lock manager", nil, nil, false, 1, 0},
		{"lock acquired", &oneLock{}, nil, false, 1, 0},
		{"lock held elsewhere", &oneLock{held: true}, nil, false, 0, 0},
		{"lock backend down", brokenLock{}, nil, true, 0, 1},
		{"archive fails", &oneLock{}, errors.New("s3 down"), true, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arch := &countingArchiver{err: tt.archiveErr}
			alerts := &alertLog{}
			a := NewArchiver(arch, tt.lock, alerts, ArchiveConfig{}, discard())

			err := a.Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := arch.runs.Load(); got != tt.wantRuns {
				t.Errorf("runs = %d, want %d", got, tt.wantRuns)
			}
			if len(alerts.events) != tt.wantAlerts {
				t.Errorf("alerts = %v", alerts.events)
			}
			for _, e := range alerts.events {
				if e != notify.EventArchiveFailed {
					t.Errorf("alert event = %q", e)
				}
			}
		})
	}
}

func TestArchiver_ReleasesLock(t *testing.T) {
	lock := &oneLock{}
	a := NewArchiver(&countingArchiver{}, lock, nil, ArchiveConfig{}, discard())
	for i := 0; i < 2; i++ {
		if err := a.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if lock.held {
		t.Error("lock still held after run")
	}
}

func TestArchiver_RunLoop(t *testing.T) {
	arch := &countingArchiver{err: errors.New("transient")}
	a := NewArchiver(arch, nil, nil, ArchiveConfig{Interval: 5 * time.Millisecond}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunLoop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for arch.runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunLoop returned %v", err)
	}
	if arch.runs.Load() < 3 {
		t.Errorf("runs = %d, want the loop to keep going after failures", arch.runs.Load())
	}
}
