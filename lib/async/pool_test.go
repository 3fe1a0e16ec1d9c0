package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/eventwait/errs"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p, err := NewPool("test", 2, 8)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran.Load() != 5 {
		t.Fatalf("expected queued tasks to drain, ran %d", ran.Load())
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p, _ := NewPool("test", 1, 1)
	p.Close()
	p.Close()
	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p, _ := NewPool("test", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if err := p.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected queue slot to accept, got %v", err)
	}
	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected saturation error, got %v", err)
	}
	close(release)
	_ = p.Shutdown(context.Background())
}

func TestPoolSurvivesPanicsAndErrors(t *testing.T) {
	p, _ := NewPool("test", 1, 4)
	_ = p.Submit(context.Background(), func(context.Context) error { panic("boom") })
	_ = p.Submit(context.Background(), func(context.Context) error { return errors.New("failed") })
	var ran atomic.Bool
	_ = p.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("expected worker to survive panic and error")
	}
}

func TestShutdownDeadlineCancelsTasks(t *testing.T) {
	p, _ := NewPool("test", 1, 1)
	cancelled := make(chan struct{})
	_ = p.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Fatalf("expected shutdown deadline error")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected in-flight task to be cancelled")
	}
}

func TestNewPoolValidatesWorkers(t *testing.T) {
	if _, err := NewPool("test", 0, 1); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
}
