package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdownWaitsForTasks(t *testing.T) {
	l := NewLifecycle(context.Background())

	finished := make(chan struct{})
	l.Go(func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		close(finished)
		return ctx.Err()
	})

	if err := l.Shutdown(); err != nil {
		t.Errorf("expect no error, but got %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("Shutdown returned before the task finished")
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	l := NewLifecycle(context.Background())
	cause := errors.New("tracker gave up")

	spawn := l.Spawner()
	spawn(func(context.Context) error { return cause })
	spawn(func(context.Context) error { return nil })

	if err := l.Shutdown(); !errors.Is(err, cause) {
		t.Errorf("expect %v, but got %v", cause, err)
	}
}

func TestFatalCancelsTasks(t *testing.T) {
	l := NewLifecycle(context.Background())

	stopped := make(chan struct{})
	l.Go(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})

	l.Fatal(nil)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Fatal did not cancel the task")
	}

	if err := l.Shutdown(); !errors.Is(err, ErrFatal) {
		t.Errorf("expect %v, but got %v", ErrFatal, err)
	}
}
