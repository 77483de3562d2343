package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errAuth = errors.New("login authentication failed")

func TestTreeRunsAllLayers(t *testing.T) {
	var mu sync.Mutex
	var order []string
	started := make(chan struct{}, 3)
	svc := func(name string) Func {
		return Func{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			started <- struct{}{}
			<-ctx.Done()
			return nil
		}}
	}

	tree := New(slog.Default(), TreeConfig{ShutdownTimeout: time.Second})
	tree.AddAPI(svc("http"))
	tree.AddMessaging(svc("pipeline"))
	tree.AddData(svc("events"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("services did not start")
		}
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("started = %v", order)
	}
}

func TestGuardReportsFatalErrors(t *testing.T) {
	var runs atomic.Int32
	tree := New(slog.Default(), TreeConfig{ShutdownTimeout: time.Second, FailureBackoff: 10 * time.Millisecond})
	tree.AddMessaging(tree.Guard(Func{Name: "chat", Run: func(context.Context) error {
		runs.Add(1)
		return errAuth
	}}, func(err error) bool { return errors.Is(err, errAuth) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	select {
	case err := <-tree.Fatal():
		if !errors.Is(err, errAuth) {
			t.Fatalf("fatal = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error reported")
	}
	time.Sleep(100 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("fatal service restarted: %d runs", n)
	}
}

func TestGuardRestartsTransientErrors(t *testing.T) {
	var runs atomic.Int32
	again := make(chan struct{})
	tree := New(slog.Default(), TreeConfig{ShutdownTimeout: time.Second})
	tree.AddMessaging(tree.Guard(Func{Name: "eventsub", Run: func(ctx context.Context) error {
		if runs.Add(1) == 2 {
			close(again)
			<-ctx.Done()
			return nil
		}
		return errors.New("socket reset")
	}}, func(err error) bool { return errors.Is(err, errAuth) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)
	select {
	case <-again:
	case <-time.After(5 * time.Second):
		t.Fatal("service was not restarted")
	}
	select {
	case err := <-tree.Fatal():
		t.Fatalf("transient error reported as fatal: %v", err)
	default:
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName(Func{Name: "sender"}); got != "sender" {
		t.Fatalf("name = %q", got)
	}
	if got := serviceName(struct{}{}); got != "struct {}" {
		t.Fatalf("name = %q", got)
	}
}
