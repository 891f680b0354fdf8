package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "tokenpulse/pkg/logx"
)

func TestAddCronValidatesSpec(t *testing.T) {
	s := New(logx.Nop())
	if err := s.AddCron("bad", "not a spec", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("invalid spec accepted")
	}
	if err := s.AddCron("ok", "*/5 * * * *", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := s.AddInterval("every", 30*time.Minute, 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	if err := s.AddInterval("zero", 0, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestAddAfterStartRejected(t *testing.T) {
	s := New(logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.AddInterval("late", time.Minute, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("registration after start accepted")
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	s := New(logx.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	d := &jobDef{name: "slow", run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	done := make(chan struct{})
	go func() {
		s.runJob(d)
		close(done)
	}()
	for d.running.Load() == false {
		time.Sleep(time.Millisecond)
	}

	// Second tick while the first is still running is a no-op.
	s.runJob(d)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	close(release)
	<-done

	// After completion the job is eligible again.
	s.runJob(d)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d after completion, want 2", got)
	}
}

func TestPanicRecovered(t *testing.T) {
	s := New(logx.Nop())
	d := &jobDef{name: "boom", run: func(ctx context.Context) error { panic("boom") }}
	s.runJob(d) // must not crash the test binary
	if d.running.Load() {
		t.Fatal("running flag stuck after panic")
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(logx.Nop())
	var sawDeadline atomic.Bool
	d := &jobDef{name: "timed", timeout: 10 * time.Millisecond, run: func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}}
	s.runJob(d)
	if !sawDeadline.Load() {
		t.Fatal("job context did not hit its deadline")
	}
}
