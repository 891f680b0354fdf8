package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenpulse/internal/registry"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

type fakeMessenger struct {
	mu    sync.Mutex
	calls []int64
	// errs maps chat id to a queue of errors returned on successive sends.
	errs map[int64][]error
}

func (f *fakeMessenger) Send(ctx context.Context, to transport.ChatTarget, out transport.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to.ChatID)
	q := f.errs[to.ChatID]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	f.errs[to.ChatID] = q[1:]
	return err
}

func (f *fakeMessenger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestDispatcher(msgr *fakeMessenger, chats ...int64) (*Dispatcher, *registry.Registry) {
	reg := registry.New(logx.Nop())
	for _, id := range chats {
		reg.Subscribe(id, transport.ChatGroup, "test")
	}
	d := New(Config{RatePerSec: 1000, FloodWaitMax: 50 * time.Millisecond}, reg, msgr, nil, logx.Nop())
	return d, reg
}

func TestBroadcastEmptyRegistryShortCircuits(t *testing.T) {
	msgr := &fakeMessenger{}
	d, _ := newTestDispatcher(msgr)

	rep := d.Broadcast(context.Background(), transport.Outgoing{Text: "hi"})
	if rep.Success != 0 || rep.Failed != 0 || len(rep.FailedChats) != 0 {
		t.Fatalf("report = %+v, want all-zero", rep)
	}
	if got := msgr.callCount(); got != 0 {
		t.Fatalf("messenger invoked %d times on empty registry", got)
	}
}

func TestBroadcastAllSucceed(t *testing.T) {
	msgr := &fakeMessenger{}
	d, _ := newTestDispatcher(msgr, 1, 2, 3)

	rep := d.Broadcast(context.Background(), transport.Outgoing{Text: "hi"})
	if rep.Success != 3 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want 3 successes", rep)
	}
	if got := msgr.callCount(); got != 3 {
		t.Fatalf("messenger invoked %d times, want 3", got)
	}
}

func TestBroadcastPermanentFailureRetiresDestination(t *testing.T) {
	blocked := &transport.DeliveryError{Class: transport.ClassPermanent, Err: errors.New("bot was blocked by the user")}
	msgr := &fakeMessenger{errs: map[int64][]error{2: {blocked}}}
	d, reg := newTestDispatcher(msgr, 1, 2, 3)

	rep := d.Broadcast(context.Background(), transport.Outgoing{Text: "hi"})
	if rep.Success != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want 2 ok / 1 failed", rep)
	}
	if len(rep.FailedChats) != 1 || rep.FailedChats[0] != 2 {
		t.Fatalf("FailedChats = %v, want [2]", rep.FailedChats)
	}
	for _, sub := range reg.ListActive() {
		if sub.ChatID == 2 {
			t.Fatal("permanently failed destination still listed active")
		}
	}
	if got := reg.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}
}

func TestBroadcastTransientFailureKeepsDestination(t *testing.T) {
	timeout := &transport.DeliveryError{Class: transport.ClassTransient, Err: errors.New("context deadline exceeded")}
	msgr := &fakeMessenger{errs: map[int64][]error{1: {timeout}}}
	d, reg := newTestDispatcher(msgr, 1, 2)

	rep := d.Broadcast(context.Background(), transport.Outgoing{Text: "hi"})
	if rep.Success != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want 1 ok / 1 failed", rep)
	}
	if got := reg.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2 (transient failure must not retire)", got)
	}
}

func TestBroadcastRateLimitRetriesOnceAfterSuspension(t *testing.T) {
	flood := &transport.DeliveryError{Class: transport.ClassRateLimited, RetryAfter: 10 * time.Millisecond, Err: errors.New("retry after 10ms")}
	msgr := &fakeMessenger{errs: map[int64][]error{1: {flood}}}
	d, _ := newTestDispatcher(msgr, 1, 2)

	start := time.Now()
	rep := d.Broadcast(context.Background(), transport.Outgoing{Text: "hi"})
	if rep.Success != 2 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want both delivered after flood retry", rep)
	}
	// chat 1 twice (flood + retry), chat 2 once.
	if got := msgr.callCount(); got != 3 {
		t.Fatalf("messenger invoked %d times, want 3", got)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("dispatch did not honor the retry-after suspension")
	}
}

func TestBroadcastSecondFloodCountsAsFailure(t *testing.T) {
	flood := &transport.DeliveryError{Class: transport.ClassRateLimited, RetryAfter: time.Millisecond}
	msgr := &fakeMessenger{errs: map[int64][]error{1: {flood, flood}}}
	d, reg := newTestDispatcher(msgr, 1)

	rep := d.Broadcast(context.Background(), transport.Outgoing{Text: "hi"})
	if rep.Failed != 1 || rep.Success != 0 {
		t.Fatalf("report = %+v, want a single failure", rep)
	}
	if got := reg.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1 (flood is not permanent)", got)
	}
}

func TestFloodSuspensionCoversAllProducers(t *testing.T) {
	flood := &transport.DeliveryError{Class: transport.ClassRateLimited, RetryAfter: 150 * time.Millisecond, Err: errors.New("retry later")}
	msgr := &fakeMessenger{errs: map[int64][]error{1: {flood}}}
	reg := registry.New(logx.Nop())
	reg.Subscribe(1, transport.ChatGroup, "test")
	d := New(Config{RatePerSec: 1000, FloodWaitMax: time.Second}, reg, msgr, nil, logx.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Broadcast(context.Background(), transport.Outgoing{Text: "launch"})
	}()

	// Wait for the flood signal to engage the suspension window.
	deadline := time.Now().Add(time.Second)
	for {
		d.suspMu.Lock()
		engaged := d.suspendedUntil.After(time.Now())
		d.suspMu.Unlock()
		if engaged {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("suspension never engaged after flood signal")
		}
		time.Sleep(time.Millisecond)
	}
	floodSeen := time.Now()

	// A single send from another goroutine must wait the window out too.
	if err := d.SendTo(context.Background(), 2, transport.Outgoing{Text: "alert"}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if elapsed := time.Since(floodSeen); elapsed < 100*time.Millisecond {
		t.Fatalf("concurrent send completed %v after the flood signal, inside the suspension window", elapsed)
	}
	wg.Wait()
}

func TestSuspensionCancelableByContext(t *testing.T) {
	msgr := &fakeMessenger{}
	d, _ := newTestDispatcher(msgr)
	d.suspend(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.SendTo(ctx, 1, transport.Outgoing{Text: "hi"}); err == nil {
		t.Fatal("send during suspension should fail when the context expires")
	}
	if got := msgr.callCount(); got != 0 {
		t.Fatalf("messenger invoked %d times during suspension", got)
	}
}

func TestSendToSingleDestination(t *testing.T) {
	msgr := &fakeMessenger{}
	d, _ := newTestDispatcher(msgr, 1, 2, 3)

	if err := d.SendTo(context.Background(), 42, transport.Outgoing{Text: "alert"}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if got := msgr.callCount(); got != 1 {
		t.Fatalf("messenger invoked %d times, want exactly 1 (no fan-out)", got)
	}
}
