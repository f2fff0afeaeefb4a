package acq

import (
	"errors"
	"sync"
	"testing"
)

func countingAbort(n *int) AbortFunc {
	return func() error {
		*n++
		return nil
	}
}

func TestNthDeliveryRequestsExactlyOneAbort(t *testing.T) {
	for _, target := range []int{1, 2, 5, 100} {
		var calls int
		r := NewRun(target, countingAbort(&calls))
		if err := r.Start(); err != nil {
			t.Fatal(err)
		}
		for i := 1; i <= target+3; i++ {
			requested := r.Deliver()
			if i < target && requested {
				t.Errorf("target %d: delivery %d requested abort early", target, i)
			}
			if i == target && !requested {
				t.Errorf("target %d: delivery %d did not request abort", target, i)
			}
			if i > target && requested {
				t.Errorf("target %d: delivery %d re-requested abort", target, i)
			}
		}
		if calls != 1 {
			t.Errorf("target %d: expected abort func called once, got %d", target, calls)
		}
		if r.Aborts() != 1 {
			t.Errorf("target %d: expected Aborts() == 1, got %d", target, r.Aborts())
		}
		if r.State() != AbortRequested {
			t.Errorf("target %d: expected state %s, got %s", target, AbortRequested, r.State())
		}
	}
}

func TestZeroTargetNeverAborts(t *testing.T) {
	var calls int
	r := NewRun(0, countingAbort(&calls))
	r.Start()
	for i := 0; i < 1000; i++ {
		if r.Deliver() {
			t.Fatalf("delivery %d requested an abort with target 0", i+1)
		}
	}
	if calls != 0 || r.State() != Acquiring {
		t.Errorf("expected no aborts and ACQUIRING, got %d aborts and %s", calls, r.State())
	}
}

func TestDeliverBeforeStartDoesNotAbort(t *testing.T) {
	var calls int
	r := NewRun(1, countingAbort(&calls))
	if r.Deliver() {
		t.Error("an idle run requested an abort")
	}
	if calls != 0 {
		t.Errorf("expected no abort calls, got %d", calls)
	}
}

func TestRequestAbortIdempotent(t *testing.T) {
	var calls int
	r := NewRun(0, countingAbort(&calls))
	r.Start()
	if !r.RequestAbort() {
		t.Error("first RequestAbort should transition")
	}
	if r.RequestAbort() {
		t.Error("second RequestAbort should not transition")
	}
	r.Stop()
	if r.RequestAbort() {
		t.Error("RequestAbort on a stopped run should not transition")
	}
	if calls != 1 {
		t.Errorf("expected one abort call, got %d", calls)
	}
}

func TestAbortErrorRetained(t *testing.T) {
	boom := errors.New("boom")
	r := NewRun(1, func() error { return boom })
	r.Start()
	r.Deliver()
	if !errors.Is(r.AbortErr(), boom) {
		t.Errorf("expected abort error to be kept, got %v", r.AbortErr())
	}
}

func TestStartTwice(t *testing.T) {
	r := NewRun(0, nil)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); !errors.Is(err, ErrNotIdle) {
		t.Errorf("expected ErrNotIdle, got %v", err)
	}
}

func TestConcurrentDeliveriesAbortOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	r := NewRun(50, func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	r.Start()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				r.Deliver()
			}
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("expected one abort, got %d", calls)
	}
	if r.Delivered() != 200 {
		t.Errorf("expected 200 deliveries, got %d", r.Delivered())
	}
}

func TestStateString(t *testing.T) {
	if Stopped.String() != "STOPPED" {
		t.Errorf("unexpected %s", Stopped)
	}
	if State(42).String() != "State(42)" {
		t.Errorf("unexpected %s", State(42))
	}
}
