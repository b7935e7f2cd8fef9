package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) any {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	if bus.Len() != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", bus.Len())
	}

	bus.Publish(DownloadStartedMsg{URLID: "x"})

	for _, sub := range []*Subscription{a, b} {
		msg := recv(t, sub)
		if m, ok := msg.(DownloadStartedMsg); !ok || m.URLID != "x" {
			t.Errorf("Unexpected event %#v", msg)
		}
	}
}

func TestBus_PreservesOrderPerItem(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(DownloadQueuedMsg{URLID: "a"})
	bus.Publish(DownloadStartedMsg{URLID: "a"})
	bus.Publish(ProgressMsg{URLID: "a", Percent: 10})
	bus.Publish(DownloadCompleteMsg{URLID: "a"})

	want := []Type{TypeQueued, TypeStarted, TypeProgress, TypeCompleted}
	for _, typ := range want {
		if got := TypeOf(recv(t, sub)); got != typ {
			t.Fatalf("Expected %s, got %s", typ, got)
		}
	}
}

func TestBus_CoalescesProgressForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	// The pump may grab the first event before the rest are published, so
	// the subscriber sees either one or two progress events for "a", never
	// all hundred, and the last one is always 99.
	bus.Publish(DownloadStartedMsg{URLID: "a"})
	for i := 0; i < 100; i++ {
		bus.Publish(ProgressMsg{URLID: "a", Percent: float64(i)})
	}
	bus.Publish(DownloadCompleteMsg{URLID: "a"})

	if TypeOf(recv(t, sub)) != TypeStarted {
		t.Fatal("first event should be started")
	}

	var progress []float64
	for {
		msg := recv(t, sub)
		if p, ok := msg.(ProgressMsg); ok {
			progress = append(progress, p.Percent)
			continue
		}
		if TypeOf(msg) != TypeCompleted {
			t.Fatalf("Expected completed, got %T", msg)
		}
		break
	}

	if len(progress) == 0 || len(progress) > 2 {
		t.Fatalf("Expected progress to be coalesced, got %d events", len(progress))
	}
	if progress[len(progress)-1] != 99 {
		t.Errorf("Last progress should be 99, got %v", progress[len(progress)-1])
	}
}

func TestBus_NeverDropsTerminalEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i%26))
			bus.Publish(ProgressMsg{URLID: id, Percent: 50})
			bus.Publish(DownloadCancelledMsg{URLID: id})
		}(i)
	}
	wg.Wait()

	terminal := 0
	deadline := time.After(5 * time.Second)
	for terminal < n {
		select {
		case msg := <-sub.C():
			if IsTerminal(msg) {
				terminal++
			}
		case <-deadline:
			t.Fatalf("Only received %d of %d terminal events", terminal, n)
		}
	}
}

func TestBus_ProgressNotMovedAheadOfLifecycle(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Build the mailbox directly so the pump cannot interleave.
	sub := &Subscription{bus: bus, wake: make(chan struct{}, 1), done: make(chan struct{}), out: make(chan any)}
	sub.push(ProgressMsg{URLID: "a", Percent: 10})
	sub.push(DownloadCompleteMsg{URLID: "a"})
	sub.push(ProgressMsg{URLID: "a", Percent: 20})
	sub.push(ProgressMsg{URLID: "b", Percent: 1})
	sub.push(ProgressMsg{URLID: "a", Percent: 30})

	if len(sub.pending) != 4 {
		t.Fatalf("Expected 4 pending events, got %d: %#v", len(sub.pending), sub.pending)
	}
	if p := sub.pending[0].(ProgressMsg); p.Percent != 10 {
		t.Errorf("Progress before completion must stay at 10, got %v", p.Percent)
	}
	if p := sub.pending[2].(ProgressMsg); p.URLID != "a" || p.Percent != 30 {
		t.Errorf("Progress after completion should be coalesced to 30, got %+v", p)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("Expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
	if bus.Len() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", bus.Len())
	}

	// Publishing with no subscribers must not block.
	bus.Publish(ProgressMsg{URLID: "x"})
}

func TestBus_CloseDetachesAll(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	bus.Close()

	for _, sub := range []*Subscription{a, b} {
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Error("Expected closed channel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after bus Close")
		}
	}

	late := bus.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("Subscribing to a closed bus should yield a closed channel")
	}
	late.Close()
}
