package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/render-api/internal/model"
)

func drain(t *testing.T, sub Subscription) []model.RenderProgress {
	t.Helper()
	var got []model.RenderProgress
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("subscription never closed")
		}
	}
}

func TestMemoryBrokerDeliversUntilTerminal(t *testing.T) {
	b := NewMemoryBroker(16)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseInitializing})
	_ = b.Publish(ctx, model.RenderProgress{SessionID: "other", Phase: model.PhaseCapturing})
	_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseCapturing, CurrentFrame: 1, TotalFrames: 2})
	_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseDone, Percent: 100})

	got := drain(t, sub)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %+v", got)
	}
	if got[2].Phase != model.PhaseDone {
		t.Errorf("expected terminal event last, got %s", got[2].Phase)
	}
	if b.Subscribers("s1") != 0 {
		t.Error("subscription not removed after terminal event")
	}

	// publishing after the terminal event must not panic
	_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseCapturing})
}

func TestMemoryBrokerTerminalEventSurvivesFullBuffer(t *testing.T) {
	b := NewMemoryBroker(2)
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "s1")
	for i := 0; i < 10; i++ {
		_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseCapturing, CurrentFrame: i})
	}
	_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseError, Error: "encoder failed"})

	got := drain(t, sub)
	if len(got) == 0 || got[len(got)-1].Phase != model.PhaseError {
		t.Fatalf("terminal event lost: %+v", got)
	}
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker(8)
	ctx := context.Background()

	subs := make([]Subscription, 3)
	for i := range subs {
		subs[i], _ = b.Subscribe(ctx, "s1")
	}
	if b.Subscribers("s1") != 3 {
		t.Fatalf("expected 3 subscribers, got %d", b.Subscribers("s1"))
	}

	_ = b.Publish(ctx, model.RenderProgress{SessionID: "s1", Phase: model.PhaseDone})

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			if got := drain(t, sub); len(got) != 1 {
				t.Errorf("expected exactly the terminal event, got %+v", got)
			}
		}(sub)
	}
	wg.Wait()
}

func TestMemoryBrokerUnsubscribe(t *testing.T) {
	b := NewMemoryBroker(8)
	ctx, cancel := context.WithCancel(context.Background())

	sub, _ := b.Subscribe(ctx, "s1")
	explicit, _ := b.Subscribe(context.Background(), "s1")

	explicit.Close()
	explicit.Close()
	cancel()

	drain(t, sub)
	drain(t, explicit)
	if b.Subscribers("s1") != 0 {
		t.Errorf("expected no subscribers, got %d", b.Subscribers("s1"))
	}
}
