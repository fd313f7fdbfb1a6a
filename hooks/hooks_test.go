package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// Signals OnEvent calls, for async tests.
	callSignal chan string
	// Records the order of calls, for sync tests.
	callOrder *[]string
	name      string
	returnErr error
	isAsync   bool
	// Executed inside OnEvent, for payload modification tests.
	onEventFunc func(event HookEvent)
	workDelay   time.Duration
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		*m.callOrder = append(*m.callOrder, m.name)
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }

func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	defaultManager, ok := manager.(*DefaultHookManager)
	if !ok {
		t.Fatalf("NewHookManager did not return a *DefaultHookManager")
	}
	if defaultManager.listeners == nil {
		t.Error("Expected listeners map to be initialized, but it was nil")
	}
	if defaultManager.logger == nil {
		t.Error("Expected logger to be initialized, but it was nil")
	}
}

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)

	manager.Register(EventPostIngestSurvey, &mockListener{name: "p10", priority: 10})
	manager.Register(EventPostIngestSurvey, &mockListener{name: "p1", priority: 1})
	manager.Register(EventPostIngestSurvey, &mockListener{name: "p5a", priority: 5})
	manager.Register(EventPostIngestSurvey, &mockListener{name: "p5b", priority: 5})

	got := manager.listeners[EventPostIngestSurvey]
	want := []string{"p1", "p5a", "p5b", "p10"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d listeners, got %d", len(want), len(got))
	}
	for i, name := range want {
		if n := got[i].listener.(*mockListener).name; n != name {
			t.Errorf("Listener order mismatch at %d: got %s, want %s", i, n, name)
		}
	}
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("PreHook", func(t *testing.T) {
		t.Run("should execute in priority order and stop on error", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			simulatedErr := errors.New("survey excluded")

			manager.Register(EventPreIngestSurvey, &mockListener{name: "p10", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreIngestSurvey, &mockListener{name: "p1", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreIngestSurvey, &mockListener{name: "p5_err", priority: 5, callOrder: &callOrder, returnErr: simulatedErr})

			width := 100
			err := manager.Trigger(context.Background(), NewPreIngestSurveyEvent(PreIngestSurveyPayload{Survey: "HD-LLS_DR1", MaxWidth: &width}))
			if !errors.Is(err, simulatedErr) {
				t.Fatalf("Trigger returned wrong error. Got %v, want %v", err, simulatedErr)
			}
			if len(callOrder) != 2 || callOrder[0] != "p1" || callOrder[1] != "p5_err" {
				t.Fatalf("Unexpected call order: %v", callOrder)
			}
		})

		t.Run("should allow payload modification", func(t *testing.T) {
			manager := NewHookManager(nil)
			manager.Register(EventPreIngestSurvey, &mockListener{
				name:     "widener",
				priority: 1,
				isAsync:  true, // ignored for Pre events
				onEventFunc: func(event HookEvent) {
					if p, ok := event.Payload().(PreIngestSurveyPayload); ok {
						*p.MaxWidth = 2 * *p.MaxWidth
					}
				},
			})

			width := 100
			err := manager.Trigger(context.Background(), NewPreIngestSurveyEvent(PreIngestSurveyPayload{Survey: "KODIAQ_DR1", MaxWidth: &width}))
			if err != nil {
				t.Fatalf("Trigger returned an unexpected error: %v", err)
			}
			if width != 200 {
				t.Errorf("Expected width to be modified synchronously, got %d", width)
			}
		})
	})

	t.Run("PostHook", func(t *testing.T) {
		t.Run("should execute async and sync listeners correctly", func(t *testing.T) {
			manager := NewHookManager(nil)
			signalChan := make(chan string, 1)
			callOrder := make([]string, 0)

			manager.Register(EventPostIngestSurvey, &mockListener{name: "async", priority: 10, isAsync: true, callSignal: signalChan})
			manager.Register(EventPostIngestSurvey, &mockListener{name: "sync", priority: 1, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewPostIngestSurveyEvent(SurveyResultPayload{Survey: "GGG"}))
			if err != nil {
				t.Fatalf("Trigger returned an unexpected error for post-hook: %v", err)
			}
			if len(callOrder) != 1 || callOrder[0] != "sync" {
				t.Errorf("Expected synchronous listener to be called immediately. Got call order: %v", callOrder)
			}
			select {
			case name := <-signalChan:
				if name != "async" {
					t.Errorf("Received signal from wrong listener. Got %s", name)
				}
			case <-time.After(time.Second):
				t.Fatal("Timed out waiting for async listener to be called")
			}
			manager.Stop()
		})

		t.Run("should not return error from sync listener and continue execution", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)

			manager.Register(EventOnBitAssign, &mockListener{name: "err", priority: 1, callOrder: &callOrder, returnErr: errors.New("boom")})
			manager.Register(EventOnBitAssign, &mockListener{name: "ok", priority: 5, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewOnBitAssignEvent(BitAssignPayload{Survey: "COS-Halos", Bit: 3}))
			if err != nil {
				t.Fatalf("Trigger should not return error for non-Pre hook failures, but got: %v", err)
			}
			if len(callOrder) != 2 {
				t.Fatalf("Expected all listeners to be called. Called: %v", callOrder)
			}
		})
	})

	t.Run("should do nothing for event with no listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		if err := manager.Trigger(context.Background(), NewPreBuildEvent(BuildPayload{Version: "v01"})); err != nil {
			t.Fatalf("Trigger returned an unexpected error when no listeners are registered: %v", err)
		}
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		manager.Register(EventPostBuild, &mockListener{
			priority:    i,
			isAsync:     true,
			workDelay:   20 * time.Millisecond,
			onEventFunc: func(HookEvent) { completed.Add(1); wg.Done() },
		})
	}

	if err := manager.Trigger(context.Background(), NewPostBuildEvent(PostBuildPayload{Version: "v01"})); err != nil {
		t.Fatalf("Trigger returned an unexpected error: %v", err)
	}
	manager.Stop()
	if n := completed.Load(); n != 3 {
		t.Fatalf("Stop returned before all async listeners finished: %d/3", n)
	}
	wg.Wait()
}
