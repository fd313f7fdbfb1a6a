package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Build Lifecycle Events
	EventPreBuild  EventType = "PreBuild"
	EventPostBuild EventType = "PostBuild"

	// Survey Lifecycle Events
	EventPreIngestSurvey   EventType = "PreIngestSurvey"
	EventOnSurveyState     EventType = "OnSurveyState"
	EventPostEncodeSpectra EventType = "PostEncodeSpectra"
	EventPostIngestSurvey  EventType = "PostIngestSurvey"

	// Archive Internal Events
	EventOnBitAssign       EventType = "OnBitAssign"
	EventOnCatalogExtend   EventType = "OnCatalogExtend"
	EventPostManifestWrite EventType = "PostManifestWrite"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre events run synchronously and may cancel; other events may run async.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook cancels the operation.
	// Errors from other hooks are logged without affecting the build.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// --- Payloads ---

// BuildPayload describes a build run.
type BuildPayload struct {
	Version string
	Surveys []string
	Test    bool
}

// NewPreBuildEvent creates an event for before the first survey is ingested.
func NewPreBuildEvent(payload BuildPayload) HookEvent {
	return &BaseEvent{eventType: EventPreBuild, payload: payload}
}

// PostBuildPayload summarizes a finished build run.
type PostBuildPayload struct {
	Version   string
	Committed []string
	Failed    []string
	Duration  time.Duration
	Error     error // fatal error that stopped the build, if any
}

// NewPostBuildEvent creates an event for after the build has finished or stopped.
func NewPostBuildEvent(payload PostBuildPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBuild, payload: payload}
}

// PreIngestSurveyPayload is sent before a survey enters the pipeline.
// MaxWidth is a pointer so listeners can override the container width.
type PreIngestSurveyPayload struct {
	Survey   string
	MaxWidth *int
}

// NewPreIngestSurveyEvent creates an event for before a survey is ingested.
// A listener error skips the survey.
func NewPreIngestSurveyEvent(payload PreIngestSurveyPayload) HookEvent {
	return &BaseEvent{eventType: EventPreIngestSurvey, payload: payload}
}

// SurveyStatePayload reports a state transition of the survey pipeline.
type SurveyStatePayload struct {
	Survey string
	State  string
}

// NewOnSurveyStateEvent creates an event for a survey reaching a new state.
func NewOnSurveyStateEvent(payload SurveyStatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnSurveyState, payload: payload}
}

// SpectraEncodedPayload is sent once all spectra of a survey are in its container.
type SpectraEncodedPayload struct {
	Survey   string
	Records  int
	MaxNPix  int
	MaxWidth int
}

// NewPostEncodeSpectraEvent creates an event for after a survey's spectra are encoded.
func NewPostEncodeSpectraEvent(payload SpectraEncodedPayload) HookEvent {
	return &BaseEvent{eventType: EventPostEncodeSpectra, payload: payload}
}

// SurveyResultPayload is the outcome of one survey's ingestion.
type SurveyResultPayload struct {
	Survey    string
	State     string // last state reached
	Committed bool
	Records   int
	Sources   int // distinct global ids
	MaxNPix   int
	MaxWidth  int
	NPixP50   float64
	NPixP99   float64
	Duration  time.Duration
	Error     error
}

// NewPostIngestSurveyEvent creates an event for after a survey passed or failed.
func NewPostIngestSurveyEvent(payload SurveyResultPayload) HookEvent {
	return &BaseEvent{eventType: EventPostIngestSurvey, payload: payload}
}

// BitAssignPayload contains a newly assigned survey bit.
type BitAssignPayload struct {
	Survey string
	Bit    uint
}

// NewOnBitAssignEvent creates an event for when a survey gets its membership bit.
func NewOnBitAssignEvent(payload BitAssignPayload) HookEvent {
	return &BaseEvent{eventType: EventOnBitAssign, payload: payload}
}

// CatalogExtendPayload reports how a survey's build subset changed the master catalog.
type CatalogExtendPayload struct {
	Survey string
	Added  int // new master entries
	Joined int // candidates joined to existing entries
	Size   int // catalog size afterwards
}

// NewOnCatalogExtendEvent creates an event for after the master catalog was extended.
func NewOnCatalogExtendEvent(payload CatalogExtendPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCatalogExtend, payload: payload}
}

// ManifestWritePayload contains information about a manifest write.
type ManifestWritePayload struct {
	Path    string
	Surveys []string
}

// NewPostManifestWriteEvent creates an event for after the archive manifest has been written.
func NewPostManifestWriteEvent(payload ManifestWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostManifestWrite, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices of listeners are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		async := item.listener.IsAsync()
		if isPreHook || !async {
			if isPreHook && async {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
