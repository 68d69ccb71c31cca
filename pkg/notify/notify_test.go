package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forzeo/forzeo-core/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recordingSink) Notify(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestMultiSink_FanOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	sink := notify.NewMultiSink(a, b)

	err := sink.Notify(context.Background(), notify.Event{
		Type:     notify.TypeEngineOutage,
		Severity: notify.SeverityCritical,
		Message:  "engine perplexity unavailable",
		At:       time.Now(),
	})
	require.NoError(t, err)

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestMultiSink_FirstErrorDoesNotStopFanOut(t *testing.T) {
	a := &recordingSink{err: errors.New("smtp down")}
	b := &recordingSink{}
	sink := notify.NewMultiSink(a, b)

	err := sink.Notify(context.Background(), notify.Event{Type: notify.TypeSLAEscalation})
	assert.Error(t, err)
	assert.Len(t, b.Events(), 1)
}

func TestEmit_SwallowsErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("unreachable")}

	// Must not panic or propagate.
	notify.Emit(context.Background(), failing, notify.Event{Type: notify.TypeEngineDegraded}, nil)
	notify.Emit(context.Background(), nil, notify.Event{Type: notify.TypeEngineDegraded}, nil)

	assert.Len(t, failing.Events(), 1)
}
