package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/model"
)

func event(session, module string, status model.ModuleStatus) model.ProgressEvent {
	return model.ProgressEvent{
		SessionID: session,
		Module:    module,
		NewStatus: status,
		Timestamp: time.Now().UTC(),
	}
}

func TestNotifier_DeliversToSubscribers(t *testing.T) {
	n := New()
	sub := n.Subscribe("s1")
	defer sub.Cancel()

	n.Publish(event("s1", "collect_web", model.ModuleStatusRunning))

	ev := <-sub.C
	assert.Equal(t, "collect_web", ev.Module)
	assert.Equal(t, model.ModuleStatusRunning, ev.NewStatus)
}

func TestNotifier_SessionsAreIsolated(t *testing.T) {
	n := New()
	sub := n.Subscribe("s1")
	defer sub.Cancel()

	n.Publish(event("s2", "other", model.ModuleStatusDone))

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event from another session: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotifier_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	n := New()
	sub := n.Subscribe("s1") // never read
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBuffer*3; i++ {
			n.Publish(event("s1", "m", model.ModuleStatusRunning))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds the first events; the rest were dropped.
	assert.Len(t, sub.C, DefaultBuffer)
}

func TestNotifier_LateSubscriberMissesEarlierEvents(t *testing.T) {
	n := New()
	n.Publish(event("s1", "early", model.ModuleStatusDone))

	sub := n.Subscribe("s1")
	defer sub.Cancel()
	assert.Empty(t, sub.C)
}

func TestNotifier_CloseSessionClosesChannels(t *testing.T) {
	n := New()
	sub := n.Subscribe("s1")

	n.Publish(event("s1", "m", model.ModuleStatusDone))
	n.CloseSession("s1")

	// Buffered event still readable, then the channel closes.
	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, "m", ev.Module)

	_, ok = <-sub.C
	assert.False(t, ok)

	// Cancel after close is safe.
	sub.Cancel()
}

func TestSubscription_CancelIsIdempotent(t *testing.T) {
	n := New()
	sub := n.Subscribe("s1")
	sub.Cancel()
	sub.Cancel()

	// Publishing after cancel must not panic on the closed channel.
	n.Publish(event("s1", "m", model.ModuleStatusDone))
}
