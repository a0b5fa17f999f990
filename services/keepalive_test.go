package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecam-streaming/core/models"
)

// fakePublisher lets keepalive pump tests run without a live MQTT broker.
type fakePublisher struct {
	mu       sync.Mutex
	calls    int
	failNext int // number of remaining calls that should fail
}

func (f *fakePublisher) PublishKeepalive(cameraID, streamID string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("simulated publish failure")
	}
	return nil
}

func TestKeepalivePump_ReportsFatalEventAfterConsecutiveFailures(t *testing.T) {
	session := models.NewStreamSession("cam-1", "sess-1", "stream-1")
	fake := &fakePublisher{failNext: maxConsecutiveKeepaliveErrors}
	events := make(chan KeepaliveEvent, 1)

	pump := NewKeepalivePump("cam-1", "stream-1", fake, 5*time.Millisecond, session, events)
	pump.Start()

	select {
	case ev := <-events:
		assert.Equal(t, "cam-1", ev.CameraID)
		assert.Error(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal keepalive event")
	}

	pump.Stop()
	assert.Equal(t, maxConsecutiveKeepaliveErrors, session.KeepaliveErrors)
}

func TestKeepalivePump_SuccessResetsErrorBudget(t *testing.T) {
	session := models.NewStreamSession("cam-1", "sess-1", "stream-1")
	fake := &fakePublisher{failNext: maxConsecutiveKeepaliveErrors - 1}
	events := make(chan KeepaliveEvent, 1)

	pump := NewKeepalivePump("cam-1", "stream-1", fake, 5*time.Millisecond, session, events)
	pump.Start()

	// Give it enough ticks to exhaust the simulated failures and recover,
	// then a few clean successes; it should never reach the fatal count.
	time.Sleep(100 * time.Millisecond)
	pump.Stop()

	select {
	case ev := <-events:
		t.Fatalf("did not expect a fatal event, got %+v", ev)
	default:
	}
	assert.Equal(t, 0, session.KeepaliveErrors)
	require.True(t, fake.calls > 0)
}
