package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStreamSession_StartsIdleWithNoViewers(t *testing.T) {
	s := NewStreamSession("cam-1", "sess-1", "stream-1")

	assert.Equal(t, StreamIdle, s.GetState())
	assert.False(t, s.IsActive())
	assert.Equal(t, 0, s.ViewerCount())
}

func TestStreamSession_MarkActiveThenMarkStopped(t *testing.T) {
	s := NewStreamSession("cam-1", "sess-1", "stream-1")

	s.SetState(StreamStarting)
	s.MarkActive()
	assert.True(t, s.IsActive())
	assert.False(t, s.StartedAt.IsZero())

	s.MarkStopped()
	assert.Equal(t, StreamStopped, s.GetState())
	assert.False(t, s.StoppedAt.IsZero())
}

func TestStreamSession_MarkErrorRecordsMessage(t *testing.T) {
	s := NewStreamSession("cam-1", "sess-1", "stream-1")

	s.MarkError("keepalive failed: timeout")

	summary := s.Summary()
	assert.Equal(t, "error", summary.State)
	assert.Equal(t, "keepalive failed: timeout", summary.ErrorMessage)
}

func TestStreamSession_ViewerLifecycleIsIdempotentOnRemove(t *testing.T) {
	s := NewStreamSession("cam-1", "sess-1", "stream-1")
	v := &ViewerSession{ViewerID: "v-1", CameraID: "cam-1", StreamID: "stream-1", SinkID: "sink-1"}

	s.AddViewer(v)
	assert.Equal(t, 1, s.ViewerCount())

	s.RemoveViewer("v-1")
	assert.Equal(t, 0, s.ViewerCount())

	// Removing again must not panic or go negative.
	s.RemoveViewer("v-1")
	assert.Equal(t, 0, s.ViewerCount())
}

func TestStreamSession_ViewersReturnsIndependentSnapshot(t *testing.T) {
	s := NewStreamSession("cam-1", "sess-1", "stream-1")
	s.AddViewer(&ViewerSession{ViewerID: "v-1", CameraID: "cam-1"})
	s.AddViewer(&ViewerSession{ViewerID: "v-2", CameraID: "cam-1"})

	snapshot := s.Viewers()
	assert.Len(t, snapshot, 2)

	s.RemoveViewer("v-1")
	assert.Len(t, snapshot, 2, "snapshot must not reflect later mutation")
	assert.Equal(t, 1, s.ViewerCount())
}

func TestStreamSession_IncrementKeepaliveCountAndSummary(t *testing.T) {
	s := NewStreamSession("cam-1", "sess-1", "stream-1")

	assert.Equal(t, 1, s.IncrementKeepaliveCount())
	assert.Equal(t, 2, s.IncrementKeepaliveCount())

	s.SetKeepaliveErrors(3)
	assert.Equal(t, 2, s.Summary().KeepaliveCount)
	assert.Equal(t, 3, s.KeepaliveErrors)
}
