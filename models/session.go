// Package models holds the plain value types for the control plane's
// in-memory session state (spec.md §3). Nothing here is persisted.
package models

import (
	"sync"
	"time"
)

// StreamState is a StreamSession's position in the state machine of
// spec.md §4.5: Idle → Starting → Active → Stopping → Stopped, with Error
// reachable from Starting or Active.
type StreamState string

const (
	StreamIdle     StreamState = "idle"
	StreamStarting StreamState = "starting"
	StreamActive   StreamState = "active"
	StreamStopping StreamState = "stopping"
	StreamStopped  StreamState = "stopped"
	StreamError    StreamState = "error"
)

// StreamSession is one per active camera (spec.md §3). Pipeline and
// receiver handles are set once MS has created them during Starting; they
// are not cleared when the session reaches Error or Stopped, so in those
// states they name MS objects that have already been released.
type StreamSession struct {
	mu sync.Mutex

	CameraID   string
	SessionID  string
	StreamID   string
	State      StreamState
	PipelineID string
	ReceiverID string // camera-facing RtpEndpoint id, shared by every viewer sink
	RewrittenSDP string
	VendorMeta VendorSdpMetadata

	StartedAt time.Time
	StoppedAt time.Time
	ErrorMessage string

	KeepaliveCount int
	KeepaliveErrors int

	maxBandwidthKbps int
	minBandwidthKbps int

	viewers map[string]*ViewerSession
}

// NewStreamSession returns an Idle session with its viewer set initialized.
func NewStreamSession(cameraID, sessionID, streamID string) *StreamSession {
	return &StreamSession{
		CameraID:  cameraID,
		SessionID: sessionID,
		StreamID:  streamID,
		State:     StreamIdle,
		viewers:   make(map[string]*ViewerSession),
	}
}

func (s *StreamSession) SetState(state StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func (s *StreamSession) GetState() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StreamSession) IsActive() bool {
	return s.GetState() == StreamActive
}

// MarkActive transitions the session to Active and stamps StartedAt.
func (s *StreamSession) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StreamActive
	s.StartedAt = time.Now()
}

// MarkStopped transitions the session to Stopped and stamps StoppedAt.
func (s *StreamSession) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StreamStopped
	s.StoppedAt = time.Now()
}

// MarkError transitions the session to Error and records why.
func (s *StreamSession) MarkError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StreamError
	s.ErrorMessage = msg
}

// SetPipeline records the MS pipeline/receiver handles once they exist.
func (s *StreamSession) SetPipeline(pipelineID, receiverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PipelineID = pipelineID
	s.ReceiverID = receiverID
}

// SetRewrittenSDP records the camera-facing SDP and the metadata used to
// build it.
func (s *StreamSession) SetRewrittenSDP(sdp string, meta VendorSdpMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RewrittenSDP = sdp
	s.VendorMeta = meta
}

// SetBandwidth records the REMB bounds resolved for this session at start
// time — either the configured defaults or the per-request override of
// spec.md §4.7 — so the Signaling Hub can apply the same bounds to every
// viewer sink it creates afterward.
func (s *StreamSession) SetBandwidth(maxKbps, minKbps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBandwidthKbps = maxKbps
	s.minBandwidthKbps = minKbps
}

// BandwidthBounds returns the session's resolved max/min REMB bounds.
func (s *StreamSession) BandwidthBounds() (maxKbps, minKbps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBandwidthKbps, s.minBandwidthKbps
}

// Handles returns the pipeline and receiver ids, safe to read without
// reasoning about the session's internal locking.
func (s *StreamSession) Handles() (pipelineID, receiverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PipelineID, s.ReceiverID
}

// AddViewer records v as attached to this session. Per spec.md §4.6 step 6,
// this must happen before the viewer's offer is submitted to MS — ICE
// events for its sink may start arriving immediately afterward.
func (s *StreamSession) AddViewer(v *ViewerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers[v.ViewerID] = v
}

// RemoveViewer drops v from the session's viewer set. It is a no-op if v is
// already gone (idempotent cleanup).
func (s *StreamSession) RemoveViewer(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewers, viewerID)
}

// IncrementKeepaliveCount bumps the session's keepalive counter and returns
// the new value, for use as the heartbeat's sequence number.
func (s *StreamSession) IncrementKeepaliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepaliveCount++
	return s.KeepaliveCount
}

// SetKeepaliveErrors records the pump's current consecutive-failure count.
func (s *StreamSession) SetKeepaliveErrors(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepaliveErrors = n
}

// ViewerCount returns the number of viewers currently attached.
func (s *StreamSession) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Viewers returns a snapshot copy of the attached viewers, safe to range
// over without holding the session lock (spec.md §9: "iteration for
// enumeration endpoints should snapshot (copy) rather than stream with lock
// held").
func (s *StreamSession) Viewers() []*ViewerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ViewerSession, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// Summary is a JSON-friendly snapshot of the session's public fields, used
// by the Control API's enumeration endpoints.
type Summary struct {
	CameraID        string    `json:"camera_id"`
	SessionID       string    `json:"session_id"`
	StreamID        string    `json:"stream_id"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	StoppedAt       time.Time `json:"stopped_at,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ViewerCount     int       `json:"viewer_count"`
	KeepaliveCount  int       `json:"keepalive_count"`
	KeepaliveErrors int       `json:"keepalive_errors"`
}

func (s *StreamSession) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var duration float64
	if !s.StartedAt.IsZero() {
		end := s.StoppedAt
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(s.StartedAt).Seconds()
	}

	return Summary{
		CameraID:        s.CameraID,
		SessionID:       s.SessionID,
		StreamID:        s.StreamID,
		State:           string(s.State),
		StartedAt:       s.StartedAt,
		StoppedAt:       s.StoppedAt,
		DurationSeconds: duration,
		ErrorMessage:    s.ErrorMessage,
		ViewerCount:     len(s.viewers),
		KeepaliveCount:  s.KeepaliveCount,
		KeepaliveErrors: s.KeepaliveErrors,
	}
}

// ViewerSession is one per connected browser (spec.md §3). Every
// ViewerSession references an existing StreamSession that was Active at
// attach time; releasing the viewer releases exactly its sink, never the
// shared receiver or pipeline.
type ViewerSession struct {
	ViewerID  string
	CameraID  string
	StreamID  string
	SinkID    string // per-viewer WebRtcEndpoint id on MS
	CreatedAt time.Time
}

// ViewerSummary is the JSON-friendly form returned by viewer-enumeration
// endpoints (mirrors signaling_server.py's ViewerSession.to_dict()).
type ViewerSummary struct {
	ViewerID  string    `json:"viewer_id"`
	CameraID  string    `json:"camera_id"`
	StreamID  string    `json:"stream_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (v *ViewerSession) Summary() ViewerSummary {
	return ViewerSummary{
		ViewerID:  v.ViewerID,
		CameraID:  v.CameraID,
		StreamID:  v.StreamID,
		CreatedAt: v.CreatedAt,
	}
}
