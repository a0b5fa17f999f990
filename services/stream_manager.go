package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"hivecam-streaming/core/config"
	"hivecam-streaming/core/models"
)

// ErrStreamAlreadyActive is returned by StartStream when a camera already
// has a non-terminal session (spec.md §4.5: starting an already-active
// stream is a conflict, not a restart).
var ErrStreamAlreadyActive = fmt.Errorf("stream already active for this camera")

// ErrStreamNotActive is returned by StopStream when there is no running
// session to stop.
var ErrStreamNotActive = fmt.Errorf("no active stream for this camera")

// ViewerNotifier lets the Stream Manager reach the viewer-facing transport
// it does not otherwise depend on, so that stopping a camera's stream also
// releases every browser attached to it (spec.md §4.6/scenario 4). The
// Signaling Hub implements this; wiring happens via SetViewerNotifier once
// both are constructed, avoiding a constructor-time import cycle between
// the two.
type ViewerNotifier interface {
	NotifyViewerStopped(viewerID, reason string)
}

// BandwidthOverride carries the optional per-request REMB bounds of
// spec.md §4.7's start-stream body. A zero field means "use the configured
// default" rather than "use zero kbps".
type BandwidthOverride struct {
	MaxRecvKbps int
	MinRecvKbps int
}

// StreamManager owns the camera-side lifecycle (C5): one StreamSession per
// camera, the ordered start/stop protocols of spec.md §4.5, and the
// keepalive pump that backs each Active session.
type StreamManager struct {
	ms    *MediaServerClient
	mqtt  *MqttGateway
	cfg   *config.Config

	mu       sync.RWMutex
	sessions map[string]*models.StreamSession
	pumps    map[string]*KeepalivePump

	viewerNotifier ViewerNotifier

	keepaliveEvents chan KeepaliveEvent
}

func NewStreamManager(ms *MediaServerClient, mqtt *MqttGateway, cfg *config.Config) *StreamManager {
	m := &StreamManager{
		ms:              ms,
		mqtt:            mqtt,
		cfg:             cfg,
		sessions:        make(map[string]*models.StreamSession),
		pumps:           make(map[string]*KeepalivePump),
		keepaliveEvents: make(chan KeepaliveEvent, 16),
	}
	go m.watchKeepaliveEvents()
	return m
}

// SetViewerNotifier wires the Signaling Hub in after both it and the Stream
// Manager have been constructed (the Hub's constructor already takes the
// Stream Manager, so this late setter is what breaks the cycle).
func (m *StreamManager) SetViewerNotifier(n ViewerNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewerNotifier = n
}

func (m *StreamManager) watchKeepaliveEvents() {
	for ev := range m.keepaliveEvents {
		log.Printf("[StreamManager] camera=%s keepalive exhausted its error budget: %v", ev.CameraID, ev.Err)
		m.handleKeepaliveFatal(ev)
	}
}

// handleKeepaliveFatal moves an Active session through Error then the full
// stop protocol, mirroring stream_manager.py's _handle_keepalive_error.
func (m *StreamManager) handleKeepaliveFatal(ev KeepaliveEvent) {
	m.mu.RLock()
	session, ok := m.sessions[ev.CameraID]
	m.mu.RUnlock()
	if !ok || !session.IsActive() {
		return
	}

	session.MarkError(fmt.Sprintf("keepalive failed: %v", ev.Err))
	session.SetState(models.StreamStopping)
	m.teardown(context.Background(), session)
	session.MarkStopped()
}

// StartStream runs the 8-step protocol of spec.md §4.5: create pipeline,
// create the camera-facing receiver, build and submit a minimal offer,
// apply REMB bounds, rewrite MS's answer for the camera, publish play over
// MQTT, then start the keepalive pump. Any failure marks the session
// Error and best-effort releases whatever MS handles were created.
func (m *StreamManager) StartStream(ctx context.Context, cameraID, cameraFacingIP string, override *BandwidthOverride) (*models.StreamSession, error) {
	maxKbps := m.cfg.Bandwidth.MaxVideoRecvKbps
	minKbps := m.cfg.Bandwidth.MinVideoRecvKbps
	if override != nil {
		if override.MaxRecvKbps > 0 {
			maxKbps = override.MaxRecvKbps
		}
		if override.MinRecvKbps > 0 {
			minKbps = override.MinRecvKbps
		}
	}

	m.mu.Lock()
	if existing, ok := m.sessions[cameraID]; ok && (existing.GetState() == models.StreamActive || existing.GetState() == models.StreamStarting || existing.GetState() == models.StreamStopping) {
		m.mu.Unlock()
		return nil, ErrStreamAlreadyActive
	}
	sessionID := uuid.NewString()
	streamID := uuid.NewString()
	session := models.NewStreamSession(cameraID, sessionID, streamID)
	session.SetState(models.StreamStarting)
	session.SetBandwidth(maxKbps, minKbps)
	m.sessions[cameraID] = session
	m.mu.Unlock()

	pipelineID, err := m.ms.CreateMediaPipeline(ctx)
	if err != nil {
		session.MarkError(err.Error())
		return nil, fmt.Errorf("create media pipeline: %w", err)
	}

	receiverID, err := m.ms.CreateRtpEndpoint(ctx, pipelineID)
	if err != nil {
		session.MarkError(err.Error())
		m.ms.ReleasePipeline(ctx, pipelineID)
		return nil, fmt.Errorf("create rtp endpoint: %w", err)
	}
	session.SetPipeline(pipelineID, receiverID)

	offerSDP, meta := BuildOffer()

	answerSDP, err := m.ms.ProcessOffer(ctx, receiverID, offerSDP)
	if err != nil {
		session.MarkError(err.Error())
		m.ms.ReleasePipeline(ctx, pipelineID)
		return nil, fmt.Errorf("process offer: %w", err)
	}

	if err := m.ms.SetMaxVideoRecvBandwidth(ctx, receiverID, maxKbps); err != nil {
		session.MarkError(err.Error())
		m.ms.ReleasePipeline(ctx, pipelineID)
		return nil, fmt.Errorf("set max recv bandwidth: %w", err)
	}
	if err := m.ms.SetMinVideoRecvBandwidth(ctx, receiverID, minKbps); err != nil {
		session.MarkError(err.Error())
		m.ms.ReleasePipeline(ctx, pipelineID)
		return nil, fmt.Errorf("set min recv bandwidth: %w", err)
	}

	rewritten := EnhanceAnswer(answerSDP, cameraFacingIP, meta)
	if err := ValidateAnswer(rewritten); err != nil {
		session.MarkError(err.Error())
		m.ms.ReleasePipeline(ctx, pipelineID)
		return nil, fmt.Errorf("validate rewritten answer: %w", err)
	}
	session.SetRewrittenSDP(rewritten, meta)

	if err := m.mqtt.PublishPlay(cameraID, streamID, rewritten); err != nil {
		session.MarkError(err.Error())
		m.ms.ReleasePipeline(ctx, pipelineID)
		return nil, fmt.Errorf("publish play command: %w", err)
	}

	pump := NewKeepalivePump(cameraID, streamID, m.mqtt, m.cfg.MQTT.KeepaliveInterval, session, m.keepaliveEvents)
	pump.Start()

	m.mu.Lock()
	m.pumps[cameraID] = pump
	m.mu.Unlock()

	session.MarkActive()
	return session, nil
}

// StopStream runs the reverse protocol: stop the keepalive pump, best-
// effort notify the camera, release every viewer sink, release the
// pipeline, then mark Stopped (spec.md §4.5).
func (m *StreamManager) StopStream(ctx context.Context, cameraID string) (models.Summary, error) {
	m.mu.RLock()
	session, ok := m.sessions[cameraID]
	m.mu.RUnlock()
	if !ok || !session.IsActive() {
		return models.Summary{}, ErrStreamNotActive
	}

	session.SetState(models.StreamStopping)
	m.teardown(ctx, session)
	session.MarkStopped()
	return session.Summary(), nil
}

// teardown performs the shared best-effort cleanup used by both an
// operator-initiated stop and an autonomous keepalive-fatal stop.
func (m *StreamManager) teardown(ctx context.Context, session *models.StreamSession) {
	cameraID := session.CameraID

	m.mu.Lock()
	pump, hasPump := m.pumps[cameraID]
	delete(m.pumps, cameraID)
	m.mu.Unlock()
	if hasPump {
		pump.Stop()
	}

	if err := m.mqtt.PublishStop(cameraID, session.StreamID); err != nil {
		log.Printf("[StreamManager] camera=%s best-effort stop publish failed (ignored): %v", cameraID, err)
	}

	m.mu.RLock()
	notifier := m.viewerNotifier
	m.mu.RUnlock()

	for _, viewer := range session.Viewers() {
		if notifier != nil {
			// The notifier (Signaling Hub) sends the viewer an error, closes
			// its socket, and releases its sink — see
			// SignalingHub.NotifyViewerStopped.
			notifier.NotifyViewerStopped(viewer.ViewerID, "stream stopped")
			continue
		}
		session.RemoveViewer(viewer.ViewerID)
		m.ms.ReleaseEndpoint(ctx, viewer.SinkID)
	}

	pipelineID, _ := session.Handles()
	m.ms.ReleasePipeline(ctx, pipelineID)
}

// Get returns the current session for cameraID, if one has ever existed.
func (m *StreamManager) Get(cameraID string) (*models.StreamSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[cameraID]
	return session, ok
}

// GetActive returns cameraID's session only if it is currently Active,
// for callers (the Signaling Hub) that must reject attach attempts
// against a stream that never started or has already stopped.
func (m *StreamManager) GetActive(cameraID string) (*models.StreamSession, bool) {
	session, ok := m.Get(cameraID)
	if !ok || !session.IsActive() {
		return nil, false
	}
	return session, true
}

// List returns a snapshot summary of every session this process has ever
// created, active or not (spec.md §9: snapshot rather than hold the lock
// while serializing).
func (m *StreamManager) List() []models.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	return out
}

func (m *StreamManager) MaxViewersPerStream() int {
	return m.cfg.Signaling.MaxViewersPerStream
}
