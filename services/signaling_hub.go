package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hivecam-streaming/core/config"
	"hivecam-streaming/core/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound viewer message types (spec.md §4.6/§6).
const (
	msgTypeViewer         = "viewer"
	msgTypeIceCandidate   = "onIceCandidate"
	msgTypeStop           = "stop"
	msgTypeViewerResponse = "viewerResponse"
	msgTypeIceOut         = "iceCandidate"
	msgTypeError          = "error"
)

type inboundMessage struct {
	Type      string          `json:"type"`
	CameraID  string          `json:"cameraId"`
	StreamID  string          `json:"streamId,omitempty"`
	SDPOffer  string          `json:"sdpOffer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type outboundMessage struct {
	Type      string          `json:"type"`
	ViewerID  string          `json:"viewerId,omitempty"`
	SDPAnswer string          `json:"sdpAnswer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// viewerConn pairs a live WebSocket connection with the ViewerSession it
// backs, so an MS ICE notification for a sink can find its way back to the
// right browser.
type viewerConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	viewer   *models.ViewerSession
	session  *models.StreamSession
}

func (vc *viewerConn) send(msg outboundMessage) error {
	vc.writeMu.Lock()
	defer vc.writeMu.Unlock()
	return vc.conn.WriteJSON(msg)
}

// SignalingHub is the viewer-facing WebSocket server (C6): it runs the
// ordered attach protocol of spec.md §4.6, relays trickled ICE candidates
// in both directions, and tears a viewer's sink down on disconnect.
type SignalingHub struct {
	ms      *MediaServerClient
	streams *StreamManager
	cfg     *config.Config

	mu         sync.Mutex
	bySinkID   map[string]*viewerConn
	byViewerID map[string]*viewerConn
}

func NewSignalingHub(ms *MediaServerClient, streams *StreamManager, cfg *config.Config) *SignalingHub {
	h := &SignalingHub{
		ms:         ms,
		streams:    streams,
		cfg:        cfg,
		bySinkID:   make(map[string]*viewerConn),
		byViewerID: make(map[string]*viewerConn),
	}
	ms.AddEventListener(h.handleMSNotification)
	return h
}

// handleMSNotification unwraps MS's onEvent envelope and relays ICE
// candidates to the viewer connection whose sink the event names. The
// firmware/media-server pack in this corpus is inconsistent about the
// event type string, so both spellings are accepted (spec.md §9).
func (h *SignalingHub) handleMSNotification(n Notification) {
	if n.Method != "onEvent" {
		return
	}
	var env EventEnvelope
	if err := json.Unmarshal(n.Params, &env); err != nil {
		log.Printf("[SignalingHub] unparsable onEvent payload: %v", err)
		return
	}
	if env.Value.Type != "OnIceCandidate" && env.Value.Type != "IceCandidateFound" {
		return
	}

	var data struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(env.Value.Data, &data); err != nil {
		log.Printf("[SignalingHub] unparsable ice candidate payload: %v", err)
		return
	}

	h.mu.Lock()
	vc, ok := h.bySinkID[env.Value.Object]
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := vc.send(outboundMessage{Type: msgTypeIceOut, Candidate: data.Candidate}); err != nil {
		log.Printf("[SignalingHub] relaying ice candidate to viewer failed: %v", err)
	}
}

// HandleWebSocket upgrades r and runs one viewer connection's lifetime:
// attach, relay candidates, then clean up on close or an explicit stop.
func (h *SignalingHub) HandleWebSocket(w http.ResponseWriter, r *http.Request, cameraID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SignalingHub] websocket upgrade failed: %v", err)
		return
	}

	var first inboundMessage
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return
	}
	if first.Type != msgTypeViewer {
		_ = conn.WriteJSON(outboundMessage{Type: msgTypeError, Message: "expected viewer message first"})
		_ = conn.Close()
		return
	}

	vc, err := h.attach(r.Context(), conn, cameraID, first.StreamID, first.SDPOffer)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: msgTypeError, Message: err.Error()})
		_ = conn.Close()
		return
	}

	h.readLoop(vc)
}

// attach runs the 8-step viewer-join protocol of spec.md §4.6.
func (h *SignalingHub) attach(ctx context.Context, conn *websocket.Conn, cameraID, streamID, offerSDP string) (*viewerConn, error) {
	session, ok := h.streams.GetActive(cameraID)
	if !ok {
		return nil, fmt.Errorf("no active stream for camera %s", cameraID)
	}
	if streamID != "" && streamID != session.StreamID {
		return nil, fmt.Errorf("stream id %s does not match the active stream for camera %s", streamID, cameraID)
	}
	max := h.streams.MaxViewersPerStream()
	if session.ViewerCount() >= max {
		return nil, fmt.Errorf("Maximum viewers (%d) reached for stream", max)
	}

	pipelineID, receiverID := session.Handles()

	sinkID, err := h.ms.CreateWebRtcEndpoint(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("create viewer sink: %w", err)
	}

	if _, err := h.ms.Subscribe(ctx, sinkID, "OnIceCandidate"); err != nil {
		h.ms.ReleaseEndpoint(ctx, sinkID)
		return nil, fmt.Errorf("subscribe to ice candidates: %w", err)
	}

	maxKbps, minKbps := session.BandwidthBounds()
	if err := h.ms.SetMaxVideoSendBandwidth(ctx, sinkID, maxKbps); err != nil {
		h.ms.ReleaseEndpoint(ctx, sinkID)
		return nil, fmt.Errorf("set max send bandwidth: %w", err)
	}
	if err := h.ms.SetMinVideoSendBandwidth(ctx, sinkID, minKbps); err != nil {
		h.ms.ReleaseEndpoint(ctx, sinkID)
		return nil, fmt.Errorf("set min send bandwidth: %w", err)
	}

	if err := h.ms.Connect(ctx, receiverID, sinkID); err != nil {
		h.ms.ReleaseEndpoint(ctx, sinkID)
		return nil, fmt.Errorf("connect receiver to sink: %w", err)
	}

	viewer := &models.ViewerSession{
		ViewerID:  uuid.NewString(),
		CameraID:  cameraID,
		StreamID:  session.StreamID,
		SinkID:    sinkID,
		CreatedAt: time.Now(),
	}
	session.AddViewer(viewer)

	vc := &viewerConn{conn: conn, viewer: viewer, session: session}
	h.mu.Lock()
	h.bySinkID[sinkID] = vc
	h.byViewerID[viewer.ViewerID] = vc
	h.mu.Unlock()

	answerSDP, err := h.ms.ProcessOffer(ctx, sinkID, offerSDP)
	if err != nil {
		h.cleanup(vc)
		return nil, fmt.Errorf("process viewer offer: %w", err)
	}

	if err := vc.send(outboundMessage{Type: msgTypeViewerResponse, ViewerID: viewer.ViewerID, SDPAnswer: answerSDP}); err != nil {
		h.cleanup(vc)
		return nil, fmt.Errorf("send viewer answer: %w", err)
	}

	if err := h.ms.GatherCandidates(ctx, sinkID); err != nil {
		log.Printf("[SignalingHub] viewer=%s gatherCandidates failed: %v", viewer.ViewerID, err)
	}

	return vc, nil
}

func (h *SignalingHub) readLoop(vc *viewerConn) {
	defer h.cleanup(vc)

	for {
		var msg inboundMessage
		if err := vc.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case msgTypeIceCandidate:
			var candidate map[string]interface{}
			if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
				log.Printf("[SignalingHub] viewer=%s sent unparsable candidate: %v", vc.viewer.ViewerID, err)
				continue
			}
			if err := h.ms.AddIceCandidate(context.Background(), vc.viewer.SinkID, candidate); err != nil {
				log.Printf("[SignalingHub] viewer=%s addIceCandidate failed: %v", vc.viewer.ViewerID, err)
			}
		case msgTypeStop:
			return
		}
	}
}

// cleanup removes the viewer from its session and the sink index before
// releasing the MS endpoint, so a notification racing the disconnect finds
// nothing to deliver to (spec.md §5's cancellation-ordering requirement).
func (h *SignalingHub) cleanup(vc *viewerConn) {
	vc.session.RemoveViewer(vc.viewer.ViewerID)

	h.mu.Lock()
	delete(h.bySinkID, vc.viewer.SinkID)
	delete(h.byViewerID, vc.viewer.ViewerID)
	h.mu.Unlock()

	h.ms.ReleaseEndpoint(context.Background(), vc.viewer.SinkID)
	_ = vc.conn.Close()
}

// NotifyViewerStopped implements ViewerNotifier for the Stream Manager: it
// sends the viewer an error then runs the same cleanup a disconnect would
// (spec.md §4.6/scenario 4 — a stopped stream releases every attached
// viewer with an error followed by socket close).
func (h *SignalingHub) NotifyViewerStopped(viewerID, reason string) {
	h.mu.Lock()
	vc, ok := h.byViewerID[viewerID]
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := vc.send(outboundMessage{Type: msgTypeError, Message: reason}); err != nil {
		log.Printf("[SignalingHub] viewer=%s notify-stopped send failed: %v", viewerID, err)
	}
	h.cleanup(vc)
}
