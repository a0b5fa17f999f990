// Package handlers wires the HTTP Control API (spec.md §4.7) onto gin.
package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hivecam-streaming/core/config"
	"hivecam-streaming/core/services"
)

// startStreamRequest is the optional JSON body spec.md §4.7 documents for
// POST /streams/:camera/start — per-request REMB bounds overriding the
// configured defaults. Either field, or the whole body, may be omitted.
type startStreamRequest struct {
	MaxBandwidth int `json:"max_bandwidth"`
	MinBandwidth int `json:"min_bandwidth"`
}

// ControlHandler exposes the operator-facing REST surface: stream
// lifecycle and read-only enumeration of streams/viewers (C7).
type ControlHandler struct {
	streams *services.StreamManager
	ms      *services.MediaServerClient
	hub     *services.SignalingHub
	network config.NetworkConfig
}

func NewControlHandler(streams *services.StreamManager, ms *services.MediaServerClient, hub *services.SignalingHub, network config.NetworkConfig) *ControlHandler {
	return &ControlHandler{streams: streams, ms: ms, hub: hub, network: network}
}

// Signal upgrades a viewer's connection and hands it to the Signaling Hub
// for the lifetime of that viewer (spec.md §4.6).
func (h *ControlHandler) Signal(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request, c.Param("camera"))
}

// Register mounts every route this handler serves onto r.
func (h *ControlHandler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/streams", h.ListStreams)
	r.GET("/streams/:camera", h.GetStream)
	r.POST("/streams/:camera/start", h.StartStream)
	r.POST("/streams/:camera/stop", h.StopStream)
	r.GET("/viewers", h.ListViewers)
	r.GET("/viewers/:camera", h.ListViewersForCamera)
	r.GET("/signaling/:camera", h.Signal)
}

// Health reports media-server reachability plus aggregate counts, the way
// an operator dashboard would poll it (spec.md §9 supplemented feature).
func (h *ControlHandler) Health(c *gin.Context) {
	summaries := h.streams.List()
	activeStreams := 0
	totalViewers := 0
	for _, s := range summaries {
		if s.State == "active" {
			activeStreams++
		}
		totalViewers += s.ViewerCount
	}

	status := "healthy"
	if !h.ms.IsConnected() {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"media_server":   h.ms.IsConnected(),
		"active_streams": activeStreams,
		"total_viewers":  totalViewers,
	})
}

func (h *ControlHandler) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.streams.List()})
}

func (h *ControlHandler) GetStream(c *gin.Context) {
	cameraID := c.Param("camera")
	session, ok := h.streams.Get(cameraID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stream recorded for this camera"})
		return
	}
	c.JSON(http.StatusOK, session.Summary())
}

// StartStream returns 409 if a stream is already active for this camera,
// 500 on a start-protocol failure, 201 with the new session on success
// (spec.md §4.7).
func (h *ControlHandler) StartStream(c *gin.Context) {
	cameraID := c.Param("camera")
	cameraFacingIP := h.selectCameraFacingIP(c.Request)

	var body startStreamRequest
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	override := &services.BandwidthOverride{MaxRecvKbps: body.MaxBandwidth, MinRecvKbps: body.MinBandwidth}

	session, err := h.streams.StartStream(c.Request.Context(), cameraID, cameraFacingIP, override)
	if err != nil {
		if errors.Is(err, services.ErrStreamAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session.Summary())
}

// StopStream returns 404 if there is nothing active to stop, 200 with the
// final stats otherwise.
func (h *ControlHandler) StopStream(c *gin.Context) {
	cameraID := c.Param("camera")
	summary, err := h.streams.StopStream(c.Request.Context(), cameraID)
	if err != nil {
		if errors.Is(err, services.ErrStreamNotActive) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *ControlHandler) ListViewers(c *gin.Context) {
	out := make([]interface{}, 0)
	for _, summary := range h.streams.List() {
		session, ok := h.streams.Get(summary.CameraID)
		if !ok {
			continue
		}
		for _, v := range session.Viewers() {
			out = append(out, v.Summary())
		}
	}
	c.JSON(http.StatusOK, gin.H{"viewers": out})
}

func (h *ControlHandler) ListViewersForCamera(c *gin.Context) {
	cameraID := c.Param("camera")
	session, ok := h.streams.Get(cameraID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stream recorded for this camera"})
		return
	}
	viewers := session.Viewers()
	out := make([]interface{}, 0, len(viewers))
	for _, v := range viewers {
		out = append(out, v.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"viewers": out})
}

// selectCameraFacingIP implements spec.md §4.7's IP classification: a
// request originating from the configured local network gets the local
// IP baked into the camera-facing SDP, everything else gets the external
// IP. X-Forwarded-For is trusted ahead of the raw remote address so a
// reverse proxy in front of this service still classifies correctly.
func (h *ControlHandler) selectCameraFacingIP(r *http.Request) string {
	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP != "" {
		if idx := strings.Index(clientIP, ","); idx != -1 {
			clientIP = clientIP[:idx]
		}
		clientIP = strings.TrimSpace(clientIP)
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	} else {
		clientIP = r.RemoteAddr
	}

	if h.network.LocalNetworkPrefix != "" && strings.HasPrefix(clientIP, h.network.LocalNetworkPrefix) {
		return h.network.LocalIP
	}
	if isLoopbackAddr(clientIP) {
		return h.network.LocalIP
	}
	return h.network.ExternalIP
}

// isLoopbackAddr reports whether clientIP names the local host itself
// (spec.md §4.7: loopback classifies as local the same as the configured
// network prefix does).
func isLoopbackAddr(clientIP string) bool {
	if clientIP == "localhost" {
		return true
	}
	if ip := net.ParseIP(clientIP); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
