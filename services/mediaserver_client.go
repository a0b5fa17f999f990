package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned to every pending call when the MS
// WebSocket connection is lost (spec.md §4.1: "connection loss fails every
// pending request with a retryable 'connection closed' error").
var ErrConnectionClosed = fmt.Errorf("media server connection closed")

// ErrCallTimeout is returned when a call's deadline expires before a
// matching response arrives.
var ErrCallTimeout = fmt.Errorf("media server call timed out")

// rpcRequest is the outgoing JSON-RPC 2.0 envelope (spec.md §6).
type rpcRequest struct {
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	Jsonrpc string      `json:"jsonrpc"`
}

// rpcError mirrors the JSON-RPC error object MS may return.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("media server error %d: %s", e.Code, e.Message)
}

// incomingFrame is the superset shape used to tell a response (has "id")
// from a notification (has "method", no "id") — spec.md §4.1.
type incomingFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Notification is an MS-originated JSON-RPC notification, delivered to
// every registered listener (spec.md §4.1).
type Notification struct {
	Method string
	Params json.RawMessage
}

// EventEnvelope unwraps the common onEvent shape: params.value =
// {type, object, data} (spec.md §6).
type EventEnvelope struct {
	Value struct {
		Type   string          `json:"type"`
		Object string          `json:"object"`
		Data   json.RawMessage `json:"data"`
	} `json:"value"`
}

type pendingCall struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	Result json.RawMessage
	Err    error
}

// MediaServerClient is the async JSON-RPC/WebSocket client to the Kurento-
// style media server (C1). A single background reader goroutine
// deserializes frames and either completes a pending call or fans a
// notification out to listeners.
type MediaServerClient struct {
	url            string
	requestTimeout time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	listenersMu sync.Mutex
	listeners   []func(Notification)

	connected atomic.Bool
}

func NewMediaServerClient(wsURL string, requestTimeout time.Duration) *MediaServerClient {
	return &MediaServerClient{
		url:            wsURL,
		requestTimeout: requestTimeout,
		pending:        make(map[int64]*pendingCall),
	}
}

// Connect dials MS and starts the background reader. It is not safe to call
// Connect concurrently with itself.
func (c *MediaServerClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.requestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial media server: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)
	return nil
}

// Close tears down the connection; readLoop will observe the resulting
// read error and fail every pending call.
func (c *MediaServerClient) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *MediaServerClient) IsConnected() bool {
	return c.connected.Load()
}

// AddEventListener registers fn to receive every notification MS sends.
// A listener that panics is recovered and logged, so it does not stop
// delivery to the others (spec.md §4.1). Listeners run one after another on
// the reader goroutine, so a listener that blocks delays the rest.
func (c *MediaServerClient) AddEventListener(fn func(Notification)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *MediaServerClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[MS] read loop ended: %v", err)
			c.handleDisconnect()
			return
		}

		var frame incomingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[MS] dropping unparsable frame: %v", err)
			continue
		}

		if frame.ID != nil {
			c.handleResponse(*frame.ID, frame)
			continue
		}
		if frame.Method != "" {
			c.dispatchNotification(Notification{Method: frame.Method, Params: frame.Params})
			continue
		}
		log.Printf("[MS] dropping frame with neither id nor method")
	}
}

func (c *MediaServerClient) handleResponse(id int64, frame incomingFrame) {
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		log.Printf("[MS] late reply for cleared request id %d dropped", id)
		return
	}

	if frame.Error != nil {
		call.resultCh <- rpcResult{Err: frame.Error}
		return
	}
	call.resultCh <- rpcResult{Result: frame.Result}
}

func (c *MediaServerClient) dispatchNotification(n Notification) {
	c.listenersMu.Lock()
	listeners := make([]func(Notification), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[MS] event listener panicked: %v", r)
				}
			}()
			fn(n)
		}()
	}
}

func (c *MediaServerClient) handleDisconnect() {
	c.connected.Store(false)

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.pendingMu.Unlock()

	for id, call := range pending {
		call.resultCh <- rpcResult{Err: ErrConnectionClosed}
		_ = id
	}
}

// Call sends a JSON-RPC request and blocks until a matching response
// arrives, ctx is cancelled, or the per-call timeout expires — whichever
// comes first. A late reply for a timed-out id is dropped by handleResponse
// above (the map no longer contains it).
func (c *MediaServerClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	call := &pendingCall{resultCh: make(chan rpcResult, 1)}
	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params, Jsonrpc: "2.0"}
	payload, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.removePending(id)
		return nil, ErrConnectionClosed
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-call.resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, ErrCallTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *MediaServerClient) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Ping is a 5s-timeout health probe (mirrors kurento_client.py's ping()).
func (c *MediaServerClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// --- High-level helpers (spec.md §4.1) ---

type createResult struct {
	Value string `json:"value"`
}

func (c *MediaServerClient) create(ctx context.Context, objType string, constructorParams map[string]interface{}) (string, error) {
	params := map[string]interface{}{"type": objType}
	if constructorParams != nil {
		params["constructorParams"] = constructorParams
	}
	raw, err := c.Call(ctx, "create", params)
	if err != nil {
		return "", err
	}
	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse create result: %w", err)
	}
	return res.Value, nil
}

func (c *MediaServerClient) CreateMediaPipeline(ctx context.Context) (string, error) {
	return c.create(ctx, "MediaPipeline", nil)
}

func (c *MediaServerClient) CreateRtpEndpoint(ctx context.Context, pipelineID string) (string, error) {
	return c.create(ctx, "RtpEndpoint", map[string]interface{}{"mediaPipeline": pipelineID})
}

func (c *MediaServerClient) CreateWebRtcEndpoint(ctx context.Context, pipelineID string) (string, error) {
	return c.create(ctx, "WebRtcEndpoint", map[string]interface{}{"mediaPipeline": pipelineID})
}

func (c *MediaServerClient) invoke(ctx context.Context, objectID, operation string, operationParams map[string]interface{}) (json.RawMessage, error) {
	params := map[string]interface{}{"object": objectID, "operation": operation}
	if operationParams != nil {
		params["operationParams"] = operationParams
	}
	return c.Call(ctx, "invoke", params)
}

type invokeValueResult struct {
	Value string `json:"value"`
}

// ProcessOffer submits offerSDP to endpointID and returns MS's answer SDP.
func (c *MediaServerClient) ProcessOffer(ctx context.Context, endpointID, offerSDP string) (string, error) {
	raw, err := c.invoke(ctx, endpointID, "processOffer", map[string]interface{}{"offer": offerSDP})
	if err != nil {
		return "", err
	}
	var res invokeValueResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse processOffer result: %w", err)
	}
	return res.Value, nil
}

// Connect splices sourceID's media into sinkID (spec.md §4.5/§4.6).
func (c *MediaServerClient) Connect(ctx context.Context, sourceID, sinkID string) error {
	_, err := c.invoke(ctx, sourceID, "connect", map[string]interface{}{"sink": sinkID})
	return err
}

func (c *MediaServerClient) setBandwidth(ctx context.Context, endpointID, operation string, kbps int) error {
	_, err := c.invoke(ctx, endpointID, operation, map[string]interface{}{"bandwidth": kbps})
	return err
}

func (c *MediaServerClient) SetMaxVideoRecvBandwidth(ctx context.Context, endpointID string, kbps int) error {
	return c.setBandwidth(ctx, endpointID, "setMaxVideoRecvBandwidth", kbps)
}

func (c *MediaServerClient) SetMinVideoRecvBandwidth(ctx context.Context, endpointID string, kbps int) error {
	return c.setBandwidth(ctx, endpointID, "setMinVideoRecvBandwidth", kbps)
}

func (c *MediaServerClient) SetMaxVideoSendBandwidth(ctx context.Context, endpointID string, kbps int) error {
	return c.setBandwidth(ctx, endpointID, "setMaxVideoSendBandwidth", kbps)
}

func (c *MediaServerClient) SetMinVideoSendBandwidth(ctx context.Context, endpointID string, kbps int) error {
	return c.setBandwidth(ctx, endpointID, "setMinVideoSendBandwidth", kbps)
}

// Subscribe registers interest in eventType notifications from objectID
// (e.g. "OnIceCandidate"). Must be called before GatherCandidates, per
// spec.md §4.6 step 3.
func (c *MediaServerClient) Subscribe(ctx context.Context, objectID, eventType string) (string, error) {
	raw, err := c.Call(ctx, "subscribe", map[string]interface{}{"object": objectID, "type": eventType})
	if err != nil {
		return "", err
	}
	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse subscribe result: %w", err)
	}
	return res.Value, nil
}

// GatherCandidates triggers ICE gathering on endpointID.
func (c *MediaServerClient) GatherCandidates(ctx context.Context, endpointID string) error {
	_, err := c.invoke(ctx, endpointID, "gatherCandidates", nil)
	return err
}

// AddIceCandidate forwards a trickled remote candidate to endpointID.
func (c *MediaServerClient) AddIceCandidate(ctx context.Context, endpointID string, candidate map[string]interface{}) error {
	_, err := c.invoke(ctx, endpointID, "addIceCandidate", map[string]interface{}{"candidate": candidate})
	return err
}

// ReleaseEndpoint is best-effort: cleanup paths may not abort, so failures
// are logged and swallowed (spec.md §4.1).
func (c *MediaServerClient) ReleaseEndpoint(ctx context.Context, endpointID string) {
	if endpointID == "" {
		return
	}
	if _, err := c.Call(ctx, "release", map[string]interface{}{"object": endpointID}); err != nil {
		log.Printf("[MS] release endpoint %s failed (ignored): %v", endpointID, err)
	}
}

// ReleasePipeline is best-effort for the same reason.
func (c *MediaServerClient) ReleasePipeline(ctx context.Context, pipelineID string) {
	if pipelineID == "" {
		return
	}
	if _, err := c.Call(ctx, "release", map[string]interface{}{"object": pipelineID}); err != nil {
		log.Printf("[MS] release pipeline %s failed (ignored): %v", pipelineID, err)
	}
}
