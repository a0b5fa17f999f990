package services

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"hivecam-streaming/core/config"
)

// MqttGateway is the mutually-TLS-authenticated MQTT 3.1.1 publisher the
// Stream Manager and Keepalive Pump use to talk to a camera (spec.md §4.3
// and §6). Cameras never reply over MQTT; every publish is fire-and-forget
// at QoS 1 with a bounded wait for the broker's ack.
type MqttGateway struct {
	cfg    config.MQTTConfig
	client mqtt.Client
}

// NewMqttGateway builds the mTLS TLS config from the configured cert/key
// paths and constructs (but does not connect) the underlying paho client.
func NewMqttGateway(cfg config.MQTTConfig) (*MqttGateway, error) {
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt gateway: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tls://%s:%s", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetTLSConfig(tlsConfig)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection lost: %v", err)
	})

	return &MqttGateway{cfg: cfg, client: mqtt.NewClient(opts)}, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA cert at %s contained no usable certificates", cfg.CACertPath)
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client cert/key: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Connect blocks until the broker handshake completes or fails.
func (g *MqttGateway) Connect() error {
	token := g.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timed out")
	}
	return token.Error()
}

func (g *MqttGateway) Disconnect() {
	g.client.Disconnect(250)
}

func (g *MqttGateway) IsConnected() bool {
	return g.client.IsConnected()
}

// playMessage is the payload published on the per-camera play topic
// (spec.md §6). Field names and casing are fixed by the camera firmware's
// parser and must not be changed.
type playMessage struct {
	RequestID         string `json:"requestId"`
	CreationTimestamp string `json:"creationTimestamp"`
	SourceID          string `json:"sourceId"`
	SourceType        string `json:"sourceType"`
	StreamID          string `json:"streamId"`
	SDPOffer          string `json:"sdpOffer"`
}

type stopMessage struct {
	RequestID         string `json:"requestId"`
	CreationTimestamp string `json:"creationTimestamp"`
	SourceID          string `json:"sourceId"`
	SourceType        string `json:"sourceType"`
	StreamID          string `json:"streamId"`
	MessageType       string `json:"messageType"`
}

type keepaliveMessage struct {
	RequestID         string `json:"requestId"`
	CreationTimestamp string `json:"creationTimestamp"`
	SourceID          string `json:"sourceId"`
	SourceType        string `json:"sourceType"`
	StreamID          string `json:"streamId"`
	MessageType       string `json:"messageType"`
	KeepaliveCount    int    `json:"keepaliveCount"`
}

const sourceType = "hive-cam"

// PublishPlay tells the camera to start streaming the rewritten SDP answer
// (spec.md §4.3 step, following pipeline setup on MS).
func (g *MqttGateway) PublishPlay(cameraID, streamID, rewrittenSDP string) error {
	msg := playMessage{
		RequestID:         uuid.NewString(),
		CreationTimestamp: nowISO8601(),
		SourceID:          cameraID,
		SourceType:        sourceType,
		StreamID:          streamID,
		SDPOffer:          rewrittenSDP,
	}
	return g.publish(fmt.Sprintf(g.cfg.PlayTopic, cameraID), msg)
}

// PublishStop tells the camera to stop streaming. Callers treat this as
// best-effort: stop continues locally even if the camera never acks
// (spec.md §4.5 stop protocol).
func (g *MqttGateway) PublishStop(cameraID, streamID string) error {
	msg := stopMessage{
		RequestID:         uuid.NewString(),
		CreationTimestamp: nowISO8601(),
		SourceID:          cameraID,
		SourceType:        sourceType,
		StreamID:          streamID,
		MessageType:       "stop",
	}
	return g.publish(fmt.Sprintf(g.cfg.StopTopic, cameraID), msg)
}

// PublishKeepalive sends one heartbeat; count is the session's running
// keepalive counter (spec.md §4.4).
func (g *MqttGateway) PublishKeepalive(cameraID, streamID string, count int) error {
	msg := keepaliveMessage{
		RequestID:         uuid.NewString(),
		CreationTimestamp: nowISO8601(),
		SourceID:          cameraID,
		SourceType:        sourceType,
		StreamID:          streamID,
		MessageType:       "keepalive",
		KeepaliveCount:    count,
	}
	return g.publish(fmt.Sprintf(g.cfg.KeepaliveTopic, cameraID), msg)
}

func (g *MqttGateway) publish(topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling mqtt payload for %s: %w", topic, err)
	}
	token := g.client.Publish(topic, 1, false, body)
	if !token.WaitTimeout(g.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, g.cfg.PublishTimeout)
	}
	return token.Error()
}

func nowISO8601() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
