package services

import (
	"log"
	"sync"
	"time"

	"hivecam-streaming/core/models"
)

// maxConsecutiveKeepaliveErrors is the error budget from spec.md §4.4: five
// consecutive publish failures mark the stream fatally unreachable.
const maxConsecutiveKeepaliveErrors = 5

// KeepaliveEvent is emitted on a pump's fatal transition. The Stream
// Manager consumes these over a channel rather than a callback, per
// spec.md §9's preference for message-passing over callback chains.
type KeepaliveEvent struct {
	CameraID string
	StreamID string
	Err      error
}

// keepalivePublisher is the slice of MqttGateway the pump depends on,
// narrow enough to fake in tests without a live broker.
type keepalivePublisher interface {
	PublishKeepalive(cameraID, streamID string, count int) error
}

// KeepalivePump sends a periodic MQTT heartbeat to one camera for the
// lifetime of its StreamSession (spec.md §4.4). A run of
// maxConsecutiveKeepaliveErrors failed publishes ends the pump and reports
// one KeepaliveEvent; any success in between resets the counter to zero.
type KeepalivePump struct {
	cameraID string
	streamID string
	gateway  keepalivePublisher
	interval time.Duration
	session  *models.StreamSession
	events   chan<- KeepaliveEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewKeepalivePump(cameraID, streamID string, gateway keepalivePublisher, interval time.Duration, session *models.StreamSession, events chan<- KeepaliveEvent) *KeepalivePump {
	return &KeepalivePump{
		cameraID: cameraID,
		streamID: streamID,
		gateway:  gateway,
		interval: interval,
		session:  session,
		events:   events,
		stopCh:   make(chan struct{}),
	}
}

func (p *KeepalivePump) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop ends the pump and blocks until its goroutine has exited. Safe to
// call even if the pump already stopped itself on a fatal error.
func (p *KeepalivePump) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}

func (p *KeepalivePump) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	consecutiveErrors := 0

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			count := p.session.IncrementKeepaliveCount()
			if err := p.gateway.PublishKeepalive(p.cameraID, p.streamID, count); err != nil {
				consecutiveErrors++
				p.session.SetKeepaliveErrors(consecutiveErrors)
				log.Printf("[Keepalive] camera=%s publish failed (%d/%d consecutive): %v",
					p.cameraID, consecutiveErrors, maxConsecutiveKeepaliveErrors, err)

				if consecutiveErrors >= maxConsecutiveKeepaliveErrors {
					select {
					case p.events <- KeepaliveEvent{CameraID: p.cameraID, StreamID: p.streamID, Err: err}:
					case <-p.stopCh:
					}
					return
				}
				continue
			}

			if consecutiveErrors != 0 {
				consecutiveErrors = 0
				p.session.SetKeepaliveErrors(0)
			}
		}
	}
}
