package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	bufferCapacity = 256
)

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed in order on reconnect.
type RealPublisher struct {
	client paho.Client
	log    *zap.Logger

	mu  sync.Mutex
	buf *offlineQueue
}

// NewRealPublisher creates a publisher connected to the given broker.
// A broker that cannot be reached within the connect timeout is not fatal:
// paho keeps retrying in the background and events are buffered meanwhile.
func NewRealPublisher(broker, clientID string, log *zap.Logger) (*RealPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &RealPublisher{
		log: log.Named("mqtt"),
		buf: newOfflineQueue(bufferCapacity),
	}

	lwt, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE"})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, lwt, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn("broker not reachable yet, retrying in background", zap.String("broker", broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// IsConnected reports whether the client currently has a broker connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	pending := p.buf.drainAll()
	p.mu.Unlock()

	p.log.Info("connected", zap.Int("replay", len(pending)))
	for _, m := range pending {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.log.Warn("replay failed", zap.String("topic", m.topic), zap.Error(token.Error()))
		}
	}
}

// PublishReading sends a reading at QoS 0 (at-most-once), not retained.
func (p *RealPublisher) PublishReading(event ReadingEvent) error {
	payload, err := FormatReadingPayload(event)
	if err != nil {
		return fmt.Errorf("format reading payload: %w", err)
	}
	return p.publish(TopicReadings, 0, false, payload)
}

// PublishFlame sends a flame event at QoS 1. Alarms must not be lost.
func (p *RealPublisher) PublishFlame(event FlameEvent) error {
	payload, err := FormatFlamePayload(event)
	if err != nil {
		return fmt.Errorf("format flame payload: %w", err)
	}
	return p.publish(TopicFlame, 1, false, payload)
}

// PublishSystem sends a system lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(TopicSystem, 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if p.bufferIfOffline(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}) {
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// bufferIfOffline queues msg when the connection is down. The check and the
// push happen under p.mu, the same lock onConnect drains under, so a message
// cannot land in the queue after the reconnect drain has run.
func (p *RealPublisher) bufferIfOffline(msg bufferedMsg) bool {
	p.mu.Lock()
	if p.client.IsConnectionOpen() {
		p.mu.Unlock()
		return false
	}
	dropped := p.buf.push(msg)
	p.mu.Unlock()
	if dropped {
		p.log.Warn("offline buffer full, evicting queued messages", zap.Int("capacity", bufferCapacity))
	}
	return true
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
