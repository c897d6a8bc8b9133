package mqtt

import "sync"

// FakePublisher records published events for test assertions.
// It is safe for concurrent use; read recorded state through the accessors.
type FakePublisher struct {
	mu sync.Mutex

	readings      []ReadingEvent
	flames        []FlameEvent
	systemEvents  []SystemEvent
	payloads      map[string][][]byte
	closed        bool
	connected     bool
	publishErr    error
	publishSysErr error
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{payloads: map[string][][]byte{}}
}

// FailPublish makes PublishReading and PublishFlame return err.
func (f *FakePublisher) FailPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// FailPublishSystem makes PublishSystem return err.
func (f *FakePublisher) FailPublishSystem(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishSysErr = err
}

// SetConnected controls the return value of IsConnected.
func (f *FakePublisher) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// PublishReading records the reading event.
func (f *FakePublisher) PublishReading(event ReadingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	payload, err := FormatReadingPayload(event)
	if err != nil {
		return err
	}
	f.readings = append(f.readings, event)
	f.payloads[TopicReadings] = append(f.payloads[TopicReadings], payload)
	return nil
}

// PublishFlame records the flame event.
func (f *FakePublisher) PublishFlame(event FlameEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	payload, err := FormatFlamePayload(event)
	if err != nil {
		return err
	}
	f.flames = append(f.flames, event)
	f.payloads[TopicFlame] = append(f.payloads[TopicFlame], payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishSysErr != nil {
		return f.publishSysErr
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.payloads[TopicSystem] = append(f.payloads[TopicSystem], payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Readings returns a copy of the recorded reading events.
func (f *FakePublisher) Readings() []ReadingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReadingEvent(nil), f.readings...)
}

// Flames returns a copy of the recorded flame events.
func (f *FakePublisher) Flames() []FlameEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FlameEvent(nil), f.flames...)
}

// SystemEvents returns a copy of the recorded system events.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// Payloads returns the JSON payloads published to topic.
func (f *FakePublisher) Payloads(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads[topic]...)
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = nil
	f.flames = nil
	f.systemEvents = nil
	f.payloads = map[string][][]byte{}
	f.closed = false
	f.connected = false
	f.publishErr = nil
	f.publishSysErr = nil
}
