package comfortcloud

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT records publishes and lets tests deliver messages.
type mockMQTT struct {
	mu        sync.Mutex
	messages  []published
	handlers  map[string]func(string, []byte)
	connected bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]func(string, []byte)), connected: true}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, published{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockMQTT) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	h, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	h(topic, payload)
}

func (m *mockMQTT) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.messages {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// stubHost is a Host with canned state.
type stubHost struct {
	mu       sync.Mutex
	state    State
	hasState bool
	status   Status
	identity DeviceIdentity
	writes   map[string]any
	reject   map[string]error
	hub      *notifier
}

func newStubHost() *stubHost {
	return &stubHost{
		state:    State{Active: true, Mode: ModeCool, TargetTemperature: 24},
		hasState: true,
		status:   Status{Session: SessionActive.String(), Device: &DeviceIdentity{DeviceGUID: testGUID}},
		identity: DeviceIdentity{DeviceGUID: testGUID},
		writes:   make(map[string]any),
		reject:   make(map[string]error),
		hub:      newNotifier(),
	}
}

func (h *stubHost) GetState() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.hasState
}

func (h *stubHost) SetValue(field string, value any, done func(error)) {
	h.mu.Lock()
	err := h.reject[field]
	if err == nil {
		h.writes[field] = value
	}
	h.mu.Unlock()
	done(err)
}

func (h *stubHost) Subscribe() (<-chan Notification, func()) { return h.hub.subscribe() }

func (h *stubHost) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *stubHost) Identity() (DeviceIdentity, bool) { return h.identity, true }

const (
	stateTopic   = "graylogic/state/comfortcloud/living-ac"
	commandTopic = "graylogic/command/comfortcloud/living-ac"
	ackTopic     = "graylogic/ack/comfortcloud/living-ac"
	healthTopic  = "graylogic/health/comfortcloud"
)

func startBridge(t *testing.T) (*Bridge, *mockMQTT, *stubHost) {
	t.Helper()
	m := newMockMQTT()
	host := newStubHost()
	b, err := NewBridge(BridgeOptions{
		BridgeID: "comfortcloud-test",
		DeviceID: "living-ac",
		Version:  "test",
		MQTT:     m,
		Host:     host,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, m, host
}

func decodeAck(t *testing.T, p published) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(p.payload, &ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	return ack
}

func TestNewBridge_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"no mqtt", BridgeOptions{Host: newStubHost(), DeviceID: "x"}},
		{"no host", BridgeOptions{MQTT: newMockMQTT(), DeviceID: "x"}},
		{"no device", BridgeOptions{MQTT: newMockMQTT(), Host: newStubHost()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() error = nil")
			}
		})
	}
}

func TestBridge_PublishesInitialState(t *testing.T) {
	_, m, _ := startBridge(t)

	states := m.on(stateTopic)
	if len(states) != 1 {
		t.Fatalf("state publishes = %d, want 1", len(states))
	}
	if !states[0].retained || states[0].qos != 1 {
		t.Errorf("state publish qos/retained = %d/%v, want 1/true", states[0].qos, states[0].retained)
	}

	var msg StateMessage
	if err := json.Unmarshal(states[0].payload, &msg); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if msg.DeviceID != "living-ac" || msg.DeviceGUID != testGUID || msg.Protocol != "comfortcloud" || msg.State.Mode != ModeCool {
		t.Errorf("state message = %+v", msg)
	}

	if len(m.on(healthTopic)) == 0 {
		t.Error("no health published on start")
	}
}

func TestBridge_ForwardsStateNotifications(t *testing.T) {
	b, m, host := startBridge(t)

	st := State{Mode: ModeHeat, TargetTemperature: 21}
	host.hub.publish(Notification{Kind: NotifyState, State: &st})

	eventually(t, time.Second, func() bool { return len(m.on(stateTopic)) == 2 }, "forwarded state")
	if got := b.Statistics().StatesPublished; got != 2 {
		t.Errorf("StatesPublished = %d, want 2", got)
	}
}

func TestBridge_SetCommand(t *testing.T) {
	b, m, host := startBridge(t)

	payload := []byte(`{"id":"c1","command":"set","parameters":{"mode":"heat","target_temperature":21.5}}`)
	m.deliver(t, commandTopic, payload)

	acks := m.on(ackTopic)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	if acks[0].retained {
		t.Error("ack published retained")
	}
	ack := decodeAck(t, acks[0])
	if ack.CommandID != "c1" || ack.Status != AckAccepted || ack.DeviceID != "living-ac" || ack.Error != nil {
		t.Errorf("ack = %+v", ack)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if host.writes["mode"] != "heat" || host.writes["target_temperature"] != 21.5 {
		t.Errorf("writes = %v", host.writes)
	}
	if b.Statistics().CommandsReceived != 1 {
		t.Errorf("CommandsReceived = %d, want 1", b.Statistics().CommandsReceived)
	}
}

func TestBridge_RejectsCommands(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"unsupported command", `{"id":"c1","command":"reboot","parameters":{"x":1}}`, ErrCodeInvalidCommand},
		{"no parameters", `{"id":"c2","command":"set"}`, ErrCodeInvalidParameters},
		{"refused write", `{"id":"c3","command":"set","parameters":{"fan_speed":9}}`, ErrCodeInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, m, host := startBridge(t)
			host.reject["fan_speed"] = errors.New("fan speed must be 1-6")

			m.deliver(t, commandTopic, []byte(tt.payload))

			acks := m.on(ackTopic)
			if len(acks) != 1 {
				t.Fatalf("acks = %d, want 1", len(acks))
			}
			ack := decodeAck(t, acks[0])
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack = %+v, want failed with %s", ack, tt.wantCode)
			}
			if b.Statistics().CommandsRejected != 1 {
				t.Errorf("CommandsRejected = %d, want 1", b.Statistics().CommandsRejected)
			}
		})
	}
}

func TestBridge_RefusedWriteNamesReason(t *testing.T) {
	_, m, host := startBridge(t)
	host.reject["fan_speed"] = errors.New("fan speed must be 1-6")

	m.deliver(t, commandTopic, []byte(`{"id":"c1","command":"set","parameters":{"fan_speed":9,"swing":true}}`))

	ack := decodeAck(t, m.on(ackTopic)[0])
	if ack.Error == nil || !strings.Contains(ack.Error.Message, "fan speed must be 1-6") {
		t.Errorf("ack error = %+v, want the refusal reason", ack.Error)
	}
}

func TestBridge_InvalidJSONIsCountedNotAcked(t *testing.T) {
	b, m, _ := startBridge(t)

	m.deliver(t, commandTopic, []byte(`{not json`))

	if len(m.on(ackTopic)) != 0 {
		t.Error("ack published for an undecodable payload")
	}
	if b.Statistics().CommandsRejected != 1 {
		t.Errorf("CommandsRejected = %d, want 1", b.Statistics().CommandsRejected)
	}
}

func TestBridge_StopPublishesStopping(t *testing.T) {
	b, m, _ := startBridge(t)
	b.Stop()
	b.Stop()

	health := m.on(healthTopic)
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].payload, &last); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health = %q, want %q", last.Status, HealthStopping)
	}
}
