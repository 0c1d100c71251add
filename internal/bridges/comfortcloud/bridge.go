package comfortcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/mqtt"
)

const protocolName = mqtt.Protocol

// Host is the surface the MQTT bridge and HTTP API drive. *Agent implements it.
type Host interface {
	GetState() (State, bool)
	SetValue(field string, value any, done func(error))
	Subscribe() (<-chan Notification, func())
	Status() Status
	Identity() (DeviceIdentity, bool)
}

// MQTTClient is the MQTT surface the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	BridgeID       string
	DeviceID       string
	Version        string
	HealthInterval time.Duration

	MQTT   MQTTClient
	Host   Host
	Logger Logger
}

// Bridge connects the agent to the Gray Logic MQTT bus: it applies
// commands, acknowledges them, and publishes state and health.
type Bridge struct {
	deviceID string
	topics   mqtt.Topics
	mqtt     MQTTClient
	host     Host
	health   *HealthReporter
	logger   Logger

	commandsReceived atomic.Uint64
	commandsRejected atomic.Uint64
	statesPublished  atomic.Uint64
	errorCount       atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
	unsub    func()
}

// NewBridge validates opts and creates a bridge.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("comfortcloud: MQTT client is required")
	}
	if opts.Host == nil {
		return nil, errors.New("comfortcloud: host is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("comfortcloud: device ID is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	b := &Bridge{
		deviceID: opts.DeviceID,
		mqtt:     opts.MQTT,
		host:     opts.Host,
		logger:   logger,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Topic:     b.topics.BridgeHealth(protocolName),
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Host:      opts.Host,
		Logger:    logger,
	})
	b.health.stats = b
	return b, nil
}

// Start subscribes to commands and begins publishing.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting health", "error", err)
	}

	topic := b.topics.BridgeCommand(protocolName, b.deviceID)
	if err := b.mqtt.Subscribe(topic, 1, b.handleCommand); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	notes, unsub := b.host.Subscribe()
	b.unsub = unsub
	b.wg.Add(1)
	go b.forward(ctx, notes)

	if st, ok := b.host.GetState(); ok {
		b.publishState(st)
	}

	b.health.Start(ctx)
	b.logger.Info("comfort cloud bridge started", "command_topic", topic)
	return nil
}

// Stop ends publishing. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.unsub != nil {
			b.unsub()
		}
		b.wg.Wait()
		b.health.Stop()
	})
}

// Statistics returns the bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsRejected: b.commandsRejected.Load(),
		StatesPublished:  b.statesPublished.Load(),
		Errors:           b.errorCount.Load(),
	}
}

// forward publishes state notifications and refreshes health on session changes.
func (b *Bridge) forward(ctx context.Context, notes <-chan Notification) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			switch note.Kind {
			case NotifyState:
				if note.State != nil {
					b.publishState(*note.State)
				}
			case NotifySession:
				if err := b.health.PublishNow(); err != nil {
					b.logger.Debug("failed to publish health", "error", err)
				}
			}
		}
	}
}

func (b *Bridge) publishState(st State) {
	id, _ := b.host.Identity()
	payload, err := json.Marshal(NewStateMessage(b.deviceID, id, st))
	if err != nil {
		b.errorCount.Add(1)
		b.logger.Error("failed to encode state", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.BridgeState(protocolName, b.deviceID), payload, 1, true); err != nil {
		b.errorCount.Add(1)
		b.logger.Warn("failed to publish state", "error", err)
		return
	}
	b.statesPublished.Add(1)
}

// handleCommand applies a command message. Each parameter is one field
// write; the ack fails if any write is refused.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	b.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsRejected.Add(1)
		b.logger.Warn("invalid command payload", "topic", topic, "error", err)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = mqtt.DeviceFromTopic(topic)
	}

	if cmd.Command != CommandSet {
		b.reject(cmd, ErrCodeInvalidCommand, fmt.Sprintf("unsupported command %q", cmd.Command))
		return
	}
	if len(cmd.Parameters) == 0 {
		b.reject(cmd, ErrCodeInvalidParameters, "no parameters")
		return
	}

	fields := make([]string, 0, len(cmd.Parameters))
	for field := range cmd.Parameters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var failures []string
	for _, field := range fields {
		b.host.SetValue(field, cmd.Parameters[field], func(err error) {
			if err != nil {
				failures = append(failures, err.Error())
			}
		})
	}

	if len(failures) > 0 {
		b.reject(cmd, ErrCodeInvalidParameters, strings.Join(failures, "; "))
		return
	}
	b.ack(NewAckMessage(cmd, AckAccepted, nil))
}

func (b *Bridge) reject(cmd CommandMessage, code, message string) {
	b.commandsRejected.Add(1)
	b.logger.Warn("command rejected", "command_id", cmd.ID, "code", code, "reason", message)
	b.ack(NewAckMessage(cmd, AckFailed, &AckError{Code: code, Message: message}))
}

func (b *Bridge) ack(msg AckMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.errorCount.Add(1)
		return
	}
	if err := b.mqtt.Publish(b.topics.BridgeAck(protocolName, b.deviceID), payload, 1, false); err != nil {
		b.errorCount.Add(1)
		b.logger.Warn("failed to publish ack", "command_id", msg.CommandID, "error", err)
	}
}
