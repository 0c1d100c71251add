package mqtt

import "errors"

// Broker link failures. Callers match them with errors.Is; the underlying
// paho error, if any, is wrapped alongside.
var (
	ErrNotConnected     = errors.New("mqtt: broker link is down")
	ErrConnectionFailed = errors.New("mqtt: could not reach broker")
	ErrTimeout          = errors.New("mqtt: broker did not acknowledge in time")
)

// Per-operation failures wrapped around a broker or validation error.
var (
	ErrPublishFailed     = errors.New("mqtt: publish rejected")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe rejected")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe rejected")
)

// Request validation, checked before the broker is contacted.
var (
	ErrInvalidTopic = errors.New("mqtt: empty topic")
	ErrInvalidQoS   = errors.New("mqtt: qos must be 0, 1 or 2")
)

// checkRequest validates the topic and QoS of a publish or subscribe.
func checkRequest(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
