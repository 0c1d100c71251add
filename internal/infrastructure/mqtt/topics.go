package mqtt

import "fmt"

// TopicPrefix is the root of every topic on the bus.
const TopicPrefix = "graylogic"

// Protocol is the bridge segment used in all Comfort Cloud topics.
const Protocol = "comfortcloud"

// Topics builds the flat graylogic/{category}/{protocol}/{device} topics.
//
//	topics := mqtt.Topics{}
//	topics.BridgeState(mqtt.Protocol, "heatpump")
//	// "graylogic/state/comfortcloud/heatpump"
type Topics struct{}

// BridgeState returns the retained state topic for a device.
func (Topics) BridgeState(protocol, device string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, device)
}

// BridgeCommand returns the inbound command topic for a device.
func (Topics) BridgeCommand(protocol, device string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, device)
}

// BridgeAck returns the acknowledgement topic for a device.
func (Topics) BridgeAck(protocol, device string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, device)
}

// BridgeHealth returns the health topic for a bridge.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// AllBridgeCommands matches commands for every device on a bridge.
//
// Pattern: graylogic/command/{protocol}/+
func (Topics) AllBridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, protocol)
}

// DeviceFromTopic returns the last topic segment, or "" for a topic with no
// device segment.
func DeviceFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return ""
}
