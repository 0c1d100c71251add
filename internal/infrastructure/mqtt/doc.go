// Package mqtt connects the Comfort Cloud bridge to the local MQTT bus.
//
// The bridge publishes appliance state, command acknowledgements, and
// health on the flat graylogic topic scheme and subscribes to commands:
//
//	graylogic/command/comfortcloud/{device}   inbound commands
//	graylogic/ack/comfortcloud/{device}       command acknowledgements
//	graylogic/state/comfortcloud/{device}     retained appliance state
//	graylogic/health/comfortcloud             retained health, also the LWT
//
// The client reconnects with exponential backoff and restores tracked
// subscriptions after every reconnect. Handlers run on paho goroutines and
// are wrapped with panic recovery.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.BridgeCommand(mqtt.Protocol, "heatpump"), 1,
//	    func(topic string, payload []byte) error {
//	        return handleCommand(payload)
//	    })
package mqtt
