package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementApplianceState is the measurement written on every sync tick.
const MeasurementApplianceState = "appliance_state"

// ApplianceSample is one reconciled reading of the appliance.
// Optional readings are nil when the vendor did not report them.
type ApplianceSample struct {
	DeviceGUID string
	DeviceID   string

	Active             bool
	Mode               string
	Action             string
	TargetTemperature  float64
	CurrentTemperature *float64
	OutsideTemperature *float64
	FanSpeed           int
	Swing              bool
	Powerful           bool
	Quiet              bool
	Online             bool
	Faulted            bool

	Time time.Time
}

// appliancePoint converts a sample into a line-protocol point.
// current_temperature is only written while the appliance is running.
func appliancePoint(s ApplianceSample) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := map[string]any{
		"active":             s.Active,
		"target_temperature": s.TargetTemperature,
		"fan_speed":          s.FanSpeed,
		"swing":              s.Swing,
		"powerful":           s.Powerful,
		"quiet":              s.Quiet,
		"online":             s.Online,
		"faulted":            s.Faulted,
	}
	if s.Active && s.CurrentTemperature != nil {
		fields["current_temperature"] = *s.CurrentTemperature
	}
	if s.OutsideTemperature != nil {
		fields["outside_temperature"] = *s.OutsideTemperature
	}

	tags := map[string]string{
		"device_guid": s.DeviceGUID,
		"mode":        s.Mode,
		"action":      s.Action,
	}
	if s.DeviceID != "" {
		tags["device_id"] = s.DeviceID
	}

	return write.NewPoint(MeasurementApplianceState, tags, fields, ts)
}

// WriteApplianceState queues one appliance_state point.
func (c *Client) WriteApplianceState(s ApplianceSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(appliancePoint(s))
}
