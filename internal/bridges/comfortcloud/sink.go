package comfortcloud

import (
	"github.com/nerrad567/gray-logic-comfortcloud/internal/infrastructure/influxdb"
)

// ApplianceWriter stores appliance samples. *influxdb.Client implements it.
type ApplianceWriter interface {
	WriteApplianceState(s influxdb.ApplianceSample)
}

// InfluxSink records every reconciled state as a time-series sample.
type InfluxSink struct {
	Writer   ApplianceWriter
	DeviceID string
}

// RecordState implements StateSink.
func (s InfluxSink) RecordState(id DeviceIdentity, st State) {
	if s.Writer == nil {
		return
	}
	s.Writer.WriteApplianceState(SampleFromState(s.DeviceID, id, st))
}

// SampleFromState converts a State into an influxdb sample.
func SampleFromState(deviceID string, id DeviceIdentity, st State) influxdb.ApplianceSample {
	return influxdb.ApplianceSample{
		DeviceGUID:         id.DeviceGUID,
		DeviceID:           deviceID,
		Active:             st.Active,
		Mode:               string(st.Mode),
		Action:             string(st.Action),
		TargetTemperature:  st.TargetTemperature,
		CurrentTemperature: st.CurrentTemperature,
		OutsideTemperature: st.OutsideTemperature,
		FanSpeed:           st.FanSpeed,
		Swing:              st.SwingEnabled,
		Powerful:           st.Powerful,
		Quiet:              st.Quiet,
		Online:             st.Online,
		Faulted:            st.Faulted,
		Time:               st.LastSyncedAt,
	}
}
