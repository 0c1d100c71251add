package comfortcloud

import (
	"fmt"
	"strings"
)

// Vendor request and response bodies. Field names follow the cloud's JSON
// exactly; everything else in the package works with the validated forms.

type loginRequest struct {
	LoginID  string `json:"loginId"`
	Language string `json:"language"`
	Password string `json:"password"`
}

type loginResponse struct {
	UToken string `json:"uToken"`
}

// errorResponse is the body the cloud sends with a failing status.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GroupListing is the account's device inventory from GET /device/group/.
type GroupListing struct {
	Groups []Group `json:"groupList"`
}

// Group is one named group of appliances.
type Group struct {
	GroupID   int      `json:"groupId"`
	GroupName string   `json:"groupName"`
	Devices   []Device `json:"deviceList"`

	// LegacyDevices is the older name for the device array.
	LegacyDevices []Device `json:"deviceIdList"`
}

// DeviceList returns the group's devices, falling back to the legacy array.
func (g Group) DeviceList() []Device {
	if len(g.Devices) > 0 {
		return g.Devices
	}
	return g.LegacyDevices
}

// Device is one appliance entry inside a group.
type Device struct {
	DeviceGUID string `json:"deviceGuid"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName"`
	ModelName  string `json:"deviceModuleNumber"`
}

// statusEnvelope is the body of GET /deviceStatus/now/{guid}.
type statusEnvelope struct {
	Parameters *rawTelemetry `json:"parameters"`
}

// rawTelemetry mirrors the vendor parameters with pointers so absent
// fields can be told apart from zero values.
type rawTelemetry struct {
	Operate           *int     `json:"operate"`
	OperationMode     *int     `json:"operationMode"`
	TemperatureSet    *float64 `json:"temperatureSet"`
	InsideTemperature *float64 `json:"insideTemperature"`
	OutTemperature    *float64 `json:"outTemperature"`
	FanSpeed          *int     `json:"fanSpeed"`
	AirSwingLR        *int     `json:"airSwingLR"`
	AirSwingUD        *int     `json:"airSwingUD"`
	EcoMode           *int     `json:"ecoMode"`
	Online            *bool    `json:"online"`
	ErrorStatusFlg    *bool    `json:"errorStatusFlg"`
}

// Telemetry is a validated device status snapshot in vendor units.
type Telemetry struct {
	Operate           int
	OperationMode     int
	TemperatureSet    float64
	InsideTemperature float64
	OutTemperature    float64
	FanSpeed          int
	AirSwingLR        int
	AirSwingUD        int

	// EcoMode is optional; nil when the device does not report it.
	EcoMode *int

	Online         bool
	ErrorStatusFlg bool
}

// validate checks every required field is present.
func (r *rawTelemetry) validate() (Telemetry, error) {
	if r == nil {
		return Telemetry{}, fmt.Errorf("%w: missing parameters", ErrMalformedResponse)
	}

	var missing []string
	checkInt := func(name string, v *int) int {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	checkFloat := func(name string, v *float64) float64 {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	checkBool := func(name string, v *bool) bool {
		if v == nil {
			missing = append(missing, name)
			return false
		}
		return *v
	}

	t := Telemetry{
		Operate:           checkInt("operate", r.Operate),
		OperationMode:     checkInt("operationMode", r.OperationMode),
		TemperatureSet:    checkFloat("temperatureSet", r.TemperatureSet),
		InsideTemperature: checkFloat("insideTemperature", r.InsideTemperature),
		OutTemperature:    checkFloat("outTemperature", r.OutTemperature),
		FanSpeed:          checkInt("fanSpeed", r.FanSpeed),
		AirSwingLR:        checkInt("airSwingLR", r.AirSwingLR),
		AirSwingUD:        checkInt("airSwingUD", r.AirSwingUD),
		EcoMode:           r.EcoMode,
		Online:            checkBool("online", r.Online),
		ErrorStatusFlg:    checkBool("errorStatusFlg", r.ErrorStatusFlg),
	}
	if len(missing) > 0 {
		return Telemetry{}, fmt.Errorf("%w: missing %s", ErrMalformedResponse, strings.Join(missing, ", "))
	}
	return t, nil
}

// ControlParameters is the parameters object of POST /deviceStatus/control/.
// Only set fields are sent.
type ControlParameters struct {
	Operate        *int     `json:"operate,omitempty"`
	OperationMode  *int     `json:"operationMode,omitempty"`
	TemperatureSet *float64 `json:"temperatureSet,omitempty"`
	FanSpeed       *int     `json:"fanSpeed,omitempty"`
	FanAutoMode    *int     `json:"fanAutoMode,omitempty"`
	AirSwingLR     *int     `json:"airSwingLR,omitempty"`
	AirSwingUD     *int     `json:"airSwingUD,omitempty"`
	EcoMode        *int     `json:"ecoMode,omitempty"`
}

// IsEmpty reports whether no parameter is set.
func (p ControlParameters) IsEmpty() bool {
	return p == ControlParameters{}
}

type controlRequest struct {
	DeviceGUID string            `json:"deviceGuid"`
	Parameters ControlParameters `json:"parameters"`
}

type controlResponse struct {
	Result  *int   `json:"result"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// versionLookupResponse is the app store lookup body.
type versionLookupResponse struct {
	Results []struct {
		Version string `json:"version"`
	} `json:"results"`
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
