package comfortcloud

import (
	"context"
	"fmt"
)

// DeviceIdentity is the resolved appliance.
type DeviceIdentity struct {
	DeviceGUID string `json:"device_guid"`
	DeviceName string `json:"device_name,omitempty"`
	GroupName  string `json:"group_name,omitempty"`
}

// DeviceResolver maps the configured 1-based group and device indices to
// a device GUID using the account's group listing.
type DeviceResolver struct {
	api    API
	creds  Credentials
	logger Logger
}

// NewDeviceResolver creates a resolver for creds.
func NewDeviceResolver(api API, creds Credentials, logger Logger) *DeviceResolver {
	if logger == nil {
		logger = nopLogger{}
	}
	return &DeviceResolver{api: api, creds: creds, logger: logger}
}

// Resolve fetches the group listing and picks the configured device.
// Index problems are reported as *DeviceResolutionError; listing failures
// are returned as the underlying vendor error.
func (r *DeviceResolver) Resolve(ctx context.Context, token string) (DeviceIdentity, error) {
	listing, err := r.api.Groups(ctx, token)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("listing device groups: %w", err)
	}

	id, err := SelectDevice(listing, r.creds.GroupIndex, r.creds.DeviceIndex)
	if err != nil {
		r.logger.Error("could not find device", "group_index", r.creds.GroupIndex,
			"device_index", r.creds.DeviceIndex, "groups", len(listing.Groups), "error", err)
		return DeviceIdentity{}, err
	}

	r.logger.Info("resolved device", "device_guid", id.DeviceGUID, "device_name", id.DeviceName, "group", id.GroupName)
	return id, nil
}

// SelectDevice picks groupList[group-1].deviceList[device-1].
func SelectDevice(listing *GroupListing, group, device int) (DeviceIdentity, error) {
	fail := func(format string, args ...any) (DeviceIdentity, error) {
		return DeviceIdentity{}, &DeviceResolutionError{GroupIndex: group, DeviceIndex: device, Reason: fmt.Sprintf(format, args...)}
	}

	if listing == nil || len(listing.Groups) == 0 {
		return fail("account has no device groups")
	}
	if group < 1 || group > len(listing.Groups) {
		return fail("group index out of range (%d groups)", len(listing.Groups))
	}
	g := listing.Groups[group-1]

	devices := g.DeviceList()
	if len(devices) == 0 {
		return fail("group %q has no devices", g.GroupName)
	}
	if device < 1 || device > len(devices) {
		return fail("device index out of range (%d devices)", len(devices))
	}
	d := devices[device-1]
	if d.DeviceGUID == "" {
		return fail("device has no deviceGuid")
	}

	return DeviceIdentity{DeviceGUID: d.DeviceGUID, DeviceName: d.DeviceName, GroupName: g.GroupName}, nil
}
