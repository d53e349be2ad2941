package reload

import (
	"reflect"

	"github.com/supporttools/pingu/pkg/types"
)

// ConfigDiff represents the differences between two configurations.
type ConfigDiff struct {
	DevicesAdded    []types.DeviceConfig
	DevicesRemoved  []types.DeviceConfig
	DevicesModified []DeviceChange

	// DevicesReordered is set when the same devices are polled in a
	// different order.
	DevicesReordered bool

	SettingsChanged  bool
	NotifiersChanged bool
	LoggersChanged   bool
}

// DeviceChange represents a modification to a device entry.
type DeviceChange struct {
	Old types.DeviceConfig
	New types.DeviceConfig
}

// ComputeConfigDiff calculates the differences between old and new configurations.
func ComputeConfigDiff(oldConfig, newConfig *types.PinguConfig) *ConfigDiff {
	diff := &ConfigDiff{
		DevicesAdded:    make([]types.DeviceConfig, 0),
		DevicesRemoved:  make([]types.DeviceConfig, 0),
		DevicesModified: make([]DeviceChange, 0),
	}

	oldDevices := makeDeviceMap(oldConfig.Devices)
	newDevices := makeDeviceMap(newConfig.Devices)

	// Walk the slices rather than the maps so the diff lists devices in
	// configuration order.
	for _, newDev := range newConfig.Devices {
		oldDev, exists := oldDevices[newDev.Name]
		if !exists {
			diff.DevicesAdded = append(diff.DevicesAdded, newDev)
		} else if !devicesEqual(oldDev, newDev) {
			diff.DevicesModified = append(diff.DevicesModified, DeviceChange{Old: oldDev, New: newDev})
		}
	}
	for _, oldDev := range oldConfig.Devices {
		if _, exists := newDevices[oldDev.Name]; !exists {
			diff.DevicesRemoved = append(diff.DevicesRemoved, oldDev)
		}
	}

	if len(diff.DevicesAdded) == 0 && len(diff.DevicesRemoved) == 0 {
		for i := range newConfig.Devices {
			if newConfig.Devices[i].Name != oldConfig.Devices[i].Name {
				diff.DevicesReordered = true
				break
			}
		}
	}

	diff.SettingsChanged = !reflect.DeepEqual(oldConfig.Settings, newConfig.Settings)
	diff.NotifiersChanged = !pluginConfigsEqual(oldConfig.Notifiers, newConfig.Notifiers)
	diff.LoggersChanged = !pluginConfigsEqual(oldConfig.Loggers, newConfig.Loggers)

	return diff
}

// HasChanges returns true if there are any configuration changes.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.DevicesAdded) > 0 ||
		len(d.DevicesRemoved) > 0 ||
		len(d.DevicesModified) > 0 ||
		d.DevicesReordered ||
		d.SettingsChanged ||
		d.NotifiersChanged ||
		d.LoggersChanged
}

// Summary returns the diff as log fields.
func (d *ConfigDiff) Summary() map[string]interface{} {
	return map[string]interface{}{
		"devices_added":     len(d.DevicesAdded),
		"devices_removed":   len(d.DevicesRemoved),
		"devices_modified":  len(d.DevicesModified),
		"devices_reordered": d.DevicesReordered,
		"settings_changed":  d.SettingsChanged,
		"notifiers_changed": d.NotifiersChanged,
		"loggers_changed":   d.LoggersChanged,
	}
}

func makeDeviceMap(devices []types.DeviceConfig) map[string]types.DeviceConfig {
	m := make(map[string]types.DeviceConfig, len(devices))
	for _, dev := range devices {
		m[dev.Name] = dev
	}
	return m
}

func devicesEqual(a, b types.DeviceConfig) bool {
	if a.Type != b.Type || a.Host != b.Host || a.Timeout != b.Timeout {
		return false
	}
	if !reflect.DeepEqual(a.Events, b.Events) {
		return false
	}
	return optionsEqual(a.Options, b.Options)
}

// pluginConfigsEqual compares two ordered plugin lists. Order matters because
// it is the invocation order.
func pluginConfigsEqual(a, b types.PluginConfigs) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !optionsEqual(a[i].Options, b[i].Options) {
			return false
		}
	}
	return true
}

// optionsEqual treats nil and empty option maps as equal.
func optionsEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
