package reload

import (
	"testing"

	"github.com/supporttools/pingu/pkg/types"
)

func baseConfig() *types.PinguConfig {
	cfg := &types.PinguConfig{
		Settings: types.GlobalSettings{Interval: types.Duration(30e9)},
		Devices: []types.DeviceConfig{
			{Type: "Ping", Name: "router", Host: "192.168.1.1"},
			{Type: "SNMP", Name: "switch", Host: "192.168.1.2", Options: map[string]interface{}{"community": "public"}},
		},
		Notifiers: types.PluginConfigs{
			{Type: "Telegram", Options: map[string]interface{}{"api_token": "t", "chat_id": "1"}},
		},
		Loggers: types.PluginConfigs{
			{Type: "Console", Options: map[string]interface{}{"mode": "CHANGE"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestComputeConfigDiffNoChanges(t *testing.T) {
	diff := ComputeConfigDiff(baseConfig(), baseConfig())
	if diff.HasChanges() {
		t.Errorf("Expected no changes, got %+v", diff.Summary())
	}
}

func TestComputeConfigDiffDevices(t *testing.T) {
	oldCfg := baseConfig()
	newCfg := baseConfig()

	newCfg.Devices[1].Options["community"] = "private"
	newCfg.Devices = append(newCfg.Devices[1:], types.DeviceConfig{Type: "Mock", Name: "lab", Host: "10.0.0.9"})

	diff := ComputeConfigDiff(oldCfg, newCfg)

	if len(diff.DevicesAdded) != 1 || diff.DevicesAdded[0].Name != "lab" {
		t.Errorf("DevicesAdded = %+v, want [lab]", diff.DevicesAdded)
	}
	if len(diff.DevicesRemoved) != 1 || diff.DevicesRemoved[0].Name != "router" {
		t.Errorf("DevicesRemoved = %+v, want [router]", diff.DevicesRemoved)
	}
	if len(diff.DevicesModified) != 1 || diff.DevicesModified[0].New.Name != "switch" {
		t.Errorf("DevicesModified = %+v, want [switch]", diff.DevicesModified)
	}
	if diff.SettingsChanged || diff.NotifiersChanged || diff.LoggersChanged {
		t.Errorf("Unexpected non-device changes: %+v", diff.Summary())
	}
}

func TestComputeConfigDiffReorder(t *testing.T) {
	oldCfg := baseConfig()
	newCfg := baseConfig()
	newCfg.Devices[0], newCfg.Devices[1] = newCfg.Devices[1], newCfg.Devices[0]

	diff := ComputeConfigDiff(oldCfg, newCfg)
	if !diff.DevicesReordered {
		t.Error("Expected DevicesReordered")
	}
	if !diff.HasChanges() {
		t.Error("Expected a reorder to count as a change")
	}
}

func TestComputeConfigDiffSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.PinguConfig)
		check  func(*ConfigDiff) bool
	}{
		{
			name:   "interval",
			mutate: func(c *types.PinguConfig) { c.Settings.Interval = types.Duration(60e9) },
			check:  func(d *ConfigDiff) bool { return d.SettingsChanged },
		},
		{
			name:   "notifier option",
			mutate: func(c *types.PinguConfig) { c.Notifiers[0].Options["chat_id"] = "2" },
			check:  func(d *ConfigDiff) bool { return d.NotifiersChanged },
		},
		{
			name: "notifier added",
			mutate: func(c *types.PinguConfig) {
				c.Notifiers = append(c.Notifiers, types.PluginConfig{Type: "UnifiPoe"})
			},
			check: func(d *ConfigDiff) bool { return d.NotifiersChanged },
		},
		{
			name:   "logger mode",
			mutate: func(c *types.PinguConfig) { c.Loggers[0].Options["mode"] = "EVERY" },
			check:  func(d *ConfigDiff) bool { return d.LoggersChanged },
		},
		{
			name:   "device events",
			mutate: func(c *types.PinguConfig) { c.Devices[0].Events = []string{"ONLINE", "OFFLINE"} },
			check:  func(d *ConfigDiff) bool { return len(d.DevicesModified) == 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newCfg := baseConfig()
			tt.mutate(newCfg)
			diff := ComputeConfigDiff(baseConfig(), newCfg)
			if !tt.check(diff) {
				t.Errorf("Change not detected: %+v", diff.Summary())
			}
		})
	}
}

func TestOptionsEqual(t *testing.T) {
	if !optionsEqual(nil, map[string]interface{}{}) {
		t.Error("nil and empty options should be equal")
	}
	if optionsEqual(map[string]interface{}{"a": 1}, map[string]interface{}{"a": 2}) {
		t.Error("different values should not be equal")
	}
}
