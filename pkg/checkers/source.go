// Package checkers contains the built-in device checkers: system ping,
// in-process ICMP echo, SNMP GET, multicast DNS presence and a simulated
// device for testing configurations.
package checkers

import "github.com/supporttools/pingu/pkg/plugins"

// Source returns the built-in checker registrations.
func Source() plugins.Source {
	return plugins.Source{
		Name: "checkers",
		Checkers: []plugins.CheckerInfo{
			{Type: PingType, Factory: NewPingChecker, Description: "Runs the system ping command; ONLINE when it exits 0"},
			{Type: ICMPType, Factory: NewICMPChecker, Description: "Sends ICMP echo requests; ONLINE when any is answered"},
			{Type: SNMPType, Factory: NewSNMPChecker, Description: "Issues an SNMP GET; ONLINE when the agent answers"},
			{Type: MDNSType, Factory: NewMDNSChecker, Description: "Browses multicast DNS; ONLINE when the device announces itself"},
			{Type: MockType, Factory: NewMockChecker, Description: "Simulated device alternating between ONLINE and OFFLINE"},
		},
	}
}
