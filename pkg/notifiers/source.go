// Package notifiers contains the built-in notifiers. Telegram announces state
// changes to a chat; UnifiPoe remediates devices that stay offline by
// power-cycling their switch port.
package notifiers

import "github.com/supporttools/pingu/pkg/plugins"

// Source returns the built-in notifier registrations.
func Source() plugins.Source {
	return plugins.Source{
		Name: "notifiers",
		Notifiers: []plugins.NotifierInfo{
			{Type: TelegramType, Factory: NewTelegram, Description: "Sends state changes to a Telegram chat"},
			{Type: UnifiPoeType, Factory: NewUnifiPoe, Description: "Power-cycles the PoE port of a device that stays OFFLINE"},
		},
	}
}
