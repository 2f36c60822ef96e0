package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	message.*   message.stored, message.status, message.retracted
//	chat.*      chat.message, chat.opened, chat.closed, chat.deleted
//	buddy.*     buddy.added, buddy.removed, buddy.epub_verified
//	receipt.*   receipt.confirmed
//	net.*       net.online, net.offline
//	app.*       app.foreground
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
