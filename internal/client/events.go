package client

import (
	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

// EventType names what happened.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventServerInfo       EventType = "server_info"
	EventDocumentAdopted  EventType = "document_adopted"
	EventDocumentPushed   EventType = "document_pushed"
	EventLocked           EventType = "locked"
	EventUnlocked         EventType = "unlocked"
	EventUnlockFailed     EventType = "unlock_failed"
	EventKeyChanged       EventType = "key_changed"
	EventKitchenOrder     EventType = "kitchen_order"
	EventBarOrder         EventType = "bar_order"
	EventHeldOrderDeleted EventType = "held_order_deleted"
	EventRemoteCart       EventType = "remote_cart"
)

// Event is delivered to subscribers.
type Event struct {
	Type EventType
	// Data carries the server payload for order, cart and delete events.
	Data json.RawMessage
	// Info is set for EventServerInfo.
	Info *protocol.ServerInfo
	// Message explains EventUnlockFailed and EventDisconnected.
	Message string
}
