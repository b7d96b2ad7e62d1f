// Package protocol defines the socket events and HTTP payloads shared by the
// sync server and its devices.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Version is reported in server_info and the health endpoint.
const Version = "1.4.0"

// Client to server events.
const (
	EventFullStateUpdate       = "full_state_update"
	EventNewKitchenOrder       = "new_kitchen_order"
	EventNewBarOrder           = "new_bar_order"
	EventAddHeldOrder          = "add_held_order"
	EventDeleteHeldOrder       = "delete_held_order"
	EventActiveCartUpdate      = "active_cart_update"
	EventProvideEncryptionKey  = "provide_encryption_key"
	EventChangeMasterKey       = "change_master_key"
	EventForceExternalRecovery = "force_external_recovery"
	EventForceClearSection     = "force_clear_section"
)

// Server to client events.
const (
	EventSyncUpdate              = "sync_update"
	EventServerInfo              = "server_info"
	EventKitchenOrderReceived    = "kitchen_order_received"
	EventBarOrderReceived        = "bar_order_received"
	EventHeldOrderDeleted        = "held_order_deleted"
	EventRemoteCartUpdate        = "remote_cart_update"
	EventEncryptionRequired      = "encryption_required"
	EventEncryptionUnlockSuccess = "encryption_unlock_success"
	EventEncryptionUnlockError   = "encryption_unlock_error"
	EventEncryptionKeyChanged    = "encryption_key_changed"
)

// MaxMessageBytes bounds one socket envelope.
const MaxMessageBytes = 8 << 20

// ErrMissingEvent indicates an envelope without an event name.
var ErrMissingEvent = errors.New("protocol: envelope has no event")

// Envelope is one socket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds an envelope for event with data marshaled as JSON. A
// json.RawMessage is sent as-is; nil sends no data.
func Encode(event string, data any) ([]byte, error) {
	envelope := Envelope{Event: event}
	switch value := data.(type) {
	case nil:
	case json.RawMessage:
		envelope.Data = value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
		}
		envelope.Data = encoded
	}
	return json.Marshal(envelope)
}

// Decode parses an envelope.
func Decode(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	envelope.Event = strings.TrimSpace(envelope.Event)
	if envelope.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return envelope, nil
}

// ServerInfo is sent to every device right after it connects.
type ServerInfo struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Version  string `json:"version"`
	IsLocked bool   `json:"isLocked"`
}

// ServerIdentity is one server found by a LAN scan. Never persisted.
type ServerIdentity struct {
	Name    string `json:"name"`
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Version string `json:"version"`
	IsSelf  bool   `json:"isSelf"`
	Locked  bool   `json:"locked"`
}

// URL returns the http base URL of the identity.
func (s ServerIdentity) URL() string {
	return fmt.Sprintf("http://%s:%d", s.IP, s.Port)
}

// ChangeMasterKey carries a change_master_key request.
type ChangeMasterKey struct {
	OldKey string `json:"oldKey"`
	NewKey string `json:"newKey"`
}

// ClearSection carries a force_clear_section request.
type ClearSection struct {
	Section string `json:"section"`
}

// ErrorMessage is the payload of error events.
type ErrorMessage struct {
	Message string `json:"message"`
}

// HealthResponse is served by GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Port    int    `json:"port"`
	Locked  bool   `json:"locked"`
}

// SyncRequest is the body of POST /api/sync.
type SyncRequest struct {
	ClientData json.RawMessage `json:"clientData"`
}

// SyncResponse is the reply of POST /api/sync.
type SyncResponse struct {
	Success    bool            `json:"success"`
	ServerData json.RawMessage `json:"serverData"`
}

// ScanResponse is served by GET /api/scan-servers.
type ScanResponse struct {
	Servers []ServerIdentity `json:"servers"`
}

// UpdateResponse is served by GET /api/check-update.
type UpdateResponse struct {
	Updated bool   `json:"updated"`
	Version string `json:"version"`
	Message string `json:"message,omitempty"`
}
