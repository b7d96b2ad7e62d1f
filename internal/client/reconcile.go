package client

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

type decision int

const (
	decisionNone decision = iota
	decisionAdopt
	decisionPush
	decisionSeed
)

func (d decision) String() string {
	switch d {
	case decisionAdopt:
		return "adopt"
	case decisionPush:
		return "push"
	case decisionSeed:
		return "seed"
	default:
		return "none"
	}
}

func (c *Client) handle(gen uint64, envelope protocol.Envelope) {
	switch envelope.Event {
	case protocol.EventSyncUpdate:
		c.reconcile(gen, envelope.Data)
	case protocol.EventServerInfo:
		var info protocol.ServerInfo
		if err := json.Unmarshal(envelope.Data, &info); err != nil {
			c.logger.Debug("dropping malformed server info", zap.Error(err))
			return
		}
		c.emit(Event{Type: EventServerInfo, Info: &info})
	case protocol.EventEncryptionRequired:
		c.handleEncryptionRequired(gen)
	case protocol.EventEncryptionUnlockSuccess:
		c.mu.Lock()
		key := c.pendingKey
		c.pendingKey = ""
		c.mu.Unlock()
		if key != "" && c.keys != nil {
			c.keys.Remember(key)
		}
		c.emit(Event{Type: EventUnlocked})
	case protocol.EventEncryptionUnlockError:
		var failure protocol.ErrorMessage
		_ = json.Unmarshal(envelope.Data, &failure)
		c.mu.Lock()
		c.pendingKey = ""
		c.pendingNewKey = ""
		c.mu.Unlock()
		c.emit(Event{Type: EventUnlockFailed, Message: failure.Message})
	case protocol.EventEncryptionKeyChanged:
		c.mu.Lock()
		key := c.pendingNewKey
		c.pendingNewKey = ""
		c.mu.Unlock()
		if key != "" && c.keys != nil {
			c.keys.Remember(key)
		}
		c.emit(Event{Type: EventKeyChanged})
	case protocol.EventKitchenOrderReceived:
		c.emit(Event{Type: EventKitchenOrder, Data: envelope.Data})
	case protocol.EventBarOrderReceived:
		c.emit(Event{Type: EventBarOrder, Data: envelope.Data})
	case protocol.EventHeldOrderDeleted:
		c.emit(Event{Type: EventHeldOrderDeleted, Data: envelope.Data})
	case protocol.EventRemoteCartUpdate:
		c.emit(Event{Type: EventRemoteCart, Data: envelope.Data})
	default:
		c.logger.Debug("ignoring unknown event", zap.String("event", envelope.Event))
	}
}

// handleEncryptionRequired resends a remembered key once per connection.
func (c *Client) handleEncryptionRequired(gen uint64) {
	key, ok := "", false
	if c.keys != nil {
		key, ok = c.keys.Key()
	}
	c.mu.Lock()
	retry := ok && key != "" && c.keyAttempt != gen
	if retry {
		c.keyAttempt = gen
		c.pendingKey = key
	}
	c.mu.Unlock()

	if retry {
		if err := c.send(gen, protocol.EventProvideEncryptionKey, key); err == nil {
			return
		}
	}
	c.emit(Event{Type: EventLocked})
}

// reconcile compares a server document with the local one on lastModified.
func (c *Client) reconcile(gen uint64, data json.RawMessage) decision {
	remote, err := document.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed server document", zap.Error(err))
		return decisionNone
	}

	c.mu.Lock()
	local := c.doc
	result := decisionNone
	switch {
	case !c.forceAdopt && !remote.HasProtectedRecords(c.schema) && local.HasProtectedRecords(c.schema):
		// A server with no records learns from this device instead of wiping it.
		result = decisionSeed
	case c.forceAdopt || remote.LastModified().After(local.LastModified()):
		local.Overlay(remote)
		c.forceAdopt = false
		c.dirty = false
		c.persistLocked()
		result = decisionAdopt
	case local.LastModified().After(remote.LastModified()):
		result = decisionPush
	}
	c.mu.Unlock()

	c.logger.Debug("reconciled server document",
		zap.String("decision", result.String()),
		zap.String("remote_last_modified", document.FormatTimestamp(remote.LastModified())))

	switch result {
	case decisionAdopt:
		c.emit(Event{Type: EventDocumentAdopted})
	case decisionPush, decisionSeed:
		c.pushDocument(gen)
	}
	return result
}
