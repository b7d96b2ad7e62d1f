package client

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

// Update applies a local edit. Every known section in patch replaces the local
// value, stamps lastModified and is pushed on the next push tick. It returns
// the sections that changed.
func (c *Client) Update(patch json.RawMessage) ([]string, error) {
	parsed, err := document.ParsePatch(c.schema, patch)
	if err != nil {
		return nil, err
	}
	if len(parsed.Invalid) > 0 {
		return nil, fmt.Errorf("%w: %v", document.ErrInvalidSection, parsed.Invalid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var changed []string
	for _, key := range parsed.Keys() {
		value, _ := parsed.Value(key)
		if current, ok := c.doc.Get(key); ok && string(current) == string(value) {
			continue
		}
		if err := c.doc.Set(c.schema, key, value); err != nil {
			return changed, err
		}
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	c.stampLocked()
	c.dirty = true
	c.persistLocked()
	return changed, nil
}

// Flush pushes pending local edits without waiting for the push tick.
func (c *Client) Flush() {
	select {
	case c.pushNow <- struct{}{}:
	default:
	}
}

// SendKitchenOrder submits one kitchen order. The server echoes it to every device.
func (c *Client) SendKitchenOrder(order any) error {
	return c.sendCurrent(protocol.EventNewKitchenOrder, order)
}

// SendBarOrder submits one bar order.
func (c *Client) SendBarOrder(order any) error {
	return c.sendCurrent(protocol.EventNewBarOrder, order)
}

// SendHeldOrder adds or replaces a held order by id.
func (c *Client) SendHeldOrder(order any) error {
	return c.sendCurrent(protocol.EventAddHeldOrder, order)
}

// DeleteHeldOrder removes the held order with id.
func (c *Client) DeleteHeldOrder(id any) error {
	return c.sendCurrent(protocol.EventDeleteHeldOrder, id)
}

// SendActiveCart shares the cart being built. It is never persisted.
func (c *Client) SendActiveCart(cart any) error {
	return c.sendCurrent(protocol.EventActiveCartUpdate, cart)
}

// ProvideKey asks a locked server to unlock with key. The key is remembered
// once the server confirms it.
func (c *Client) ProvideKey(key string) error {
	c.mu.Lock()
	c.pendingKey = key
	c.mu.Unlock()
	return c.sendCurrent(protocol.EventProvideEncryptionKey, key)
}

// ChangeMasterKey re-encrypts the server file under newKey. An empty newKey
// returns the server to plaintext.
func (c *Client) ChangeMasterKey(oldKey, newKey string) error {
	c.mu.Lock()
	c.pendingNewKey = newKey
	c.mu.Unlock()
	return c.sendCurrent(protocol.EventChangeMasterKey, protocol.ChangeMasterKey{OldKey: oldKey, NewKey: newKey})
}

// ForceExternalRecovery asks the server to reload from its backup copy.
func (c *Client) ForceExternalRecovery() error {
	return c.sendCurrent(protocol.EventForceExternalRecovery, nil)
}

// ForceClearSection empties a section on the server, protected or not.
func (c *Client) ForceClearSection(section string) error {
	if _, ok := c.schema.Lookup(section); !ok {
		return fmt.Errorf("%w: %s", document.ErrUnknownSection, section)
	}
	return c.sendCurrent(protocol.EventForceClearSection, protocol.ClearSection{Section: section})
}
