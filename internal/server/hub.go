package server

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
)

const deviceBufferSize = 256

// outbound is what the hub hands to a device writer.
type outbound interface {
	ID() string
	enqueue(message []byte) bool
	close()
}

// DeviceHub tracks connected devices and fans messages out to them. A device
// whose buffer is full is disconnected; it receives the full document again
// when it reconnects.
type DeviceHub struct {
	mu      sync.RWMutex
	devices map[string]outbound
	logger  *zap.Logger
}

// NewDeviceHub constructs an empty hub.
func NewDeviceHub(logger *zap.Logger) *DeviceHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceHub{
		devices: make(map[string]outbound),
		logger:  logger,
	}
}

// Count returns the number of connected devices.
func (h *DeviceHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// IDs returns the connected device ids sorted.
func (h *DeviceHub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Send delivers message to one device.
func (h *DeviceHub) Send(deviceID string, message []byte) bool {
	h.mu.RLock()
	target, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !target.enqueue(message) {
		h.evict(target)
		return false
	}
	return true
}

// Broadcast delivers message to every device except exceptID ("" excludes none).
// It returns the number of devices reached.
func (h *DeviceHub) Broadcast(message []byte, exceptID string) int {
	h.mu.RLock()
	targets := make([]outbound, 0, len(h.devices))
	for id, target := range h.devices {
		if id == exceptID {
			continue
		}
		targets = append(targets, target)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, target := range targets {
		if target.enqueue(message) {
			delivered++
			continue
		}
		h.evict(target)
	}
	return delivered
}

// CloseAll disconnects every device.
func (h *DeviceHub) CloseAll() {
	h.mu.Lock()
	targets := make([]outbound, 0, len(h.devices))
	for id, target := range h.devices {
		targets = append(targets, target)
		delete(h.devices, id)
	}
	h.mu.Unlock()
	metrics.ConnectedDevices.Set(0)
	for _, target := range targets {
		target.close()
	}
}

func (h *DeviceHub) register(target outbound) {
	h.mu.Lock()
	h.devices[target.ID()] = target
	count := len(h.devices)
	h.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(count))
	h.logger.Info("device connected", zap.String("device_id", target.ID()), zap.Int("devices", count))
}

func (h *DeviceHub) unregister(deviceID string) {
	h.mu.Lock()
	_, ok := h.devices[deviceID]
	delete(h.devices, deviceID)
	count := len(h.devices)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.ConnectedDevices.Set(float64(count))
	h.logger.Info("device disconnected", zap.String("device_id", deviceID), zap.Int("devices", count))
}

func (h *DeviceHub) evict(target outbound) {
	metrics.DroppedMessages.Inc()
	h.logger.Warn("device send buffer full, disconnecting", zap.String("device_id", target.ID()))
	h.unregister(target.ID())
	target.close()
}
