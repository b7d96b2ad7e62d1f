package server

import (
	"errors"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/journal"
	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/store"
)

const httpDeviceID = "http"

var (
	errMissingStore     = errors.New("store dependency required")
	errMissingPersister = errors.New("persister dependency required")
	errMissingHub       = errors.New("device hub dependency required")
)

// Persistence schedules a save of the store.
type Persistence interface {
	Request()
}

// JournalRecorder accepts audit records without blocking.
type JournalRecorder interface {
	Enqueue(record journal.Record)
}

// ChangeNotifier is told about every accepted mutation.
type ChangeNotifier interface {
	Notify()
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Store     *store.Store
	Persister Persistence
	Hub       *DeviceHub
	Journal   JournalRecorder
	Notifier  ChangeNotifier
	IDs       *document.IDGenerator
	Info      func() protocol.ServerInfo
	Logger    *zap.Logger
}

// Dispatcher applies device events to the store one at a time, schedules
// persistence and fans the results out through the hub. Broadcasts for an
// event are enqueued before the next event is applied.
type Dispatcher struct {
	mu        sync.Mutex
	store     *store.Store
	persister Persistence
	hub       *DeviceHub
	journal   JournalRecorder
	notifier  ChangeNotifier
	ids       *document.IDGenerator
	info      func() protocol.ServerInfo
	logger    *zap.Logger
}

// NewDispatcher validates dependencies.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.IDs == nil {
		cfg.IDs = document.NewIDGenerator(nil)
	}
	if cfg.Info == nil {
		cfg.Info = func() protocol.ServerInfo { return protocol.ServerInfo{Version: protocol.Version} }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     cfg.Store,
		persister: cfg.Persister,
		hub:       cfg.Hub,
		journal:   cfg.Journal,
		notifier:  cfg.Notifier,
		ids:       cfg.IDs,
		info:      cfg.Info,
		logger:    logger,
	}, nil
}

// Attach registers an upgraded connection and blocks until it closes.
func (d *Dispatcher) Attach(conn *websocket.Conn) {
	dev := newDevice(uuid.NewString(), conn, d.logger)
	d.connect(dev)
	go dev.writePump()
	dev.readPump(func(envelope protocol.Envelope) {
		d.Handle(dev.ID(), envelope)
	}, func() {
		d.hub.unregister(dev.ID())
	})
}

// connect registers target and queues its greeting: the document (or a key
// request when locked) followed by the server identity.
func (d *Dispatcher) connect(target outbound) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hub.register(target)
	info := d.info()
	info.IsLocked = d.store.Locked()
	if info.IsLocked {
		d.sendLocked(target.ID(), protocol.EventEncryptionRequired, nil)
	} else if message, err := d.syncMessage(); err == nil {
		d.hub.Send(target.ID(), message)
	}
	d.sendLocked(target.ID(), protocol.EventServerInfo, info)
}

// Handle applies one event received from deviceID.
func (d *Dispatcher) Handle(deviceID string, envelope protocol.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch envelope.Event {
	case protocol.EventFullStateUpdate:
		d.handleFullState(deviceID, envelope.Data)
	case protocol.EventNewKitchenOrder:
		d.handleOrder(deviceID, envelope, "kitchenOrders", protocol.EventKitchenOrderReceived)
	case protocol.EventNewBarOrder:
		d.handleOrder(deviceID, envelope, "barOrders", protocol.EventBarOrderReceived)
	case protocol.EventAddHeldOrder:
		d.handleHeldOrder(deviceID, envelope)
	case protocol.EventDeleteHeldOrder:
		d.handleDeleteHeldOrder(deviceID, envelope)
	case protocol.EventActiveCartUpdate:
		d.broadcastLocked(protocol.EventRemoteCartUpdate, envelope.Data, deviceID)
	case protocol.EventProvideEncryptionKey:
		d.handleProvideKey(deviceID, envelope.Data)
	case protocol.EventChangeMasterKey:
		d.handleChangeKey(deviceID, envelope.Data)
	case protocol.EventForceExternalRecovery:
		d.handleRecovery(deviceID)
	case protocol.EventForceClearSection:
		d.handleClearSection(deviceID, envelope.Data)
	default:
		d.logger.Debug("ignoring unknown event", zap.String("event", envelope.Event), zap.String("device_id", deviceID))
	}
}

// MergeHTTP applies a patch received over POST /api/sync and returns the merged document.
func (d *Dispatcher) MergeHTTP(raw json.RawMessage) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(raw) > 0 && string(raw) != "null" {
		patch, err := document.ParsePatch(d.store.Schema(), raw)
		if err != nil {
			metrics.MergesTotal.WithLabelValues("invalid").Inc()
			return nil, err
		}
		result, err := d.store.Merge(patch)
		if err != nil {
			return nil, err
		}
		if result.Changed {
			d.acceptedLocked(httpDeviceID, protocol.EventFullStateUpdate, result.ChangedKeys, result.RejectedKeys())
			d.broadcastSyncLocked("")
		}
	}
	return d.store.MarshalDocument()
}

func (d *Dispatcher) handleFullState(deviceID string, data json.RawMessage) {
	patch, err := document.ParsePatch(d.store.Schema(), data)
	if err != nil {
		metrics.MergesTotal.WithLabelValues("invalid").Inc()
		d.logger.Warn("dropping malformed state update", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	result, err := d.store.Merge(patch)
	if errors.Is(err, store.ErrLocked) {
		d.sendLocked(deviceID, protocol.EventEncryptionRequired, nil)
		return
	}
	if err != nil {
		d.logger.Error("merge failed", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	if !result.Changed {
		return
	}
	d.acceptedLocked(deviceID, protocol.EventFullStateUpdate, result.ChangedKeys, result.RejectedKeys())
	d.broadcastSyncLocked(deviceID)
}

func (d *Dispatcher) handleOrder(deviceID string, envelope protocol.Envelope, section, echoEvent string) {
	record := envelope.Data
	if _, ok := document.RecordID(record); !ok {
		assigned, err := document.WithID(record, d.ids.Next())
		if err != nil {
			d.logger.Warn("dropping malformed order", zap.String("event", envelope.Event), zap.Error(err))
			return
		}
		record = assigned
	}
	added, err := d.store.AppendRecord(section, record)
	if d.refusedLocked(deviceID, envelope.Event, err) {
		return
	}
	if added {
		d.acceptedLocked(deviceID, envelope.Event, []string{section}, nil)
	}
	d.broadcastLocked(echoEvent, record, "")
	d.broadcastSyncLocked("")
}

func (d *Dispatcher) handleHeldOrder(deviceID string, envelope protocol.Envelope) {
	changed, err := d.store.UpsertRecord("heldOrders", envelope.Data)
	if d.refusedLocked(deviceID, envelope.Event, err) {
		return
	}
	if changed {
		d.acceptedLocked(deviceID, envelope.Event, []string{"heldOrders"}, nil)
	}
	d.broadcastSyncLocked("")
}

func (d *Dispatcher) handleDeleteHeldOrder(deviceID string, envelope protocol.Envelope) {
	removed, err := d.store.RemoveRecord("heldOrders", envelope.Data)
	if d.refusedLocked(deviceID, envelope.Event, err) {
		return
	}
	if removed {
		d.acceptedLocked(deviceID, envelope.Event, []string{"heldOrders"}, nil)
	}
	d.broadcastLocked(protocol.EventHeldOrderDeleted, envelope.Data, "")
	d.broadcastSyncLocked("")
}

func (d *Dispatcher) handleProvideKey(deviceID string, data json.RawMessage) {
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		d.sendLocked(deviceID, protocol.EventEncryptionUnlockError, protocol.ErrorMessage{Message: "invalid key payload"})
		return
	}
	wasLocked := d.store.Locked()
	if err := d.store.Unlock(key); err != nil {
		d.logger.Warn("unlock attempt failed", zap.String("device_id", deviceID), zap.Error(err))
		d.sendLocked(deviceID, protocol.EventEncryptionUnlockError, protocol.ErrorMessage{Message: "wrong key"})
		return
	}
	if wasLocked {
		d.logger.Info("store unlocked", zap.String("device_id", deviceID))
	}
	d.sendLocked(deviceID, protocol.EventEncryptionUnlockSuccess, nil)
	d.broadcastSyncLocked("")
}

func (d *Dispatcher) handleChangeKey(deviceID string, data json.RawMessage) {
	var request protocol.ChangeMasterKey
	if err := json.Unmarshal(data, &request); err != nil {
		d.sendLocked(deviceID, protocol.EventEncryptionUnlockError, protocol.ErrorMessage{Message: "invalid key payload"})
		return
	}
	wasLocked := d.store.Locked()
	if err := d.store.ChangeKey(request.OldKey, request.NewKey); err != nil {
		message := "current key is incorrect"
		if !errors.Is(err, crypto.ErrWrongKey) && !errors.Is(err, crypto.ErrNoKey) && !errors.Is(err, store.ErrLocked) {
			message = "failed to persist document with the new key"
			d.logger.Error("key change failed", zap.Error(err))
		}
		d.sendLocked(deviceID, protocol.EventEncryptionUnlockError, protocol.ErrorMessage{Message: message})
		return
	}
	d.acceptedLocked(deviceID, protocol.EventChangeMasterKey, nil, nil)
	d.sendLocked(deviceID, protocol.EventEncryptionKeyChanged, nil)
	if wasLocked {
		d.broadcastSyncLocked("")
	}
}

func (d *Dispatcher) handleRecovery(deviceID string) {
	outcome, err := d.store.Rescue()
	if err != nil || outcome == store.OutcomeLocked {
		d.logger.Warn("recovery from backup failed", zap.String("device_id", deviceID), zap.Error(err))
		d.sendLocked(deviceID, protocol.EventEncryptionUnlockError, protocol.ErrorMessage{Message: "no backup data found"})
		return
	}
	d.acceptedLocked(deviceID, protocol.EventForceExternalRecovery, nil, nil)
	d.sendLocked(deviceID, protocol.EventEncryptionUnlockSuccess, nil)
	d.broadcastSyncLocked("")
}

func (d *Dispatcher) handleClearSection(deviceID string, data json.RawMessage) {
	var request protocol.ClearSection
	if err := json.Unmarshal(data, &request); err != nil || strings.TrimSpace(request.Section) == "" {
		d.logger.Warn("dropping malformed clear request", zap.String("device_id", deviceID))
		return
	}
	cleared, err := d.store.ClearSection(request.Section)
	if d.refusedLocked(deviceID, protocol.EventForceClearSection, err) {
		return
	}
	if !cleared {
		return
	}
	d.acceptedLocked(deviceID, protocol.EventForceClearSection, []string{request.Section}, nil)
	d.broadcastSyncLocked("")
}

// refusedLocked answers a failed mutation. It reports true when err is set.
func (d *Dispatcher) refusedLocked(deviceID, event string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrLocked) {
		d.sendLocked(deviceID, protocol.EventEncryptionRequired, nil)
		return true
	}
	d.logger.Warn("event rejected", zap.String("event", event), zap.String("device_id", deviceID), zap.Error(err))
	return true
}

// acceptedLocked schedules persistence and the side channels for a mutation.
func (d *Dispatcher) acceptedLocked(deviceID, event string, changed, rejected []string) {
	d.persister.Request()
	if d.notifier != nil {
		d.notifier.Notify()
	}
	if d.journal == nil {
		return
	}
	record := journal.Record{DeviceID: deviceID, Event: event, Changed: changed, Rejected: rejected}
	if doc, err := d.store.Snapshot(); err == nil {
		record.LastModified = doc.LastModified()
	}
	d.journal.Enqueue(record)
}

func (d *Dispatcher) syncMessage() ([]byte, error) {
	doc, err := d.store.MarshalDocument()
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.EventSyncUpdate, doc)
}

func (d *Dispatcher) broadcastSyncLocked(exceptID string) {
	message, err := d.syncMessage()
	if err != nil {
		return
	}
	d.hub.Broadcast(message, exceptID)
	metrics.BroadcastsTotal.WithLabelValues(protocol.EventSyncUpdate).Inc()
}

func (d *Dispatcher) broadcastLocked(event string, data any, exceptID string) {
	message, err := protocol.Encode(event, data)
	if err != nil {
		d.logger.Warn("failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	d.hub.Broadcast(message, exceptID)
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()
}

func (d *Dispatcher) sendLocked(deviceID, event string, data any) {
	message, err := protocol.Encode(event, data)
	if err != nil {
		d.logger.Warn("failed to encode message", zap.String("event", event), zap.Error(err))
		return
	}
	d.hub.Send(deviceID, message)
}
