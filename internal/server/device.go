package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// device is one live socket session.
type device struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newDevice(id string, conn *websocket.Conn, logger *zap.Logger) *device {
	return &device{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, deviceBufferSize),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("device_id", id)),
	}
}

func (d *device) ID() string {
	return d.id
}

// enqueue reports false only when the buffer is full. Messages for a closed
// device are discarded.
func (d *device) enqueue(message []byte) bool {
	select {
	case <-d.done:
		return true
	default:
	}
	select {
	case d.send <- message:
		return true
	default:
		return false
	}
}

func (d *device) close() {
	d.once.Do(func() {
		close(d.done)
	})
}

// readPump decodes envelopes until the connection fails, then calls onClose.
func (d *device) readPump(handle func(protocol.Envelope), onClose func()) {
	defer func() {
		onClose()
		d.close()
		_ = d.conn.Close()
	}()

	d.conn.SetReadLimit(protocol.MaxMessageBytes)
	if err := d.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		d.logger.Error("failed to set read deadline", zap.Error(err))
		return
	}
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				d.logger.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
		envelope, err := protocol.Decode(raw)
		if err != nil {
			d.logger.Debug("dropping malformed envelope", zap.Error(err))
			continue
		}
		handle(envelope)
	}
}

// writePump owns all writes to the connection.
func (d *device) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = d.conn.Close()
	}()

	for {
		select {
		case message := <-d.send:
			if err := d.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := d.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				d.logger.Debug("failed to write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := d.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-d.done:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
