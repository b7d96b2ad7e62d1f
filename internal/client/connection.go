package client

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	// The server pings every 54s; anything quieter than this is a dead link.
	readWait = 70 * time.Second
)

var errStaleConnection = errors.New("client: connection superseded")

// Serve implements suture.Service. It dials the server until ctx is canceled,
// with a capped exponential backoff between failed attempts.
func (c *Client) Serve(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			serverURL := c.ServerURL()
			c.dialLog.Do(func() {
				c.logger.Warn("server unreachable, retrying", zap.String("server_url", serverURL), zap.Duration("backoff", backoff), zap.Error(err))
			})
			if errors.Is(err, ErrNoServer) {
				// Nothing to dial until an address is provided.
				if !c.waitForReconnect(ctx) {
					return ctx.Err()
				}
				continue
			}
			if !c.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}

		backoff = c.minBackoff
		c.session(ctx, conn)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	serverURL := c.ServerURL()
	if serverURL == "" {
		return nil, ErrNoServer
	}
	target, err := socketURL(serverURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// sleep waits for d, returning early on a reconnect request. It reports false
// when ctx ends.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.reconnect:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Client) waitForReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.reconnect:
		return true
	}
}

// session runs one connection until it drops, a reconnect is requested or ctx
// ends. The reader has exited before session returns, so no event from this
// socket can be handled after a newer one is dialed.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	gen := c.attach(conn)
	c.logger.Info("connected to server", zap.String("server_url", c.ServerURL()), zap.Uint64("generation", gen))
	c.emit(Event{Type: EventConnected})

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- c.readLoop(gen, conn)
	}()

	push := time.NewTicker(c.pushInterval)
	defer push.Stop()
	resync := time.NewTicker(c.resyncInterval)
	defer resync.Stop()

	reason := ""
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "shutdown"
			break loop
		case <-c.reconnect:
			reason = "reconnect requested"
			break loop
		case err := <-readerDone:
			readerDone = nil
			reason = err.Error()
			break loop
		case <-push.C:
			c.pushIfDirty(gen)
		case <-c.pushNow:
			c.pushIfDirty(gen)
		case <-resync.C:
			c.pushDocument(gen)
		}
	}

	c.detach(gen)
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
	if readerDone != nil {
		<-readerDone
	}

	c.logger.Info("disconnected from server", zap.String("reason", reason), zap.Uint64("generation", gen))
	c.emit(Event{Type: EventDisconnected, Message: reason})
}

func (c *Client) attach(conn *websocket.Conn) uint64 {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.generation++
	c.conn = conn
	c.connected = true
	return c.generation
}

func (c *Client) detach(gen uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.generation != gen {
		return
	}
	// Bump the generation so envelopes still buffered in the old reader are dropped.
	c.generation++
	c.conn = nil
	c.connected = false
}

func (c *Client) current(gen uint64) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected && c.generation == gen
}

func (c *Client) currentGeneration() uint64 {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.generation
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) error {
	conn.SetReadLimit(protocol.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		envelope, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Debug("dropping malformed envelope", zap.Error(err))
			continue
		}
		if !c.current(gen) {
			return errStaleConnection
		}
		c.handle(gen, envelope)
	}
}

// send writes one envelope on the connection identified by gen.
func (c *Client) send(gen uint64, event string, data any) error {
	c.connMu.Lock()
	conn := c.conn
	ok := c.connected && c.generation == gen
	c.connMu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	message, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, message)
}

// sendCurrent writes on whatever connection is live.
func (c *Client) sendCurrent(event string, data any) error {
	return c.send(c.currentGeneration(), event, data)
}

func (c *Client) pushIfDirty(gen uint64) {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.pushDocument(gen)
}

// pushDocument sends the whole local document as a full_state_update.
func (c *Client) pushDocument(gen uint64) {
	c.mu.Lock()
	payload, err := c.doc.MarshalJSON()
	c.dirty = false
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("failed to encode local document", zap.Error(err))
		return
	}
	if err := c.send(gen, protocol.EventFullStateUpdate, json.RawMessage(payload)); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		c.logger.Debug("push deferred", zap.Error(err))
		return
	}
	c.emit(Event{Type: EventDocumentPushed})
}
