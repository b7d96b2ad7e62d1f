// Package client keeps one device's copy of the document in sync with a
// server. It reconnects forever and reconciles on lastModified.
package client

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/possync/internal/document"
)

const (
	DefaultPushInterval   = 2 * time.Second
	DefaultResyncInterval = 30 * time.Second
	DefaultMinBackoff     = time.Second
	DefaultMaxBackoff     = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrNoServer     = errors.New("client: no server address")
)

// LocalStore persists the device document and the remembered server address.
type LocalStore interface {
	LoadDocument() (*document.Document, error)
	SaveDocument(doc *document.Document) error
	LoadServerURL() (string, error)
	SaveServerURL(serverURL string) error
}

// KeyProvider remembers the encryption passphrase between sessions.
type KeyProvider interface {
	Key() (string, bool)
	Remember(key string)
}

// Config wires a Client.
type Config struct {
	// ServerURL is the server's http base URL. Empty uses the remembered one.
	ServerURL      string
	Schema         *document.Schema
	Store          LocalStore
	Keys           KeyProvider
	Dialer         *websocket.Dialer
	PushInterval   time.Duration
	ResyncInterval time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Client is one device's sync session.
type Client struct {
	schema         *document.Schema
	store          LocalStore
	keys           KeyProvider
	dialer         *websocket.Dialer
	pushInterval   time.Duration
	resyncInterval time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration
	clock          func() time.Time
	logger         *zap.Logger
	dialLog        rate.Sometimes

	mu         sync.Mutex
	serverURL  string
	doc        *document.Document
	dirty      bool
	forceAdopt bool
	// keys awaiting server confirmation before they are remembered
	pendingKey    string
	pendingNewKey string
	keyAttempt    uint64

	// connection state, guarded by connMu
	connMu     sync.Mutex
	conn       *websocket.Conn
	generation uint64
	connected  bool
	writeMu    sync.Mutex
	reconnect  chan struct{}
	pushNow    chan struct{}

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// New builds a client and restores the local document from cfg.Store.
func New(cfg Config) (*Client, error) {
	if cfg.Schema == nil {
		cfg.Schema = document.DefaultSchema()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	doc := document.New(cfg.Schema, time.Time{})
	serverURL := strings.TrimSpace(cfg.ServerURL)
	if cfg.Store != nil {
		stored, err := cfg.Store.LoadDocument()
		if err != nil {
			return nil, fmt.Errorf("client: load local document: %w", err)
		}
		if stored != nil {
			doc.Overlay(stored)
		}
		if serverURL == "" {
			remembered, err := cfg.Store.LoadServerURL()
			if err != nil {
				return nil, fmt.Errorf("client: load server address: %w", err)
			}
			serverURL = remembered
		}
	}

	return &Client{
		schema:         cfg.Schema,
		store:          cfg.Store,
		keys:           cfg.Keys,
		dialer:         cfg.Dialer,
		pushInterval:   cfg.PushInterval,
		resyncInterval: cfg.ResyncInterval,
		minBackoff:     cfg.MinBackoff,
		maxBackoff:     cfg.MaxBackoff,
		clock:          cfg.Clock,
		logger:         logger,
		dialLog:        rate.Sometimes{First: 1, Interval: 30 * time.Second},
		serverURL:      serverURL,
		doc:            doc,
		reconnect:      make(chan struct{}, 1),
		pushNow:        make(chan struct{}, 1),
	}, nil
}

// Subscribe registers fn for every client event. fn runs on the connection
// goroutine and must not block.
func (c *Client) Subscribe(fn func(Event)) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.subMu.Unlock()
}

func (c *Client) emit(event Event) {
	c.subMu.RLock()
	subscribers := slices.Clone(c.subscribers)
	c.subMu.RUnlock()
	for _, fn := range subscribers {
		fn(event)
	}
}

// Document returns a copy of the local document.
func (c *Client) Document() *document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

// ServerURL returns the address the client connects to.
func (c *Client) ServerURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverURL
}

// Connected reports whether a socket is established.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// Reconnect tears down the current socket and dials serverURL. An empty
// serverURL redials the current address. The new address is remembered.
func (c *Client) Reconnect(serverURL string) error {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL != "" {
		if _, err := socketURL(serverURL); err != nil {
			return err
		}
		c.mu.Lock()
		c.serverURL = serverURL
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.SaveServerURL(serverURL); err != nil {
				c.logger.Warn("failed to remember server address", zap.String("server_url", serverURL), zap.Error(err))
			}
		}
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
	return nil
}

// ForceAdopt makes the next document from the server replace local fields
// regardless of timestamps, and redials so the server resends it.
func (c *Client) ForceAdopt() {
	c.mu.Lock()
	c.forceAdopt = true
	c.mu.Unlock()
	_ = c.Reconnect("")
}

func (c *Client) persistLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.SaveDocument(c.doc); err != nil {
		c.logger.Warn("failed to save local document", zap.Error(err))
	}
}

// stampLocked advances lastModified to now, or 1ms past the previous stamp.
func (c *Client) stampLocked() {
	now := c.clock().UTC().Truncate(time.Millisecond)
	if previous := c.doc.LastModified(); !now.After(previous) {
		now = previous.Add(time.Millisecond)
	}
	c.doc.SetLastModified(now)
}

func socketURL(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("client: server url %q has no host", base)
	}
	scheme := "ws"
	switch parsed.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	return scheme + "://" + parsed.Host + "/ws", nil
}
