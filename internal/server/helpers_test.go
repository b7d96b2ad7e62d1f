package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/journal"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/store"
)

const testDataPath = "/data/server_db.json"

// savingPersister saves synchronously so tests can inspect the file right away.
type savingPersister struct {
	mu       sync.Mutex
	store    *store.Store
	requests int
}

func (p *savingPersister) Request() {
	p.mu.Lock()
	p.requests++
	p.mu.Unlock()
	_ = p.store.Save()
}

func (p *savingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

type capturingJournal struct {
	mu      sync.Mutex
	records []journal.Record
}

func (c *capturingJournal) Enqueue(record journal.Record) {
	c.mu.Lock()
	c.records = append(c.records, record)
	c.mu.Unlock()
}

func (c *capturingJournal) snapshot() []journal.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]journal.Record(nil), c.records...)
}

type staticScanner struct {
	servers []protocol.ServerIdentity
}

func (s staticScanner) Scan(_ context.Context) ([]protocol.ServerIdentity, error) {
	return s.servers, nil
}

type testServer struct {
	http      *httptest.Server
	handler   http.Handler
	store     *store.Store
	fs        afero.Fs
	persister *savingPersister
	journal   *capturingJournal
	hub       *DeviceHub
}

type testServerOptions struct {
	fs      afero.Fs
	key     string
	scanner Scanner
	journal JournalLister
}

func testGate(key string) *crypto.Gate {
	gate := crypto.NewGate(crypto.KDFParams{Time: 1, Memory: 1024, Threads: 1})
	gate.SetKey(key)
	return gate
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs := options.fs
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	st, err := store.New(store.Config{Fs: fs, Path: testDataPath, BackupDir: "/backup", Gate: testGate(options.key)})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	if _, err := st.Load(); err != nil {
		t.Fatalf("failed to load store: %v", err)
	}

	persister := &savingPersister{store: st}
	recorder := &capturingJournal{}
	hub := NewDeviceHub(nil)
	identity := Identity{
		Name:     "caja-1",
		Port:     3001,
		LocalIPs: func() []string { return []string{"192.168.1.10"} },
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Store:     st,
		Persister: persister,
		Hub:       hub,
		Journal:   recorder,
		Info:      identity.ServerInfo,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	scanner := options.scanner
	if scanner == nil {
		scanner = staticScanner{}
	}
	handler, err := NewHTTPHandler(Dependencies{
		Store:      st,
		Dispatcher: dispatcher,
		Scanner:    scanner,
		Journal:    options.journal,
		Identity:   identity,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.CloseAll()
		server.Close()
	})
	return &testServer{http: server, handler: handler, store: st, fs: fs, persister: persister, journal: recorder, hub: hub}
}

type testDevice struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) dial(t *testing.T) *testDevice {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected upgrade status %d", response.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testDevice{t: t, conn: conn}
}

// connect dials and consumes the greeting.
func (s *testServer) connect(t *testing.T) *testDevice {
	t.Helper()
	device := s.dial(t)
	device.expect(protocol.EventSyncUpdate)
	device.expect(protocol.EventServerInfo)
	return device
}

func (d *testDevice) emit(event string, data any) {
	d.t.Helper()
	message, err := protocol.Encode(event, data)
	if err != nil {
		d.t.Fatalf("failed to encode %s: %v", event, err)
	}
	if err := d.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		d.t.Fatalf("failed to send %s: %v", event, err)
	}
}

func (d *testDevice) next(timeout time.Duration) (protocol.Envelope, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Envelope{}, err
	}
	_, raw, err := d.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(raw)
}

// expect reads the next message and requires it to be event.
func (d *testDevice) expect(event string) protocol.Envelope {
	d.t.Helper()
	envelope, err := d.next(2 * time.Second)
	if err != nil {
		d.t.Fatalf("expected %s, got error %v", event, err)
	}
	if envelope.Event != event {
		d.t.Fatalf("expected %s, got %s (%s)", event, envelope.Event, string(envelope.Data))
	}
	return envelope
}

func decodeDocument(t *testing.T, raw json.RawMessage) *document.Document {
	t.Helper()
	doc, err := document.Decode(raw)
	if err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	return doc
}

func recordsJSON(count int, prefix string) json.RawMessage {
	records := make([]map[string]any, 0, count)
	for index := 1; index <= count; index++ {
		records = append(records, map[string]any{"id": index, "name": prefix})
	}
	encoded, _ := json.Marshal(records)
	return encoded
}
