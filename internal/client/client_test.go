package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/server"
	"github.com/MarcoPoloResearchLab/possync/internal/store"
)

const testDataPath = "/data/server_db.json"

type nopPersister struct{}

func (nopPersister) Request() {}

type emptyScanner struct{}

func (emptyScanner) Scan(context.Context) ([]protocol.ServerIdentity, error) {
	return nil, nil
}

type memoryStore struct {
	mu        sync.Mutex
	doc       *document.Document
	serverURL string
}

func (m *memoryStore) LoadDocument() (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, nil
	}
	return m.doc.Clone(), nil
}

func (m *memoryStore) SaveDocument(doc *document.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc.Clone()
	return nil
}

func (m *memoryStore) LoadServerURL() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverURL, nil
}

func (m *memoryStore) SaveServerURL(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverURL = serverURL
	return nil
}

type staticKeys struct {
	mu         sync.Mutex
	key        string
	remembered string
}

func (s *staticKeys) Key() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.key != ""
}

func (s *staticKeys) Remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remembered = key
}

func (s *staticKeys) lastRemembered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remembered
}

type syncServer struct {
	http  *httptest.Server
	store *store.Store
	hub   *server.DeviceHub
}

func testGate(key string) *crypto.Gate {
	gate := crypto.NewGate(crypto.KDFParams{Time: 1, Memory: 1024, Threads: 1})
	gate.SetKey(key)
	return gate
}

func startServer(t *testing.T, fs afero.Fs) *syncServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	st, err := store.New(store.Config{Fs: fs, Path: testDataPath, Gate: testGate("")})
	require.NoError(t, err)
	_, err = st.Load()
	require.NoError(t, err)

	hub := server.NewDeviceHub(nil)
	dispatcher, err := server.NewDispatcher(server.DispatcherConfig{Store: st, Persister: nopPersister{}, Hub: hub})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{Store: st, Dispatcher: dispatcher, Scanner: emptyScanner{}})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.CloseAll()
		httpServer.Close()
	})
	return &syncServer{http: httpServer, store: st, hub: hub}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.PushInterval == 0 {
		cfg.PushInterval = 20 * time.Millisecond
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = 10 * time.Millisecond
		cfg.MaxBackoff = 50 * time.Millisecond
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
}

func section(t *testing.T, doc *document.Document, name string) string {
	t.Helper()
	value, ok := doc.Get(name)
	require.True(t, ok, "section %s missing", name)
	return string(value)
}

func remoteDocument(t *testing.T, stamp time.Time, sections map[string]any) json.RawMessage {
	t.Helper()
	doc := document.New(document.DefaultSchema(), stamp)
	for name, value := range sections {
		encoded, err := json.Marshal(value)
		require.NoError(t, err)
		require.NoError(t, doc.Set(document.DefaultSchema(), name, encoded))
	}
	payload, err := doc.MarshalJSON()
	require.NoError(t, err)
	return payload
}

func TestReconcileDecisions(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		local      map[string]any
		localAt    time.Time
		remote     map[string]any
		remoteAt   time.Time
		forceAdopt bool
		expected   decision
		tips       string
	}{
		{
			name:     "remote newer is adopted",
			local:    map[string]any{"tips": 1},
			localAt:  base,
			remote:   map[string]any{"tips": 2},
			remoteAt: base.Add(time.Second),
			expected: decisionAdopt,
			tips:     "2",
		},
		{
			name:     "local newer is pushed",
			local:    map[string]any{"tips": 1},
			localAt:  base.Add(time.Second),
			remote:   map[string]any{"tips": 2},
			remoteAt: base,
			expected: decisionPush,
			tips:     "1",
		},
		{
			name:     "equal timestamps do nothing",
			local:    map[string]any{"tips": 1},
			localAt:  base,
			remote:   map[string]any{"tips": 2},
			remoteAt: base,
			expected: decisionNone,
			tips:     "1",
		},
		{
			name:     "empty server is seeded",
			local:    map[string]any{"products": []map[string]any{{"id": 1}}, "tips": 1},
			localAt:  base,
			remote:   map[string]any{"tips": 2},
			remoteAt: base.Add(time.Hour),
			expected: decisionSeed,
			tips:     "1",
		},
		{
			name:       "force adopt ignores timestamps",
			local:      map[string]any{"products": []map[string]any{{"id": 1}}, "tips": 1},
			localAt:    base.Add(time.Hour),
			remote:     map[string]any{"tips": 2},
			remoteAt:   base,
			forceAdopt: true,
			expected:   decisionAdopt,
			tips:       "2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			local := &memoryStore{}
			localDoc, err := document.Decode(remoteDocument(t, tc.localAt, tc.local))
			require.NoError(t, err)
			local.doc = localDoc

			c := newTestClient(t, Config{Store: local})
			c.forceAdopt = tc.forceAdopt

			got := c.reconcile(1, remoteDocument(t, tc.remoteAt, tc.remote))
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, tc.tips, section(t, c.Document(), "tips"))
			assert.False(t, c.forceAdopt)
		})
	}
}

func TestUpdateStampsMonotonically(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	local := &memoryStore{}
	c := newTestClient(t, Config{Store: local, Clock: func() time.Time { return frozen }})

	changed, err := c.Update(json.RawMessage(`{"tips":5,"unknown":1}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"tips"}, changed)
	first := c.Document().LastModified()
	assert.True(t, first.Equal(frozen))

	changed, err = c.Update(json.RawMessage(`{"tips":6}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"tips"}, changed)
	assert.True(t, c.Document().LastModified().Equal(first.Add(time.Millisecond)))

	changed, err = c.Update(json.RawMessage(`{"tips":6}`))
	require.NoError(t, err)
	assert.Empty(t, changed)

	stored, err := local.LoadDocument()
	require.NoError(t, err)
	assert.Equal(t, "6", section(t, stored, "tips"))

	_, err = c.Update(json.RawMessage(`{"products":"nope"}`))
	assert.ErrorIs(t, err, document.ErrInvalidSection)
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base     string
		expected string
		wantErr  bool
	}{
		{base: "http://192.168.1.10:3001", expected: "ws://192.168.1.10:3001/ws"},
		{base: "https://pos.example.com", expected: "wss://pos.example.com/ws"},
		{base: "ws://10.0.0.2:3001/ignored", expected: "ws://10.0.0.2:3001/ws"},
		{base: "ftp://10.0.0.2", wantErr: true},
		{base: "no-host", wantErr: true},
	}
	for _, tc := range tests {
		got, err := socketURL(tc.base)
		if tc.wantErr {
			assert.Error(t, err, tc.base)
			continue
		}
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.expected, got)
	}
}

func TestTwoClientsConvergeOnLastWriter(t *testing.T) {
	srv := startServer(t, nil)
	first := newTestClient(t, Config{ServerURL: srv.http.URL})
	second := newTestClient(t, Config{ServerURL: srv.http.URL})
	run(t, first)
	run(t, second)

	_, err := first.Update(json.RawMessage(`{"products":[{"id":1,"name":"arepa"}]}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return second.Document().Len("products") == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = second.Update(json.RawMessage(`{"products":[{"id":1,"name":"arepa"},{"id":2,"name":"cachapa"}]}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := srv.store.Snapshot()
		return err == nil && doc.Len("products") == 2 && first.Document().Len("products") == 2
	}, 2*time.Second, 10*time.Millisecond)

	serverDoc, err := srv.store.Snapshot()
	require.NoError(t, err)
	expected := section(t, serverDoc, "products")
	assert.Equal(t, expected, section(t, first.Document(), "products"))
	assert.Equal(t, expected, section(t, second.Document(), "products"))
}

func TestReconnectStormAppliesDocumentOnce(t *testing.T) {
	srv := startServer(t, nil)
	c := newTestClient(t, Config{ServerURL: srv.http.URL, PushInterval: time.Hour, ResyncInterval: time.Hour})

	var adopted atomic.Int32
	c.Subscribe(func(event Event) {
		if event.Type == EventDocumentAdopted {
			adopted.Add(1)
		}
	})
	run(t, c)
	require.Eventually(t, func() bool { return adopted.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		before := c.currentGeneration()
		require.NoError(t, c.Reconnect(""))
		require.Eventually(t, func() bool {
			return c.Connected() && c.currentGeneration() > before
		}, time.Second, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool { return srv.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), adopted.Load(), "the same document must not be applied twice")
}

func TestReconnectToNewAddressRemembersIt(t *testing.T) {
	oldServer := startServer(t, nil)
	newServer := startServer(t, nil)
	local := &memoryStore{serverURL: oldServer.http.URL}

	c := newTestClient(t, Config{Store: local})
	assert.Equal(t, oldServer.http.URL, c.ServerURL())
	run(t, c)
	require.Eventually(t, func() bool { return oldServer.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Reconnect(newServer.http.URL))
	require.Eventually(t, func() bool {
		return newServer.hub.Count() == 1 && oldServer.hub.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	remembered, err := local.LoadServerURL()
	require.NoError(t, err)
	assert.Equal(t, newServer.http.URL, remembered)

	assert.Error(t, c.Reconnect("ftp://elsewhere"))
}

func TestLockedServerUnlocksWithRememberedKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed, err := store.New(store.Config{Fs: fs, Path: testDataPath, Gate: testGate("secret")})
	require.NoError(t, err)
	_, err = seed.Load()
	require.NoError(t, err)
	patch, err := document.ParsePatch(seed.Schema(), []byte(`{"tips":42}`))
	require.NoError(t, err)
	_, err = seed.Merge(patch)
	require.NoError(t, err)
	require.NoError(t, seed.Save())

	srv := startServer(t, fs)
	require.True(t, srv.store.Locked())

	keys := &staticKeys{key: "secret"}
	c := newTestClient(t, Config{ServerURL: srv.http.URL, Keys: keys})
	var unlocked atomic.Bool
	c.Subscribe(func(event Event) {
		if event.Type == EventUnlocked {
			unlocked.Store(true)
		}
	})
	run(t, c)

	require.Eventually(t, func() bool {
		value, _ := c.Document().Get("tips")
		return string(value) == "42"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, unlocked.Load())
	assert.Equal(t, "secret", keys.lastRemembered())
	assert.False(t, srv.store.Locked())
}

func TestLockedServerWithoutKeySurfacesLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed, err := store.New(store.Config{Fs: fs, Path: testDataPath, Gate: testGate("secret")})
	require.NoError(t, err)
	_, err = seed.Load()
	require.NoError(t, err)
	require.NoError(t, seed.Save())

	srv := startServer(t, fs)
	c := newTestClient(t, Config{ServerURL: srv.http.URL})
	events := make(chan Event, 16)
	c.Subscribe(func(event Event) {
		if event.Type == EventLocked || event.Type == EventUnlockFailed {
			events <- event
		}
	})
	run(t, c)

	select {
	case event := <-events:
		assert.Equal(t, EventLocked, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a locked event")
	}

	require.NoError(t, c.ProvideKey("wrong"))
	select {
	case event := <-events:
		assert.Equal(t, EventUnlockFailed, event.Type)
		assert.Equal(t, "wrong key", event.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an unlock failure")
	}
}

func TestKitchenOrderEchoReachesSubscribers(t *testing.T) {
	srv := startServer(t, nil)
	c := newTestClient(t, Config{ServerURL: srv.http.URL})
	orders := make(chan json.RawMessage, 1)
	c.Subscribe(func(event Event) {
		if event.Type == EventKitchenOrder {
			orders <- event.Data
		}
	})
	run(t, c)

	require.NoError(t, c.SendKitchenOrder(map[string]any{"id": 11, "table": "5"}))
	select {
	case data := <-orders:
		assert.JSONEq(t, `{"id":11,"table":"5"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("expected the kitchen order echo")
	}
	require.Eventually(t, func() bool {
		return c.Document().Len("kitchenOrders") == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, c.ForceClearSection("notASection"))
}

func TestActionsFailWhileDisconnected(t *testing.T) {
	c := newTestClient(t, Config{})
	assert.ErrorIs(t, c.SendBarOrder(map[string]any{"id": 1}), ErrNotConnected)
	assert.ErrorIs(t, c.SendActiveCart(map[string]any{}), ErrNotConnected)
	assert.ErrorIs(t, c.DeleteHeldOrder("h1"), ErrNotConnected)
}

func TestEmitDeliversToSubscribersRegisteredBeforeIt(t *testing.T) {
	c := newTestClient(t, Config{})

	var first, second, late []EventType
	c.Subscribe(func(event Event) { first = append(first, event.Type) })
	c.Subscribe(func(event Event) {
		second = append(second, event.Type)
		if len(second) == 1 {
			c.Subscribe(func(event Event) { late = append(late, event.Type) })
		}
	})

	c.emit(Event{Type: EventConnected})
	c.emit(Event{Type: EventDisconnected})

	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, first)
	assert.Equal(t, []EventType{EventConnected, EventDisconnected}, second)
	assert.Equal(t, []EventType{EventDisconnected}, late)
}
