package discovery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

type fakeTarget struct {
	mu         sync.Mutex
	serverURL  string
	doc        *document.Document
	reconnects []string
}

func (f *fakeTarget) ServerURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serverURL
}

func (f *fakeTarget) Reconnect(serverURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverURL = serverURL
	f.reconnects = append(f.reconnects, serverURL)
	return nil
}

func (f *fakeTarget) Document() *document.Document {
	return f.doc
}

// lan answers health checks for the hosts in up and serves peers from the
// local server's scan endpoint.
type lan struct {
	mu     sync.Mutex
	up     map[string]bool
	peers  []protocol.ServerIdentity
	health []string
}

func (l *lan) RoundTrip(request *http.Request) (*http.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch request.URL.Path {
	case "/api/health":
		l.health = append(l.health, request.URL.Host)
		if !l.up[request.URL.Host] {
			return nil, errors.New("connection refused")
		}
		return respond(http.StatusOK, protocol.HealthResponse{Status: "ok"}), nil
	case "/api/scan-servers":
		return respond(http.StatusOK, protocol.ScanResponse{Servers: l.peers}), nil
	}
	return respond(http.StatusNotFound, nil), nil
}

func (l *lan) healthChecks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.health...)
}

func respond(status int, body any) *http.Response {
	payload, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}
}

func docWith(t *testing.T, sales, products int) *document.Document {
	t.Helper()
	schema := document.DefaultSchema()
	doc := document.New(schema, time.Time{})
	for i := 0; i < sales; i++ {
		_, err := doc.AppendRecord(schema, "sales", json.RawMessage(`{"id":`+strconv.Itoa(i+1)+`}`))
		require.NoError(t, err)
	}
	for i := 0; i < products; i++ {
		_, err := doc.AppendRecord(schema, "products", json.RawMessage(`{"id":`+strconv.Itoa(i+1)+`}`))
		require.NoError(t, err)
	}
	return doc
}

func newService(t *testing.T, target Target, network *lan) *Service {
	t.Helper()
	service, err := New(Config{
		Target:         target,
		LocalServerURL: "http://localhost:3001",
		Client:         &http.Client{Transport: network},
	})
	require.NoError(t, err)
	return service
}

func peer(ip string, self bool) protocol.ServerIdentity {
	return protocol.ServerIdentity{Name: "caja", IP: ip, Port: 3001, Version: protocol.Version, IsSelf: self}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{LocalServerURL: "http://localhost:3001"})
	assert.Error(t, err)

	_, err = New(Config{Target: &fakeTarget{}})
	assert.Error(t, err)
}

func TestRunKeepsHealthyRememberedServer(t *testing.T) {
	target := &fakeTarget{serverURL: "http://192.168.1.10:3001", doc: docWith(t, 0, 0)}
	network := &lan{up: map[string]bool{"192.168.1.10:3001": true}, peers: []protocol.ServerIdentity{peer("192.168.1.20", false)}}

	result, err := newService(t, target, network).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeKept, result.Outcome)
	assert.Empty(t, target.reconnects)
}

func TestRunAdoptsPeerWhenRememberedServerIsDown(t *testing.T) {
	target := &fakeTarget{serverURL: "http://192.168.1.10:3001", doc: docWith(t, 50, 50)}
	network := &lan{
		up: map[string]bool{"192.168.1.20:3001": true},
		peers: []protocol.ServerIdentity{
			peer("127.0.0.1", true),
			peer("192.168.1.10", false),
			peer("192.168.1.20", false),
		},
	}
	service := newService(t, target, network)

	result, err := service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdopted, result.Outcome)
	assert.Equal(t, "http://192.168.1.20:3001", result.ServerURL)
	assert.Equal(t, []string{"http://192.168.1.20:3001"}, target.reconnects)

	result, err = service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeKept, result.Outcome)
	checks := network.healthChecks()
	assert.Equal(t, "192.168.1.20:3001", checks[len(checks)-1])
}

func TestRunOnboardsFreshDevice(t *testing.T) {
	target := &fakeTarget{doc: docWith(t, 4, 9)}
	network := &lan{peers: []protocol.ServerIdentity{peer("192.168.1.20", false)}}

	result, err := newService(t, target, network).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOnboarded, result.Outcome)
	assert.Equal(t, []string{"http://192.168.1.20:3001"}, target.reconnects)
}

func TestRunSkipsDeviceWithData(t *testing.T) {
	testCases := []struct {
		name     string
		sales    int
		products int
	}{
		{name: "sales", sales: 5},
		{name: "products", products: 10},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			target := &fakeTarget{doc: docWith(t, testCase.sales, testCase.products)}
			network := &lan{peers: []protocol.ServerIdentity{peer("192.168.1.20", false)}}

			result, err := newService(t, target, network).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, result.Outcome)
			assert.Empty(t, target.reconnects)
		})
	}
}

func TestRunFailsWhenNoPeerIsFound(t *testing.T) {
	target := &fakeTarget{serverURL: "http://192.168.1.10:3001", doc: docWith(t, 0, 0)}
	network := &lan{peers: []protocol.ServerIdentity{peer("127.0.0.1", true)}}

	result, err := newService(t, target, network).Run(context.Background())
	require.ErrorIs(t, err, ErrNoServerFound)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "http://192.168.1.10:3001", result.ServerURL)
	assert.Empty(t, target.reconnects)
}

func TestWatchStopsOnCancel(t *testing.T) {
	target := &fakeTarget{serverURL: "http://192.168.1.10:3001", doc: docWith(t, 0, 0)}
	network := &lan{up: map[string]bool{"192.168.1.10:3001": true}}
	service := newService(t, target, network)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 16)
	done := make(chan error, 1)
	go func() {
		done <- service.Watch(ctx, 10*time.Millisecond, func(result Result, _ error) {
			select {
			case results <- result:
			default:
			}
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case result := <-results:
			assert.Equal(t, OutcomeKept, result.Outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("watch did not report")
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
