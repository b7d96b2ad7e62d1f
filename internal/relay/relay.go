// Package relay pushes the server document to an upstream cloud endpoint.
// Pushes are debounced and guarded by a circuit breaker so an unreachable
// upstream never slows the local sync path.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

const (
	DefaultDebounce = 5 * time.Second
	requestTimeout  = 10 * time.Second
	breakerName     = "cloud-relay"
)

var (
	errMissingURL    = errors.New("relay: upstream url required")
	errMissingSource = errors.New("relay: document source required")
)

// Source provides the document to push.
type Source interface {
	Locked() bool
	MarshalDocument() (json.RawMessage, error)
}

// Config wires a Relay.
type Config struct {
	URL      string
	Debounce time.Duration
	Source   Source
	Client   *http.Client
	// Breaker overrides the default breaker settings. Name and OnStateChange are always set by the relay.
	Breaker *gobreaker.Settings
	Logger  *zap.Logger
}

// Relay debounces change notifications into single upstream pushes.
type Relay struct {
	endpoint string
	debounce time.Duration
	source   Source
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[struct{}]
	notify   chan struct{}
	pushed   chan error
	logger   *zap.Logger
}

// New validates cfg and constructs a Relay.
func New(cfg Config) (*Relay, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errMissingURL
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}
	settings.Name = breakerName
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Info("relay breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		metrics.RelayBreakerState.Set(stateToFloat(to))
	}
	metrics.RelayBreakerState.Set(0)

	return &Relay{
		endpoint: base + "/api/sync",
		debounce: cfg.Debounce,
		source:   cfg.Source,
		client:   cfg.Client,
		breaker:  gobreaker.NewCircuitBreaker[struct{}](settings),
		notify:   make(chan struct{}, 1),
		pushed:   make(chan error, 1),
		logger:   logger,
	}, nil
}

// Notify marks the document dirty. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Pushed delivers the result of the most recent push attempt when nobody has
// read the previous one.
func (r *Relay) Pushed() <-chan error {
	return r.pushed
}

// Serve implements suture.Service. A push fires once no notification has
// arrived for the debounce window.
func (r *Relay) Serve(ctx context.Context) error {
	timer := time.NewTimer(r.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.notify:
			timer.Reset(r.debounce)
		case <-timer.C:
			r.report(r.Push(ctx))
		}
	}
}

func (r *Relay) String() string {
	return "cloud-relay"
}

// Push sends the current document upstream immediately. A locked store is
// skipped without error.
func (r *Relay) Push(ctx context.Context) error {
	if r.source.Locked() {
		metrics.RelayPushes.WithLabelValues("skipped").Inc()
		return nil
	}
	doc, err := r.source.MarshalDocument()
	if err != nil {
		metrics.RelayPushes.WithLabelValues("skipped").Inc()
		return nil
	}

	_, err = r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.post(ctx, doc)
	})
	switch {
	case err == nil:
		metrics.RelayPushes.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RelayPushes.WithLabelValues("open").Inc()
	default:
		metrics.RelayPushes.WithLabelValues("error").Inc()
	}
	return err
}

// State reports the breaker state.
func (r *Relay) State() gobreaker.State {
	return r.breaker.State()
}

func (r *Relay) post(ctx context.Context, doc json.RawMessage) error {
	body, err := json.Marshal(protocol.SyncRequest{ClientData: doc})
	if err != nil {
		return fmt.Errorf("relay: encode request: %w", err)
	}
	requestCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := r.client.Do(request)
	if err != nil {
		return fmt.Errorf("relay: post: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("relay: upstream status %d", response.StatusCode)
	}
	return nil
}

func (r *Relay) report(err error) {
	if err != nil {
		r.logger.Warn("cloud push failed", zap.String("endpoint", r.endpoint), zap.Error(err))
	} else {
		r.logger.Debug("cloud push finished", zap.String("endpoint", r.endpoint))
	}
	select {
	case r.pushed <- err:
	default:
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
