// Package discovery finds a reachable sync server for a device without manual
// configuration and moves the device when its remembered server disappears.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/document"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

const (
	DefaultHealthTimeout = 2 * time.Second
	DefaultScanTimeout   = 3 * time.Second
	DefaultInterval      = time.Minute
	// A device with fewer records than these is considered fresh and may be
	// relocated automatically.
	DefaultFreshSales    = 5
	DefaultFreshProducts = 10
)

// ErrNoServerFound is returned when a scan yields no usable peer.
var ErrNoServerFound = errors.New("discovery: no server found")

// Outcome describes what one discovery pass did.
type Outcome string

const (
	// OutcomeKept means the remembered server answered its health check.
	OutcomeKept Outcome = "kept"
	// OutcomeAdopted means the remembered server failed and a peer replaced it.
	OutcomeAdopted Outcome = "adopted"
	// OutcomeOnboarded means a device without a remembered server joined a peer.
	OutcomeOnboarded Outcome = "onboarded"
	// OutcomeSkipped means a peer was found but the device holds too much data to move.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means nothing usable was found.
	OutcomeFailed Outcome = "failed"
)

// Target is the sync client being steered.
type Target interface {
	ServerURL() string
	Reconnect(serverURL string) error
	Document() *document.Document
}

// Result reports one discovery pass.
type Result struct {
	Outcome   Outcome
	ServerURL string
	Peers     []protocol.ServerIdentity
}

// Config wires a Service.
type Config struct {
	Target Target
	// LocalServerURL is asked for its peer list, typically the device's bundled server.
	LocalServerURL string
	Client         *http.Client
	HealthTimeout  time.Duration
	ScanTimeout    time.Duration
	// Interval separates passes when run as a service.
	Interval      time.Duration
	FreshSales    int
	FreshProducts int
	Logger        *zap.Logger
}

// Service runs discovery passes.
type Service struct {
	target         Target
	localServerURL string
	client         *http.Client
	healthTimeout  time.Duration
	scanTimeout    time.Duration
	interval       time.Duration
	freshSales     int
	freshProducts  int
	logger         *zap.Logger
}

// New validates cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Target == nil {
		return nil, errors.New("discovery: target required")
	}
	if strings.TrimSpace(cfg.LocalServerURL) == "" {
		return nil, errors.New("discovery: local server url required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FreshSales <= 0 {
		cfg.FreshSales = DefaultFreshSales
	}
	if cfg.FreshProducts <= 0 {
		cfg.FreshProducts = DefaultFreshProducts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		target:         cfg.Target,
		localServerURL: strings.TrimRight(strings.TrimSpace(cfg.LocalServerURL), "/"),
		client:         cfg.Client,
		healthTimeout:  cfg.HealthTimeout,
		scanTimeout:    cfg.ScanTimeout,
		interval:       cfg.Interval,
		freshSales:     cfg.FreshSales,
		freshProducts:  cfg.FreshProducts,
		logger:         logger,
	}, nil
}

// Run performs one discovery pass.
func (s *Service) Run(ctx context.Context) (Result, error) {
	remembered := strings.TrimRight(strings.TrimSpace(s.target.ServerURL()), "/")
	if remembered != "" && s.Healthy(ctx, remembered) {
		return Result{Outcome: OutcomeKept, ServerURL: remembered}, nil
	}

	peers, err := s.Scan(ctx)
	if err != nil {
		s.logger.Warn("peer scan failed", zap.String("local_server_url", s.localServerURL), zap.Error(err))
	}
	candidates := make([]protocol.ServerIdentity, 0, len(peers))
	for _, peer := range peers {
		if peer.IsSelf || peer.URL() == remembered {
			continue
		}
		candidates = append(candidates, peer)
	}
	if len(candidates) == 0 {
		return Result{Outcome: OutcomeFailed, ServerURL: remembered, Peers: peers}, ErrNoServerFound
	}

	chosen := candidates[0].URL()
	if remembered == "" && !s.fresh(s.target.Document()) {
		s.logger.Info("peer found but local data is not fresh, staying put", zap.String("peer", chosen))
		return Result{Outcome: OutcomeSkipped, Peers: peers}, nil
	}

	if err := s.target.Reconnect(chosen); err != nil {
		return Result{Outcome: OutcomeFailed, ServerURL: remembered, Peers: peers}, fmt.Errorf("discovery: reconnect to %s: %w", chosen, err)
	}
	outcome := OutcomeOnboarded
	if remembered != "" {
		outcome = OutcomeAdopted
	}
	s.logger.Info("server address changed",
		zap.String("outcome", string(outcome)),
		zap.String("from", remembered),
		zap.String("to", chosen))
	return Result{Outcome: outcome, ServerURL: chosen, Peers: peers}, nil
}

// Watch runs a pass immediately and then every interval until ctx ends.
// Each result is passed to report when it is not nil.
func (s *Service) Watch(ctx context.Context, interval time.Duration, report func(Result, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		result, err := s.Run(ctx)
		if report != nil {
			report(result, err)
		}
		if errors.Is(err, ErrNoServerFound) && result.ServerURL != "" {
			s.logger.Error("remembered server is down and no peer was found", zap.String("server_url", result.ServerURL))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	return s.Watch(ctx, s.interval, nil)
}

func (s *Service) String() string {
	return "discovery"
}

// Healthy reports whether serverURL answers GET /api/health in time. A
// timeout counts as a failure.
func (s *Service) Healthy(ctx context.Context, serverURL string) bool {
	requestCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/health", nil)
	if err != nil {
		return false
	}
	response, err := s.client.Do(request)
	if err != nil {
		s.logger.Debug("health check failed", zap.String("server_url", serverURL), zap.Error(err))
		return false
	}
	defer response.Body.Close()
	return response.StatusCode == http.StatusOK
}

// Scan asks the local server for the peers it can see.
func (s *Service) Scan(ctx context.Context) ([]protocol.ServerIdentity, error) {
	requestCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, s.localServerURL+"/api/scan-servers", nil)
	if err != nil {
		return nil, err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("discovery: scan: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: scan: status %d", response.StatusCode)
	}
	var body protocol.ScanResponse
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("discovery: decode scan: %w", err)
	}
	return body.Servers, nil
}

func (s *Service) fresh(doc *document.Document) bool {
	if doc == nil {
		return true
	}
	return doc.Len("sales") < s.freshSales && doc.Len("products") < s.freshProducts
}
