package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

const scanConcurrency = 32

// ScannerConfig wires a LANScanner.
type ScannerConfig struct {
	Port         int
	DialTimeout  time.Duration
	// Hosts lists the addresses to check; nil checks the /24 of every local IPv4 interface.
	Hosts  func() ([]string, error)
	Client *http.Client
	Logger *zap.Logger
}

// LANScanner finds sync servers by querying /api/health on neighbouring hosts.
type LANScanner struct {
	port         int
	dialTimeout  time.Duration
	hosts        func() ([]string, error)
	client       *http.Client
	logger       *zap.Logger
}

// NewLANScanner constructs a scanner.
func NewLANScanner(cfg ScannerConfig) *LANScanner {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 400 * time.Millisecond
	}
	if cfg.Hosts == nil {
		cfg.Hosts = subnetHosts
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LANScanner{
		port:         cfg.Port,
		dialTimeout:  cfg.DialTimeout,
		hosts:        cfg.Hosts,
		client:       cfg.Client,
		logger:       logger,
	}
}

// Scan queries every candidate host and returns the servers that answered,
// sorted by address. Failed hosts are not errors.
func (s *LANScanner) Scan(ctx context.Context) ([]protocol.ServerIdentity, error) {
	hosts, err := s.hosts()
	if err != nil {
		return nil, fmt.Errorf("server: enumerate hosts: %w", err)
	}

	var (
		mu    sync.Mutex
		found []protocol.ServerIdentity
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(scanConcurrency)
	for _, host := range hosts {
		group.Go(func() error {
			identity, ok := s.health(groupCtx, host)
			if ok {
				mu.Lock()
				found = append(found, identity)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(found, func(i, j int) bool {
		return found[i].IP < found[j].IP
	})
	s.logger.Debug("lan scan finished", zap.Int("checked", len(hosts)), zap.Int("found", len(found)))
	return found, ctx.Err()
}

func (s *LANScanner) health(ctx context.Context, host string) (protocol.ServerIdentity, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	address := net.JoinHostPort(host, strconv.Itoa(s.port))
	request, err := http.NewRequestWithContext(dialCtx, http.MethodGet, "http://"+address+"/api/health", nil)
	if err != nil {
		return protocol.ServerIdentity{}, false
	}
	response, err := s.client.Do(request)
	if err != nil {
		return protocol.ServerIdentity{}, false
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return protocol.ServerIdentity{}, false
	}

	var health protocol.HealthResponse
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil || health.Status != "ok" {
		return protocol.ServerIdentity{}, false
	}
	port := health.Port
	if port == 0 {
		port = s.port
	}
	return protocol.ServerIdentity{
		Name:    health.Name,
		IP:      host,
		Port:    port,
		Version: health.Version,
		Locked:  health.Locked,
	}, true
}

// LocalIPv4s returns the non-loopback IPv4 addresses of this host.
func LocalIPv4s() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4.String())
		}
	}
	return ips
}

// PrimaryIPv4 returns the first non-loopback IPv4 address, or 127.0.0.1.
func PrimaryIPv4() string {
	if ips := LocalIPv4s(); len(ips) > 0 {
		return ips[0]
	}
	return "127.0.0.1"
}

func subnetHosts() ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	for _, local := range LocalIPv4s() {
		ip := net.ParseIP(local).To4()
		if ip == nil {
			continue
		}
		for last := 1; last < 255; last++ {
			candidate := net.IPv4(ip[0], ip[1], ip[2], byte(last)).String()
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			hosts = append(hosts, candidate)
		}
	}
	return hosts, nil
}
