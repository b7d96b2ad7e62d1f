package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/journal"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/store"
)

var (
	errMissingDispatcher = errors.New("dispatcher dependency required")
	errMissingScanner    = errors.New("scanner dependency required")
)

// Scanner lists reachable sync servers.
type Scanner interface {
	Scan(ctx context.Context) ([]protocol.ServerIdentity, error)
}

// JournalLister reads the mutation journal.
type JournalLister interface {
	List(ctx context.Context, limit int) ([]journal.EntryView, error)
}

// UpdateChecker answers GET /api/check-update. Downloading and applying
// updates is left to the installer.
type UpdateChecker interface {
	Check(ctx context.Context, currentVersion string) (protocol.UpdateResponse, error)
}

type noUpdateChecker struct{}

func (noUpdateChecker) Check(_ context.Context, currentVersion string) (protocol.UpdateResponse, error) {
	return protocol.UpdateResponse{Updated: false, Version: currentVersion}, nil
}

// Identity is how this server describes itself.
type Identity struct {
	Name    string
	Port    int
	Version string
	// LocalIPs lists this host's addresses; the first one is advertised.
	LocalIPs func() []string
}

func (i Identity) primaryIP() string {
	if i.LocalIPs != nil {
		if ips := i.LocalIPs(); len(ips) > 0 {
			return ips[0]
		}
	}
	return "127.0.0.1"
}

// ServerInfo builds the server_info payload without the lock flag. An unset
// Version reports protocol.Version.
func (i Identity) ServerInfo() protocol.ServerInfo {
	return protocol.ServerInfo{
		Name:    i.Name,
		IP:      i.primaryIP(),
		Port:    i.Port,
		Version: i.version(),
	}
}

func (i Identity) version() string {
	if i.Version == "" {
		return protocol.Version
	}
	return i.Version
}

type Dependencies struct {
	Store      *store.Store
	Dispatcher *Dispatcher
	Scanner    Scanner
	Journal    JournalLister
	Updates    UpdateChecker
	Identity   Identity
	Metrics    http.Handler
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Scanner == nil {
		return nil, errMissingScanner
	}
	if deps.Updates == nil {
		deps.Updates = noUpdateChecker{}
	}
	deps.Identity.Version = deps.Identity.version()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		scanner:    deps.Scanner,
		journal:    deps.Journal,
		updates:    deps.Updates,
		identity:   deps.Identity,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices connect from bundled front ends served on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	api := router.Group("/api")
	api.GET("/health", handler.handleHealth)
	api.HEAD("/health", handler.handleHealth)
	api.POST("/sync", handler.handleSync)
	api.GET("/scan-servers", handler.handleScan)
	api.GET("/check-update", handler.handleCheckUpdate)
	api.GET("/journal", handler.handleJournal)

	router.GET("/ws", handler.handleSocket)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return router, nil
}

type httpHandler struct {
	store      *store.Store
	dispatcher *Dispatcher
	scanner    Scanner
	journal    JournalLister
	updates    UpdateChecker
	identity   Identity
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.HealthResponse{
		Status:  "ok",
		Name:    h.identity.Name,
		Version: h.identity.Version,
		Port:    h.identity.Port,
		Locked:  h.store.Locked(),
	})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request protocol.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	merged, err := h.dispatcher.MergeHTTP(request.ClientData)
	switch {
	case errors.Is(err, store.ErrLocked):
		c.JSON(http.StatusLocked, gin.H{"error": "locked"})
		return
	case err != nil:
		h.logger.Warn("http sync rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_data"})
		return
	}

	c.JSON(http.StatusOK, protocol.SyncResponse{Success: true, ServerData: merged})
}

func (h *httpHandler) handleScan(c *gin.Context) {
	servers, err := h.scanner.Scan(c.Request.Context())
	if err != nil && len(servers) == 0 {
		h.logger.Warn("lan scan failed", zap.Error(err))
	}

	requester := c.ClientIP()
	requesterIsLocal := isLoopback(requester)
	var localIPs map[string]struct{}
	if requesterIsLocal && h.identity.LocalIPs != nil {
		localIPs = make(map[string]struct{})
		for _, ip := range h.identity.LocalIPs() {
			localIPs[ip] = struct{}{}
		}
	}

	annotated := make([]protocol.ServerIdentity, 0, len(servers))
	for _, server := range servers {
		server.IsSelf = server.IP == requester
		if _, ok := localIPs[server.IP]; ok {
			server.IsSelf = true
		}
		annotated = append(annotated, server)
	}
	c.JSON(http.StatusOK, protocol.ScanResponse{Servers: annotated})
}

func (h *httpHandler) handleCheckUpdate(c *gin.Context) {
	result, err := h.updates.Check(c.Request.Context(), h.identity.Version)
	if err != nil {
		h.logger.Error("update check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_check_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleJournal(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal_disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	entries, err := h.journal.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.dispatcher.Attach(conn)
}

func isLoopback(address string) bool {
	ip := net.ParseIP(address)
	return ip != nil && ip.IsLoopback()
}
