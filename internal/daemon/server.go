// Package daemon assembles the kiosk server: storage, supervision loops,
// the WebSocket hub and the HTTP routes.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/vrkiosk/internal/catalog"
	"github.com/eliteGoblin/vrkiosk/internal/config"
	"github.com/eliteGoblin/vrkiosk/internal/domain"
	"github.com/eliteGoblin/vrkiosk/internal/infra"
	"github.com/eliteGoblin/vrkiosk/internal/transport"
	"github.com/eliteGoblin/vrkiosk/internal/usecase"
)

// ServerConfig holds server timing that is not exposed through the environment.
type ServerConfig struct {
	ShutdownTimeout   time.Duration // Grace period for in-flight HTTP requests
	ReadHeaderTimeout time.Duration
	EventBuffer       int // Capacity of the state-change event channel
	AlertCapacity     int // Alerts kept in memory
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ShutdownTimeout:   10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		EventBuffer:       64,
		AlertCapacity:     50,
	}
}

// Server is the assembled kiosk daemon.
type Server struct {
	cfg     *config.Config
	server  ServerConfig
	build   usecase.BuildInfo
	dataDir string
	kioskID string
	logger  *zap.Logger

	store       *infra.EncryptedStore
	controller  *usecase.Controller
	supervisor  *usecase.Supervisor
	broadcaster *usecase.Broadcaster
	monitor     *infra.HostMonitor
	analytics   *infra.AnalyticsReplicator
	watcher     *catalog.Watcher
	hub         *transport.Hub
	http        *http.Server
}

// NewServer opens storage, syncs the game catalog and wires every component.
// Storage failure is the only fatal startup condition.
func NewServer(cfg *config.Config, server ServerConfig, build usecase.BuildInfo, logger *zap.Logger) (*Server, error) {
	dataDir, err := ResolveDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(dataDir, cfg.StorageKey)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, server: server, build: build, dataDir: dataDir, logger: logger, store: store}

	if n, err := store.CloseStaleSessions(); err != nil {
		logger.Warn("failed to close stale sessions", zap.Error(err))
	} else if n > 0 {
		logger.Info("closed sessions left active by previous run", zap.Int("sessions", n))
	}

	s.kioskID, err = ResolveKioskID(store, cfg.KioskID)
	if err != nil {
		logger.Warn("failed to persist kiosk id", zap.Error(err))
	}
	logger.Info("kiosk identity", zap.String("kiosk_id", s.kioskID))

	catalogPath := cfg.GamesConfigPath(dataDir)
	s.syncCatalog(catalogPath)

	allowList, err := transport.ParseAllowList(cfg.AllowedIPs)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid VR_ALLOWED_IPS: %w", err)
	}

	clock := clockwork.NewRealClock()
	events := make(chan domain.Event, server.EventBuffer)
	alerts := infra.NewAlertLog(server.AlertCapacity)

	monitorCfg := infra.DefaultHostMonitorConfig()
	monitorCfg.Interval = cfg.StatusInterval
	monitorCfg.CPUAlertPercent = cfg.CPUAlertPercent
	monitorCfg.MemoryAlertPercent = cfg.MemoryAlertPercent
	monitorCfg.DiskAlertMB = cfg.DiskAlertMB
	s.monitor = infra.NewHostMonitor(monitorCfg, alerts, logger.Named("monitor"))

	var analytics domain.AnalyticsSink = infra.NopAnalytics{}
	analyticsCfg := infra.AnalyticsConfig{BaseURL: cfg.AnalyticsURL, APIKey: cfg.AnalyticsKey, VenueID: s.kioskID}
	if analyticsCfg.Enabled() {
		s.analytics = infra.NewAnalyticsReplicator(analyticsCfg, logger.Named("analytics"))
		analytics = s.analytics
	}

	s.supervisor = usecase.NewSupervisor(
		usecase.DefaultSupervisorConfig(),
		infra.NewProcessManager(),
		infra.NewFileSystemManager(),
		alerts,
		events,
		clock,
		logger.Named("supervisor"),
	)
	timer := usecase.NewSessionTimer(clock, events, logger.Named("timer"))
	access := usecase.NewAccessValidator(store, clock, logger.Named("access"))
	s.controller = usecase.NewController(store, store, s.supervisor, timer, access, analytics, events, clock, logger.Named("controller"))
	s.broadcaster = usecase.NewBroadcaster(s.controller, s.monitor, alerts, events, cfg.StatusInterval, clock, logger.Named("broadcaster"))
	diagnostics := usecase.NewDiagnosticsCollector(s.supervisor, s.monitor, store, store, build, clock, logger.Named("diagnostics"))
	dispatcher := usecase.NewDispatcher(s.controller, access, s.broadcaster, diagnostics, clock, logger.Named("dispatcher"))

	hubCfg := transport.DefaultConfig()
	hubCfg.MaxConnections = cfg.MaxConnections
	hubCfg.AllowList = allowList
	hubCfg.CheckOrigin = originChecker(cfg)
	s.hub = transport.NewHub(hubCfg, dispatcher, logger.Named("hub"))
	s.broadcaster.SetHub(s.hub)
	diagnostics.SetHub(s.hub)

	if cfg.WatchCatalog {
		s.watcher = catalog.NewWatcher(catalogPath, store, events, logger.Named("catalog"))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: server.ReadHeaderTimeout,
	}
	return s, nil
}

// syncCatalog imports the catalog file, creating a default one if missing.
// A broken file leaves the stored catalog as it was.
func (s *Server) syncCatalog(path string) {
	reg, created, err := catalog.LoadOrCreate(path)
	if err != nil {
		s.logger.Warn("failed to load game catalog, keeping stored catalog", zap.String("path", path), zap.Error(err))
		return
	}
	if created {
		s.logger.Info("wrote default game catalog", zap.String("path", path))
	}
	if err := s.store.UpsertGames(reg.GetAll()); err != nil {
		s.logger.Warn("failed to import game catalog", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("game catalog loaded", zap.String("path", path), zap.Int("games", reg.Len()))
}

func originChecker(cfg *config.Config) func(*http.Request) bool {
	if cfg.AllowAllOrigins() {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Native kiosk clients send no Origin header.
		return origin == "" || allowed[origin]
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.hub.ServeHTTP)
	r.Get("/", s.handleRoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.broadcaster.Snapshot())
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// handleRoot accepts WebSocket clients that connect without a path.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.hub.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "vrkiosk",
		"version": s.build.Version,
		"kiosk":   s.kioskID,
		"ws":      "/ws",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is canceled, then shuts down every loop and
// terminates any running game before returning.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.supervisor.Run(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx) })
	g.Go(func() error { return s.broadcaster.Run(gctx) })
	if s.analytics != nil {
		g.Go(func() error { return s.analytics.Run(gctx) })
	}
	if s.watcher != nil {
		g.Go(func() error {
			if err := s.watcher.Run(gctx); err != nil {
				// Hot reload is a convenience; the server keeps running without it.
				s.logger.Warn("catalog watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		s.logger.Info("kiosk server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	if closeErr := s.store.Close(); closeErr != nil {
		s.logger.Warn("failed to close storage", zap.Error(closeErr))
	}
	s.logger.Info("kiosk server stopped")
	return err
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down kiosk server")

	ctx, cancel := context.WithTimeout(context.Background(), s.server.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	s.hub.Close()
	s.controller.Shutdown()
}
