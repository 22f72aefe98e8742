// Package httpapi exposes the coordinator over HTTP: the websocket endpoint
// clients speak the ride protocol on, a read-only ride lookup, health, and
// metrics.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/directory"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/expiry"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/lastpos"
	"github.com/example/ride-session/internal/otp"
	"github.com/example/ride-session/internal/registry"
	"github.com/example/ride-session/internal/relay"
	"github.com/example/ride-session/internal/router"
	"github.com/example/ride-session/internal/storage"
)

type Server struct {
	Registry *registry.Registry
	Router   *router.Router
	Sweeper  *expiry.Sweeper

	producer *ingest.KafkaProducer
	cache    *lastpos.Store
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer wires the coordinator from config. Kafka, Redis, Postgres, and
// OSRM are all optional; without them the server runs fully in memory.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	reg := registry.New()
	dir := directory.New()
	sessions := dispatch.NewWSRegistry(logger)

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres archive unavailable", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	var cache *lastpos.Store
	if cfg.RedisAddr != "" {
		cache = lastpos.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPosKey)
	}

	rel := &relay.Relay{Registry: reg, Sessions: sessions, Logger: logger}
	if producer != nil {
		rel.Producer = producer
	}
	if cache != nil {
		rel.Cache = cache
	}

	rt := router.New(reg, dir, sessions, rel, otp.NewVerifier(cfg.OTPMaxAttempts), store, logger)
	if cfg.OSRMEndpoint != "" {
		rt.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		rt.ETACache = eta.NewCache(cfg.ETACacheTTL)
	}

	sweeper := expiry.New(reg, sessions, store, cfg.RequestTTL, cfg.SweepInterval, logger)
	sweeper.Directory = dir

	s := &Server{
		Registry: reg,
		Router:   rt,
		Sweeper:  sweeper,
		producer: producer,
		cache:    cache,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws/{role}", s.handleWS)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleRideLookup).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close stops background work and releases external clients.
func (s *Server) Close() {
	s.Sweeper.Stop()
	if s.producer != nil {
		_ = s.producer.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

var upgrader = websocket.Upgrader{
	// browser clients connect from app origins we do not control
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	role, ok := directory.ParseRole(mux.Vars(r)["role"])
	if !ok {
		http.Error(w, "role must be rider or driver", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}

	connID := newID()
	s.Router.Connect(connID, role, conn)
	go s.readLoop(connID, conn)
}

// readLoop applies frames in receipt order for this connection; per-ride
// ordering across connections is the registry's job.
func (s *Server) readLoop(connID string, conn *websocket.Conn) {
	defer s.Router.Disconnect(connID)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read ended", "conn_id", connID, "error", err)
			}
			return
		}
		s.Router.Dispatch(connID, raw)
	}
}

func (s *Server) handleRideLookup(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Registry.Find(mux.Vars(r)["ride_id"])
	if err != nil {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ride.Snapshot())
}

// newID mints connection ids: short, opaque, unique.
func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
