package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/kenda/dispatch/internal/config"
	"github.com/kenda/dispatch/internal/dispatch"
	"github.com/kenda/dispatch/internal/eta"
	"github.com/kenda/dispatch/internal/ingest"
	"github.com/kenda/dispatch/internal/lifecycle"
	"github.com/kenda/dispatch/internal/presence"
	"github.com/kenda/dispatch/internal/relay"
	"github.com/kenda/dispatch/internal/storage"
)

// Server is the dispatch API: ride intake, claim, lifecycle
// transitions, presence and the websocket change feed.
type Server struct {
	Dispatch *dispatch.Service
	Machine  *lifecycle.Machine
	Store    storage.RideStore
	Index    presence.Index
	Hub      *relay.Hub
	Kafka    *ingest.KafkaProducer

	cfg      config.ServerConfig
	validate *validator.Validate
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer wires the service from config with sensible fallbacks:
// memory store without PG_DSN, in-process index without REDIS_ADDR, no
// Kafka without brokers.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var index presence.Index
	if cfg.RedisAddr != "" {
		index = presence.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.PresenceMaxAge)
	} else {
		index = presence.NewMemoryIndex(cfg.PresenceMaxAge)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	hub := relay.NewHub(logger)

	quoter := &eta.Quoter{
		Cache:           eta.NewCache(cfg.RouteCacheTTL),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		Tariff:          eta.Tariff{BaseFC: cfg.FareBaseFC, PerKmFC: cfg.FarePerKmFC, MinimumFC: cfg.FareBaseFC},
	}
	if cfg.OSRMEndpoint != "" {
		quoter.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	svc := dispatch.NewService(store, index, hub, quoter, cfg.PresenceMaxAge, logger)
	machine := lifecycle.NewMachine(store, hub, logger)

	s := &Server{
		Dispatch: svc,
		Machine:  machine,
		Store:    store,
		Index:    index,
		Hub:      hub,
		Kafka:    kp,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

// Reconciler builds the polling fallback loop over this server's store
// and hub; the caller runs it.
func (s *Server) Reconciler() *relay.Reconciler {
	return relay.NewReconciler(s.Store, s.Hub, s.cfg.ReconcileInterval, s.logger)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
