// Package httpapi exposes the dispatch engine over HTTP and websocket.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideerr"
	"github.com/example/ride-dispatch/internal/ws"
)

type Server struct {
	Orchestrator *dispatch.Orchestrator
	Ratings      *rating.Aggregator
	Tracker      *presence.Tracker
	Registry     *ws.Registry
	Verifier     auth.Verifier

	cfg     config.ServerConfig
	logger  *slog.Logger
	mux     *mux.Router
	closers []io.Closer
}

// NewServer wires an already-constructed set of collaborators into a
// router. Tests use this with in-memory stores and a fake verifier.
func NewServer(orch *dispatch.Orchestrator, ratings *rating.Aggregator, tracker *presence.Tracker, registry *ws.Registry, verifier auth.Verifier, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Orchestrator: orch,
		Ratings:      ratings,
		Tracker:      tracker,
		Registry:     registry,
		Verifier:     verifier,
		cfg:          cfg,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromConfig builds the full production wiring: redis presence and
// postgres stores when configured, in-memory fallbacks otherwise, plus the
// optional kafka, stripe and OSRM collaborators.
func NewServerFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []io.Closer

	var presenceRepo presence.Repository
	if cfg.RedisAddr != "" {
		rr := presence.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rr.Ping(ctx)
		cancel()
		if err != nil {
			return nil, err
		}
		presenceRepo = rr
		closers = append(closers, rr)
	} else {
		presenceRepo = presence.NewMemoryRepository()
	}
	tracker := presence.NewTracker(presenceRepo, cfg.StalenessWindow, logger)

	var (
		rideRepo   ride.Repository
		ratingRepo rating.Repository
		statsRepo  rating.StatsRepository
	)
	if cfg.PGDSN != "" {
		db, err := sql.Open("postgres", cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, err
		}
		rideRepo = ride.NewPostgresRepositoryFromDB(db)
		ratingRepo = rating.NewPostgresRepository(db)
		statsRepo = rating.NewPostgresStatsRepository(db)
		closers = append(closers, db)
	} else {
		rideRepo = ride.NewMemoryRepository()
		ratingRepo = rating.NewMemoryRepository()
		statsRepo = rating.NewMemoryStatsRepository()
	}

	machine := ride.NewMachine(rideRepo)

	registry := ws.NewRegistry(cfg.ProbeInterval, func(driverID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tracker.SetAvailability(ctx, driverID, false); err != nil {
			logger.Error("failed to mark disconnected driver unavailable", "driver_id", driverID, "error", err)
		}
	}, logger)

	orch := dispatch.NewOrchestrator(machine, rideRepo, tracker, registry, statsRepo, dispatch.Config{
		NearbyRadiusKm:      cfg.NearbyRadiusKm,
		NearbyLimit:         cfg.NearbyLimit,
		RedispatchOnDecline: cfg.RedispatchOnDecline,
		DefaultSpeedMps:     cfg.DefaultSpeedMps,
		Currency:            cfg.Currency,
	}, logger)

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		orch.WithPublisher(kp)
		closers = append(closers, kp)
	}
	if cfg.StripeAPIKey != "" {
		orch.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey))
	}
	if cfg.OSRMEndpoint != "" {
		orch.WithETA(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(30*time.Second))
	}

	ratings := rating.NewAggregator(rideRepo, ratingRepo, statsRepo, logger)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	s := NewServer(orch, ratings, tracker, registry, verifier, cfg, logger)
	s.closers = closers
	return s, nil
}

func (s *Server) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/current", s.handleCurrentRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/history", s.handleRideHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/decline", s.handleDeclineRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/arrive", s.advanceHandler(dispatch.EventArrive)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/start", s.advanceHandler(dispatch.EventStart)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/rating", s.handleSubmitRating).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/stats", s.handleDriverStats).Methods(http.MethodGet)
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.Role != models.RoleClient {
		writeError(w, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only clients request rides"))
		return
	}
	var spec models.RideSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, rideerr.Wrap(err, rideerr.KindValidation, rideerr.CodeBadInput, "malformed request body"))
		return
	}
	ride, err := s.Orchestrator.RequestRide(r.Context(), id.ID, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.Role != models.RoleDriver {
		writeError(w, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only drivers accept rides"))
		return
	}
	ride, err := s.Orchestrator.AcceptRide(r.Context(), id.ID, mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDeclineRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.Role != models.RoleDriver {
		writeError(w, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only drivers decline rides"))
		return
	}
	if err := s.Orchestrator.DeclineRide(r.Context(), id.ID, mux.Vars(r)["ride_id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) advanceHandler(event dispatch.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r.Context())
		ride, err := s.Orchestrator.AdvanceStatus(r.Context(), id.ID, id.Role, mux.Vars(r)["ride_id"], event, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		FinalPrice *float64 `json:"final_price"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, rideerr.Wrap(err, rideerr.KindValidation, rideerr.CodeBadInput, "malformed request body"))
			return
		}
	}
	ride, err := s.Orchestrator.AdvanceStatus(r.Context(), id.ID, id.Role, mux.Vars(r)["ride_id"], dispatch.EventComplete, body.FinalPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, rideerr.Wrap(err, rideerr.KindValidation, rideerr.CodeBadInput, "malformed request body"))
			return
		}
	}
	ride, err := s.Orchestrator.CancelRide(r.Context(), id.ID, id.Role, mux.Vars(r)["ride_id"], body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, rideerr.Wrap(err, rideerr.KindValidation, rideerr.CodeBadInput, "malformed request body"))
		return
	}
	rated, err := s.Ratings.SubmitRating(r.Context(), id.ID, mux.Vars(r)["ride_id"], body.Rating, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rated)
}

func (s *Server) handleCurrentRide(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	ride, err := s.Orchestrator.QueryCurrentRide(r.Context(), id.ID, id.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	var status *models.RideStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.RideStatus(v)
		switch st {
		case models.StatusPending, models.StatusAccepted, models.StatusDriverArrived,
			models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
			status = &st
		default:
			writeError(w, rideerr.Newf(rideerr.KindValidation, rideerr.CodeBadInput, "unknown status %q", v))
			return
		}
	}
	rides, err := s.Orchestrator.QueryRideHistory(r.Context(), id.ID, page, limit, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides, "page": page, "limit": limit})
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("longitude"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, rideerr.New(rideerr.KindValidation, rideerr.CodeBadInput, "latitude and longitude are required"))
		return
	}
	drivers, err := s.Orchestrator.QueryNearbyDrivers(r.Context(), lat, lng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

func (s *Server) handleDriverStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Ratings.DriverStats(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
