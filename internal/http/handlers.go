package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/observability"
	"github.com/kenda/dispatch/internal/relay"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/claim", s.handleClaim).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/arrive", s.handleArrive).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/online", s.handleDriverOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/location", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/rides/{id}", s.handleWSRide)
	s.mux.HandleFunc("/ws/dispatch", s.handleWSDispatch)
	s.mux.HandleFunc("/ws/presence", s.handleWSPresence)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

// callerID extracts the authenticated user id. Authentication itself
// is an upstream collaborator; the core trusts the id it is handed.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id := callerID(r); id != "" {
		req.PassengerID = id
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Dispatch.CreateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	driverID := callerID(r)
	if driverID == "" {
		http.Error(w, "missing X-User-ID", http.StatusBadRequest)
		return
	}
	ride, err := s.Dispatch.Claim(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Machine.Arrive)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Machine.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Machine.Complete)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, rideID, callerID string) (*models.Ride, error)) {
	ride, err := fn(r.Context(), mux.Vars(r)["id"], callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	ride, err := s.Machine.Cancel(r.Context(), mux.Vars(r)["id"], callerID(r), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	radius := s.cfg.NearbyRadiusM
	if v := q.Get("radius_m"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radius = f
		}
	}
	drivers, err := s.Dispatch.NearbyDrivers(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, s.cfg.NearbyLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	s.setOnline(w, r, true)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	s.setOnline(w, r, false)
}

func (s *Server) setOnline(w http.ResponseWriter, r *http.Request, online bool) {
	driverID := callerID(r)
	if driverID == "" {
		http.Error(w, "missing X-User-ID", http.StatusBadRequest)
		return
	}
	if err := s.Index.SetOnline(r.Context(), driverID, online); err != nil {
		s.writeError(w, err)
		return
	}
	if online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	p, err := s.Index.Get(r.Context(), driverID)
	if err == nil {
		s.Hub.PublishPresence(&p)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverLocation is the HTTP ingress of the location loop: the
// report is pushed to Kafka when configured, upserted into the index
// and fanned out to presence subscribers.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id := callerID(r); id != "" {
		p.DriverID = id
	}
	if p.DriverID == "" {
		http.Error(w, "missing driver id", http.StatusBadRequest)
		return
	}
	p.Online = true
	p.UpdatedAt = time.Now()
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(p); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if err := s.Index.Upsert(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	observability.LocationReports.Inc()
	s.Hub.PublishPresence(&p)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// The relay pushes changes only: a websocket subscriber fetches
// current state over the REST endpoints after connecting.

func (s *Server) handleWSRide(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.Hub.SubscribeRide(mux.Vars(r)["id"]))
}

func (s *Server) handleWSDispatch(w http.ResponseWriter, r *http.Request) {
	driverID := callerID(r)
	if driverID == "" {
		driverID = r.URL.Query().Get("driver_id")
	}
	if driverID == "" {
		http.Error(w, "missing driver id", http.StatusBadRequest)
		return
	}
	s.serveWS(w, r, s.Hub.SubscribeOpenRides(driverID))
}

func (s *Server) handleWSPresence(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.Hub.SubscribePresence())
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, sub *relay.Subscription) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	// the request context dies when this handler returns, but the
	// hijacked connection lives on; the pump ends on write failure
	sess := relay.NewSession(conn)
	go sess.Pump(context.Background(), sub, s.logger)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrRideNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrAlreadyTaken),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDriverBusy),
		errors.Is(err, models.ErrDriverOffline):
		// routine concurrency outcomes: the client re-fetches and
		// renders current truth
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("internal error", "error", err)
		http.Error(w, "internal error", http.StatusServiceUnavailable)
	}
}
