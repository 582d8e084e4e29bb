// Package api pkg/api/server.go exposes the read-only status surface:
// campaigns, device updates, firmware and rollbacks, plus a websocket
// event feed. All mutation goes through the engines, never this API.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mfreeman451/fleetota/pkg/campaign"
	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/events"
	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/registry"
	"github.com/mfreeman451/fleetota/pkg/rollback"
	"github.com/mfreeman451/fleetota/pkg/updates"
)

// SystemStatus is the /api/status summary.
type SystemStatus struct {
	TotalCampaigns  int       `json:"total_campaigns"`
	ActiveCampaigns int       `json:"active_campaigns"`
	TotalFirmware   int       `json:"total_firmware"`
	LastUpdate      time.Time `json:"last_update"`
}

// CampaignStatus is the per-campaign progress view.
type CampaignStatus struct {
	Campaign        *models.Campaign `json:"campaign"`
	ProgressPercent float64          `json:"progress_percent"`
	FailureRate     float64          `json:"failure_rate"`
}

// Server is the read-only HTTP API.
type Server struct {
	store     db.Service
	reg       *registry.Registry
	campaigns *campaign.Orchestrator
	engine    *updates.Engine
	rollbacks *rollback.Engine
	hub       *events.Hub
	router    *mux.Router
}

// NewServer creates the API server and installs its routes.
func NewServer(store db.Service, reg *registry.Registry, campaigns *campaign.Orchestrator,
	engine *updates.Engine, rollbacks *rollback.Engine, hub *events.Hub) *Server {
	s := &Server{
		store:     store,
		reg:       reg,
		campaigns: campaigns,
		engine:    engine,
		rollbacks: rollbacks,
		hub:       hub,
		router:    mux.NewRouter(),
	}
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	s.router.HandleFunc("/api/campaigns", s.getCampaigns).Methods("GET")
	s.router.HandleFunc("/api/campaigns/{id}", s.getCampaign).Methods("GET")
	s.router.HandleFunc("/api/campaigns/{id}/updates", s.getCampaignUpdates).Methods("GET")
	s.router.HandleFunc("/api/campaigns/{id}/rollbacks", s.getCampaignRollbacks).Methods("GET")
	s.router.HandleFunc("/api/firmware", s.getFirmwareList).Methods("GET")
	s.router.HandleFunc("/api/firmware/{id}", s.getFirmware).Methods("GET")
	s.router.HandleFunc("/api/updates/{id}", s.getUpdate).Methods("GET")
	s.router.HandleFunc("/api/devices/{id}/updates", s.getDeviceUpdates).Methods("GET")
	s.router.HandleFunc("/api/status", s.getSystemStatus).Methods("GET")
	s.router.HandleFunc("/api/events/ws", s.serveEventFeed)
}

// Start runs the API server on addr until it fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting API server on %s", addr)

	return srv.ListenAndServe()
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) getCampaigns(w http.ResponseWriter, _ *http.Request) {
	campaigns, err := s.campaigns.List()
	if err != nil {
		log.Printf("Error listing campaigns: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, campaigns)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	c, err := s.campaigns.Get(vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, &CampaignStatus{
		Campaign:        c,
		ProgressPercent: campaignProgress(c),
		FailureRate:     c.FailureRate(),
	})
}

func (s *Server) getCampaignUpdates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if _, err := s.campaigns.Get(vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}

	list, err := s.store.ListCampaignUpdates(vars["id"])
	if err != nil {
		log.Printf("Error listing campaign updates: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, list)
}

func (s *Server) getCampaignRollbacks(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	list, err := s.rollbacks.ListForCampaign(vars["id"])
	if err != nil {
		log.Printf("Error listing campaign rollbacks: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, list)
}

func (s *Server) getFirmwareList(w http.ResponseWriter, r *http.Request) {
	includeDeprecated := r.URL.Query().Get("include_deprecated") == "true"

	list, err := s.reg.List(includeDeprecated)
	if err != nil {
		log.Printf("Error listing firmware: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, list)
}

func (s *Server) getFirmware(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	fw, err := s.reg.Get(vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, fw)
}

func (s *Server) getUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	u, err := s.engine.Get(vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, u)
}

func (s *Server) getDeviceUpdates(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	list, err := s.store.ListDeviceUpdateHistory(vars["id"])
	if err != nil {
		log.Printf("Error listing device updates: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, list)
}

func (s *Server) getSystemStatus(w http.ResponseWriter, _ *http.Request) {
	campaigns, err := s.campaigns.List()
	if err != nil {
		log.Printf("Error listing campaigns: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	firmware, err := s.reg.List(true)
	if err != nil {
		log.Printf("Error listing firmware: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	status := SystemStatus{
		TotalCampaigns: len(campaigns),
		TotalFirmware:  len(firmware),
		LastUpdate:     time.Now().UTC(),
	}

	for i := range campaigns {
		if !campaigns[i].Status.IsTerminal() {
			status.ActiveCampaigns++
		}
	}

	s.writeJSON(w, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var derr *models.Error
	if !errors.As(err, &derr) {
		log.Printf("Error handling request: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	status := http.StatusInternalServerError

	switch derr.Kind {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindDuplicate, models.KindStateTransition:
		status = http.StatusConflict
	case models.KindAuthorization:
		status = http.StatusForbidden
	case models.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(map[string]string{"error": derr.Message}); err != nil {
		log.Printf("Error encoding error response: %v", err)
	}
}

// campaignProgress is the terminal-device share of the fleet.
func campaignProgress(c *models.Campaign) float64 {
	if c.TotalDevices == 0 {
		return 0
	}

	done := c.CompletedDevices + c.FailedDevices + c.CancelledDevices

	return float64(done) * 100 / float64(c.TotalDevices)
}
