// Package restapi is the HTTP control surface consumed by the haguardctl CLI,
// including its manual-failover fast path, the same handler-wraps-dependency
// shape as a conventional gorilla/mux HA control-plane handler.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"haguard/internal/cluster"
	"haguard/internal/dbctl"
	"haguard/internal/dcs"
	"haguard/internal/events"
	"haguard/internal/executor"
	"haguard/internal/ha"
	"haguard/internal/metrics"
)

// Handler wires the HA engine and its collaborators to the HTTP routes described in
// the operator-facing REST surface below.
type Handler struct {
	memberName string
	engine     *ha.Engine
	db         dbctl.Controller
	dcsClient  dcs.Client
	exec       *executor.Executor
	hub        *events.Hub
	metrics    *metrics.Registry
	log        *zap.Logger

	auth func(r *http.Request) bool
}

// NewHandler constructs a Handler. auth may be nil to disable basic-auth checking.
func NewHandler(memberName string, engine *ha.Engine, db dbctl.Controller, dcsClient dcs.Client,
	exec *executor.Executor, hub *events.Hub, reg *metrics.Registry, log *zap.Logger,
	auth func(r *http.Request) bool) *Handler {
	return &Handler{
		memberName: memberName, engine: engine, db: db, dcsClient: dcsClient,
		exec: exec, hub: hub, metrics: reg, log: log, auth: auth,
	}
}

// Router builds the gorilla/mux router exposing every route in the HTTP contract.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.requireAuth(h.handleMaster)).Methods(http.MethodGet)
	r.HandleFunc("/master", h.requireAuth(h.handleMaster)).Methods(http.MethodGet)
	r.HandleFunc("/replica", h.requireAuth(h.handleReplica)).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/cluster", h.requireAuth(h.handleCluster)).Methods(http.MethodGet)
	r.HandleFunc("/restart", h.requireAuth(h.handleRestart)).Methods(http.MethodPost)
	r.HandleFunc("/reinitialize", h.requireAuth(h.handleReinitialize)).Methods(http.MethodPost)
	r.HandleFunc("/failover", h.requireAuth(h.handleFailover)).Methods(http.MethodPost)
	if h.hub != nil {
		r.HandleFunc("/cluster/events", h.hub.ServeHTTP)
	}
	return r
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.auth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="haguard"`)
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleMaster(w http.ResponseWriter, r *http.Request) {
	if h.engine.LastState() == ha.StateLeader || h.engine.LastState() == ha.StateLeaderCandidate {
		respondOK(w, map[string]string{"role": "master", "state": string(h.engine.LastState())})
		return
	}
	respondError(w, http.StatusServiceUnavailable, "not the primary")
}

func (h *Handler) handleReplica(w http.ResponseWriter, r *http.Request) {
	switch h.engine.LastState() {
	case ha.StateFollower:
		respondOK(w, map[string]string{"role": "replica", "state": string(h.engine.LastState())})
		return
	}
	respondError(w, http.StatusServiceUnavailable, "not a running replica")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	running := h.db.IsRunning(ctx)
	status := http.StatusOK
	if !running {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{
		"member":  h.memberName,
		"running": running,
		"state":   string(h.engine.LastState()),
	})
}

func (h *Handler) handleCluster(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	snap, err := h.dcsClient.GetCluster(ctx)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "dcs unavailable: "+err.Error())
		return
	}
	respondOK(w, snap)
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if h.exec.Busy() {
		respondError(w, http.StatusServiceUnavailable, "busy")
		return
	}
	err := h.exec.RunAsync(context.Background(), func(ctx context.Context) error {
		if err := h.db.Stop(ctx, dbctl.StopModeFast); err != nil {
			return err
		}
		return h.db.Start(ctx)
	})
	if err != nil {
		if errors.Is(err, executor.ErrBusy) {
			respondError(w, http.StatusServiceUnavailable, "busy")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, map[string]string{"status": "restart scheduled"})
}

func (h *Handler) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if h.engine.LastState() == ha.StateLeader || h.engine.LastState() == ha.StateLeaderCandidate {
		respondError(w, http.StatusPreconditionFailed, "refusing to reinitialize the current leader")
		return
	}
	if h.exec.Busy() {
		respondError(w, http.StatusServiceUnavailable, "busy")
		return
	}
	err := h.exec.RunAsync(context.Background(), h.db.Reinitialize)
	if err != nil {
		if errors.Is(err, executor.ErrBusy) {
			respondError(w, http.StatusServiceUnavailable, "busy")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, map[string]string{"status": "reinitialize scheduled"})
}

// failoverRequest is the POST /failover body, matching cluster.Failover's fields.
type failoverRequest struct {
	Leader    string `json:"leader"`
	Candidate string `json:"candidate"`
}

func (h *Handler) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	state := h.engine.LastState()
	amLeader := state == ha.StateLeader || state == ha.StateLeaderCandidate
	if req.Leader != h.memberName || !amLeader {
		respondError(w, http.StatusPreconditionFailed, "is not the leader of cluster")
		return
	}
	if req.Candidate == req.Leader {
		respondError(w, http.StatusPreconditionFailed, "target and source are the same")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.dcsClient.SetFailoverValue(ctx, cluster.Failover{Leader: req.Leader, Candidate: req.Candidate}); err != nil {
		respondError(w, http.StatusServiceUnavailable, "dcs unavailable: "+err.Error())
		return
	}
	respondOK(w, map[string]string{"status": "Failing over to new leader"})
}
