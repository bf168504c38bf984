// Package httpapi exposes the orchestration surface over HTTP and
// WebSocket: worker lifecycle, blackboard, swarms, stats, and the
// event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/claudefleet/fleet/internal/metrics"
	"github.com/claudefleet/fleet/internal/server/blackboard"
	"github.com/claudefleet/fleet/internal/server/bus"
	"github.com/claudefleet/fleet/internal/server/events"
	"github.com/claudefleet/fleet/internal/server/id"
	"github.com/claudefleet/fleet/internal/server/store"
	"github.com/claudefleet/fleet/internal/server/workermgr"
)

// API wires the service layer to HTTP routes.
type API struct {
	mgr      *workermgr.Manager
	exchange *blackboard.Exchange
	bus      *bus.Bus
	events   *events.Manager
	store    *store.Store
	logger   *slog.Logger

	secretHash []byte // empty disables auth
	tokenMu    sync.RWMutex
	tokens     map[string]bool
}

// New creates the API. A non-empty authSecret enables bearer-token auth
// on every route except health, auth, and metrics.
func New(mgr *workermgr.Manager, ex *blackboard.Exchange, b *bus.Bus, ev *events.Manager, st *store.Store, authSecret string, logger *slog.Logger) (*API, error) {
	a := &API{
		mgr:      mgr,
		exchange: ex,
		bus:      b,
		events:   ev,
		store:    st,
		logger:   logger,
		tokens:   make(map[string]bool),
	}
	if authSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(authSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash auth secret: %w", err)
		}
		a.secretHash = hash
	}
	return a, nil
}

// Handler returns the routed HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /auth", a.handleAuth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /orchestrate/spawn", a.auth(a.handleSpawn))
	mux.HandleFunc("POST /orchestrate/dismiss/{handle}", a.auth(a.handleDismiss))
	mux.HandleFunc("POST /orchestrate/send/{handle}", a.auth(a.handleSend))
	mux.HandleFunc("GET /orchestrate/output/{handle}", a.auth(a.handleOutput))
	mux.HandleFunc("GET /orchestrate/workers", a.auth(a.handleWorkers))
	mux.HandleFunc("POST /orchestrate/register", a.auth(a.handleRegisterExternal))
	mux.HandleFunc("POST /orchestrate/inject/{handle}", a.auth(a.handleInject))
	mux.HandleFunc("GET /orchestrate/stats", a.auth(a.handleStats))
	mux.HandleFunc("GET /orchestrate/route", a.auth(a.handleRoute))

	mux.HandleFunc("POST /blackboard", a.auth(a.handlePostMessage))
	mux.HandleFunc("GET /blackboard/{swarmId}", a.auth(a.handleReadMessages))
	mux.HandleFunc("GET /blackboard/{swarmId}/export", a.auth(a.handleExport))
	mux.HandleFunc("GET /blackboard/{swarmId}/stats", a.auth(a.handleBlackboardStats))
	mux.HandleFunc("POST /blackboard/read", a.auth(a.handleMarkRead))
	mux.HandleFunc("POST /blackboard/archive", a.auth(a.handleArchive))

	mux.HandleFunc("POST /swarms", a.auth(a.handleCreateSwarm))
	mux.HandleFunc("GET /swarms", a.auth(a.handleListSwarms))

	mux.HandleFunc("GET /ws/events", a.handleWSEvents)

	return metrics.HTTPMiddleware(mux)
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps service errors onto the HTTP status taxonomy.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workermgr.ErrDuplicateHandle),
		errors.Is(err, workermgr.ErrMaxWorkersReached):
		status = http.StatusConflict
	case errors.Is(err, workermgr.ErrSpawnDenied):
		status = http.StatusForbidden
	case errors.Is(err, workermgr.ErrWorkerNotFound),
		errors.Is(err, blackboard.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workermgr.ErrNativeUnavailable),
		errors.Is(err, workermgr.ErrInvalidSpawnMode),
		errors.Is(err, blackboard.ErrInvalidPriority):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": a.mgr.GetWorkerCount(),
	})
}

// auth wraps a handler with bearer-token validation when a secret is
// configured.
func (a *API) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(a.secretHash) == 0 {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || !a.validToken(token) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid or missing token"})
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func (a *API) validToken(token string) bool {
	a.tokenMu.RLock()
	defer a.tokenMu.RUnlock()
	return a.tokens[token]
}

func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if len(a.secretHash) == 0 {
		// Open server: hand out a token anyway so clients can use one
		// code path.
		writeJSON(w, http.StatusOK, map[string]string{"token": a.issueToken()})
		return
	}
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(req.Secret)); err != nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid secret"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": a.issueToken()})
}

func (a *API) issueToken() string {
	token := id.Generate()
	a.tokenMu.Lock()
	a.tokens[token] = true
	a.tokenMu.Unlock()
	return token
}

func (a *API) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req workermgr.SpawnRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Handle == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "handle is required"})
		return
	}

	summary, err := a.mgr.SpawnWorker(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if err := a.mgr.DismissWorkerByHandle(r.Context(), handle, true); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	summary, ok := a.mgr.GetWorkerByHandle(handle)
	if !ok {
		a.writeError(w, workermgr.ErrWorkerNotFound)
		return
	}
	delivered := a.mgr.SendToWorker(summary.ID, req.Message)
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

func (a *API) handleOutput(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	summary, ok := a.mgr.GetWorkerByHandle(handle)
	if !ok {
		a.writeError(w, workermgr.ErrWorkerNotFound)
		return
	}

	lines, err := a.mgr.GetWorkerOutput(summary.ID, 0)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handle": handle, "lines": lines})
}

func (a *API) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": a.mgr.GetWorkers()})
}

func (a *API) handleRegisterExternal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle     string `json:"handle"`
		TeamName   string `json:"teamName,omitempty"`
		WorkingDir string `json:"workingDir,omitempty"`
		SwarmID    string `json:"swarmId,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Handle == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "handle is required"})
		return
	}

	summary, err := a.mgr.RegisterExternalWorker(r.Context(), req.Handle, req.TeamName, req.WorkingDir, req.SwarmID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (a *API) handleInject(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if !a.mgr.InjectWorkerOutput(handle, req.Text) {
		a.writeError(w, workermgr.ErrWorkerNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	restarts, err := a.mgr.GetRestartStats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"health":   a.mgr.GetHealthStats(),
		"restarts": restarts,
		"bus":      a.bus.Stats(),
	})
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	rec := a.mgr.GetRoutingRecommendation(task)
	if rec == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task is required"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var params blackboard.PostParams
	if err := decodeBody(r, &params); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	msg, err := a.exchange.Post(r.Context(), params)
	if err != nil {
		if errors.Is(err, blackboard.ErrInvalidPriority) {
			a.writeError(w, err)
			return
		}
		// Validation failures from Post are plain errors.
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := blackboard.ReadParams{
		SwarmID:         r.PathValue("swarmId"),
		MessageType:     q.Get("messageType"),
		TargetHandle:    q.Get("targetHandle"),
		ReaderHandle:    q.Get("readerHandle"),
		Priority:        q.Get("priority"),
		UnreadOnly:      q.Get("unreadOnly") == "true",
		IncludeArchived: q.Get("includeArchived") == "true",
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		params.Limit = n
	}

	msgs, err := a.exchange.Read(r.Context(), params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if msgs == nil {
		msgs = []*store.BlackboardMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	swarmID := r.PathValue("swarmId")
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "blackboard-"+swarmID+".ndjson.gz"))

	if _, err := a.exchange.ExportArchived(r.Context(), swarmID, w); err != nil {
		a.logger.Error("export failed", "swarmId", swarmID, "error", err)
	}
}

func (a *API) handleBlackboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.exchange.GetStats(r.Context(), r.PathValue("swarmId"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs          []string `json:"ids"`
		ReaderHandle string   `json:"readerHandle"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.ReaderHandle == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "readerHandle is required"})
		return
	}

	updated := 0
	for _, msgID := range req.IDs {
		err := a.exchange.MarkRead(r.Context(), msgID, req.ReaderHandle)
		if errors.Is(err, blackboard.ErrNotFound) {
			continue
		}
		if err != nil {
			a.writeError(w, err)
			return
		}
		updated++
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	archived, err := a.exchange.ArchiveMany(r.Context(), req.IDs)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": archived})
}

func (a *API) handleCreateSwarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}

	swarm := &store.Swarm{
		ID:        uuid.NewString(),
		Name:      req.Name,
		CreatedAt: nowMilli(),
	}
	if err := a.store.CreateSwarm(r.Context(), swarm); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, swarm)
}

func (a *API) handleListSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := a.store.ListSwarms(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	if swarms == nil {
		swarms = []*store.Swarm{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"swarms": swarms})
}
