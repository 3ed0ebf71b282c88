package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"oura-sync/internal/auth"
	"oura-sync/internal/config"
	"oura-sync/internal/database"
	"oura-sync/internal/oura"
	"oura-sync/internal/reconciler"
)

// defaultSyncDays is the trailing window for a manual sync with no explicit range
const defaultSyncDays = 14

// APIHandler serves the bearer-authenticated device API
type APIHandler struct {
	db            *database.DB
	config        *config.Config
	client        *oura.Client
	authenticator *auth.Authenticator
	reconciler    *reconciler.Reconciler
	logger        *slog.Logger
}

// NewAPIHandler creates the device API handler
func NewAPIHandler(db *database.DB, cfg *config.Config, client *oura.Client, authenticator *auth.Authenticator, rec *reconciler.Reconciler) *APIHandler {
	return &APIHandler{
		db:            db,
		config:        cfg,
		client:        client,
		authenticator: authenticator,
		reconciler:    rec,
		logger:        slog.Default(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// HandleRegister registers a new installation and returns its bearer token.
// The plaintext token appears in this response and nowhere else.
func (h *APIHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := auth.NewToken()
	if err != nil {
		h.logger.Error("Failed to generate token", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	inst, err := h.db.CreateInstallation(auth.HashToken(token))
	if err != nil {
		h.logger.Error("Failed to create installation", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Registered installation", "installation_id", inst.ID)

	writeJSON(w, http.StatusCreated, map[string]string{
		"installation_id": inst.ID,
		"token":           token,
	})
}

// HandleStatus reports the installation's connection state
func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{
		"installation_id": inst.ID,
		"status":          inst.Status,
	}
	if inst.LastError != nil {
		resp["last_error"] = *inst.LastError
	}
	if inst.LastSyncedAt != nil {
		resp["last_synced_at"] = time.Unix(*inst.LastSyncedAt, 0).UTC().Format(time.RFC3339)
	}

	conn, err := h.db.GetConnection(inst.ID)
	if err != nil {
		h.logger.Error("Failed to load connection", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if conn != nil {
		resp["connected_at"] = time.Unix(conn.ConnectedAt, 0).UTC().Format(time.RFC3339)
		resp["stale"] = conn.Stale
		resp["scopes"] = conn.Scopes
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleScores returns daily score rows for a date range
func (h *APIHandler) HandleScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")
	if !validDay(startDate) || !validDay(endDate) {
		http.Error(w, "start_date and end_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	scores, err := h.db.GetDailyScores(inst.ID, startDate, endDate)
	if err != nil {
		h.logger.Error("Failed to load scores", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	type familyOut struct {
		Score        *int            `json:"score"`
		Contributors json.RawMessage `json:"contributors,omitempty"`
		Timestamp    *string         `json:"timestamp,omitempty"`
	}
	type dayOut struct {
		Day       string     `json:"day"`
		Sleep     *familyOut `json:"sleep,omitempty"`
		Readiness *familyOut `json:"readiness,omitempty"`
		Activity  *familyOut `json:"activity,omitempty"`
	}

	out := make([]dayOut, 0, len(scores))
	for _, s := range scores {
		d := dayOut{Day: s.Day}
		if s.SleepScore != nil || s.SleepContributors != nil || s.SleepTimestamp != nil {
			d.Sleep = &familyOut{Score: s.SleepScore, Contributors: s.SleepContributors, Timestamp: s.SleepTimestamp}
		}
		if s.ReadinessScore != nil || s.ReadinessContributors != nil || s.ReadinessTimestamp != nil {
			d.Readiness = &familyOut{Score: s.ReadinessScore, Contributors: s.ReadinessContributors, Timestamp: s.ReadinessTimestamp}
		}
		if s.ActivityScore != nil || s.ActivityContributors != nil || s.ActivityTimestamp != nil {
			d.Activity = &familyOut{Score: s.ActivityScore, Contributors: s.ActivityContributors, Timestamp: s.ActivityTimestamp}
		}
		out = append(out, d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"days": out})
}

// HandleSync enqueues a manual range sync for the installation
func (h *APIHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if r.Body != nil {
		// An empty body means "sync the default trailing window"
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.StartDate == "" || req.EndDate == "" {
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -(defaultSyncDays - 1))
		req.StartDate = start.Format("2006-01-02")
		req.EndDate = end.Format("2006-01-02")
	}
	if !validDay(req.StartDate) || !validDay(req.EndDate) {
		http.Error(w, "start_date and end_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	jobID, err := h.db.EnqueueSyncJob(inst.ID, req.StartDate, req.EndDate, database.ModeDelta, nil)
	if err != nil {
		h.logger.Error("Failed to enqueue sync job", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Enqueued manual sync",
		"installation_id", inst.ID, "job_id", jobID,
		"start_date", req.StartDate, "end_date", req.EndDate)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"start_date": req.StartDate,
		"end_date":   req.EndDate,
	})
}

// HandleDisconnect removes the installation's connection and all derived
// data. When the last connection in the system goes away the remote webhook
// subscriptions are torn down too.
func (h *APIHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.db.DeleteConnectionData(inst.ID); err != nil {
		h.logger.Error("Failed to delete connection data", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := h.db.ResetInstallation(inst.ID); err != nil {
		h.logger.Error("Failed to reset installation", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Disconnected installation", "installation_id", inst.ID)

	remaining, err := h.db.CountConnections()
	if err != nil {
		h.logger.Error("Failed to count connections", "error", err)
	} else if remaining == 0 {
		if err := h.reconciler.DeleteAll(r.Context()); err != nil {
			// Teardown failure must not fail the disconnect; the periodic
			// reconciler run will log it again if the state persists
			h.logger.Error("Failed to tear down subscriptions", "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// validDay reports whether s is a YYYY-MM-DD date
func validDay(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}
