package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"oura-sync/internal/config"
	"oura-sync/internal/database"
	"oura-sync/internal/secrets"
)

// maxWebhookBody bounds inbound webhook payloads
const maxWebhookBody = 64 * 1024

// WebhookHandler receives provider webhook deliveries and the subscription
// verification handshake
type WebhookHandler struct {
	db     *database.DB
	config *config.Config
	logger *slog.Logger
}

// NewWebhookHandler creates the webhook endpoint handler
func NewWebhookHandler(db *database.DB, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{
		db:     db,
		config: cfg,
		logger: slog.Default(),
	}
}

// webhookEvent is the notification payload Oura delivers
type webhookEvent struct {
	EventType string `json:"event_type"`
	DataType  string `json:"data_type"`
	ObjectID  string `json:"object_id"`
	UserID    string `json:"user_id"`
}

// ServeHTTP dispatches the verification handshake (GET) and event delivery
// (POST)
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r)
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the subscription challenge Oura issues when a
// subscription is created or renewed
func (h *WebhookHandler) handleVerification(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("verification_token")
	challenge := query.Get("challenge")

	if token == "" || token != h.config.WebhookVerifyToken {
		h.logger.Warn("Webhook verification with bad token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.logger.Info("Answered webhook verification challenge")
	writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
}

// handleEvent authenticates and enqueues one webhook delivery.
//
// The signature is checked over the raw body before any parsing, so forged
// payloads never reach the decoder. Events for unknown remote users are
// acknowledged without work: the account may have disconnected between the
// provider's send and our receive.
func (h *WebhookHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	timestamp := r.Header.Get("x-oura-timestamp")
	signature := r.Header.Get("x-oura-signature")
	if !secrets.Verify(signature, h.config.OuraClientSecret, timestamp, body) {
		h.logger.Warn("Webhook delivery with bad signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}
	if event.EventType == "" || event.DataType == "" || event.ObjectID == "" || event.UserID == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	conn, err := h.db.GetConnectionByRemoteUser(event.UserID)
	if err != nil {
		h.logger.Error("Failed to look up connection", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if conn == nil {
		h.logger.Info("Acknowledging webhook for unknown user",
			"event_type", event.EventType, "data_type", event.DataType)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	jobID, err := h.db.EnqueueWebhookJob(conn.InstallationID, event.EventType, event.DataType, event.ObjectID)
	if err != nil {
		h.logger.Error("Failed to enqueue webhook job", "installation_id", conn.InstallationID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Enqueued webhook event",
		"installation_id", conn.InstallationID,
		"job_id", jobID,
		"event_type", event.EventType,
		"data_type", event.DataType)

	w.WriteHeader(http.StatusOK)
}
