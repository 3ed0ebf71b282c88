package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"oura-sync/internal/database"
	"oura-sync/internal/oura"
)

const (
	// oauthStateTTL bounds how long an issued connect URL stays usable
	oauthStateTTL = 10 * time.Minute

	// backfillDays is the historical window pulled after a new connection
	backfillDays = 30

	oauthScopes = "email personal daily"
)

// HandleConnect issues a provider authorization URL bound to the
// installation by a one-time state nonce
func (h *APIHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		h.logger.Error("Failed to generate state", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	expiresAt := time.Now().Add(oauthStateTTL).Unix()
	if err := h.db.SetInstallationOAuthState(inst.ID, state, expiresAt); err != nil {
		h.logger.Error("Failed to store oauth state", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {h.config.OuraClientID},
		"redirect_uri":  {h.redirectURI()},
		"scope":         {oauthScopes},
		"state":         {state},
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"connect_url": oura.AuthorizeURL + "?" + params.Encode(),
	})
}

// HandleOAuthCallback completes the authorization flow: it validates the
// state nonce, exchanges the code, identifies the remote account, stores the
// connection, and enqueues the initial backfill. The browser lands here, so
// responses are HTML.
func (h *APIHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn("OAuth authorization denied", "error", errCode)
		h.renderResult(w, http.StatusBadRequest, "Connection failed",
			"Authorization was denied. You can close this window and try again from the app.")
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}

	inst, err := h.db.GetInstallationByOAuthState(state)
	if err != nil {
		h.logger.Error("Failed to look up oauth state", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if inst == nil {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	if inst.OAuthStateExpiresAt == nil || time.Now().Unix() > *inst.OAuthStateExpiresAt {
		// Expired nonces are cleared so they cannot be probed again
		if err := h.db.ClearInstallationOAuthState(inst.ID); err != nil {
			h.logger.Error("Failed to clear oauth state", "installation_id", inst.ID, "error", err)
		}
		http.Error(w, "State expired", http.StatusBadRequest)
		return
	}

	tokenResp, err := h.client.ExchangeCode(r.Context(), code, h.redirectURI())
	if err != nil {
		h.logger.Error("Failed to exchange code", "installation_id", inst.ID, "error", err)
		h.renderResult(w, http.StatusBadGateway, "Connection failed",
			"Could not complete the connection with Oura. Please try again.")
		return
	}

	profile, err := h.client.FetchProfile(r.Context(), tokenResp.AccessToken)
	if err != nil {
		h.logger.Error("Failed to fetch profile", "installation_id", inst.ID, "error", err)
		h.renderResult(w, http.StatusBadGateway, "Connection failed",
			"Could not identify the Oura account. Please try again.")
		return
	}

	err = h.db.UpsertConnection(inst.ID, profile.ID,
		tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.Scope, tokenResp.ExpiresAtUnix())
	if err != nil {
		h.logger.Error("Failed to store connection", "installation_id", inst.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.db.ClearInstallationOAuthState(inst.ID); err != nil {
		h.logger.Error("Failed to clear oauth state", "installation_id", inst.ID, "error", err)
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -(backfillDays - 1))
	jobID, err := h.db.EnqueueSyncJob(inst.ID,
		start.Format("2006-01-02"), end.Format("2006-01-02"), database.ModeBackfill, nil)
	if err != nil {
		h.logger.Error("Failed to enqueue backfill", "installation_id", inst.ID, "error", err)
	} else {
		h.logger.Info("Enqueued backfill", "installation_id", inst.ID, "job_id", jobID)
	}

	h.logger.Info("Connected installation",
		"installation_id", inst.ID, "remote_user_id", profile.ID)

	h.renderResult(w, http.StatusOK, "Connected!",
		"Your Oura account is connected. You can close this window; your history will sync shortly.")
}

func (h *APIHandler) redirectURI() string {
	return h.config.PublicBaseURL + "/oauth-callback"
}

func (h *APIHandler) renderResult(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, title, title, message)
}
