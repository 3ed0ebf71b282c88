package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Installation lifecycle statuses
const (
	StatusRegistered = "registered"
	StatusConnecting = "connecting"
	StatusConnected  = "connected"
	StatusError      = "error"
)

// Installation represents a registered client device
type Installation struct {
	ID                  string
	TokenHash           string
	Status              string
	OAuthState          *string
	OAuthStateExpiresAt *int64
	LastError           *string
	LastSyncedAt        *int64
	LastSeenAt          *int64
	CreatedAt           int64
	UpdatedAt           int64
}

const installationColumns = `id, token_hash, status, oauth_state, oauth_state_expires_at,
	last_error, last_synced_at, last_seen_at, created_at, updated_at`

func scanInstallation(row *sql.Row) (*Installation, error) {
	var i Installation
	err := row.Scan(
		&i.ID, &i.TokenHash, &i.Status, &i.OAuthState, &i.OAuthStateExpiresAt,
		&i.LastError, &i.LastSyncedAt, &i.LastSeenAt, &i.CreatedAt, &i.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan installation: %w", err)
	}
	return &i, nil
}

// CreateInstallation registers a new installation identified by its hashed
// bearer token and returns the created record
func (d *DB) CreateInstallation(tokenHash string) (*Installation, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate installation id: %w", err)
	}

	now := time.Now().Unix()
	inst := &Installation{
		ID:        id.String(),
		TokenHash: tokenHash,
		Status:    StatusRegistered,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = d.db.Exec(`
		INSERT INTO installations (id, token_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, inst.ID, inst.TokenHash, inst.Status, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation: %w", err)
	}

	return inst, nil
}

// GetInstallation retrieves an installation by ID. Returns nil if not found.
func (d *DB) GetInstallation(id string) (*Installation, error) {
	row := d.db.QueryRow(`SELECT `+installationColumns+` FROM installations WHERE id = ?`, id)
	return scanInstallation(row)
}

// GetInstallationByTokenHash retrieves an installation by its hashed bearer
// token. Returns nil if no installation matches.
func (d *DB) GetInstallationByTokenHash(tokenHash string) (*Installation, error) {
	row := d.db.QueryRow(`SELECT `+installationColumns+` FROM installations WHERE token_hash = ?`, tokenHash)
	return scanInstallation(row)
}

// TouchInstallationSeen updates the installation's last-seen timestamp
func (d *DB) TouchInstallationSeen(id string) error {
	_, err := d.db.Exec(`
		UPDATE installations SET last_seen_at = ?, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch installation: %w", err)
	}
	return nil
}

// SetInstallationOAuthState stores a one-time OAuth state nonce with its
// expiry and moves the installation to connecting
func (d *DB) SetInstallationOAuthState(id, state string, expiresAt int64) error {
	result, err := d.db.Exec(`
		UPDATE installations
		SET oauth_state = ?, oauth_state_expires_at = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, state, expiresAt, StatusConnecting, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set oauth state: %w", err)
	}
	return requireRow(result, "installation")
}

// GetInstallationByOAuthState retrieves the installation holding a pending
// OAuth state nonce. Expiry is the caller's concern.
func (d *DB) GetInstallationByOAuthState(state string) (*Installation, error) {
	row := d.db.QueryRow(`SELECT `+installationColumns+` FROM installations WHERE oauth_state = ?`, state)
	return scanInstallation(row)
}

// ClearInstallationOAuthState removes a consumed or abandoned state nonce
func (d *DB) ClearInstallationOAuthState(id string) error {
	_, err := d.db.Exec(`
		UPDATE installations
		SET oauth_state = NULL, oauth_state_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to clear oauth state: %w", err)
	}
	return nil
}

// RecordInstallationError stores the latest sync error without changing the
// lifecycle status. Used for transient failures where the connection is kept.
func (d *DB) RecordInstallationError(id, message string) error {
	_, err := d.db.Exec(`
		UPDATE installations SET last_error = ?, updated_at = ? WHERE id = ?
	`, message, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record installation error: %w", err)
	}
	return nil
}

// ResetInstallation returns an installation to the registered state after
// disconnection, clearing connection-derived fields
func (d *DB) ResetInstallation(id string) error {
	result, err := d.db.Exec(`
		UPDATE installations
		SET status = ?, last_error = NULL, last_synced_at = NULL,
		    oauth_state = NULL, oauth_state_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`, StatusRegistered, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to reset installation: %w", err)
	}
	return requireRow(result, "installation")
}

func requireRow(result sql.Result, entity string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found", entity)
	}
	return nil
}
