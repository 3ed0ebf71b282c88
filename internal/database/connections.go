package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Connection is the OAuth link between an installation and an Oura account.
// Token fields are decrypted; callers never see ciphertext.
type Connection struct {
	InstallationID string
	RemoteUserID   string
	AccessToken    string
	RefreshToken   string
	Scopes         string
	ExpiresAt      int64
	ConnectedAt    int64
	Stale          bool
	UpdatedAt      int64
}

// GetConnection retrieves and decrypts the connection for an installation.
// Returns nil if the installation has no connection.
func (d *DB) GetConnection(installationID string) (*Connection, error) {
	row := d.db.QueryRow(`
		SELECT installation_id, remote_user_id, access_token_enc, refresh_token_enc,
		       scopes, expires_at, connected_at, stale, updated_at
		FROM connections WHERE installation_id = ?
	`, installationID)
	return d.scanConnection(row)
}

// GetConnectionByRemoteUser retrieves the connection for an Oura user id.
// Returns nil if no connection matches, which is normal for users who have
// disconnected but still have in-flight webhook deliveries.
func (d *DB) GetConnectionByRemoteUser(remoteUserID string) (*Connection, error) {
	row := d.db.QueryRow(`
		SELECT installation_id, remote_user_id, access_token_enc, refresh_token_enc,
		       scopes, expires_at, connected_at, stale, updated_at
		FROM connections WHERE remote_user_id = ?
	`, remoteUserID)
	return d.scanConnection(row)
}

func (d *DB) scanConnection(row *sql.Row) (*Connection, error) {
	var c Connection
	var accessEnc, refreshEnc string
	err := row.Scan(
		&c.InstallationID, &c.RemoteUserID, &accessEnc, &refreshEnc,
		&c.Scopes, &c.ExpiresAt, &c.ConnectedAt, &c.Stale, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if c.AccessToken, err = d.codec.Decrypt(accessEnc); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if c.RefreshToken, err = d.codec.Decrypt(refreshEnc); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &c, nil
}

// UpsertConnection stores a fresh token pair for an installation, keyed by
// installation id so repeated OAuth callbacks replace rather than duplicate.
// The owning installation transitions to connected and any prior error is
// cleared.
func (d *DB) UpsertConnection(installationID, remoteUserID, accessToken, refreshToken, scopes string, expiresAt int64) error {
	accessEnc, err := d.codec.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := d.codec.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := time.Now().Unix()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO connections (installation_id, remote_user_id, access_token_enc,
			refresh_token_enc, scopes, expires_at, connected_at, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(installation_id) DO UPDATE SET
			remote_user_id = excluded.remote_user_id,
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			stale = 0,
			updated_at = excluded.updated_at
	`, installationID, remoteUserID, accessEnc, refreshEnc, scopes, expiresAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE installations SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?
	`, StatusConnected, now, installationID)
	if err != nil {
		return fmt.Errorf("failed to update installation status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit connection upsert: %w", err)
	}
	return nil
}

// UpdateConnectionTokens replaces the stored token pair after a refresh
func (d *DB) UpdateConnectionTokens(installationID, accessToken, refreshToken string, expiresAt int64) error {
	accessEnc, err := d.codec.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := d.codec.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	result, err := d.db.Exec(`
		UPDATE connections
		SET access_token_enc = ?, refresh_token_enc = ?, expires_at = ?, updated_at = ?
		WHERE installation_id = ?
	`, accessEnc, refreshEnc, expiresAt, time.Now().Unix(), installationID)
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}
	return requireRow(result, "connection")
}

// MarkConnectionStale flags a connection whose tokens the provider has
// rejected and moves the installation to error so automated syncs stop
// retrying credentials that will keep failing
func (d *DB) MarkConnectionStale(installationID, reason string) error {
	now := time.Now().Unix()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE connections SET stale = 1, updated_at = ? WHERE installation_id = ?
	`, now, installationID); err != nil {
		return fmt.Errorf("failed to mark connection stale: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE installations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, StatusError, reason, now, installationID); err != nil {
		return fmt.Errorf("failed to record stale reason: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stale marker: %w", err)
	}
	return nil
}

// TouchSyncSuccess records a successful sync on the owning installation
func (d *DB) TouchSyncSuccess(installationID string) error {
	_, err := d.db.Exec(`
		UPDATE installations SET last_synced_at = ?, last_error = NULL, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), time.Now().Unix(), installationID)
	if err != nil {
		return fmt.Errorf("failed to touch sync success: %w", err)
	}
	return nil
}

// DeleteConnectionData removes the connection and everything derived from it:
// daily scores, raw snapshots and sync runs. The installation row survives
// and is reset to registered by the caller.
func (d *DB) DeleteConnectionData(installationID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"daily_scores", "raw_snapshots", "sync_runs", "connections"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE installation_id = ?`, installationID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit connection teardown: %w", err)
	}
	return nil
}

// CountConnections returns the number of connections in the store
func (d *DB) CountConnections() (int, error) {
	var count int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM connections`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count connections: %w", err)
	}
	return count, nil
}
