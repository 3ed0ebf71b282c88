package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- Installations table: one row per registered client device
CREATE TABLE IF NOT EXISTS installations (
    id TEXT PRIMARY KEY,

    -- SHA-256 of the bearer token; the token itself is never stored
    token_hash TEXT NOT NULL UNIQUE,

    -- registered | connecting | connected | error
    status TEXT NOT NULL DEFAULT 'registered',

    -- Transient OAuth state nonce for CSRF protection
    oauth_state TEXT,
    oauth_state_expires_at INTEGER,

    last_error TEXT,
    last_synced_at INTEGER,
    last_seen_at INTEGER,

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Connections table: OAuth link between an installation and an Oura account.
-- Token columns hold encrypted envelopes, never plaintext.
CREATE TABLE IF NOT EXISTS connections (
    installation_id TEXT PRIMARY KEY,
    remote_user_id TEXT NOT NULL,

    access_token_enc TEXT NOT NULL,
    refresh_token_enc TEXT NOT NULL,
    scopes TEXT NOT NULL,
    expires_at INTEGER NOT NULL,

    connected_at INTEGER NOT NULL,
    stale BOOLEAN NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,

    FOREIGN KEY (installation_id) REFERENCES installations(id) ON DELETE CASCADE
);

-- Local mirror of Oura webhook subscriptions
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    event_type TEXT NOT NULL,
    data_type TEXT NOT NULL,

    remote_id TEXT NOT NULL,
    callback_url TEXT NOT NULL,
    expires_at INTEGER,
    active BOOLEAN NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (event_type, data_type)
);

-- Sync runs: audit record of each orchestration invocation
CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    installation_id TEXT NOT NULL,

    -- backfill | delta | webhook
    mode TEXT NOT NULL,
    -- running | completed | failed
    status TEXT NOT NULL DEFAULT 'running',

    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    records_written INTEGER NOT NULL DEFAULT 0,
    error TEXT,

    FOREIGN KEY (installation_id) REFERENCES installations(id) ON DELETE CASCADE
);

-- Daily scores: one row per (installation, day) with independently-nullable
-- column groups per metric family
CREATE TABLE IF NOT EXISTS daily_scores (
    installation_id TEXT NOT NULL,
    day TEXT NOT NULL,

    sleep_score INTEGER,
    sleep_contributors TEXT,
    sleep_timestamp TEXT,

    readiness_score INTEGER,
    readiness_contributors TEXT,
    readiness_timestamp TEXT,

    activity_score INTEGER,
    activity_contributors TEXT,
    activity_timestamp TEXT,

    updated_at INTEGER NOT NULL,

    PRIMARY KEY (installation_id, day),
    FOREIGN KEY (installation_id) REFERENCES installations(id) ON DELETE CASCADE
);

-- Raw snapshots: the provider document as received, kept for audit and replay
CREATE TABLE IF NOT EXISTS raw_snapshots (
    installation_id TEXT NOT NULL,
    day TEXT NOT NULL,
    family TEXT NOT NULL,

    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (installation_id, day, family),
    FOREIGN KEY (installation_id) REFERENCES installations(id) ON DELETE CASCADE
);

-- Range sync work queue
CREATE TABLE IF NOT EXISTS sync_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    installation_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    mode TEXT NOT NULL,
    run_id TEXT,

    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

-- Webhook event work queue
CREATE TABLE IF NOT EXISTS webhook_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    installation_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    data_type TEXT NOT NULL,
    object_id TEXT NOT NULL,

    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at INTEGER,
    processing_started_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_installations_status ON installations(status);
CREATE INDEX IF NOT EXISTS idx_installations_oauth_state ON installations(oauth_state) WHERE oauth_state IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_connections_remote_user ON connections(remote_user_id);
CREATE INDEX IF NOT EXISTS idx_connections_stale ON connections(stale);

CREATE INDEX IF NOT EXISTS idx_sync_runs_installation ON sync_runs(installation_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);

CREATE INDEX IF NOT EXISTS idx_daily_scores_day ON daily_scores(installation_id, day DESC);
`
