package store

// Schema contains the complete DDL for the harvest database.
const Schema = `
CREATE TABLE IF NOT EXISTS proxies (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    raw         TEXT NOT NULL UNIQUE,
    scheme      TEXT NOT NULL DEFAULT 'http',
    host        TEXT NOT NULL,
    port        INTEGER NOT NULL,
    login       TEXT NOT NULL DEFAULT '',
    password    TEXT NOT NULL DEFAULT '',
    last_status TEXT,
    latency_ms  INTEGER,
    last_check  INTEGER,
    last_error  TEXT,
    created_at  INTEGER NOT NULL,
    UNIQUE (host, port)
);

CREATE TABLE IF NOT EXISTS accounts (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    name           TEXT NOT NULL UNIQUE,
    profile_path   TEXT NOT NULL UNIQUE,
    password       TEXT NOT NULL DEFAULT '',
    proxy          INTEGER REFERENCES proxies(id) ON DELETE SET NULL,
    status         TEXT NOT NULL DEFAULT 'ok',
    cooldown_until INTEGER,
    captcha_tries  INTEGER NOT NULL DEFAULT 0,
    last_used_at   INTEGER,
    secret_answers TEXT NOT NULL DEFAULT '{}',
    last_error     TEXT,
    created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

CREATE TABLE IF NOT EXISTS freq_results (
    mask        TEXT NOT NULL,
    region      INTEGER NOT NULL DEFAULT 225,
    status      TEXT NOT NULL DEFAULT 'queued',
    freq_total  INTEGER NOT NULL DEFAULT 0,
    freq_quotes INTEGER NOT NULL DEFAULT 0,
    freq_exact  INTEGER NOT NULL DEFAULT 0,
    attempts    INTEGER NOT NULL DEFAULT 0,
    error       TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    UNIQUE (mask, region)
);
CREATE INDEX IF NOT EXISTS idx_freq_results_status ON freq_results(status);
`
