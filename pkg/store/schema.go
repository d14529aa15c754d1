package store

// Schema is the DDL applied by cmd/gateway-migrate. It extends the prior
// implementation's invocations/audit_log tables (see original alembic
// revision 0001_initial) with prev_hash/entry_hash columns for the
// tamper-evident audit chain (spec §4.8), which the prior schema never had.
const Schema = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TABLE IF NOT EXISTS invocations (
	thread_id   UUID PRIMARY KEY,
	agent       TEXT NOT NULL,
	user_token  TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ,
	result      JSONB,
	error       JSONB,
	progress    JSONB
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	seq         BIGSERIAL UNIQUE,
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
	user_token  TEXT NOT NULL,
	thread_id   UUID NOT NULL,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	resource    TEXT NOT NULL,
	status_code SMALLINT NOT NULL,
	payload     JSONB,
	error_msg   TEXT,
	prev_hash   TEXT NOT NULL DEFAULT '',
	entry_hash  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_thread_id ON audit_log (thread_id);
CREATE INDEX IF NOT EXISTS idx_invocations_agent ON invocations (agent);
`
