package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		domain VARCHAR(64) NOT NULL,
		action VARCHAR(128) NOT NULL,
		points BIGINT NOT NULL,
		evidence_ref VARCHAR(512),
		evidence_status VARCHAR(8) NOT NULL DEFAULT 'green' CHECK (evidence_status IN ('green', 'yellow', 'red')),
		related_entry_id BIGINT REFERENCES ledger_entries(id),
		meta TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_user_domain_action_created ON ledger_entries(user_id, domain, action, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_created_at ON ledger_entries(created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_related ON ledger_entries(related_entry_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_decay_once ON ledger_entries(related_entry_id) WHERE action = 'decay'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_reverse_once ON ledger_entries(related_entry_id) WHERE action LIKE 'reverse:%'`,
	`CREATE OR REPLACE FUNCTION prevent_append_only_change() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_ledger_no_update ON ledger_entries`,
	`CREATE TRIGGER trg_ledger_no_update BEFORE UPDATE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION prevent_append_only_change()`,
	`DROP TRIGGER IF EXISTS trg_ledger_no_delete ON ledger_entries`,
	`CREATE TRIGGER trg_ledger_no_delete BEFORE DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION prevent_append_only_change()`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		id BIGSERIAL PRIMARY KEY,
		idem_key VARCHAR(128) NOT NULL UNIQUE,
		user_id VARCHAR(128) NOT NULL,
		domain VARCHAR(64) NOT NULL,
		action VARCHAR(128) NOT NULL,
		ledger_entry_id BIGINT REFERENCES ledger_entries(id),
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_idem_user ON idempotency_keys(user_id)`,
	`DROP TRIGGER IF EXISTS trg_idem_link_once ON idempotency_keys`,
	`CREATE TRIGGER trg_idem_link_once BEFORE UPDATE ON idempotency_keys
		FOR EACH ROW WHEN (OLD.ledger_entry_id IS NOT NULL)
		EXECUTE FUNCTION prevent_append_only_change()`,
	`DROP TRIGGER IF EXISTS trg_idem_no_delete ON idempotency_keys`,
	`CREATE TRIGGER trg_idem_no_delete BEFORE DELETE ON idempotency_keys
		FOR EACH ROW EXECUTE FUNCTION prevent_append_only_change()`,

	`CREATE TABLE IF NOT EXISTS evidence_flags (
		id BIGSERIAL PRIMARY KEY,
		ledger_entry_id BIGINT NOT NULL REFERENCES ledger_entries(id),
		status VARCHAR(8) NOT NULL CHECK (status IN ('green', 'yellow', 'red')),
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_evidence_flags_entry ON evidence_flags(ledger_entry_id)`,
	`DROP TRIGGER IF EXISTS trg_flags_no_change ON evidence_flags`,
	`CREATE TRIGGER trg_flags_no_change BEFORE UPDATE OR DELETE ON evidence_flags
		FOR EACH ROW EXECUTE FUNCTION prevent_append_only_change()`,

	`CREATE TABLE IF NOT EXISTS verifications (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		source VARCHAR(32) NOT NULL CHECK (source IN ('external', 'internal')),
		level INTEGER NOT NULL DEFAULT 0 CHECK (level >= 0),
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_verifications_user ON verifications(user_id, source)`,

	`CREATE TABLE IF NOT EXISTS trust_scores (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		domain VARCHAR(64),
		trust DOUBLE PRECISION NOT NULL,
		karma_balance BIGINT NOT NULL,
		verification_level INTEGER NOT NULL,
		computed_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_trust_scores_user ON trust_scores(user_id, domain)`,

	`CREATE TABLE IF NOT EXISTS disputes (
		id BIGSERIAL PRIMARY KEY,
		ledger_entry_id BIGINT NOT NULL REFERENCES ledger_entries(id),
		opened_by VARCHAR(128) NOT NULL,
		reason VARCHAR(512) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'resolved', 'rejected')),
		resolution_note VARCHAR(1024),
		resolved_by VARCHAR(128),
		resolved_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_disputes_status ON disputes(status)`,
}
