package store

import (
	"database/sql"
	"fmt"

	"shadowscan/internal/logger"
)

// Schema migrations, applied in order inside one transaction per version.
// Each entry is idempotent on a fresh database; the schema_migrations table
// records the applied ceiling.
var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS runs (
				run_id TEXT PRIMARY KEY,
				run_key TEXT NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT,
				status TEXT NOT NULL,
				last_completed_stage INTEGER NOT NULL DEFAULT 0,
				input_manifest_hash TEXT NOT NULL,
				target_range_start TEXT,
				target_range_end TEXT,
				signature_version TEXT NOT NULL,
				rule_version TEXT NOT NULL,
				prompt_version TEXT NOT NULL,
				taxonomy_version TEXT NOT NULL,
				taxonomy_commit TEXT,
				taxonomy_artifact_hash TEXT,
				engine_spec_version TEXT NOT NULL,
				psl_hash TEXT,
				total_events INTEGER NOT NULL DEFAULT 0,
				unique_signatures INTEGER NOT NULL DEFAULT 0,
				cache_hit_count INTEGER NOT NULL DEFAULT 0,
				llm_sent_count INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,

			`CREATE TABLE IF NOT EXISTS input_files (
				file_id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL,
				file_path TEXT NOT NULL,
				file_size INTEGER NOT NULL DEFAULT 0,
				file_hash TEXT NOT NULL,
				vendor TEXT NOT NULL,
				min_time TEXT,
				max_time TEXT,
				row_count INTEGER NOT NULL DEFAULT 0,
				parse_error_count INTEGER NOT NULL DEFAULT 0,
				ingested_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_input_files_run ON input_files(run_id)`,

			`CREATE TABLE IF NOT EXISTS signature_stats (
				run_id TEXT NOT NULL,
				url_signature TEXT NOT NULL,
				norm_host TEXT,
				norm_path_template TEXT,
				dest_domain TEXT,
				bytes_sent_bucket TEXT,
				access_count INTEGER NOT NULL DEFAULT 0,
				unique_users INTEGER NOT NULL DEFAULT 0,
				bytes_sent_sum INTEGER NOT NULL DEFAULT 0,
				bytes_sent_max INTEGER NOT NULL DEFAULT 0,
				bytes_sent_p95 INTEGER NOT NULL DEFAULT 0,
				bytes_received_sum INTEGER NOT NULL DEFAULT 0,
				burst_max_5min INTEGER NOT NULL DEFAULT 0,
				cumulative_user_domain_day_max INTEGER NOT NULL DEFAULT 0,
				candidate_flags TEXT,
				sampled INTEGER NOT NULL DEFAULT 0,
				first_seen TEXT,
				last_seen TEXT,
				fs_code TEXT,
				im_code TEXT,
				uc_codes_json TEXT DEFAULT '[]',
				dt_codes_json TEXT DEFAULT '[]',
				ch_codes_json TEXT DEFAULT '[]',
				rs_codes_json TEXT DEFAULT '[]',
				ev_codes_json TEXT DEFAULT '[]',
				ob_codes_json TEXT DEFAULT '[]',
				taxonomy_schema_version TEXT,
				PRIMARY KEY (run_id, url_signature)
			)`,

			`CREATE TABLE IF NOT EXISTS analysis_cache (
				url_signature TEXT PRIMARY KEY,
				service_name TEXT,
				usage_type TEXT,
				risk_level TEXT,
				category TEXT,
				confidence REAL NOT NULL DEFAULT 0,
				rationale_short TEXT,
				classification_source TEXT,
				signature_version TEXT,
				rule_version TEXT,
				prompt_version TEXT,
				taxonomy_version TEXT,
				model TEXT,
				status TEXT NOT NULL DEFAULT 'active',
				is_human_verified INTEGER NOT NULL DEFAULT 0,
				fs_code TEXT,
				im_code TEXT,
				uc_codes_json TEXT DEFAULT '[]',
				dt_codes_json TEXT DEFAULT '[]',
				ch_codes_json TEXT DEFAULT '[]',
				rs_codes_json TEXT DEFAULT '[]',
				ev_codes_json TEXT DEFAULT '[]',
				ob_codes_json TEXT DEFAULT '[]',
				taxonomy_schema_version TEXT,
				error_type TEXT,
				error_reason TEXT,
				retry_after TEXT,
				failure_count INTEGER NOT NULL DEFAULT 0,
				analysis_date TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_analysis_cache_status ON analysis_cache(status)`,
			`CREATE INDEX IF NOT EXISTS idx_analysis_cache_usage ON analysis_cache(usage_type)`,
			`CREATE INDEX IF NOT EXISTS idx_analysis_cache_verified ON analysis_cache(is_human_verified)`,

			`CREATE TABLE IF NOT EXISTS pii_audit (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				url_signature TEXT,
				pii_kind TEXT NOT NULL,
				field_source TEXT NOT NULL,
				redaction_token TEXT NOT NULL,
				original_hash TEXT NOT NULL,
				occurrences INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pii_audit_run ON pii_audit(run_id)`,
		},
	},
	{
		// Legacy single-value taxonomy columns: read-normalized into the
		// array columns; retained until the cut-over migration lands.
		version: 2,
		stmts: []string{
			`ALTER TABLE analysis_cache ADD COLUMN fs_uc_code TEXT`,
			`ALTER TABLE analysis_cache ADD COLUMN dt_code TEXT`,
			`ALTER TABLE analysis_cache ADD COLUMN ch_code TEXT`,
			`ALTER TABLE analysis_cache ADD COLUMN rs_code TEXT`,
			`ALTER TABLE analysis_cache ADD COLUMN ev_code TEXT`,
			`ALTER TABLE analysis_cache ADD COLUMN ob_code TEXT`,
		},
	},
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		applied++
	}

	if applied > 0 {
		logger.Infof("Applied %d store migration(s)", applied)
	}
	return nil
}
