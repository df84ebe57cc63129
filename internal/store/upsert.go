package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"shadowscan/internal/logger"
)

// Per-table primary key columns; they double as the conflict target.
var tablePKCols = map[string][]string{
	"runs":            {"run_id"},
	"signature_stats": {"run_id", "url_signature"},
	"analysis_cache":  {"url_signature"},
	"input_files":     {"file_id"},
}

// Indexed columns are never updated through the conflict path; the
// immutable columns of the contract (status, started_at, is_human_verified,
// usage_type) are all members of these sets.
var tableIndexedCols = map[string]map[string]struct{}{
	"runs":           colSet("status", "started_at"),
	"analysis_cache": colSet("status", "usage_type", "is_human_verified"),
}

// Per-table updatable allow-lists. A column outside the list is dropped
// from the update set and logged for audit.
var tableUpdatableCols = map[string]map[string]struct{}{
	"runs": colSet(
		"finished_at", "last_completed_stage",
		"total_events", "unique_signatures", "cache_hit_count", "llm_sent_count",
		"psl_hash", "taxonomy_commit", "taxonomy_artifact_hash",
	),
	"signature_stats": colSet(
		"norm_host", "norm_path_template", "dest_domain", "bytes_sent_bucket",
		"access_count", "unique_users",
		"bytes_sent_sum", "bytes_sent_max", "bytes_sent_p95", "bytes_received_sum",
		"burst_max_5min", "cumulative_user_domain_day_max",
		"candidate_flags", "sampled", "first_seen", "last_seen",
		"fs_code", "im_code",
		"uc_codes_json", "dt_codes_json", "ch_codes_json",
		"rs_codes_json", "ev_codes_json", "ob_codes_json",
		"taxonomy_schema_version",
	),
	"analysis_cache": colSet(
		"service_name", "risk_level", "category", "confidence", "rationale_short",
		"classification_source", "signature_version", "rule_version",
		"prompt_version", "taxonomy_version", "model",
		"fs_code", "im_code",
		"uc_codes_json", "dt_codes_json", "ch_codes_json",
		"rs_codes_json", "ev_codes_json", "ob_codes_json",
		"taxonomy_schema_version",
		"fs_uc_code", "dt_code", "ch_code", "rs_code", "ev_code", "ob_code",
		"error_type", "error_reason", "retry_after", "failure_count", "analysis_date",
	),
	"input_files": colSet(
		"file_path", "file_size", "file_hash", "vendor",
		"min_time", "max_time", "row_count", "parse_error_count", "ingested_at",
	),
}

func colSet(cols ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		out[c] = struct{}{}
	}
	return out
}

// upsert applies one row under the UPSERT contract: human-verified rows
// are never mutated, the update set is restricted to the allow-list minus
// conflict/PK/indexed columns, and the statement always uses
// "on conflict do update" with excluded values. Insert-or-replace is not
// permitted anywhere in this package.
func upsert(tx *sql.Tx, table string, rec map[string]any) error {
	pkCols, ok := tablePKCols[table]
	if !ok {
		return fmt.Errorf("upsert %s: unknown table", table)
	}
	for _, pk := range pkCols {
		if _, present := rec[pk]; !present {
			return fmt.Errorf("upsert %s: missing key column %s", table, pk)
		}
	}

	if table == "analysis_cache" {
		protected, err := isHumanVerified(tx, rec["url_signature"])
		if err != nil {
			return err
		}
		if protected {
			logger.Warnf("Skipping upsert for url_signature=%v: human-verified row is immutable (attempted source=%v)",
				rec["url_signature"], rec["classification_source"])
			logger.Audit("upsert_protected", map[string]any{
				"table":            table,
				"url_signature":    rec["url_signature"],
				"attempted_source": rec["classification_source"],
			})
			return nil
		}
	}

	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	pkSet := colSet(pkCols...)
	indexed := tableIndexedCols[table]
	updatable := tableUpdatableCols[table]

	var updateCols, excluded []string
	for _, c := range cols {
		if _, isPK := pkSet[c]; isPK {
			continue
		}
		if _, isIndexed := indexed[c]; isIndexed {
			excluded = append(excluded, c)
			continue
		}
		if _, allowed := updatable[c]; !allowed {
			excluded = append(excluded, c)
			continue
		}
		updateCols = append(updateCols, c)
	}
	if len(excluded) > 0 {
		logger.Audit("upsert_excluded_columns", map[string]any{
			"table":    table,
			"excluded": excluded,
		})
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, rec[c])
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO ",
		table, strings.Join(cols, ", "), placeholders, strings.Join(pkCols, ", "))
	if len(updateCols) == 0 {
		sb.WriteString("NOTHING")
	} else {
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			sets[i] = c + " = excluded." + c
		}
		sb.WriteString("UPDATE SET " + strings.Join(sets, ", "))
	}

	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func isHumanVerified(tx *sql.Tx, urlSignature any) (bool, error) {
	var verified int
	err := tx.QueryRow(`SELECT is_human_verified FROM analysis_cache WHERE url_signature = ?`,
		urlSignature).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check human-verified: %w", err)
	}
	return verified != 0, nil
}

// insertRow appends one row without conflict handling; used for the
// append-only pii_audit table.
func insertRow(tx *sql.Tx, table string, rec map[string]any) error {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, rec[c])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if _, err := tx.Exec(q, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}
