package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"shadowscan/config"
	"shadowscan/pkg/models"
)

// Store is the embedded canonical store. All mutations go through the
// writer queue; reads may run concurrently on the same handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store and applies pending migrations.
func Open(cfg config.StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: filepath.Clean(cfg.Path)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// GetRun reads one run row by id.
func (s *Store) GetRun(runID string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT run_id, run_key, started_at, COALESCE(finished_at, ''), status,
		last_completed_stage, input_manifest_hash,
		COALESCE(target_range_start, ''), COALESCE(target_range_end, ''),
		signature_version, rule_version, prompt_version, taxonomy_version,
		COALESCE(taxonomy_commit, ''), COALESCE(taxonomy_artifact_hash, ''),
		engine_spec_version, COALESCE(psl_hash, ''),
		total_events, unique_signatures, cache_hit_count, llm_sent_count
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// LastRun reads the most recently started run, or nil when none exist.
func (s *Store) LastRun() (*models.Run, error) {
	row := s.db.QueryRow(`SELECT run_id, run_key, started_at, COALESCE(finished_at, ''), status,
		last_completed_stage, input_manifest_hash,
		COALESCE(target_range_start, ''), COALESCE(target_range_end, ''),
		signature_version, rule_version, prompt_version, taxonomy_version,
		COALESCE(taxonomy_commit, ''), COALESCE(taxonomy_artifact_hash, ''),
		engine_spec_version, COALESCE(psl_hash, ''),
		total_events, unique_signatures, cache_hit_count, llm_sent_count
		FROM runs ORDER BY started_at DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func scanRun(row *sql.Row) (*models.Run, error) {
	var r models.Run
	var started, finished string
	if err := row.Scan(&r.RunID, &r.RunKey, &started, &finished, &r.Status,
		&r.LastCompletedStage, &r.InputManifestHash,
		&r.RangeStart, &r.RangeEnd,
		&r.SchemeVersion, &r.RuleVersion, &r.PromptVersion, &r.TaxonomyVersion,
		&r.TaxonomyCommit, &r.TaxonomyHash,
		&r.EngineSpecVersion, &r.PSLHash,
		&r.TotalEvents, &r.UniqueSignatures, &r.CacheHitCount, &r.LLMSentCount); err != nil {
		return nil, err
	}
	r.StartedAt = parseInstant(started)
	r.FinishedAt = parseInstant(finished)
	return &r, nil
}

// GetClassification reads one cached classification by signature, or nil
// when the signature has never been classified.
func (s *Store) GetClassification(urlSignature string) (*models.Classification, error) {
	rows, err := s.db.Query(classificationSelect+` WHERE url_signature = ?`, urlSignature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanClassification(rows)
}

const classificationSelect = `SELECT url_signature,
	COALESCE(service_name, ''), COALESCE(usage_type, ''), COALESCE(risk_level, ''),
	COALESCE(category, ''), confidence, COALESCE(rationale_short, ''),
	COALESCE(classification_source, ''), COALESCE(signature_version, ''),
	COALESCE(rule_version, ''), COALESCE(prompt_version, ''), COALESCE(taxonomy_version, ''),
	COALESCE(model, ''), status, is_human_verified,
	COALESCE(fs_code, ''), COALESCE(im_code, ''),
	COALESCE(uc_codes_json, '[]'), COALESCE(dt_codes_json, '[]'),
	COALESCE(ch_codes_json, '[]'), COALESCE(rs_codes_json, '[]'),
	COALESCE(ev_codes_json, '[]'), COALESCE(ob_codes_json, '[]'),
	COALESCE(error_type, ''), COALESCE(error_reason, ''), COALESCE(retry_after, ''),
	failure_count, COALESCE(analysis_date, ''),
	COALESCE(fs_uc_code, ''), COALESCE(dt_code, ''), COALESCE(ch_code, ''),
	COALESCE(rs_code, ''), COALESCE(ev_code, ''), COALESCE(ob_code, '')
	FROM analysis_cache`

func scanClassification(rows *sql.Rows) (*models.Classification, error) {
	var c models.Classification
	var verified int
	var ucJSON, dtJSON, chJSON, rsJSON, evJSON, obJSON string
	var retryAfter, analysisDate string
	var legacyFSUC, legacyDT, legacyCH, legacyRS, legacyEV, legacyOB string
	if err := rows.Scan(&c.URLSignature,
		&c.ServiceName, &c.UsageType, &c.RiskLevel,
		&c.Category, &c.Confidence, &c.RationaleShort,
		&c.Source, &c.SchemeVersion,
		&c.RuleVersion, &c.PromptVersion, &c.TaxonomyVersion,
		&c.Model, &c.Status, &verified,
		&c.Taxonomy.FSCode, &c.Taxonomy.IMCode,
		&ucJSON, &dtJSON, &chJSON, &rsJSON, &evJSON, &obJSON,
		&c.ErrorKind, &c.ErrorReason, &retryAfter,
		&c.FailureCount, &analysisDate,
		&legacyFSUC, &legacyDT, &legacyCH, &legacyRS, &legacyEV, &legacyOB); err != nil {
		return nil, err
	}
	c.IsHumanVerified = verified != 0
	c.Taxonomy.UCCodes = models.CodesFromJSON(ucJSON)
	c.Taxonomy.DTCodes = models.CodesFromJSON(dtJSON)
	c.Taxonomy.CHCodes = models.CodesFromJSON(chJSON)
	c.Taxonomy.RSCodes = models.CodesFromJSON(rsJSON)
	c.Taxonomy.EVCodes = models.CodesFromJSON(evJSON)
	c.Taxonomy.OBCodes = models.CodesFromJSON(obJSON)
	c.RetryAfter = parseInstant(retryAfter)
	c.AnalysisDate = parseInstant(analysisDate)

	// Legacy single-value columns are lifted into singleton arrays when the
	// array columns are still empty; such records go back to review.
	liftedDT := liftLegacy(&c.Taxonomy.DTCodes, legacyDT)
	liftedCH := liftLegacy(&c.Taxonomy.CHCodes, legacyCH)
	liftedRS := liftLegacy(&c.Taxonomy.RSCodes, legacyRS)
	liftedEV := liftLegacy(&c.Taxonomy.EVCodes, legacyEV)
	liftedOB := liftLegacy(&c.Taxonomy.OBCodes, legacyOB)
	lifted := liftedDT || liftedCH || liftedRS || liftedEV || liftedOB
	if c.Taxonomy.FSCode == "" && legacyFSUC != "" {
		c.Taxonomy.FSCode = legacyFSUC
		lifted = true
	}
	if lifted && c.Status == models.StatusActive {
		c.Status = models.StatusNeedsReview
	}
	return &c, nil
}

func liftLegacy(codes *[]string, legacy string) bool {
	if len(*codes) > 0 || legacy == "" {
		return false
	}
	*codes = []string{legacy}
	return true
}

// PendingSignature is one residual signature awaiting external analysis.
type PendingSignature struct {
	URLSignature     string
	NormHost         string
	NormPathTemplate string
	AccessCount      int64
	UniqueUsers      int64
	BytesSentSum     int64
	CandidateFlags   string
}

// PendingForLLM lists signatures from the run's statistics that still need
// external classification at the given instant. Skipped and human-verified
// signatures never appear; transient failures reappear once their
// retry_after has passed.
func (s *Store) PendingForLLM(runID string, now time.Time) ([]PendingSignature, error) {
	rows, err := s.db.Query(`SELECT st.url_signature, COALESCE(st.norm_host, ''),
		COALESCE(st.norm_path_template, ''), st.access_count, st.unique_users,
		st.bytes_sent_sum, COALESCE(st.candidate_flags, '')
		FROM signature_stats st
		LEFT JOIN analysis_cache ac ON ac.url_signature = st.url_signature
		WHERE st.run_id = ?
		  AND st.candidate_flags IS NOT NULL AND st.candidate_flags != ''
		  AND (ac.url_signature IS NULL
		       OR (ac.status = 'active'
		           AND ac.is_human_verified = 0
		           AND (ac.classification_source IS NULL OR ac.classification_source = ''
		                OR (ac.classification_source = 'RULE' AND ac.usage_type = 'unknown')
		                OR ac.failure_count > 0)
		           AND (ac.retry_after IS NULL OR ac.retry_after = '' OR ac.retry_after <= ?)))
		ORDER BY st.url_signature`, runID, formatInstant(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingSignature
	for rows.Next() {
		var p PendingSignature
		if err := rows.Scan(&p.URLSignature, &p.NormHost, &p.NormPathTemplate,
			&p.AccessCount, &p.UniqueUsers, &p.BytesSentSum, &p.CandidateFlags); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SignatureStats reads all per-signature statistics for a run, ordered by
// signature so walks are deterministic.
func (s *Store) SignatureStats(runID string) ([]models.SignatureStats, error) {
	rows, err := s.db.Query(`SELECT run_id, url_signature, COALESCE(norm_host, ''),
		COALESCE(norm_path_template, ''), COALESCE(dest_domain, ''),
		COALESCE(bytes_sent_bucket, ''), access_count, unique_users,
		bytes_sent_sum, bytes_sent_max, bytes_sent_p95, bytes_received_sum,
		burst_max_5min, cumulative_user_domain_day_max,
		COALESCE(candidate_flags, ''), sampled,
		COALESCE(first_seen, ''), COALESCE(last_seen, '')
		FROM signature_stats WHERE run_id = ? ORDER BY url_signature`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SignatureStats
	for rows.Next() {
		var st models.SignatureStats
		var sampled int
		var first, last string
		if err := rows.Scan(&st.RunID, &st.URLSignature, &st.NormHost,
			&st.NormPathTemplate, &st.DestDomain,
			&st.BytesBucket, &st.AccessCount, &st.UniqueUsers,
			&st.BytesSentSum, &st.BytesSentMax, &st.BytesSentP95, &st.BytesReceivedSum,
			&st.BurstMax5Min, &st.CumulativeMax,
			&st.CandidateFlags, &sampled, &first, &last); err != nil {
			return nil, err
		}
		st.Sampled = sampled != 0
		st.FirstSeen = parseInstant(first)
		st.LastSeen = parseInstant(last)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ClassificationsFor reads the cached classifications for every signature
// seen in the run's statistics, ordered by signature.
func (s *Store) ClassificationsFor(runID string) ([]models.Classification, error) {
	rows, err := s.db.Query(classificationSelect+`
		WHERE url_signature IN (SELECT url_signature FROM signature_stats WHERE run_id = ?)
		ORDER BY url_signature`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Classification
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// InputFiles reads the per-file ingest accounting rows for a run.
func (s *Store) InputFiles(runID string) ([]models.InputFile, error) {
	rows, err := s.db.Query(`SELECT file_id, run_id, file_path, file_size, file_hash,
		vendor, COALESCE(min_time, ''), COALESCE(max_time, ''), row_count,
		parse_error_count, COALESCE(ingested_at, '')
		FROM input_files WHERE run_id = ? ORDER BY file_hash`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InputFile
	for rows.Next() {
		var f models.InputFile
		var minT, maxT, ingested string
		if err := rows.Scan(&f.FileID, &f.RunID, &f.FilePath, &f.FileSize, &f.FileHash,
			&f.Vendor, &minT, &maxT, &f.RowCount, &f.ParseErrorCount, &ingested); err != nil {
			return nil, err
		}
		f.MinTime = parseInstant(minT)
		f.MaxTime = parseInstant(maxT)
		f.IngestedAt = parseInstant(ingested)
		out = append(out, f)
	}
	return out, rows.Err()
}

// PIIAuditCounts aggregates redaction occurrences per kind for a run.
func (s *Store) PIIAuditCounts(runID string) (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT pii_kind, SUM(occurrences)
		FROM pii_audit WHERE run_id = ? GROUP BY pii_kind ORDER BY pii_kind`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// CountWhere counts rows in a table under an optional predicate. The
// predicate comes from compiled-in call sites only.
func (s *Store) CountWhere(table, where string, args ...any) (int64, error) {
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int64
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseInstant(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
