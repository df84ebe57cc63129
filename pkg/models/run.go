package models

import "time"

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Pipeline stages, recorded as checkpoints on the run row.
const (
	StageSetup     = 0
	StageIngestion = 1
	StageNormalize = 2
	StageRules     = 3
	StageLLM       = 4
	StageEvidence  = 5
	StageTerminal  = StageEvidence
)

// Run is the execution metadata row. Mutated only by the orchestrator.
type Run struct {
	RunID              string    `json:"run_id"`
	RunKey             string    `json:"run_key"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
	Status             string    `json:"status"`
	LastCompletedStage int       `json:"last_completed_stage"`
	InputManifestHash  string    `json:"input_manifest_hash"`
	RangeStart         string    `json:"target_range_start,omitempty"`
	RangeEnd           string    `json:"target_range_end,omitempty"`
	SchemeVersion      string    `json:"signature_version"`
	RuleVersion        string    `json:"rule_version"`
	PromptVersion      string    `json:"prompt_version"`
	TaxonomyVersion    string    `json:"taxonomy_version"`
	TaxonomyCommit     string    `json:"taxonomy_commit,omitempty"`
	TaxonomyHash       string    `json:"taxonomy_artifact_hash"`
	EngineSpecVersion  string    `json:"engine_spec_version"`
	PSLHash            string    `json:"psl_hash"`
	TotalEvents        int64     `json:"total_events"`
	UniqueSignatures   int64     `json:"unique_signatures"`
	CacheHitCount      int64     `json:"cache_hit_count"`
	LLMSentCount       int64     `json:"llm_sent_count"`
}

// InputFile is the per-file ingest accounting row.
type InputFile struct {
	FileID          string    `json:"file_id"`
	RunID           string    `json:"run_id"`
	FilePath        string    `json:"file_path"`
	FileSize        int64     `json:"file_size"`
	FileHash        string    `json:"file_hash"`
	Vendor          string    `json:"vendor"`
	MinTime         time.Time `json:"min_time"`
	MaxTime         time.Time `json:"max_time"`
	RowCount        int64     `json:"row_count"`
	ParseErrorCount int64     `json:"parse_error_count"`
	IngestedAt      time.Time `json:"ingested_at"`
}

// PIIAudit is one append-only redaction audit row. The original value is
// hashed for traceability, never stored.
type PIIAudit struct {
	RunID        string `json:"run_id"`
	URLSignature string `json:"url_signature,omitempty"`
	PIIKind      string `json:"pii_kind"`
	FieldSource  string `json:"field_source"`
	Token        string `json:"redaction_token"`
	OriginalHash string `json:"original_hash"`
	Occurrences  int64  `json:"occurrences"`
}

// PII kinds emitted by the canonicalizer.
const (
	PIIUUID      = "uuid"
	PIIHexToken  = "hex_token"
	PIIBase64Tok = "base64_token"
	PIIEmail     = "email"
	PIIIPv4      = "ipv4"
	PIINumericID = "numeric_id"
)
