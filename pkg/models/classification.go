package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Classification sources.
const (
	SourceRule  = "RULE"
	SourceLLM   = "LLM"
	SourceHuman = "HUMAN"
)

// Classification statuses.
const (
	StatusActive      = "active"
	StatusNeedsReview = "needs_review"
	StatusSkipped     = "skipped"
)

// Error kinds recorded on a classification.
const (
	ErrContextLength  = "context_length_exceeded"
	ErrInvalidRequest = "invalid_request_error"
	ErrInvalidAPIKey  = "invalid_api_key"
	ErrAuthentication = "authentication_error"
	ErrRateLimit      = "rate_limit_error"
	ErrTimeout        = "timeout"
	ErrServer         = "server_error"
	ErrNetwork        = "network_error"
	ErrSchema         = "schema_violation"
)

// TaxonomyAssignment is the eight-dimension code assignment attached to a
// classification. Multi-valued dimensions are kept canonicalized (sorted,
// deduplicated) so their JSON serialization is byte-stable.
type TaxonomyAssignment struct {
	FSCode  string   `json:"fs_code"`
	IMCode  string   `json:"im_code"`
	UCCodes []string `json:"uc_codes"`
	DTCodes []string `json:"dt_codes"`
	CHCodes []string `json:"ch_codes"`
	RSCodes []string `json:"rs_codes"`
	EVCodes []string `json:"ev_codes"`
	OBCodes []string `json:"ob_codes"`
}

// Canonicalize sorts and deduplicates every multi-valued dimension in place.
func (t *TaxonomyAssignment) Canonicalize() {
	t.UCCodes = canonicalizeCodes(t.UCCodes)
	t.DTCodes = canonicalizeCodes(t.DTCodes)
	t.CHCodes = canonicalizeCodes(t.CHCodes)
	t.RSCodes = canonicalizeCodes(t.RSCodes)
	t.EVCodes = canonicalizeCodes(t.EVCodes)
	t.OBCodes = canonicalizeCodes(t.OBCodes)
}

func canonicalizeCodes(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CodesJSON serializes a canonicalized code list as a JSON array string.
func CodesJSON(codes []string) string {
	b, err := json.Marshal(canonicalizeCodes(codes))
	if err != nil {
		return "[]"
	}
	return string(b)
}

// CodesFromJSON parses a JSON array column back into a code list.
func CodesFromJSON(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return []string{}
	}
	return canonicalizeCodes(codes)
}

// Classification is the keyed-by-signature analytical verdict held in the
// shared classification cache.
type Classification struct {
	URLSignature    string             `json:"url_signature"`
	ServiceName     string             `json:"service_name"`
	UsageType       string             `json:"usage_type"`
	RiskLevel       string             `json:"risk_level"`
	Category        string             `json:"category"`
	Confidence      float64            `json:"confidence"`
	RationaleShort  string             `json:"rationale_short"`
	Source          string             `json:"classification_source"`
	SchemeVersion   string             `json:"signature_version"`
	RuleVersion     string             `json:"rule_version"`
	PromptVersion   string             `json:"prompt_version"`
	TaxonomyVersion string             `json:"taxonomy_version"`
	Model           string             `json:"model,omitempty"`
	Status          string             `json:"status"`
	IsHumanVerified bool               `json:"is_human_verified"`
	Taxonomy        TaxonomyAssignment `json:"taxonomy"`
	ErrorKind       string             `json:"error_type,omitempty"`
	ErrorReason     string             `json:"error_reason,omitempty"`
	RetryAfter      time.Time          `json:"retry_after,omitempty"`
	FailureCount    int                `json:"failure_count"`
	AnalysisDate    time.Time          `json:"analysis_date"`
}
