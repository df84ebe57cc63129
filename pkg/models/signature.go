package models

import "time"

// Signature describes one content-addressed URL pattern.
// A signature is immutable for a given scheme version.
type Signature struct {
	Value            string `json:"url_signature"`
	SchemeVersion    string `json:"signature_version"`
	NormHost         string `json:"norm_host"`
	NormPathTemplate string `json:"norm_path_template"`
	PathDepth        int    `json:"path_depth"`
	ParamCount       int    `json:"param_count"`
	MethodGroup      string `json:"method_group"`
	BytesBucket      string `json:"bytes_bucket"`
	HasAuthTokenLike bool   `json:"has_auth_token_like"`
}

// Method groups used in signature derivation.
const (
	MethodGroupGet   = "GET"
	MethodGroupWrite = "WRITE"
	MethodGroupOther = "OTHER"
)

// SignatureStats are per-run aggregates keyed by (run, signature).
// Finalized during candidate selection; never updated after the run ends.
type SignatureStats struct {
	RunID            string    `json:"run_id"`
	URLSignature     string    `json:"url_signature"`
	NormHost         string    `json:"norm_host"`
	NormPathTemplate string    `json:"norm_path_template"`
	DestDomain       string    `json:"dest_domain"`
	BytesBucket      string    `json:"bytes_sent_bucket"`
	AccessCount      int64     `json:"access_count"`
	UniqueUsers      int64     `json:"unique_users"`
	BytesSentSum     int64     `json:"bytes_sent_sum"`
	BytesSentMax     int64     `json:"bytes_sent_max"`
	BytesSentP95     int64     `json:"bytes_sent_p95"`
	BytesReceivedSum int64     `json:"bytes_received_sum"`
	BurstMax5Min     int64     `json:"burst_max_5min"`
	CumulativeMax    int64     `json:"cumulative_user_domain_day_max"`
	CandidateFlags   string    `json:"candidate_flags"`
	Sampled          bool      `json:"sampled"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// Candidate flag letters. The flags column is a pipe-joined list, for
// example "A|B|burst". T-bucket labels never appear here.
const (
	FlagA          = "A"
	FlagB          = "B"
	FlagC          = "C"
	FlagBurst      = "burst"
	FlagCumulative = "cumulative"
	FlagSampled    = "sampled"
)
