package llm

import (
	"time"

	"shadowscan/internal/store"
	"shadowscan/pkg/models"
)

// Stub routes residual signatures to needs_review deterministically
// without network I/O. Used by the disable-LLM mode so runs stay
// reproducible in tests and CI.
type Stub struct {
	queue    *store.WriterQueue
	versions Versions
	now      func() time.Time
}

// NewStub builds the stub classifier.
func NewStub(queue *store.WriterQueue, versions Versions) *Stub {
	return &Stub{queue: queue, versions: versions, now: time.Now}
}

// Run marks every pending signature needs_review with an Unknown verdict.
func (s *Stub) Run(pending []store.PendingSignature) (Summary, error) {
	var summary Summary
	for _, sig := range pending {
		rec := map[string]any{
			"url_signature":         sig.URLSignature,
			"service_name":          "Unknown",
			"usage_type":            "unknown",
			"risk_level":            "medium",
			"category":              "Unknown",
			"confidence":            0.0,
			"rationale_short":       "external analysis disabled",
			"classification_source": "",
			"signature_version":     s.versions.Scheme,
			"rule_version":          s.versions.Rule,
			"prompt_version":        s.versions.Prompt,
			"taxonomy_version":      s.versions.Taxonomy,
			"status":                models.StatusNeedsReview,
			"is_human_verified":     0,
			"analysis_date":         s.now().UTC().Format(time.RFC3339Nano),
		}
		if err := s.queue.Enqueue(store.Intent{Op: store.OpUpsert, Table: "analysis_cache", Record: rec}); err != nil {
			return summary, err
		}
		if err := s.queue.Enqueue(store.Intent{Op: store.OpExec,
			SQL:  `UPDATE analysis_cache SET status = ? WHERE url_signature = ? AND is_human_verified = 0`,
			Args: []any{models.StatusNeedsReview, sig.URLSignature},
		}); err != nil {
			return summary, err
		}
		summary.NeedsReview++
	}
	return summary, nil
}
