package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"shadowscan/config"
	"shadowscan/internal/logger"
	"shadowscan/internal/store"
	"shadowscan/internal/taxonomy"
	"shadowscan/pkg/models"
)

const schemaMaxAttempts = 2

// Versions pins the classification provenance recorded on every row.
type Versions struct {
	Scheme   string
	Rule     string
	Prompt   string
	Taxonomy string
}

// Summary aggregates one analysis stage for the run record and evidence.
type Summary struct {
	Sent        int64 `json:"llm_sent_count"`
	Analyzed    int64 `json:"llm_analyzed_count"`
	NeedsReview int64 `json:"llm_needs_review_count"`
	Skipped     int64 `json:"llm_skipped_count"`
	Deferred    int64 `json:"llm_deferred_count"`
	Transient   int64 `json:"llm_transient_count"`
	TokensIn    int64 `json:"llm_tokens_in"`
	TokensOut   int64 `json:"llm_tokens_out"`
}

func (s *Summary) add(other Summary) {
	s.Sent += other.Sent
	s.Analyzed += other.Analyzed
	s.NeedsReview += other.NeedsReview
	s.Skipped += other.Skipped
	s.Deferred += other.Deferred
	s.Transient += other.Transient
	s.TokensIn += other.TokensIn
	s.TokensOut += other.TokensOut
}

// Analyzer sends residual signatures to the external classifier in
// batches and applies the response state machine to each signature.
type Analyzer struct {
	client   Completer
	budget   *Budget
	taxonomy *taxonomy.Adapter
	queue    *store.WriterQueue
	cfg      config.LLMConfig
	versions Versions
	model    string

	now func() time.Time

	mu       sync.Mutex
	queueErr error
}

// NewAnalyzer wires the analyzer. The client may be any Completer; tests
// and the disable-LLM mode substitute their own.
func NewAnalyzer(client Completer, budget *Budget, adapter *taxonomy.Adapter,
	queue *store.WriterQueue, cfg config.LLMConfig, versions Versions) *Analyzer {
	return &Analyzer{
		client:   client,
		budget:   budget,
		taxonomy: adapter,
		queue:    queue,
		cfg:      cfg,
		versions: versions,
		model:    cfg.Model,
		now:      time.Now,
	}
}

// Run processes the pending set with a bounded worker pool. Batches carry
// only signature identity, normalized host and path template, and
// aggregate statistics.
func (a *Analyzer) Run(ctx context.Context, pending []store.PendingSignature, workers int) (Summary, error) {
	if len(pending) == 0 {
		return Summary{}, nil
	}
	if workers <= 0 {
		workers = 4
	}

	batches := a.splitBatches(pending)
	batchCh := make(chan []store.PendingSignature, len(batches))
	for _, b := range batches {
		batchCh <- b
	}
	close(batchCh)

	var mu sync.Mutex
	var total Summary
	var firstErr error

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batchCh {
				if ctx.Err() != nil {
					return
				}
				summary, err := a.analyzeBatch(ctx, batch)
				mu.Lock()
				total.add(summary)
				if err != nil && firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr == nil {
		a.mu.Lock()
		firstErr = a.queueErr
		a.mu.Unlock()
	}
	return total, firstErr
}

// splitBatches cuts the pending set into 10-20 signature batches bounded
// by the character budget, whichever is smaller.
func (a *Analyzer) splitBatches(pending []store.PendingSignature) [][]store.PendingSignature {
	batchMax := a.cfg.BatchMax
	if batchMax <= 0 {
		batchMax = 20
	}
	charBudget := a.cfg.BatchCharBudget
	if charBudget <= 0 {
		charBudget = 8000
	}

	var out [][]store.PendingSignature
	var current []store.PendingSignature
	chars := 0
	for _, sig := range pending {
		lineLen := len(sig.NormHost) + len(sig.NormPathTemplate) + 64
		if len(current) > 0 && (len(current) >= batchMax || chars+lineLen > charBudget) {
			out = append(out, current)
			current = nil
			chars = 0
		}
		current = append(current, sig)
		chars += lineLen
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

func (a *Analyzer) analyzeBatch(ctx context.Context, batch []store.PendingSignature) (Summary, error) {
	var summary Summary

	// Budget gate: the batch is reduced before it is deferred, keeping A
	// and B candidates and dropping C.
	batch, deferred := a.applyBudgetGate(batch)
	summary.Deferred += int64(deferred)
	if len(batch) == 0 {
		return summary, nil
	}
	summary.Sent += int64(len(batch))

	original := buildUserPrompt(batch)
	prompt := original

	for attempt := 1; attempt <= schemaMaxAttempts; attempt++ {
		content, usage, err := a.client.Complete(ctx, systemPrompt, prompt)
		if err != nil {
			apiErr, ok := err.(*APIError)
			if !ok {
				apiErr = &APIError{Kind: models.ErrNetwork, Message: err.Error()}
			}
			if apiErr.Permanent() {
				a.markSkipped(batch, apiErr)
				summary.Skipped += int64(len(batch))
				return summary, nil
			}
			a.markTransient(batch, apiErr)
			summary.Transient += int64(len(batch))
			return summary, nil
		}

		summary.TokensIn += int64(usage.PromptTokens)
		summary.TokensOut += int64(usage.CompletionTokens)
		a.budget.Record(a.budget.EstimateCost(usage.PromptTokens, usage.CompletionTokens))

		results, parseErr := decodeResults(content)
		if parseErr != nil {
			if attempt < schemaMaxAttempts {
				logger.Warnf("LLM response invalid (%v), retrying batch with error context", parseErr)
				prompt = buildRetryPrompt(parseErr.Error(), original)
				continue
			}
			a.markNeedsReview(batch, parseErr.Error())
			summary.NeedsReview += int64(len(batch))
			return summary, nil
		}

		results = alignResults(results, len(batch))
		for i, sig := range batch {
			needsReview := a.writeResult(sig, results[i])
			if needsReview {
				summary.NeedsReview++
			} else {
				summary.Analyzed++
			}
		}
		return summary, nil
	}
	return summary, nil
}

// applyBudgetGate checks the batch cost against the bucket; when the
// bucket cannot afford it, C-only candidates are dropped and the
// remainder proceeds. The dropped count is returned for the audit trail.
func (a *Analyzer) applyBudgetGate(batch []store.PendingSignature) ([]store.PendingSignature, int) {
	inputTokens := len(batch) * 100
	outputTokens := len(batch) * 200
	cost := a.budget.EstimateCost(inputTokens, outputTokens)

	ok, reason := a.budget.ShouldAnalyze(cost, "")
	if ok {
		return batch, 0
	}

	kept := batch[:0:0]
	for _, sig := range batch {
		switch strongestPriority(sig.CandidateFlags, []string{"A", "B", "C"}) {
		case "A", "B":
			kept = append(kept, sig)
		}
	}
	dropped := len(batch) - len(kept)
	if dropped > 0 {
		logger.Infof("Budget gate (%s): dropped %d coverage-sample signature(s) from batch", reason, dropped)
	}
	return kept, dropped
}

type resultDoc struct {
	ServiceName    string   `json:"service_name"`
	UsageType      string   `json:"usage_type"`
	RiskLevel      string   `json:"risk_level"`
	Category       string   `json:"category"`
	Confidence     float64  `json:"confidence"`
	RationaleShort string   `json:"rationale_short"`
	FSCode         string   `json:"fs_code"`
	IMCode         string   `json:"im_code"`
	UCCodes        []string `json:"uc_codes"`
	DTCodes        []string `json:"dt_codes"`
	CHCodes        []string `json:"ch_codes"`
	RSCodes        []string `json:"rs_codes"`
	EVCodes        []string `json:"ev_codes"`
	OBCodes        []string `json:"ob_codes"`
}

// decodeResults parses and schema-validates one response. Markdown code
// fences around the JSON are tolerated and stripped.
func decodeResults(content string) ([]resultDoc, error) {
	content = stripCodeFences(content)

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("json parse error: %w", err)
	}
	if _, isArray := doc.([]any); !isArray {
		doc = []any{doc}
		content = "[" + content + "]"
	}
	if err := validateOutput(doc); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}

	var results []resultDoc
	if err := json.Unmarshal([]byte(content), &results); err != nil {
		return nil, fmt.Errorf("json parse error: %w", err)
	}
	return results, nil
}

func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	var kept []string
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// alignResults pads a short response with unknown verdicts and truncates
// a long one, so every signature in the batch gets exactly one result.
func alignResults(results []resultDoc, want int) []resultDoc {
	for len(results) < want {
		results = append(results, resultDoc{
			ServiceName:    "Unknown",
			UsageType:      "unknown",
			RiskLevel:      "medium",
			Category:       "Unknown",
			Confidence:     0.3,
			RationaleShort: "No result returned for this signature",
		})
	}
	return results[:want]
}

// writeResult validates the taxonomy assignment and enqueues the cache
// mutation. It reports whether the record was downgraded to needs_review.
func (a *Analyzer) writeResult(sig store.PendingSignature, r resultDoc) bool {
	assign := models.TaxonomyAssignment{
		FSCode:  r.FSCode,
		IMCode:  r.IMCode,
		UCCodes: r.UCCodes,
		DTCodes: r.DTCodes,
		CHCodes: r.CHCodes,
		RSCodes: r.RSCodes,
		EVCodes: r.EVCodes,
		OBCodes: r.OBCodes,
	}
	assign.Canonicalize()

	status := models.StatusActive
	var validationErrs []string
	if a.taxonomy != nil {
		validationErrs = a.taxonomy.ValidateAssignment(&assign)
		if len(validationErrs) > 0 {
			a.taxonomy.ApplyFallbacks(&assign)
			status = models.StatusNeedsReview
		}
	}

	rec := map[string]any{
		"url_signature":           sig.URLSignature,
		"service_name":            r.ServiceName,
		"usage_type":              r.UsageType,
		"risk_level":              r.RiskLevel,
		"category":                r.Category,
		"confidence":              r.Confidence,
		"rationale_short":         r.RationaleShort,
		"classification_source":   models.SourceLLM,
		"signature_version":       a.versions.Scheme,
		"rule_version":            a.versions.Rule,
		"prompt_version":          a.versions.Prompt,
		"taxonomy_version":        a.versions.Taxonomy,
		"taxonomy_schema_version": a.versions.Taxonomy,
		"model":                   a.model,
		"status":                  status,
		"is_human_verified":       0,
		"fs_code":                 assign.FSCode,
		"im_code":                 assign.IMCode,
		"uc_codes_json":           models.CodesJSON(assign.UCCodes),
		"dt_codes_json":           models.CodesJSON(assign.DTCodes),
		"ch_codes_json":           models.CodesJSON(assign.CHCodes),
		"rs_codes_json":           models.CodesJSON(assign.RSCodes),
		"ev_codes_json":           models.CodesJSON(assign.EVCodes),
		"ob_codes_json":           models.CodesJSON(assign.OBCodes),
		"error_type":              "",
		"error_reason":            strings.Join(validationErrs, "; "),
		"retry_after":             "",
		"failure_count":           0,
		"analysis_date":           a.now().UTC().Format(time.RFC3339Nano),
	}
	a.enqueue(store.Intent{Op: store.OpUpsert, Table: "analysis_cache", Record: rec})
	a.execStatus(sig.URLSignature, status)
	return status == models.StatusNeedsReview
}

// markSkipped applies the permanent-error transition: the signatures are
// never retried.
func (a *Analyzer) markSkipped(batch []store.PendingSignature, apiErr *APIError) {
	logger.Warnf("Permanent LLM error (%s); skipping %d signature(s)", apiErr.Kind, len(batch))
	for _, sig := range batch {
		a.enqueue(store.Intent{Op: store.OpUpsert, Table: "analysis_cache", Record: map[string]any{
			"url_signature":         sig.URLSignature,
			"classification_source": "",
			"status":                models.StatusSkipped,
			"is_human_verified":     0,
			"error_type":            apiErr.Kind,
			"error_reason":          truncate(apiErr.Message, 400),
			"analysis_date":         a.now().UTC().Format(time.RFC3339Nano),
		}})
		a.execStatus(sig.URLSignature, models.StatusSkipped)
	}
}

// markTransient records the failure and sets retry_after; the signatures
// stay active and are honored on the next run.
func (a *Analyzer) markTransient(batch []store.PendingSignature, apiErr *APIError) {
	retryAfter := apiErr.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 15 * time.Minute
	}
	until := a.now().UTC().Add(retryAfter).Format(time.RFC3339Nano)

	logger.Warnf("Transient LLM error (%s); %d signature(s) retry after %s", apiErr.Kind, len(batch), until)
	for _, sig := range batch {
		a.enqueue(store.Intent{Op: store.OpUpsert, Table: "analysis_cache", Record: map[string]any{
			"url_signature":     sig.URLSignature,
			"status":            models.StatusActive,
			"is_human_verified": 0,
			"error_type":        apiErr.Kind,
			"error_reason":      truncate(apiErr.Message, 400),
			"retry_after":       until,
		}})
		a.enqueue(store.Intent{Op: store.OpExec,
			SQL:  `UPDATE analysis_cache SET failure_count = failure_count + 1 WHERE url_signature = ? AND is_human_verified = 0`,
			Args: []any{sig.URLSignature},
		})
	}
}

// markNeedsReview applies the schema-failure transition after the second
// invalid response; the batch joins the human queue and is not resent.
func (a *Analyzer) markNeedsReview(batch []store.PendingSignature, reason string) {
	logger.Warnf("Response still invalid after %d attempts; %d signature(s) to needs_review", schemaMaxAttempts, len(batch))
	for _, sig := range batch {
		a.enqueue(store.Intent{Op: store.OpUpsert, Table: "analysis_cache", Record: map[string]any{
			"url_signature":     sig.URLSignature,
			"status":            models.StatusNeedsReview,
			"is_human_verified": 0,
			"error_type":        models.ErrSchema,
			"error_reason":      truncate(reason, 400),
			"analysis_date":     a.now().UTC().Format(time.RFC3339Nano),
		}})
		a.execStatus(sig.URLSignature, models.StatusNeedsReview)
	}
}

// execStatus transitions the status column. Status is outside the
// conflict-update path, so the transition is an explicit statement that
// still honors the human-verified protection.
func (a *Analyzer) execStatus(urlSignature, status string) {
	a.enqueue(store.Intent{Op: store.OpExec,
		SQL:  `UPDATE analysis_cache SET status = ? WHERE url_signature = ? AND is_human_verified = 0`,
		Args: []any{status, urlSignature},
	})
}

func (a *Analyzer) enqueue(in store.Intent) {
	if err := a.queue.Enqueue(in); err != nil {
		logger.Errorf("Writer queue rejected intent for %s: %v", in.Table, err)
		a.mu.Lock()
		if a.queueErr == nil {
			a.queueErr = err
		}
		a.mu.Unlock()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
