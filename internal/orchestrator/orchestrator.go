package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"shadowscan/config"
	"shadowscan/internal/cache"
	"shadowscan/internal/candidates"
	"shadowscan/internal/evidence"
	"shadowscan/internal/ingest"
	"shadowscan/internal/llm"
	"shadowscan/internal/logger"
	"shadowscan/internal/metrics"
	"shadowscan/internal/normalize"
	"shadowscan/internal/rules"
	"shadowscan/internal/signature"
	"shadowscan/internal/store"
	"shadowscan/internal/taxonomy"
	"shadowscan/pkg/models"
)

// EngineSpecVersion participates in run-key derivation; bump it when the
// pipeline's observable behavior changes.
const EngineSpecVersion = "1.5"

// Options are the per-invocation inputs of a run.
type Options struct {
	InputPath   string
	Vendor      string
	MappingPath string
	OutputDir   string
	RangeStart  string
	RangeEnd    string
	DisableLLM  bool
	DryRun      bool
}

// Orchestrator drives the run lifecycle: run-key derivation, the process
// lock, stage checkpointing, resumption, and pinning enforcement.
type Orchestrator struct {
	cfg      *config.ShadowScanConfig
	store    *store.Store
	queue    *store.WriterQueue
	norm     *normalize.Normalizer
	builder  *signature.Builder
	rules    *rules.Classifier
	taxonomy *taxonomy.Adapter
	mirror   *cache.Mirror
	metrics  *metrics.Metrics

	versions Versions
	now      func() time.Time

	run        *models.Run
	runIsNew   bool
	outcome    *candidates.Outcome
	llmSummary llm.Summary
	budget     *llm.Budget
	changeLog  []evidence.ChangeEntry
	auditPath  string
}

// New wires the orchestrator. The taxonomy adapter has already passed
// pinning enforcement by the time it arrives here.
func New(cfg *config.ShadowScanConfig, st *store.Store, queue *store.WriterQueue,
	norm *normalize.Normalizer, builder *signature.Builder, classifier *rules.Classifier,
	adapter *taxonomy.Adapter, mirror *cache.Mirror, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		norm:     norm,
		builder:  builder,
		rules:    classifier,
		taxonomy: adapter,
		mirror:   mirror,
		metrics:  m,
		versions: Versions{
			Scheme:       norm.SchemeVersion(),
			Rule:         classifier.Version(),
			Prompt:       cfg.LLM.PromptVersion,
			Taxonomy:     adapter.Version(),
			TaxonomyHash: adapter.DirHash(),
			EngineSpec:   EngineSpecVersion,
		},
		now: time.Now,
	}
}

// Execute performs one run. The returned status is one of succeeded,
// partial, failed, already-active, or dry-run; err is non-nil only for
// failed runs.
func (o *Orchestrator) Execute(ctx context.Context, opts Options) (string, error) {
	inputs, err := resolveInputs(opts.InputPath)
	if err != nil {
		return models.RunFailed, err
	}

	manifestHash, err := ComputeInputManifestHash(inputs)
	if err != nil {
		return models.RunFailed, err
	}
	runKey := ComputeRunKey(manifestHash, opts.RangeStart, opts.RangeEnd, o.versions)
	runID := RunIDFromKey(runKey)

	lock := NewLock(filepath.Join(filepath.Dir(o.store.Path()), "shadowscan.lock"))
	if err := lock.Acquire(runKey); err != nil {
		var held *HeldError
		if errors.As(err, &held) {
			logger.Infof("Another run is active (%s); exiting", held.Holder)
			return "already-active", nil
		}
		return models.RunFailed, err
	}
	defer lock.Release()

	if err := o.prepareRun(runID, runKey, manifestHash, opts); err != nil {
		return models.RunFailed, err
	}
	if o.run.Status == models.RunSucceeded {
		logger.Infof("Run %s already succeeded; nothing to do", runID)
		return models.RunSucceeded, nil
	}
	if opts.DryRun {
		// The dry-run plan never persists anything, not even the run row.
		logger.Infof("Dry run: run_id=%s run_key=%.16s inputs=%d resume_from_stage=%d",
			runID, runKey, len(inputs), o.run.LastCompletedStage+1)
		return "dry-run", nil
	}
	if err := o.persistRun(); err != nil {
		return models.RunFailed, err
	}

	workDir := filepath.Join(o.cfg.Store.WorkDir, runID)
	o.auditPath = filepath.Join(workDir, "audit.jsonl")
	if err := logger.OpenAudit(o.auditPath); err != nil {
		logger.Warnf("Audit sink unavailable: %v", err)
	}
	defer logger.CloseAudit()

	var events []models.CanonicalEvent

	status, err := o.runStage(ctx, models.StageIngestion, "Ingestion", func(ctx context.Context) error {
		events, err = o.stageIngest(ctx, inputs, workDir, opts)
		return err
	})
	if status != "" {
		return o.finish(status, err)
	}
	if events == nil {
		if events, err = ingest.ReadPartitions(filepath.Join(workDir, "events")); err != nil {
			return o.finish(models.RunFailed, err)
		}
		logger.Infof("Resumed %d event(s) from run partitions", len(events))
	}

	// Normalization and signature derivation are recomputed in memory on
	// every execution; they are deterministic, so resumed runs see the
	// same values the first execution committed.
	events, detections, err := o.normalizeEvents(ctx, events)
	if err != nil {
		return o.finish(models.RunFailed, err)
	}
	sigs := collectSignatures(events, o.builder)
	o.recordPIIDetections(events, detections)

	selector := candidates.NewSelector(o.cfg.Thresholds, o.run.RunID)
	outcome := selector.Detect(events)
	o.outcome = &outcome

	status, err = o.runStage(ctx, models.StageNormalize, "Candidates & statistics", func(ctx context.Context) error {
		return o.stageStats(events, sigs)
	})
	if status != "" {
		return o.finish(status, err)
	}

	status, err = o.runStage(ctx, models.StageRules, "Rule classification", func(ctx context.Context) error {
		return o.stageRules(ctx, sigs)
	})
	if status != "" {
		return o.finish(status, err)
	}

	status, err = o.runStage(ctx, models.StageLLM, "External analysis", func(ctx context.Context) error {
		return o.stageLLM(ctx, opts)
	})
	if status != "" {
		return o.finish(status, err)
	}

	status, err = o.runStage(ctx, models.StageEvidence, "Evidence bundle", func(ctx context.Context) error {
		return o.stageEvidence(opts.OutputDir)
	})
	if status != "" {
		return o.finish(status, err)
	}

	return o.finish(models.RunSucceeded, nil)
}

// prepareRun creates or resumes the run row.
func (o *Orchestrator) prepareRun(runID, runKey, manifestHash string, opts Options) error {
	existing, err := o.store.GetRun(runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read run row: %w", err)
	}
	if existing != nil {
		if existing.RunKey != runKey {
			return fmt.Errorf("run id collision: %s exists with a different run key", runID)
		}
		o.run = existing
		logger.Infof("Resuming run %s (last completed stage %d, status %s)",
			runID, existing.LastCompletedStage, existing.Status)
		return nil
	}

	o.runIsNew = true
	run := &models.Run{
		RunID:              runID,
		RunKey:             runKey,
		StartedAt:          o.now().UTC(),
		Status:             models.RunRunning,
		LastCompletedStage: models.StageSetup,
		InputManifestHash:  manifestHash,
		RangeStart:         opts.RangeStart,
		RangeEnd:           opts.RangeEnd,
		SchemeVersion:      o.versions.Scheme,
		RuleVersion:        o.versions.Rule,
		PromptVersion:      o.versions.Prompt,
		TaxonomyVersion:    o.versions.Taxonomy,
		TaxonomyCommit:     o.taxonomy.Commit(),
		TaxonomyHash:       o.versions.TaxonomyHash,
		EngineSpecVersion:  o.versions.EngineSpec,
		PSLHash:            o.norm.PSLHash(),
	}
	o.run = run
	return nil
}

// persistRun writes a freshly created run row through the writer queue.
func (o *Orchestrator) persistRun() error {
	if !o.runIsNew {
		return nil
	}
	run := o.run

	rec := map[string]any{
		"run_id":                 run.RunID,
		"run_key":                run.RunKey,
		"started_at":             run.StartedAt.Format(time.RFC3339Nano),
		"status":                 run.Status,
		"last_completed_stage":   run.LastCompletedStage,
		"input_manifest_hash":    run.InputManifestHash,
		"target_range_start":     run.RangeStart,
		"target_range_end":       run.RangeEnd,
		"signature_version":      run.SchemeVersion,
		"rule_version":           run.RuleVersion,
		"prompt_version":         run.PromptVersion,
		"taxonomy_version":       run.TaxonomyVersion,
		"taxonomy_commit":        run.TaxonomyCommit,
		"taxonomy_artifact_hash": run.TaxonomyHash,
		"engine_spec_version":    run.EngineSpecVersion,
		"psl_hash":               run.PSLHash,
	}
	if err := o.queue.Enqueue(store.Intent{Op: store.OpUpsert, Table: "runs", Record: rec, RunID: run.RunID}); err != nil {
		return err
	}
	if err := o.queue.Flush(); err != nil {
		return fmt.Errorf("persist run row: %w", err)
	}
	logger.Infof("Run %s created (key %.16s...)", run.RunID, run.RunKey)
	return nil
}

// runStage executes one checkpointed stage. The empty status return
// means the pipeline continues; a non-empty one terminates the run with
// that status.
func (o *Orchestrator) runStage(ctx context.Context, stage int, name string, fn func(context.Context) error) (string, error) {
	if o.run.LastCompletedStage >= stage {
		logger.Infof("Stage %d (%s) already completed; skipping", stage, name)
		return "", nil
	}

	stageCtx := ctx
	cancel := func() {}
	if o.cfg.Pipeline.StageDeadline > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, o.cfg.Pipeline.StageDeadline)
	}
	started := o.now()
	err := fn(stageCtx)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, store.ErrQueueClosed) {
			logger.Warnf("Stage %d (%s) interrupted: %v; run is partial", stage, name, err)
			return models.RunPartial, nil
		}
		logger.Errorf("Stage %d (%s) failed: %v", stage, name, err)
		return models.RunFailed, err
	}

	if o.metrics != nil {
		o.metrics.StageDurations.WithLabelValues(name).Set(o.now().Sub(started).Seconds())
	}
	return "", o.checkpoint(stage)
}

// checkpoint records a completed stage on the run row.
func (o *Orchestrator) checkpoint(stage int) error {
	if err := o.queue.Enqueue(store.Intent{Op: store.OpExec,
		SQL:   `UPDATE runs SET last_completed_stage = ? WHERE run_id = ?`,
		Args:  []any{stage, o.run.RunID},
		RunID: o.run.RunID,
	}); err != nil {
		return err
	}
	if err := o.queue.Flush(); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	o.run.LastCompletedStage = stage
	logger.Infof("Checkpoint: stage %d completed", stage)
	return nil
}

// finish applies the terminal transition and reports the run status.
func (o *Orchestrator) finish(status string, cause error) (string, error) {
	finishedAt := o.now().UTC().Format(time.RFC3339Nano)
	err := o.queue.Enqueue(store.Intent{Op: store.OpExec,
		SQL:  `UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		Args: []any{status, finishedAt, o.run.RunID},
	})
	if err == nil {
		err = o.queue.Flush()
	}
	if err != nil {
		logger.Errorf("Failed to record terminal status %s: %v", status, err)
	}
	o.run.Status = status

	switch status {
	case models.RunSucceeded:
		logger.Infof("Run %s succeeded", o.run.RunID)
	case models.RunPartial:
		logger.Warnf("Run %s partial at stage %d; re-execute with the same inputs to resume",
			o.run.RunID, o.run.LastCompletedStage)
	default:
		logger.Errorf("Run %s failed: %v", o.run.RunID, cause)
	}
	return status, cause
}

func (o *Orchestrator) stageIngest(ctx context.Context, inputs []string, workDir string, opts Options) ([]models.CanonicalEvent, error) {
	ig, err := ingest.NewIngestor(opts.Vendor, opts.MappingPath)
	if err != nil {
		return nil, err
	}

	pw, err := ingest.NewPartitionWriter(filepath.Join(workDir, "events"))
	if err != nil {
		return nil, err
	}

	maxRatio := o.cfg.Thresholds.ParseErrorMaxRatio
	if maxRatio <= 0 {
		maxRatio = 0.10
	}

	var events []models.CanonicalEvent
	for _, path := range inputs {
		if ctx.Err() != nil {
			pw.Close()
			return nil, ctx.Err()
		}
		res, err := ig.IngestFile(path, o.run.RunID)
		if err != nil {
			pw.Close()
			return nil, err
		}
		if ratio := ingest.ParseErrorRatio(&res.File); ratio > maxRatio {
			pw.Close()
			return nil, fmt.Errorf("parse-error rate %.1f%% in %s exceeds threshold %.1f%%",
				ratio*100, path, maxRatio*100)
		}

		for i := range res.Events {
			if err := pw.Write(&res.Events[i]); err != nil {
				pw.Close()
				return nil, err
			}
		}
		events = append(events, res.Events...)

		f := res.File
		if err := o.queue.Enqueue(store.Intent{Op: store.OpUpsert, Table: "input_files", Record: map[string]any{
			"file_id":           f.FileID,
			"run_id":            f.RunID,
			"file_path":         f.FilePath,
			"file_size":         f.FileSize,
			"file_hash":         f.FileHash,
			"vendor":            f.Vendor,
			"min_time":          f.MinTime.Format(time.RFC3339Nano),
			"max_time":          f.MaxTime.Format(time.RFC3339Nano),
			"row_count":         f.RowCount,
			"parse_error_count": f.ParseErrorCount,
			"ingested_at":       f.IngestedAt.Format(time.RFC3339Nano),
		}, RunID: o.run.RunID}); err != nil {
			pw.Close()
			return nil, err
		}

		if o.metrics != nil {
			o.metrics.EventsIngested.Add(float64(f.RowCount))
			o.metrics.ParseErrors.Add(float64(f.ParseErrorCount))
		}
		logger.Infof("Ingested %s: rows=%d parse_errors=%d", path, f.RowCount, f.ParseErrorCount)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	return events, nil
}

// normalizeEvents canonicalizes every event with a bounded worker pool.
// A failed canonicalization degrades the row to malformed; the row is
// dropped from the run and counted.
func (o *Orchestrator) normalizeEvents(ctx context.Context, events []models.CanonicalEvent) ([]models.CanonicalEvent, [][]normalize.PIIDetection, error) {
	workers := o.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 8
	}

	idxCh := make(chan int, workers*4)
	malformed := make([]bool, len(events))
	detections := make([][]normalize.PIIDetection, len(events))

	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for i := range idxCh {
				ev := &events[i]
				res, err := o.norm.Canonicalize(ev.URL)
				if err != nil {
					malformed[i] = true
					continue
				}
				ev.NormHost = res.NormHost
				ev.NormPath = res.NormPath
				ev.NormQuery = res.NormQuery
				ev.DestDomain = o.norm.RegistrableDomain(hostWithoutPort(res.NormHost))
				if ev.DestHost == "" {
					ev.DestHost = res.NormHost
				}
				detections[i] = res.Detections
			}
			done <- struct{}{}
		}()
	}
	for i := range events {
		if ctx.Err() != nil {
			break
		}
		idxCh <- i
	}
	close(idxCh)
	for w := 0; w < workers; w++ {
		<-done
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	kept := make([]models.CanonicalEvent, 0, len(events))
	keptDetections := make([][]normalize.PIIDetection, 0, len(events))
	malformedCount := 0
	for i := range events {
		if malformed[i] {
			malformedCount++
			continue
		}
		kept = append(kept, events[i])
		keptDetections = append(keptDetections, detections[i])
	}
	if malformedCount > 0 {
		logger.Warnf("%d event(s) degraded to malformed during canonicalization", malformedCount)
	}
	return kept, keptDetections, nil
}

// recordPIIDetections emits one audit row per redaction event, keyed to
// the signature once it exists; only hashes of originals travel.
func (o *Orchestrator) recordPIIDetections(events []models.CanonicalEvent, detections [][]normalize.PIIDetection) {
	if o.run.LastCompletedStage >= models.StageNormalize {
		return
	}
	for i := range events {
		for _, d := range detections[i] {
			if o.metrics != nil {
				o.metrics.PIIRedactions.WithLabelValues(d.Kind).Add(float64(d.Count))
			}
			logger.Audit("pii_redaction", map[string]any{
				"run_id":        o.run.RunID,
				"pii_kind":      d.Kind,
				"field_source":  d.FieldSource,
				"token":         d.Token,
				"original_hash": d.OriginalHash,
				"occurrences":   d.Count,
			})
			if err := o.queue.Enqueue(store.Intent{Op: store.OpInsert, Table: "pii_audit", Record: map[string]any{
				"run_id":          o.run.RunID,
				"url_signature":   events[i].URLSignature,
				"pii_kind":        d.Kind,
				"field_source":    d.FieldSource,
				"redaction_token": d.Token,
				"original_hash":   d.OriginalHash,
				"occurrences":     d.Count,
			}, RunID: o.run.RunID}); err != nil {
				logger.Errorf("PII audit row dropped: %v", err)
				return
			}
		}
	}
}

// collectSignatures derives the signature for every event and returns
// the unique signature records.
func collectSignatures(events []models.CanonicalEvent, builder *signature.Builder) map[string]models.Signature {
	sigs := make(map[string]models.Signature)
	for i := range events {
		ev := &events[i]
		if ev.NormHost == "" {
			continue
		}
		sig := builder.Build(ev.NormHost, ev.NormPath, ev.NormQuery, ev.HTTPMethod, ev.BytesSent, "")
		ev.URLSignature = sig.Value
		if _, seen := sigs[sig.Value]; !seen {
			sigs[sig.Value] = sig
		}
	}
	return sigs
}

func (o *Orchestrator) stageStats(events []models.CanonicalEvent, sigs map[string]models.Signature) error {
	outcome := o.outcome

	keys := make([]string, 0, len(outcome.Stats))
	for k := range outcome.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, sigValue := range keys {
		st := outcome.Stats[sigValue]
		if sig, ok := sigs[sigValue]; ok {
			st.NormPathTemplate = sig.NormPathTemplate
			st.BytesBucket = sig.BytesBucket
		}
		if err := o.queue.Enqueue(store.Intent{Op: store.OpUpsert, Table: "signature_stats", Record: map[string]any{
			"run_id":                         o.run.RunID,
			"url_signature":                  st.URLSignature,
			"norm_host":                      st.NormHost,
			"norm_path_template":             st.NormPathTemplate,
			"dest_domain":                    st.DestDomain,
			"bytes_sent_bucket":              st.BytesBucket,
			"access_count":                   st.AccessCount,
			"unique_users":                   st.UniqueUsers,
			"bytes_sent_sum":                 st.BytesSentSum,
			"bytes_sent_max":                 st.BytesSentMax,
			"bytes_sent_p95":                 st.BytesSentP95,
			"bytes_received_sum":             st.BytesReceivedSum,
			"burst_max_5min":                 st.BurstMax5Min,
			"cumulative_user_domain_day_max": st.CumulativeMax,
			"candidate_flags":                st.CandidateFlags,
			"sampled":                        boolToInt(st.Sampled),
			"first_seen":                     st.FirstSeen.Format(time.RFC3339Nano),
			"last_seen":                      st.LastSeen.Format(time.RFC3339Nano),
		}, RunID: o.run.RunID}); err != nil {
			return err
		}
	}

	logger.Audit("candidate_selection", map[string]any{
		"run_id":           o.run.RunID,
		"a_count":          outcome.Metadata.ACount,
		"b_count":          outcome.Metadata.BCount,
		"c_count":          outcome.Metadata.CCount,
		"sample_eligible":  outcome.Metadata.SampleEligible,
		"sample_excluded":  outcome.Metadata.SampleExcluded,
		"sample_narrative": outcome.Metadata.SampleNarrative,
	})

	o.run.TotalEvents = int64(len(events))
	o.run.UniqueSignatures = int64(len(sigs))
	return o.updateRunCounters()
}

func (o *Orchestrator) stageRules(ctx context.Context, sigs map[string]models.Signature) error {
	keys := make([]string, 0, len(sigs))
	for k := range sigs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cacheHits, ruleHits int64
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sig := sigs[key]

		existing, err := o.store.GetClassification(sig.Value)
		if err != nil {
			return fmt.Errorf("cache lookup: %w", err)
		}
		if existing != nil {
			cacheHits++
			continue
		}

		if mirrored, ok := o.mirror.Get(ctx, sig.Value); ok {
			cacheHits++
			o.writeClassification(mirrored, "mirror")
			continue
		}

		c := o.rules.Classify(&sig)
		if c == nil {
			continue
		}
		ruleHits++
		o.writeClassification(c, "rule")
	}

	if o.metrics != nil {
		o.metrics.CacheHits.Add(float64(cacheHits))
		o.metrics.RuleHits.Add(float64(ruleHits))
	}
	logger.Infof("Classification cache: hits=%d rule_hits=%d residual=%d",
		cacheHits, ruleHits, int64(len(sigs))-cacheHits-ruleHits)

	o.run.CacheHitCount = cacheHits
	return o.updateRunCounters()
}

func (o *Orchestrator) writeClassification(c *models.Classification, origin string) {
	rec := map[string]any{
		"url_signature":           c.URLSignature,
		"service_name":            c.ServiceName,
		"usage_type":              c.UsageType,
		"risk_level":              c.RiskLevel,
		"category":                c.Category,
		"confidence":              c.Confidence,
		"rationale_short":         c.RationaleShort,
		"classification_source":   c.Source,
		"signature_version":       c.SchemeVersion,
		"rule_version":            c.RuleVersion,
		"prompt_version":          o.versions.Prompt,
		"taxonomy_version":        o.versions.Taxonomy,
		"taxonomy_schema_version": o.versions.Taxonomy,
		"status":                  c.Status,
		"is_human_verified":       boolToInt(c.IsHumanVerified),
		"fs_code":                 c.Taxonomy.FSCode,
		"im_code":                 c.Taxonomy.IMCode,
		"uc_codes_json":           models.CodesJSON(c.Taxonomy.UCCodes),
		"dt_codes_json":           models.CodesJSON(c.Taxonomy.DTCodes),
		"ch_codes_json":           models.CodesJSON(c.Taxonomy.CHCodes),
		"rs_codes_json":           models.CodesJSON(c.Taxonomy.RSCodes),
		"ev_codes_json":           models.CodesJSON(c.Taxonomy.EVCodes),
		"ob_codes_json":           models.CodesJSON(c.Taxonomy.OBCodes),
		"analysis_date":           o.now().UTC().Format(time.RFC3339Nano),
	}
	if err := o.queue.Enqueue(store.Intent{Op: store.OpUpsert, Table: "analysis_cache", Record: rec, RunID: o.run.RunID}); err != nil {
		logger.Errorf("Classification write dropped for %s: %v", c.URLSignature, err)
		return
	}
	o.changeLog = append(o.changeLog, evidence.ChangeEntry{
		URLSignature: c.URLSignature,
		Source:       c.Source,
		OldStatus:    "",
		NewStatus:    c.Status,
	})
	logger.Debugf("Classified %s via %s as %s", c.URLSignature, origin, c.ServiceName)
}

func (o *Orchestrator) stageLLM(ctx context.Context, opts Options) error {
	if err := o.queue.Flush(); err != nil {
		return err
	}

	pending, err := o.store.PendingForLLM(o.run.RunID, o.now().UTC())
	if err != nil {
		return fmt.Errorf("pending view: %w", err)
	}
	logger.Infof("External analysis: %d signature(s) pending", len(pending))

	versions := llm.Versions{
		Scheme:   o.versions.Scheme,
		Rule:     o.versions.Rule,
		Prompt:   o.versions.Prompt,
		Taxonomy: o.versions.Taxonomy,
	}

	if opts.DisableLLM {
		o.llmSummary, err = llm.NewStub(o.queue, versions).Run(pending)
	} else {
		client, cerr := llm.NewClient(o.cfg.LLM)
		if cerr != nil {
			return cerr
		}
		o.budget = llm.NewBudget(o.cfg.LLM)
		analyzer := llm.NewAnalyzer(client, o.budget, o.taxonomy, o.queue, o.cfg.LLM, versions)
		o.llmSummary, err = analyzer.Run(ctx, pending, o.cfg.Pipeline.Workers)
	}
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.LLMRequests.Add(float64(o.llmSummary.Sent))
		o.metrics.LLMTokens.WithLabelValues("input").Add(float64(o.llmSummary.TokensIn))
		o.metrics.LLMTokens.WithLabelValues("output").Add(float64(o.llmSummary.TokensOut))
	}

	o.run.LLMSentCount = o.llmSummary.Sent
	if err := o.updateRunCounters(); err != nil {
		return err
	}

	// Write-behind into the mirror once the store has committed.
	if o.mirror != nil {
		if err := o.queue.Flush(); err != nil {
			return err
		}
		classifications, err := o.store.ClassificationsFor(o.run.RunID)
		if err == nil {
			for i := range classifications {
				o.mirror.Put(ctx, &classifications[i])
			}
		}
	}
	return nil
}

func (o *Orchestrator) stageEvidence(outputDir string) error {
	if err := o.queue.Flush(); err != nil {
		return err
	}

	var budgetStatus llm.BudgetStatus
	if o.budget != nil {
		budgetStatus = o.budget.Status()
	}
	data := evidence.Data{
		Run:        o.run,
		Selection:  o.outcome.Metadata,
		LLM:        o.llmSummary,
		Budget:     budgetStatus,
		Dictionary: o.taxonomy.Dictionary(),
		ChangeLog:  o.changeLog,
		AuditLog:   o.auditPath,
	}
	if outputDir == "" {
		outputDir = filepath.Join(o.cfg.Store.WorkDir, o.run.RunID, "output")
	}
	result, err := evidence.NewEmitter(o.store).Emit(data, outputDir)
	if err != nil {
		// A validator failure is always a failed run, never partial.
		return fmt.Errorf("evidence bundle: %w", err)
	}
	logger.Infof("Evidence bundle sealed at %s (%d payload file(s))", result.BundlePath, len(result.Files))
	return nil
}

func (o *Orchestrator) updateRunCounters() error {
	return o.queue.Enqueue(store.Intent{Op: store.OpExec,
		SQL: `UPDATE runs SET total_events = ?, unique_signatures = ?, cache_hit_count = ?, llm_sent_count = ? WHERE run_id = ?`,
		Args: []any{o.run.TotalEvents, o.run.UniqueSignatures, o.run.CacheHitCount,
			o.run.LLMSentCount, o.run.RunID},
		RunID: o.run.RunID,
	})
}

func resolveInputs(inputPath string) ([]string, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("input path: %w", err)
	}
	if !info.IsDir() {
		return []string{inputPath}, nil
	}

	entries, err := os.ReadDir(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".csv", ".tsv", ".log", ".txt", ".jsonl", ".ndjson":
			out = append(out, filepath.Join(inputPath, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no input files under %s", inputPath)
	}
	sort.Strings(out)
	return out, nil
}

func hostWithoutPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx:], "]") {
		return host[:idx]
	}
	return host
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
