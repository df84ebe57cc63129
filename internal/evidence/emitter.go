package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"shadowscan/internal/candidates"
	"shadowscan/internal/llm"
	"shadowscan/internal/logger"
	"shadowscan/internal/store"
	"shadowscan/pkg/models"
)

const bundleVersion = "1.0.0"

// Manifest is the bundle root document.
type Manifest struct {
	BundleID     string         `json:"bundle_id"`
	BundleVer    string         `json:"bundle_version"`
	CreatedAt    string         `json:"created_at"`
	ScopeRef     string         `json:"scope_ref"`
	ObjectIndex  []IndexEntry   `json:"object_index"`
	PayloadIndex []PayloadEntry `json:"payload_index"`
	HashChain    HashChain      `json:"hash_chain"`
	Signing      Signing        `json:"signing"`
}

// IndexEntry references one enumerable object.
type IndexEntry struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PayloadEntry references one payload file with its digest.
type PayloadEntry struct {
	LogicalID string `json:"logical_id"`
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
}

// HashChain anchors the bundle: its head digest covers the manifest and
// the objects index.
type HashChain struct {
	Algorithm string   `json:"algorithm"`
	Head      string   `json:"head"`
	Path      string   `json:"path"`
	Covers    []string `json:"covers"`
}

// Signing lists the bundle signatures; at least one references
// manifest.json as its target.
type Signing struct {
	Signatures []SignatureRef `json:"signatures"`
}

// SignatureRef is one signature entry.
type SignatureRef struct {
	SignatureID string   `json:"signature_id"`
	Path        string   `json:"path"`
	Targets     []string `json:"targets"`
	Algorithm   string   `json:"algorithm"`
	CreatedAt   string   `json:"created_at"`
}

type chainDoc struct {
	Algorithm string       `json:"algorithm"`
	Covers    []string     `json:"covers"`
	Entries   []chainEntry `json:"entries"`
}

type chainEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ChangeEntry records one classification created or updated by the run.
type ChangeEntry struct {
	URLSignature string `json:"url_signature"`
	Source       string `json:"classification_source"`
	OldStatus    string `json:"old_status"`
	NewStatus    string `json:"new_status"`
}

// Data carries everything the emitter needs besides the store reader.
type Data struct {
	Run        *models.Run
	Selection  candidates.Metadata
	LLM        llm.Summary
	Budget     llm.BudgetStatus
	Dictionary map[string]string
	ChangeLog  []ChangeEntry
	AuditLog   string
}

// Result reports the emitted bundle.
type Result struct {
	BundlePath       string
	Files            []string
	ValidationPassed bool
	ValidationErrors []string
}

// Emitter writes the deterministic per-run evidence bundle. Given the
// same run, the output is byte-identical: every timestamp is derived
// from the run's start instant and every index is built in a fixed order.
type Emitter struct {
	reader *store.Store
}

// NewEmitter builds the emitter over the store's read surface.
func NewEmitter(reader *store.Store) *Emitter {
	return &Emitter{reader: reader}
}

// Emit writes the bundle under outputDir and validates its own output
// before returning. A validation failure is an error; the caller sets
// the run's status to failed, never partial.
func (e *Emitter) Emit(data Data, outputDir string) (*Result, error) {
	bundleDir := filepath.Join(outputDir, "evidence_bundle")
	for _, sub := range []string{"objects", "payloads", "payloads/logs", "payloads/analysis", "signatures", "hashes"} {
		if err := os.MkdirAll(filepath.Join(bundleDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create bundle directory: %w", err)
		}
	}

	createdAt := data.Run.StartedAt.UTC().Format(time.RFC3339)
	var files []string

	add := func(rel string, err error) error {
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	}

	if err := add("payloads/run_manifest.json", e.writeRunManifest(bundleDir, data, createdAt)); err != nil {
		return nil, err
	}
	if err := add("payloads/summary.json", e.writeSummary(bundleDir, data)); err != nil {
		return nil, err
	}
	if err := add("payloads/dictionary.json", writeJSON(filepath.Join(bundleDir, "payloads", "dictionary.json"), data.Dictionary)); err != nil {
		return nil, err
	}
	if err := add("payloads/change_log.json", e.writeChangeLog(bundleDir, data)); err != nil {
		return nil, err
	}
	if err := add("payloads/analysis/taxonomy_assignments.json", e.writeTaxonomyAssignments(bundleDir, data.Run.RunID)); err != nil {
		return nil, err
	}
	if err := add("payloads/logs/pii_redactions.json", e.writePIILog(bundleDir, data.Run.RunID)); err != nil {
		return nil, err
	}
	if data.AuditLog != "" {
		if err := copyFile(data.AuditLog, filepath.Join(bundleDir, "payloads", "logs", "run_audit.jsonl")); err == nil {
			files = append(files, "payloads/logs/run_audit.jsonl")
		} else {
			logger.Warnf("Audit log not shipped into bundle: %v", err)
		}
	}
	if err := add("payloads/evidence_pack_manifest.json", e.writePackManifest(bundleDir, data, createdAt, files)); err != nil {
		return nil, err
	}

	objectsIndexPath := filepath.Join(bundleDir, "objects", "index.json")
	if err := writeJSON(objectsIndexPath, map[string]any{
		"bundle_run_id": data.Run.RunID,
		"created_at":    createdAt,
	}); err != nil {
		return nil, err
	}
	indexSHA, err := fileSHA256(objectsIndexPath)
	if err != nil {
		return nil, err
	}

	payloadIndex, err := buildPayloadIndex(bundleDir, files)
	if err != nil {
		return nil, err
	}

	sigPath := filepath.Join(bundleDir, "signatures", "bundle.sig")
	if err := os.WriteFile(sigPath, []byte("Signature reference targeting manifest.json; cryptographic verification is a later bundle version.\n"), 0644); err != nil {
		return nil, err
	}

	manifest := Manifest{
		BundleID:  uuid.NewSHA1(uuid.NameSpaceURL, []byte("shadowscan:"+data.Run.RunKey)).String(),
		BundleVer: bundleVersion,
		CreatedAt: createdAt,
		ScopeRef:  "SC-001",
		ObjectIndex: []IndexEntry{
			{ID: "index", Type: "index", Path: "objects/index.json", SHA256: indexSHA},
		},
		PayloadIndex: payloadIndex,
		HashChain: HashChain{
			Algorithm: "sha256",
			Head:      zeroDigest,
			Path:      "hashes/chain.json",
			Covers:    []string{"manifest.json", "objects/index.json"},
		},
		Signing: Signing{Signatures: []SignatureRef{{
			SignatureID: "SIG-001",
			Path:        "signatures/bundle.sig",
			Targets:     []string{"manifest.json"},
			Algorithm:   "unspecified",
			CreatedAt:   createdAt,
		}}},
	}

	if err := sealManifest(bundleDir, &manifest, indexSHA); err != nil {
		return nil, err
	}

	result := &Result{BundlePath: bundleDir, Files: files}
	if errs := Validate(bundleDir); len(errs) > 0 {
		result.ValidationErrors = errs
		return result, fmt.Errorf("bundle validation failed: %s", strings.Join(errs, "; "))
	}
	result.ValidationPassed = true
	return result, nil
}

const zeroDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// sealManifest writes the hash chain and the final manifest. The chain's
// manifest digest is computed over the manifest with a zeroed head, so
// the validator can recompute it from the sealed file.
func sealManifest(bundleDir string, m *Manifest, indexSHA string) error {
	m.HashChain.Head = zeroDigest
	unsealed, err := marshalCanonical(m)
	if err != nil {
		return err
	}
	manifestSHA := bytesSHA256(unsealed)

	chain := chainDoc{
		Algorithm: "sha256",
		Covers:    []string{"manifest.json", "objects/index.json"},
		Entries: []chainEntry{
			{Path: "manifest.json", SHA256: manifestSHA},
			{Path: "objects/index.json", SHA256: indexSHA},
		},
	}
	chainPath := filepath.Join(bundleDir, "hashes", "chain.json")
	if err := writeJSON(chainPath, chain); err != nil {
		return err
	}
	head, err := fileSHA256(chainPath)
	if err != nil {
		return err
	}

	m.HashChain.Head = head
	return writeJSON(filepath.Join(bundleDir, "manifest.json"), m)
}

func (e *Emitter) writeRunManifest(bundleDir string, data Data, createdAt string) error {
	run := data.Run
	doc := map[string]any{
		"run_id":              run.RunID,
		"run_key":             run.RunKey,
		"started_at":          run.StartedAt.UTC().Format(time.RFC3339),
		"status":              run.Status,
		"input_manifest_hash": run.InputManifestHash,
		"taxonomy": map[string]any{
			"version":             run.TaxonomyVersion,
			"commit":              run.TaxonomyCommit,
			"artifacts_dir_sha256": run.TaxonomyHash,
		},
		"versions": map[string]any{
			"signature_version":   run.SchemeVersion,
			"rule_version":        run.RuleVersion,
			"prompt_version":      run.PromptVersion,
			"taxonomy_version":    run.TaxonomyVersion,
			"engine_spec_version": run.EngineSpecVersion,
		},
		"psl_hash": run.PSLHash,
		"extraction_parameters": map[string]any{
			"a_threshold_bytes":     data.Selection.AMinBytes,
			"b_burst_window_seconds": data.Selection.BurstWindowSec,
			"b_burst_count":         data.Selection.BurstCount,
			"b_cumulative_bytes":    data.Selection.CumulativeBytes,
			"c_sample_rate":         data.Selection.SampleRate,
			"sample_seed":           data.Selection.SampleSeed,
			"exclusion_count":       data.Selection.SampleExcluded,
			"sample_narrative":      data.Selection.SampleNarrative,
		},
		"generated_at": createdAt,
	}
	return writeJSON(filepath.Join(bundleDir, "payloads", "run_manifest.json"), doc)
}

func (e *Emitter) writeSummary(bundleDir string, data Data) error {
	run := data.Run
	doc := map[string]any{
		"run_id":            run.RunID,
		"status":            run.Status,
		"total_events":      run.TotalEvents,
		"unique_signatures": run.UniqueSignatures,
		"cache_hit_count":   run.CacheHitCount,
		"candidates": map[string]any{
			"a_count":         data.Selection.ACount,
			"b_count":         data.Selection.BCount,
			"c_count":         data.Selection.CCount,
			"sample_eligible": data.Selection.SampleEligible,
			"sample_excluded": data.Selection.SampleExcluded,
		},
		"llm":    data.LLM,
		"budget": data.Budget,
	}
	return writeJSON(filepath.Join(bundleDir, "payloads", "summary.json"), doc)
}

func (e *Emitter) writeChangeLog(bundleDir string, data Data) error {
	entries := data.ChangeLog
	if entries == nil {
		entries = []ChangeEntry{}
	}
	return writeJSON(filepath.Join(bundleDir, "payloads", "change_log.json"), map[string]any{
		"run_id":  data.Run.RunID,
		"changes": entries,
	})
}

func (e *Emitter) writeTaxonomyAssignments(bundleDir, runID string) error {
	classifications, err := e.reader.ClassificationsFor(runID)
	if err != nil {
		return fmt.Errorf("read classifications: %w", err)
	}
	rows := make([]map[string]any, 0, len(classifications))
	for i := range classifications {
		c := &classifications[i]
		rows = append(rows, map[string]any{
			"url_signature": c.URLSignature,
			"service_name":  c.ServiceName,
			"status":        c.Status,
			"source":        c.Source,
			"fs_code":       c.Taxonomy.FSCode,
			"im_code":       c.Taxonomy.IMCode,
			"uc_codes":      c.Taxonomy.UCCodes,
			"dt_codes":      c.Taxonomy.DTCodes,
			"ch_codes":      c.Taxonomy.CHCodes,
			"rs_codes":      c.Taxonomy.RSCodes,
			"ev_codes":      c.Taxonomy.EVCodes,
			"ob_codes":      c.Taxonomy.OBCodes,
		})
	}
	return writeJSON(filepath.Join(bundleDir, "payloads", "analysis", "taxonomy_assignments.json"), rows)
}

func (e *Emitter) writePIILog(bundleDir, runID string) error {
	counts, err := e.reader.PIIAuditCounts(runID)
	if err != nil {
		return fmt.Errorf("read pii audit: %w", err)
	}
	return writeJSON(filepath.Join(bundleDir, "payloads", "logs", "pii_redactions.json"), map[string]any{
		"run_id":             runID,
		"redactions_by_kind": counts,
	})
}

func (e *Emitter) writePackManifest(bundleDir string, data Data, createdAt string, files []string) error {
	inner := make([]string, 0, len(files))
	for _, f := range files {
		inner = append(inner, strings.TrimPrefix(f, "payloads/"))
	}
	doc := map[string]any{
		"run_id":     data.Run.RunID,
		"created_at": createdAt,
		"files":      inner,
	}
	return writeJSON(filepath.Join(bundleDir, "payloads", "evidence_pack_manifest.json"), doc)
}

func buildPayloadIndex(bundleDir string, files []string) ([]PayloadEntry, error) {
	out := make([]PayloadEntry, 0, len(files))
	for _, rel := range files {
		full := filepath.Join(bundleDir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("index payload %s: %w", rel, err)
		}
		sha, err := fileSHA256(full)
		if err != nil {
			return nil, err
		}
		mime := "application/json"
		if strings.HasSuffix(rel, ".jsonl") {
			mime = "application/jsonl"
		}
		out = append(out, PayloadEntry{
			LogicalID: strings.NewReplacer("/", "_", " ", "_").Replace(rel),
			Path:      rel,
			SHA256:    sha,
			MIME:      mime,
			Size:      info.Size(),
		})
	}
	return out, nil
}

func marshalCanonical(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeJSON(path string, v any) error {
	data, err := marshalCanonical(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return bytesSHA256(data), nil
}

func bytesSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
