package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shadowscan/config"
	"shadowscan/internal/candidates"
	"shadowscan/internal/store"
	"shadowscan/pkg/models"
)

func testData(t *testing.T) (Data, *store.Store) {
	t.Helper()
	s, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "ev.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	run := &models.Run{
		RunID:             "abcdef0123456789",
		RunKey:            "deadbeef",
		StartedAt:         time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC),
		Status:            models.RunSucceeded,
		InputManifestHash: "1111",
		SchemeVersion:     "1.0",
		RuleVersion:       "1",
		PromptVersion:     "1",
		TaxonomyVersion:   "0.1.1",
		EngineSpecVersion: "1.5",
		TotalEvents:       100,
		UniqueSignatures:  10,
	}
	return Data{
		Run: run,
		Selection: candidates.Metadata{
			ACount: 2, BCount: 3, CCount: 1,
			SampleRate: 0.02, SampleSeed: run.RunID,
			SampleNarrative: "coverage sample: 1 of 50",
		},
		Dictionary: map[string]string{"FS-001": "Text Generation"},
		ChangeLog:  []ChangeEntry{{URLSignature: "s1", Source: models.SourceRule, NewStatus: "active"}},
	}, s
}

func TestEmitProducesValidBundle(t *testing.T) {
	data, s := testData(t)
	out := t.TempDir()

	result, err := NewEmitter(s).Emit(data, out)
	if err != nil {
		t.Fatalf("emit: %v (%v)", err, result.ValidationErrors)
	}
	if !result.ValidationPassed {
		t.Fatalf("validation failed: %v", result.ValidationErrors)
	}

	for _, want := range []string{
		"manifest.json",
		"objects/index.json",
		"payloads/run_manifest.json",
		"payloads/summary.json",
		"payloads/dictionary.json",
		"payloads/change_log.json",
		"payloads/evidence_pack_manifest.json",
		"payloads/analysis/taxonomy_assignments.json",
		"signatures/bundle.sig",
		"hashes/chain.json",
	} {
		if _, err := os.Stat(filepath.Join(result.BundlePath, filepath.FromSlash(want))); err != nil {
			t.Errorf("bundle file %s missing: %v", want, err)
		}
	}
}

func TestEmitIsDeterministic(t *testing.T) {
	data, s := testData(t)

	digest := func(dir string) map[string]string {
		out := map[string]string{}
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(raw)
			rel, _ := filepath.Rel(dir, path)
			out[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
			return nil
		})
		return out
	}

	out1, out2 := t.TempDir(), t.TempDir()
	if _, err := NewEmitter(s).Emit(data, out1); err != nil {
		t.Fatalf("emit 1: %v", err)
	}
	if _, err := NewEmitter(s).Emit(data, out2); err != nil {
		t.Fatalf("emit 2: %v", err)
	}

	d1 := digest(filepath.Join(out1, "evidence_bundle"))
	d2 := digest(filepath.Join(out2, "evidence_bundle"))
	if len(d1) == 0 || len(d1) != len(d2) {
		t.Fatalf("file sets differ: %d vs %d", len(d1), len(d2))
	}
	for rel, sha := range d1 {
		if d2[rel] != sha {
			t.Errorf("file %s differs across identical runs", rel)
		}
	}
}

func TestValidatorCatchesTampering(t *testing.T) {
	data, s := testData(t)
	out := t.TempDir()
	result, err := NewEmitter(s).Emit(data, out)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	summaryPath := filepath.Join(result.BundlePath, "payloads", "summary.json")
	if err := os.WriteFile(summaryPath, []byte(`{"tampered": true}`), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	errs := Validate(result.BundlePath)
	if len(errs) == 0 {
		t.Fatal("tampered payload not detected")
	}
}

func TestValidatorCatchesChainTampering(t *testing.T) {
	data, s := testData(t)
	out := t.TempDir()
	result, err := NewEmitter(s).Emit(data, out)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	chainPath := filepath.Join(result.BundlePath, "hashes", "chain.json")
	raw, err := os.ReadFile(chainPath)
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	if err := os.WriteFile(chainPath, append(raw, ' '), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	errs := Validate(result.BundlePath)
	if len(errs) == 0 {
		t.Fatal("chain tampering not detected")
	}
}
