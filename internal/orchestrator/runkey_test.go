package orchestrator

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestInputManifestHashIsOrderInsensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	if err := os.WriteFile(a, []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := ComputeInputManifestHash([]string{a, b})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := ComputeInputManifestHash([]string{b, a})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Error("manifest hash depends on argument order")
	}

	if err := os.WriteFile(b, []byte("two!"), 0644); err != nil {
		t.Fatal(err)
	}
	h3, err := ComputeInputManifestHash([]string{a, b})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Error("content change did not change the manifest hash")
	}
}

func TestMissingInputFileFailsManifestHash(t *testing.T) {
	if _, err := ComputeInputManifestHash([]string{filepath.Join(t.TempDir(), "ghost.csv")}); err == nil {
		t.Fatal("missing input accepted")
	}
}

func TestRunKeyDependsOnEveryPinnedInput(t *testing.T) {
	base := Versions{
		Scheme: "1.0", Rule: "1", Prompt: "1",
		Taxonomy: "0.1.1", TaxonomyHash: "aaaa", EngineSpec: "1.5",
	}
	ref := ComputeRunKey("m", "2026-01-01", "2026-01-31", base)

	if ComputeRunKey("m", "2026-01-01", "2026-01-31", base) != ref {
		t.Fatal("run key not deterministic")
	}

	variants := []Versions{
		{Scheme: "2.0", Rule: "1", Prompt: "1", Taxonomy: "0.1.1", TaxonomyHash: "aaaa", EngineSpec: "1.5"},
		{Scheme: "1.0", Rule: "2", Prompt: "1", Taxonomy: "0.1.1", TaxonomyHash: "aaaa", EngineSpec: "1.5"},
		{Scheme: "1.0", Rule: "1", Prompt: "2", Taxonomy: "0.1.1", TaxonomyHash: "aaaa", EngineSpec: "1.5"},
		{Scheme: "1.0", Rule: "1", Prompt: "1", Taxonomy: "0.2.0", TaxonomyHash: "aaaa", EngineSpec: "1.5"},
		{Scheme: "1.0", Rule: "1", Prompt: "1", Taxonomy: "0.1.1", TaxonomyHash: "bbbb", EngineSpec: "1.5"},
		{Scheme: "1.0", Rule: "1", Prompt: "1", Taxonomy: "0.1.1", TaxonomyHash: "aaaa", EngineSpec: "1.6"},
	}
	for i, v := range variants {
		if ComputeRunKey("m", "2026-01-01", "2026-01-31", v) == ref {
			t.Errorf("variant %d did not change the run key", i)
		}
	}
	if ComputeRunKey("m2", "2026-01-01", "2026-01-31", base) == ref {
		t.Error("manifest hash not part of the run key")
	}
	if ComputeRunKey("m", "2026-02-01", "2026-02-28", base) == ref {
		t.Error("time range not part of the run key")
	}
}

func TestRunIDShape(t *testing.T) {
	key := ComputeRunKey("m", "", "", Versions{Scheme: "1.0", EngineSpec: "1.5"})
	id := RunIDFromKey(key)
	if len(id) != 16 {
		t.Fatalf("run id length = %d, want 16", len(id))
	}
	if !regexp.MustCompile(`^[a-z2-7]{16}$`).MatchString(id) {
		t.Errorf("run id %q is not lowercase base32", id)
	}
	if RunIDFromKey(key) != id {
		t.Error("run id not deterministic")
	}
}

func TestLockPreventsDoubleRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	l1 := NewLock(path)
	if err := l1.Acquire("key1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	l2 := NewLock(path)
	err := l2.Acquire("key2")
	if err == nil {
		t.Fatal("second acquire succeeded")
	}
	held, ok := err.(*HeldError)
	if !ok {
		t.Fatalf("err = %T, want *HeldError", err)
	}
	if held.Holder == "" || held.Holder == "unknown" {
		t.Errorf("holder payload missing: %q", held.Holder)
	}

	l1.Release()
	if err := l2.Acquire("key2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
}
