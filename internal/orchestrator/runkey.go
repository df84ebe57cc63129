package orchestrator

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Versions are the pinned inputs participating in run-key derivation.
type Versions struct {
	Scheme       string
	Rule         string
	Prompt       string
	Taxonomy     string
	TaxonomyHash string
	EngineSpec   string
}

// ComputeInputManifestHash hashes the input file set: absolute paths in
// byte order, each with size and content digest. Two identical input
// sets always produce the same manifest hash.
func ComputeInputManifestHash(paths []string) (string, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		abs = append(abs, a)
	}
	sort.Strings(abs)

	entries := make([]string, 0, len(abs))
	for _, path := range abs {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("input file not readable: %w", err)
		}
		sum := sha256.Sum256(data)
		entries = append(entries, fmt.Sprintf("%s|%d|%s", path, len(data), hex.EncodeToString(sum[:])))
	}

	manifest := strings.Join(entries, "\n")
	sum := sha256.Sum256([]byte(manifest))
	return hex.EncodeToString(sum[:]), nil
}

// ComputeRunKey derives the deterministic run key. Two runs with
// identical run keys are interchangeable.
func ComputeRunKey(inputManifestHash, rangeStart, rangeEnd string, v Versions) string {
	input := strings.Join([]string{
		inputManifestHash,
		rangeStart,
		rangeEnd,
		v.Scheme,
		v.Rule,
		v.Prompt,
		v.Taxonomy,
		v.TaxonomyHash,
		v.EngineSpec,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

var runIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// RunIDFromKey shortens a run key to its identifier: lowercase base32 of
// the key digest, first 16 characters.
func RunIDFromKey(runKey string) string {
	raw, err := hex.DecodeString(runKey)
	if err != nil {
		raw = []byte(runKey)
	}
	enc := strings.ToLower(runIDEncoding.EncodeToString(raw))
	if len(enc) > 16 {
		enc = enc[:16]
	}
	return enc
}
