package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks a sealed bundle: every indexed file exists with a
// matching digest, the hash chain covers the manifest and the objects
// index, the head digest seals the chain, and at least one signature
// references manifest.json. An empty result means the bundle is valid.
func Validate(bundleDir string) []string {
	var errs []string

	manifestPath := filepath.Join(bundleDir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return []string{fmt.Sprintf("manifest unreadable: %v", err)}
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return []string{fmt.Sprintf("manifest unparseable: %v", err)}
	}

	if m.BundleID == "" || m.BundleVer == "" || m.CreatedAt == "" {
		errs = append(errs, "manifest missing bundle_id, bundle_version, or created_at")
	}

	for _, entry := range m.ObjectIndex {
		if err := checkDigest(bundleDir, entry.Path, entry.SHA256); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, entry := range m.PayloadIndex {
		if err := checkDigest(bundleDir, entry.Path, entry.SHA256); err != nil {
			errs = append(errs, err.Error())
		}
	}

	errs = append(errs, validateChain(bundleDir, &m)...)
	errs = append(errs, validateSigning(bundleDir, &m)...)
	return errs
}

func validateChain(bundleDir string, m *Manifest) []string {
	var errs []string

	chainPath := filepath.Join(bundleDir, "hashes", "chain.json")
	chainRaw, err := os.ReadFile(chainPath)
	if err != nil {
		return []string{fmt.Sprintf("hash chain unreadable: %v", err)}
	}
	if head := bytesSHA256(chainRaw); head != m.HashChain.Head {
		errs = append(errs, fmt.Sprintf("hash chain head mismatch: manifest says %.16s, chain file is %.16s", m.HashChain.Head, head))
	}

	var chain chainDoc
	if err := json.Unmarshal(chainRaw, &chain); err != nil {
		return append(errs, fmt.Sprintf("hash chain unparseable: %v", err))
	}

	covered := make(map[string]string, len(chain.Entries))
	for _, entry := range chain.Entries {
		covered[entry.Path] = entry.SHA256
	}
	for _, want := range []string{"manifest.json", "objects/index.json"} {
		if _, ok := covered[want]; !ok {
			errs = append(errs, fmt.Sprintf("hash chain does not cover %s", want))
		}
	}

	// The chain's manifest digest was taken over the manifest with a
	// zeroed head; recompute the same way from the sealed file.
	if wantSHA, ok := covered["manifest.json"]; ok {
		unsealed := *m
		unsealed.HashChain.Head = zeroDigest
		data, err := marshalCanonical(&unsealed)
		if err != nil {
			errs = append(errs, fmt.Sprintf("manifest re-marshal failed: %v", err))
		} else if got := bytesSHA256(data); got != wantSHA {
			errs = append(errs, fmt.Sprintf("manifest digest mismatch in hash chain: want %.16s, got %.16s", wantSHA, got))
		}
	}
	if wantSHA, ok := covered["objects/index.json"]; ok {
		if err := checkDigest(bundleDir, "objects/index.json", wantSHA); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func validateSigning(bundleDir string, m *Manifest) []string {
	var errs []string
	if len(m.Signing.Signatures) == 0 {
		return []string{"no signatures present"}
	}
	manifestTargeted := false
	for _, sig := range m.Signing.Signatures {
		if _, err := os.Stat(filepath.Join(bundleDir, filepath.FromSlash(sig.Path))); err != nil {
			errs = append(errs, fmt.Sprintf("signature file %s missing", sig.Path))
		}
		for _, target := range sig.Targets {
			if target == "manifest.json" {
				manifestTargeted = true
			}
		}
	}
	if !manifestTargeted {
		errs = append(errs, "no signature references manifest.json")
	}
	return errs
}

func checkDigest(bundleDir, rel, want string) error {
	got, err := fileSHA256(filepath.Join(bundleDir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("indexed file %s unreadable: %v", rel, err)
	}
	if got != want {
		return fmt.Errorf("digest mismatch for %s: want %.16s, got %.16s", rel, want, got)
	}
	return nil
}
