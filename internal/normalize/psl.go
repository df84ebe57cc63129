package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// pslSnapshot pins the Public Suffix List input for a run. The snapshot file
// is hashed at load time and the hash travels on the run record; extraction
// itself uses the publicsuffix table. A missing or unreadable snapshot is
// fatal: registrable-domain extraction without a pinned list is not allowed.
type pslSnapshot struct {
	path string
	hash string
}

func loadPSLSnapshot(path string) (*pslSnapshot, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("psl snapshot path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read psl snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("psl snapshot is empty: %s", path)
	}
	sum := sha256.Sum256(data)
	return &pslSnapshot{path: path, hash: hex.EncodeToString(sum[:])}, nil
}

// registrableDomain returns the eTLD+1 for a normalized hostname.
// Hosts the list cannot split (bare suffixes, addresses) map to themselves.
func (p *pslSnapshot) registrableDomain(host string) string {
	if host == "" {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
