package taxonomy

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"shadowscan/config"
	"shadowscan/internal/logger"
	"shadowscan/pkg/models"
)

// releaseBuild is set to "true" via -ldflags in release builds; the
// pinning override environment variable is ignored when it is.
var releaseBuild = "false"

const skipPinningEnv = "ALLOW_SKIP_PINNING"

// Dimension identifiers in canonical order.
var Dimensions = []string{"FS", "UC", "DT", "CH", "IM", "RS", "OB", "EV"}

// Cardinality bounds one dimension. Max of 0 means unlimited.
type Cardinality struct {
	Min  int
	Max  int
	Name string
}

var dimensionCardinality = map[string]Cardinality{
	"FS": {Min: 1, Max: 1, Name: "Functional Scope"},
	"IM": {Min: 1, Max: 1, Name: "Integration Mode"},
	"UC": {Min: 1, Max: 0, Name: "Use Case Class"},
	"DT": {Min: 1, Max: 0, Name: "Data Type"},
	"CH": {Min: 1, Max: 0, Name: "Channel"},
	"RS": {Min: 1, Max: 0, Name: "Risk Surface"},
	"EV": {Min: 1, Max: 0, Name: "Log/Event Type"},
	"OB": {Min: 0, Max: 0, Name: "Outcome / Benefit"},
}

// Code is one taxonomy dictionary entry.
type Code struct {
	Code      string
	Dimension string
	Label     string
	Status    string
}

type artifactMeta struct {
	Version string `yaml:"version"`
	Commit  string `yaml:"commit"`
	Tag     string `yaml:"tag"`
}

// Adapter loads the pinned taxonomy artifact read-only and validates
// assignments against its cardinality rules.
type Adapter struct {
	version   string
	commit    string
	tag       string
	dirHash   string
	codes     map[string]Code
	byDim     map[string][]string
	fallbacks map[string]string
}

// PinningError reports a mismatch between the resolved artifact and the
// pinned values. It is fatal unless the development override is set.
type PinningError struct {
	Problems []string
}

func (e *PinningError) Error() string {
	return "taxonomy pinning verification failed: " + strings.Join(e.Problems, "; ")
}

// Load resolves the artifact from the version-addressed cache directory,
// hashes its contents, enforces pinning, and loads the code dictionary.
func Load(cfg config.TaxonomyConfig) (*Adapter, error) {
	if cfg.CacheDir == "" || cfg.Version == "" {
		return nil, fmt.Errorf("taxonomy cache_dir and version are required")
	}
	dir := filepath.Join(cfg.CacheDir, cfg.Version)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("taxonomy artifact not found: %s", dir)
	}

	dirHash, err := hashDir(dir)
	if err != nil {
		return nil, fmt.Errorf("hash taxonomy artifact: %w", err)
	}

	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		version:   meta.Version,
		commit:    meta.Commit,
		tag:       meta.Tag,
		dirHash:   dirHash,
		codes:     make(map[string]Code),
		byDim:     make(map[string][]string),
		fallbacks: make(map[string]string),
	}

	if err := a.enforcePinning(cfg); err != nil {
		return nil, err
	}

	if err := a.loadDictionary(dir); err != nil {
		return nil, err
	}
	return a, nil
}

func readMeta(dir string) (*artifactMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "standard.yml"))
	if err != nil {
		return nil, fmt.Errorf("read taxonomy artifact metadata: %w", err)
	}
	var meta artifactMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse taxonomy artifact metadata: %w", err)
	}
	if meta.Version == "" {
		return nil, fmt.Errorf("taxonomy artifact metadata has no version")
	}
	return &meta, nil
}

func (a *Adapter) enforcePinning(cfg config.TaxonomyConfig) error {
	var problems []string
	if a.version != cfg.Version {
		problems = append(problems, fmt.Sprintf("version mismatch: expected %s, got %s", cfg.Version, a.version))
	}
	if cfg.PinnedCommit != "" && !strings.HasPrefix(a.commit, cfg.PinnedCommit[:min(12, len(cfg.PinnedCommit))]) {
		problems = append(problems, fmt.Sprintf("commit mismatch: expected %.12s, got %.12s", cfg.PinnedCommit, a.commit))
	}
	if cfg.PinnedDirHash != "" && a.dirHash != cfg.PinnedDirHash {
		problems = append(problems, fmt.Sprintf("artifact hash mismatch: expected %.16s, got %.16s", cfg.PinnedDirHash, a.dirHash))
	}
	if len(problems) == 0 {
		return nil
	}

	if releaseBuild != "true" && envTrue(skipPinningEnv) {
		logger.Warnf("Taxonomy pinning mismatch overridden via %s (development only): %s",
			skipPinningEnv, strings.Join(problems, "; "))
		return nil
	}
	return &PinningError{Problems: problems}
}

func envTrue(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (a *Adapter) loadDictionary(dir string) error {
	csvPath := ""
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() == "taxonomy_dictionary.csv" && strings.Contains(path, string(filepath.Separator)+"en"+string(filepath.Separator)) {
			csvPath = path
			return fs.SkipAll
		}
		return nil
	})
	if csvPath == "" {
		return fmt.Errorf("taxonomy dictionary not found under %s", dir)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("open taxonomy dictionary: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read taxonomy dictionary header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"code", "dimension", "label", "status"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("taxonomy dictionary missing column %q", required)
		}
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read taxonomy dictionary: %w", err)
		}
		c := Code{
			Code:      row[col["code"]],
			Dimension: row[col["dimension"]],
			Label:     row[col["label"]],
			Status:    row[col["status"]],
		}
		if c.Status != "active" {
			continue
		}
		a.codes[c.Code] = c
		a.byDim[c.Dimension] = append(a.byDim[c.Dimension], c.Code)
	}
	for dim := range a.byDim {
		sort.Strings(a.byDim[dim])
	}
	if len(a.codes) == 0 {
		return fmt.Errorf("taxonomy dictionary has no active codes")
	}
	return nil
}

// Version returns the resolved artifact version.
func (a *Adapter) Version() string { return a.version }

// Commit returns the artifact's source commit.
func (a *Adapter) Commit() string { return a.commit }

// DirHash returns the content hash of the artifact directory.
func (a *Adapter) DirHash() string { return a.dirHash }

// AllowedCodes lists the active codes of a dimension.
func (a *Adapter) AllowedCodes(dim string) []string {
	return a.byDim[dim]
}

// CardinalityFor returns the bounds of a dimension.
func (a *Adapter) CardinalityFor(dim string) (Cardinality, bool) {
	c, ok := dimensionCardinality[dim]
	return c, ok
}

// Label returns the English label for a code, or the code itself when the
// dictionary does not know it.
func (a *Adapter) Label(code string) string {
	if c, ok := a.codes[code]; ok {
		return c.Label
	}
	return code
}

// Dictionary returns the code-to-label map for every active code, for
// auditors reading the evidence bundle.
func (a *Adapter) Dictionary() map[string]string {
	out := make(map[string]string, len(a.codes))
	for code, c := range a.codes {
		out[code] = c.Label
	}
	return out
}

// FallbackCode resolves the dimension's fallback: a code labeled Unknown,
// then one labeled Other, then the -099 convention, then the last allowed
// code. Resolution is cached per dimension.
func (a *Adapter) FallbackCode(dim string) string {
	if cached, ok := a.fallbacks[dim]; ok {
		return cached
	}
	fallback := dim + "-099"
	codes := a.byDim[dim]
	if len(codes) > 0 {
		fallback = codes[len(codes)-1]
		for _, want := range []string{"unknown", "other"} {
			found := ""
			for _, code := range codes {
				if strings.Contains(strings.ToLower(a.Label(code)), want) {
					found = code
					break
				}
			}
			if found != "" {
				fallback = found
				break
			}
		}
		if !strings.Contains(strings.ToLower(a.Label(fallback)), "unknown") &&
			!strings.Contains(strings.ToLower(a.Label(fallback)), "other") {
			for _, code := range codes {
				if strings.HasSuffix(code, "-099") {
					fallback = code
					break
				}
			}
		}
	}
	a.fallbacks[dim] = fallback
	return fallback
}

// ApplyFallbacks fills every required dimension that is missing with the
// dimension's fallback code; OB stays empty when absent.
func (a *Adapter) ApplyFallbacks(t *models.TaxonomyAssignment) {
	if t.FSCode == "" {
		t.FSCode = a.FallbackCode("FS")
	}
	if t.IMCode == "" {
		t.IMCode = a.FallbackCode("IM")
	}
	fill := func(codes *[]string, dim string) {
		if len(*codes) == 0 {
			*codes = []string{a.FallbackCode(dim)}
		}
	}
	fill(&t.UCCodes, "UC")
	fill(&t.DTCodes, "DT")
	fill(&t.CHCodes, "CH")
	fill(&t.RSCodes, "RS")
	fill(&t.EVCodes, "EV")
	if t.OBCodes == nil {
		t.OBCodes = []string{}
	}
	t.Canonicalize()
}

// ValidateAssignment checks the eight-dimension assignment against the
// cardinality rules and the allowed code sets. An empty result means the
// assignment is valid.
func (a *Adapter) ValidateAssignment(t *models.TaxonomyAssignment) []string {
	var errs []string

	check := func(dim string, codes []string) {
		card := dimensionCardinality[dim]
		if len(codes) < card.Min {
			errs = append(errs, fmt.Sprintf("%s requires at least %d code(s)", dim, card.Min))
		}
		if card.Max > 0 && len(codes) > card.Max {
			errs = append(errs, fmt.Sprintf("%s allows at most %d code(s)", dim, card.Max))
		}
		for _, code := range codes {
			if _, ok := a.codes[code]; !ok {
				errs = append(errs, fmt.Sprintf("%s code %s is not in the pinned taxonomy", dim, code))
				continue
			}
			if a.codes[code].Dimension != dim {
				errs = append(errs, fmt.Sprintf("code %s belongs to dimension %s, not %s", code, a.codes[code].Dimension, dim))
			}
		}
	}

	check("FS", singleton(t.FSCode))
	check("IM", singleton(t.IMCode))
	check("UC", t.UCCodes)
	check("DT", t.DTCodes)
	check("CH", t.CHCodes)
	check("RS", t.RSCodes)
	check("EV", t.EVCodes)
	check("OB", t.OBCodes)
	return errs
}

func singleton(code string) []string {
	if code == "" {
		return nil
	}
	return []string{code}
}

// hashDir computes a content hash over the artifact tree: relative paths
// in byte order, each followed by its file contents.
func hashDir(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
