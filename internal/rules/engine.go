package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"shadowscan/internal/taxonomy"
	"shadowscan/pkg/models"
)

// RuleSet is the declarative classification document.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Rule is one pattern entry. Lower priority values win ties.
type Rule struct {
	ID          string       `yaml:"id"`
	Priority    int          `yaml:"priority"`
	Enabled     *bool        `yaml:"enabled"`
	ServiceName string       `yaml:"service_name"`
	Category    string       `yaml:"category"`
	UsageType   string       `yaml:"usage_type"`
	RiskLevel   string       `yaml:"risk_level"`
	Match       MatchConfig  `yaml:"match"`
	Taxonomy    TaxonomyDoc  `yaml:"taxonomy"`
}

// MatchConfig lists the patterns a rule matches on.
type MatchConfig struct {
	Signatures     []string `yaml:"url_signatures"`
	DomainExact    []string `yaml:"domain_exact"`
	DomainSuffixes []string `yaml:"domain_suffixes"`
	PathPrefixes   []string `yaml:"path_prefixes"`
}

// TaxonomyDoc carries the eight-dimension payload of a rule.
type TaxonomyDoc struct {
	FSCode  string   `yaml:"fs_code"`
	IMCode  string   `yaml:"im_code"`
	UCCodes []string `yaml:"uc_codes"`
	DTCodes []string `yaml:"dt_codes"`
	CHCodes []string `yaml:"ch_codes"`
	RSCodes []string `yaml:"rs_codes"`
	EVCodes []string `yaml:"ev_codes"`
	OBCodes []string `yaml:"ob_codes"`
}

// LoadStats reports how the rule set loaded.
type LoadStats struct {
	Loaded   int
	Disabled int
	Invalid  int
}

// Classifier assigns service identity and taxonomy codes from the rule
// set. Matching is deterministic: longest match wins, then highest
// priority, then stable rule order.
type Classifier struct {
	version  string
	rules    []Rule
	taxonomy *taxonomy.Adapter
}

// Load reads and validates a rule set file.
func Load(path, version string, adapter *taxonomy.Adapter) (*Classifier, LoadStats, error) {
	var stats LoadStats

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stats, fmt.Errorf("read rule set: %w", err)
	}
	var doc RuleSet
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, stats, fmt.Errorf("parse rule set: %w", err)
	}
	if version == "" {
		version = doc.Version
	}

	enabled := make([]Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		if r.Enabled != nil && !*r.Enabled {
			stats.Disabled++
			continue
		}
		if r.ID == "" || r.ServiceName == "" {
			stats.Invalid++
			continue
		}
		if len(r.Match.Signatures) == 0 && len(r.Match.DomainExact) == 0 && len(r.Match.DomainSuffixes) == 0 {
			stats.Invalid++
			continue
		}
		enabled = append(enabled, r)
	}

	// Stable rule ordering for tie-breaking.
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})
	stats.Loaded = len(enabled)

	return &Classifier{version: version, rules: enabled, taxonomy: adapter}, stats, nil
}

// Version returns the rule set version in effect.
func (c *Classifier) Version() string { return c.version }

// Classify matches one signature against the rule set. A nil result means
// no rule matched and the signature goes to the external analyzer.
func (c *Classifier) Classify(sig *models.Signature) *models.Classification {
	var best *Rule
	bestSpecificity := -1
	bestPriority := 0

	for i := range c.rules {
		r := &c.rules[i]
		spec, ok := r.specificity(sig)
		if !ok {
			continue
		}
		if spec > bestSpecificity || (spec == bestSpecificity && r.Priority < bestPriority) {
			best = r
			bestSpecificity = spec
			bestPriority = r.Priority
		}
	}
	if best == nil {
		return nil
	}
	return c.build(best, sig)
}

// specificity scores a match: an exact signature match outranks
// everything; otherwise the matched host length plus the matched path
// prefix length. A return of ok=false means the rule does not match.
func (r *Rule) specificity(sig *models.Signature) (int, bool) {
	for _, s := range r.Match.Signatures {
		if s == sig.Value {
			return 1 << 20, true
		}
	}

	hostLen := -1
	for _, d := range r.Match.DomainExact {
		if sig.NormHost == d {
			hostLen = len(d) + 1
			break
		}
	}
	if hostLen < 0 {
		for _, suffix := range r.Match.DomainSuffixes {
			if sig.NormHost == suffix || strings.HasSuffix(sig.NormHost, "."+suffix) {
				if len(suffix) > hostLen {
					hostLen = len(suffix)
				}
			}
		}
	}
	if hostLen < 0 {
		return 0, false
	}

	pathLen := 0
	if len(r.Match.PathPrefixes) > 0 {
		matched := false
		for _, prefix := range r.Match.PathPrefixes {
			if strings.HasPrefix(sig.NormPathTemplate, prefix) {
				matched = true
				if len(prefix) > pathLen {
					pathLen = len(prefix)
				}
			}
		}
		if !matched {
			return 0, false
		}
	}

	return hostLen*1000 + pathLen, true
}

func (c *Classifier) build(r *Rule, sig *models.Signature) *models.Classification {
	assign := models.TaxonomyAssignment{
		FSCode:  r.Taxonomy.FSCode,
		IMCode:  r.Taxonomy.IMCode,
		UCCodes: append([]string(nil), r.Taxonomy.UCCodes...),
		DTCodes: append([]string(nil), r.Taxonomy.DTCodes...),
		CHCodes: append([]string(nil), r.Taxonomy.CHCodes...),
		RSCodes: append([]string(nil), r.Taxonomy.RSCodes...),
		EVCodes: append([]string(nil), r.Taxonomy.EVCodes...),
		OBCodes: append([]string(nil), r.Taxonomy.OBCodes...),
	}
	// A dimension the rule does not supply gets the explicit fallback
	// code; the column is never omitted.
	if c.taxonomy != nil {
		c.taxonomy.ApplyFallbacks(&assign)
	} else {
		assign.Canonicalize()
	}

	usage := r.UsageType
	if usage == "" {
		usage = "unknown"
	}
	risk := r.RiskLevel
	if risk == "" {
		risk = "medium"
	}

	return &models.Classification{
		URLSignature:   sig.Value,
		ServiceName:    r.ServiceName,
		UsageType:      usage,
		RiskLevel:      risk,
		Category:       r.Category,
		Confidence:     1.0,
		RationaleShort: fmt.Sprintf("rule %s matched %s", r.ID, sig.NormHost),
		Source:         models.SourceRule,
		SchemeVersion:  sig.SchemeVersion,
		RuleVersion:    c.version,
		Status:         models.StatusActive,
		Taxonomy:       assign,
	}
}
