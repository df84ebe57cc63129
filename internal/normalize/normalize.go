package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"shadowscan/config"
	"shadowscan/pkg/models"
)

// Default tracking keys removed from every query string.
var defaultDropExact = []string{
	"gclid", "fbclid", "ref", "session", "sid", "phpsessid", "mc_cid", "mc_eid",
}

var defaultDropPrefix = []string{"utm_"}

// Token abstraction patterns. Order is contractual: re-ordering changes
// path templates and therefore signatures.
var redactionRules = []struct {
	kind    string
	token   string
	pattern *regexp.Regexp
}{
	{models.PIIUUID, ":uuid", regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)},
	{models.PIIHexToken, ":hex", regexp.MustCompile(`[0-9a-fA-F]{32,}`)},
	{models.PIIBase64Tok, ":tok", regexp.MustCompile(`[A-Za-z0-9+/_-]{24,}={0,2}`)},
	{models.PIIEmail, ":email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{models.PIIIPv4, ":ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{models.PIINumericID, ":id", regexp.MustCompile(`\d{6,}`)},
}

var schemePrefix = regexp.MustCompile(`(?i)^https?://`)

// PIIDetection records one redaction, aggregated per (kind, source) within
// a single canonicalization. OriginalHash is a digest of the pre-redaction
// field, for audit traceability, not reversal.
type PIIDetection struct {
	Kind         string
	FieldSource  string
	Token        string
	OriginalHash string
	Count        int64
}

// Result is the output of Canonicalize.
type Result struct {
	NormHost   string
	NormPath   string
	NormQuery  string
	NormURL    string
	Detections []PIIDetection
}

// Normalizer canonicalizes URLs deterministically: a given input always
// produces an identical Result under a fixed configuration.
type Normalizer struct {
	schemeVersion string
	psl           *pslSnapshot
	dropExact     map[string]struct{}
	dropPrefix    []string
	keepKeys      map[string]struct{}
}

// New builds a Normalizer. Loading fails when the PSL snapshot is absent.
func New(cfg config.NormalizeConfig) (*Normalizer, error) {
	psl, err := loadPSLSnapshot(cfg.PSLPath)
	if err != nil {
		return nil, fmt.Errorf("public suffix list required: %w", err)
	}

	dropExact := cfg.DropKeysExact
	if len(dropExact) == 0 {
		dropExact = defaultDropExact
	}
	dropPrefix := cfg.DropKeysPrefix
	if len(dropPrefix) == 0 {
		dropPrefix = defaultDropPrefix
	}

	n := &Normalizer{
		schemeVersion: cfg.SchemeVersion,
		psl:           psl,
		dropExact:     make(map[string]struct{}, len(dropExact)),
		dropPrefix:    dropPrefix,
		keepKeys:      make(map[string]struct{}, len(cfg.KeepKeys)),
	}
	for _, k := range dropExact {
		n.dropExact[k] = struct{}{}
	}
	for _, k := range cfg.KeepKeys {
		n.keepKeys[k] = struct{}{}
	}
	return n, nil
}

// PSLHash returns the pinned Public Suffix List snapshot hash.
func (n *Normalizer) PSLHash() string {
	return n.psl.hash
}

// SchemeVersion returns the signature scheme version in effect.
func (n *Normalizer) SchemeVersion() string {
	return n.schemeVersion
}

// RegistrableDomain extracts the eTLD+1 for a normalized hostname.
func (n *Normalizer) RegistrableDomain(host string) string {
	return n.psl.registrableDomain(host)
}

// Canonicalize normalizes a raw URL. The step order is contractual.
func (n *Normalizer) Canonicalize(raw string) (Result, error) {
	// Step 1: trim, strip scheme, split host/path/query.
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, fmt.Errorf("empty url")
	}
	raw = schemePrefix.ReplaceAllString(raw, "")

	parsed, err := url.Parse("//" + raw)
	if err != nil {
		return Result{}, fmt.Errorf("unparseable url: %w", err)
	}
	hostport := parsed.Host
	rawPath := parsed.EscapedPath()
	rawQuery := parsed.RawQuery
	if hostport == "" {
		if idx := strings.IndexAny(raw, "/?"); idx > 0 {
			hostport = raw[:idx]
		} else {
			hostport = raw
			rawPath = ""
		}
	}

	// Step 2: lowercase, punycode, strip default ports only.
	hostport = strings.ToLower(hostport)
	host := hostOnly(hostport)
	port := portSuffix(hostport)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}
	if port != ":80" && port != ":443" {
		host += port
	}

	// Step 3: collapse separators, resolve dot segments, drop the trailing
	// separator except at the root.
	normPath := rawPath
	if normPath != "" {
		if !strings.HasPrefix(normPath, "/") {
			normPath = "/" + normPath
		}
		normPath = path.Clean(normPath)
	}

	// Step 4: query filtering and byte-order key sort.
	normQuery := n.normalizeQuery(rawQuery)

	// Step 5: token abstraction over path segments and query values.
	var detections []PIIDetection
	normPath, detections = n.redactPath(normPath, detections)
	normQuery, detections = n.redactQuery(normQuery, detections)

	normURL := host + normPath
	if normQuery != "" {
		normURL += "?" + normQuery
	}

	return Result{
		NormHost:   host,
		NormPath:   normPath,
		NormQuery:  normQuery,
		NormURL:    normURL,
		Detections: detections,
	}, nil
}

func hostOnly(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 && !strings.Contains(hostport[idx:], "]") {
		return hostport[:idx]
	}
	return hostport
}

func portSuffix(hostport string) string {
	host := hostOnly(hostport)
	if len(hostport) > len(host) {
		return hostport[len(host):]
	}
	return ""
}

type queryParam struct {
	key    string
	values []string
}

func (n *Normalizer) normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	params := make(map[string][]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		if _, drop := n.dropExact[key]; drop {
			continue
		}
		dropped := false
		for _, prefix := range n.dropPrefix {
			if strings.HasPrefix(key, prefix) {
				dropped = true
				break
			}
		}
		if dropped {
			continue
		}
		if len(n.keepKeys) > 0 {
			if _, keep := n.keepKeys[key]; !keep {
				continue
			}
		}
		if value == "" {
			continue
		}
		params[key] = append(params[key], value)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range params[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func (n *Normalizer) redactPath(normPath string, detections []PIIDetection) (string, []PIIDetection) {
	if normPath == "" || normPath == "/" {
		return normPath, detections
	}
	segments := strings.Split(normPath, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		redacted, found := redactValue(seg)
		if len(found) > 0 {
			detections = mergeDetections(detections, "path", seg, found)
			segments[i] = redacted
		}
	}
	return strings.Join(segments, "/"), detections
}

func (n *Normalizer) redactQuery(normQuery string, detections []PIIDetection) (string, []PIIDetection) {
	if normQuery == "" {
		return normQuery, detections
	}
	pairs := strings.Split(normQuery, "&")
	for i, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || value == "" {
			continue
		}
		redacted, found := redactValue(value)
		if len(found) > 0 {
			detections = mergeDetections(detections, "query", value, found)
			pairs[i] = key + "=" + redacted
		}
	}
	return strings.Join(pairs, "&"), detections
}

type redaction struct {
	kind  string
	token string
	count int64
}

// redactValue applies the abstraction rules to one field in their fixed
// order and returns the redacted field plus what was replaced.
func redactValue(value string) (string, []redaction) {
	var found []redaction
	for _, rule := range redactionRules {
		matches := rule.pattern.FindAllStringIndex(value, -1)
		if len(matches) == 0 {
			continue
		}
		value = rule.pattern.ReplaceAllString(value, rule.token)
		found = append(found, redaction{kind: rule.kind, token: rule.token, count: int64(len(matches))})
	}
	return value, found
}

func mergeDetections(detections []PIIDetection, source, original string, found []redaction) []PIIDetection {
	sum := sha256.Sum256([]byte(original))
	originalHash := hex.EncodeToString(sum[:])

	for _, f := range found {
		merged := false
		for i := range detections {
			if detections[i].Kind == f.kind && detections[i].FieldSource == source {
				detections[i].Count += f.count
				merged = true
				break
			}
		}
		if !merged {
			detections = append(detections, PIIDetection{
				Kind:         f.kind,
				FieldSource:  source,
				Token:        f.token,
				OriginalHash: originalHash,
				Count:        f.count,
			})
		}
	}
	return detections
}
