package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"shadowscan/config"
	"shadowscan/pkg/models"
)

var defaultBuckets = []config.BytesBucket{
	{Name: "T", Min: 0, Max: 1023},
	{Name: "L", Min: 1024, Max: 102399},
	{Name: "M", Min: 102400, Max: 1048575},
	{Name: "H", Min: 1048576, Max: 10485759},
	{Name: "X", Min: 10485760, Max: 1<<62 - 1},
}

var defaultWriteMethods = []string{"POST", "PUT", "PATCH"}

// Builder derives stable content-addressed signatures from canonicalized
// request attributes. Same inputs under the same scheme version always
// produce the same value.
type Builder struct {
	schemeVersion string
	buckets       []config.BytesBucket
	writeMethods  map[string]struct{}
}

// NewBuilder creates a signature builder for one scheme version.
func NewBuilder(schemeVersion string, thresholds config.ThresholdsConfig) *Builder {
	buckets := thresholds.BytesBuckets
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	sorted := make([]config.BytesBucket, len(buckets))
	copy(sorted, buckets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	writes := thresholds.WriteMethods
	if len(writes) == 0 {
		writes = defaultWriteMethods
	}
	writeSet := make(map[string]struct{}, len(writes))
	for _, m := range writes {
		writeSet[strings.ToUpper(m)] = struct{}{}
	}

	return &Builder{
		schemeVersion: schemeVersion,
		buckets:       sorted,
		writeMethods:  writeSet,
	}
}

// MethodGroup maps an HTTP method to GET / WRITE / OTHER.
func (b *Builder) MethodGroup(httpMethod string) string {
	method := strings.ToUpper(strings.TrimSpace(httpMethod))
	switch {
	case method == "GET":
		return models.MethodGroupGet
	default:
		if _, ok := b.writeMethods[method]; ok {
			return models.MethodGroupWrite
		}
		return models.MethodGroupOther
	}
}

// BytesBucket maps bytes_sent to its configured bucket label.
func (b *Builder) BytesBucket(bytesSent int64) string {
	for _, bucket := range b.buckets {
		if bytesSent >= bucket.Min && bytesSent <= bucket.Max {
			return bucket.Name
		}
	}
	if len(b.buckets) == 0 {
		return "X"
	}
	return b.buckets[len(b.buckets)-1].Name
}

// PathTemplate abstracts the query down to a parameter count marker.
func PathTemplate(normPath, normQuery string) string {
	count := paramCount(normQuery)
	if count > 0 {
		return normPath + "?p=" + strconv.Itoa(count)
	}
	return normPath
}

func paramCount(normQuery string) int {
	if normQuery == "" {
		return 0
	}
	return strings.Count(normQuery, "&") + 1
}

func pathDepth(normPath string) int {
	depth := 0
	for _, seg := range strings.Split(normPath, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

var authKeywords = []string{"token", "auth", "key", "secret", "session", "jwt"}

// Build derives the full signature record for one canonical request.
// keyParamSubset is the configured allow-list subset, already normalized;
// it participates in identity and is re-sorted defensively.
func (b *Builder) Build(normHost, normPath, normQuery, httpMethod string, bytesSent int64, keyParamSubset string) models.Signature {
	template := PathTemplate(normPath, normQuery)
	methodGroup := b.MethodGroup(httpMethod)
	bucket := b.BytesBucket(bytesSent)

	if keyParamSubset != "" {
		params := strings.Split(keyParamSubset, "&")
		sort.Strings(params)
		keyParamSubset = strings.Join(params, "&")
	}

	input := strings.Join([]string{
		normHost,
		template,
		keyParamSubset,
		methodGroup,
		bucket,
		b.schemeVersion,
	}, "|")
	sum := sha256.Sum256([]byte(input))

	authLike := false
	queryLower := strings.ToLower(normQuery)
	if queryLower != "" {
		for _, kw := range authKeywords {
			if strings.Contains(queryLower, kw) {
				authLike = true
				break
			}
		}
	}

	return models.Signature{
		Value:            hex.EncodeToString(sum[:]),
		SchemeVersion:    b.schemeVersion,
		NormHost:         normHost,
		NormPathTemplate: template,
		PathDepth:        pathDepth(normPath),
		ParamCount:       paramCount(normQuery),
		MethodGroup:      methodGroup,
		BytesBucket:      bucket,
		HasAuthTokenLike: authLike,
	}
}
