package signature

import (
	"regexp"
	"testing"

	"shadowscan/config"
	"shadowscan/pkg/models"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func newTestBuilder(version string) *Builder {
	return NewBuilder(version, config.ThresholdsConfig{})
}

func TestSignatureIsStableHex(t *testing.T) {
	b := newTestBuilder("1.0")
	sig := b.Build("example.com", "/Foo", "", "GET", 2048, "")
	if !hex64.MatchString(sig.Value) {
		t.Fatalf("signature = %q, want 64 lowercase hex chars", sig.Value)
	}
	for i := 0; i < 50; i++ {
		again := b.Build("example.com", "/Foo", "", "GET", 2048, "")
		if again.Value != sig.Value {
			t.Fatalf("signature unstable across invocations")
		}
	}
}

func TestSchemeVersionDefinesDistinctSpace(t *testing.T) {
	v1 := newTestBuilder("1.0").Build("example.com", "/Foo", "", "GET", 2048, "")
	v2 := newTestBuilder("2.0").Build("example.com", "/Foo", "", "GET", 2048, "")
	if v1.Value == v2.Value {
		t.Fatal("different scheme versions produced colliding signatures")
	}
}

func TestIdentityInputsChangeSignature(t *testing.T) {
	b := newTestBuilder("1.0")
	base := b.Build("example.com", "/a", "", "GET", 100, "")

	if b.Build("other.com", "/a", "", "GET", 100, "").Value == base.Value {
		t.Error("host not part of identity")
	}
	if b.Build("example.com", "/b", "", "GET", 100, "").Value == base.Value {
		t.Error("path not part of identity")
	}
	if b.Build("example.com", "/a", "", "POST", 100, "").Value == base.Value {
		t.Error("method group not part of identity")
	}
	if b.Build("example.com", "/a", "", "GET", 5<<20, "").Value == base.Value {
		t.Error("bytes bucket not part of identity")
	}
}

func TestMethodGroups(t *testing.T) {
	b := newTestBuilder("1.0")
	cases := map[string]string{
		"GET":     models.MethodGroupGet,
		"get":     models.MethodGroupGet,
		"POST":    models.MethodGroupWrite,
		"PUT":     models.MethodGroupWrite,
		"PATCH":   models.MethodGroupWrite,
		"DELETE":  models.MethodGroupOther,
		"OPTIONS": models.MethodGroupOther,
		"":        models.MethodGroupOther,
	}
	for method, want := range cases {
		if got := b.MethodGroup(method); got != want {
			t.Errorf("MethodGroup(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestBytesBuckets(t *testing.T) {
	b := newTestBuilder("1.0")
	cases := map[int64]string{
		0:        "T",
		1023:     "T",
		1024:     "L",
		200_000:  "M",
		2 << 20:  "H",
		100 << 20: "X",
	}
	for bytes, want := range cases {
		if got := b.BytesBucket(bytes); got != want {
			t.Errorf("BytesBucket(%d) = %q, want %q", bytes, got, want)
		}
	}
}

func TestBucketLabelTIsNotCandidateFlagC(t *testing.T) {
	b := newTestBuilder("1.0")
	sig := b.Build("example.com", "/tiny", "", "GET", 10, "")
	if sig.BytesBucket != "T" {
		t.Fatalf("bucket = %q, want T", sig.BytesBucket)
	}
	if sig.BytesBucket == models.FlagC {
		t.Fatal("bucket label must never equal the C candidate flag")
	}
}

func TestPathTemplateCarriesParamCount(t *testing.T) {
	b := newTestBuilder("1.0")
	sig := b.Build("example.com", "/search", "a=1&b=2", "GET", 10, "")
	if sig.NormPathTemplate != "/search?p=2" {
		t.Errorf("template = %q, want /search?p=2", sig.NormPathTemplate)
	}
	if sig.ParamCount != 2 {
		t.Errorf("param count = %d, want 2", sig.ParamCount)
	}

	plain := b.Build("example.com", "/search", "", "GET", 10, "")
	if plain.NormPathTemplate != "/search" {
		t.Errorf("template = %q, want /search", plain.NormPathTemplate)
	}
	if plain.Value == sig.Value {
		t.Error("param count not part of identity")
	}
}

func TestKeyParamSubsetOrderInsensitive(t *testing.T) {
	b := newTestBuilder("1.0")
	s1 := b.Build("example.com", "/a", "", "GET", 10, "b&a")
	s2 := b.Build("example.com", "/a", "", "GET", 10, "a&b")
	if s1.Value != s2.Value {
		t.Error("key-param subset ordering changed the signature")
	}
}

func TestAuthTokenLikeness(t *testing.T) {
	b := newTestBuilder("1.0")
	if !b.Build("example.com", "/a", "token=:tok", "GET", 10, "").HasAuthTokenLike {
		t.Error("token query not flagged auth-like")
	}
	if b.Build("example.com", "/a", "q=cats", "GET", 10, "").HasAuthTokenLike {
		t.Error("plain query flagged auth-like")
	}
}

func TestPathDepth(t *testing.T) {
	b := newTestBuilder("1.0")
	if got := b.Build("example.com", "/a/b/c", "", "GET", 10, "").PathDepth; got != 3 {
		t.Errorf("depth = %d, want 3", got)
	}
	if got := b.Build("example.com", "/", "", "GET", 10, "").PathDepth; got != 0 {
		t.Errorf("root depth = %d, want 0", got)
	}
}
