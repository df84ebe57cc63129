package rules

import (
	"os"
	"path/filepath"
	"testing"

	"shadowscan/pkg/models"
)

const testRuleSet = `version: "3"
rules:
  - id: openai-root
    priority: 20
    service_name: OpenAI
    category: GenAI
    usage_type: genai
    risk_level: high
    match:
      domain_suffixes: [openai.com]
    taxonomy:
      fs_code: FS-001
      im_code: IM-001
      uc_codes: [UC-001]
      dt_codes: [DT-001]
      ch_codes: [CH-001]
      rs_codes: [RS-001]
      ev_codes: [EV-001]
  - id: openai-chat
    priority: 10
    service_name: ChatGPT
    category: GenAI
    usage_type: genai
    risk_level: high
    match:
      domain_exact: [chat.openai.com]
      path_prefixes: [/backend-api]
    taxonomy:
      fs_code: FS-001
      im_code: IM-001
      uc_codes: [UC-001]
      dt_codes: [DT-001]
      ch_codes: [CH-001]
      rs_codes: [RS-001]
      ev_codes: [EV-001]
  - id: disabled-rule
    priority: 1
    enabled: false
    service_name: Disabled
    match:
      domain_exact: [chat.openai.com]
  - id: invalid-no-match
    priority: 1
    service_name: Broken
`

func loadTestClassifier(t *testing.T) (*Classifier, LoadStats) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yml")
	if err := os.WriteFile(path, []byte(testRuleSet), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	c, stats, err := Load(path, "", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c, stats
}

func TestLoadCountsDisabledAndInvalid(t *testing.T) {
	c, stats := loadTestClassifier(t)
	if stats.Loaded != 2 {
		t.Errorf("loaded = %d, want 2", stats.Loaded)
	}
	if stats.Disabled != 1 {
		t.Errorf("disabled = %d, want 1", stats.Disabled)
	}
	if stats.Invalid != 1 {
		t.Errorf("invalid = %d, want 1", stats.Invalid)
	}
	if c.Version() != "3" {
		t.Errorf("version = %q, want 3", c.Version())
	}
}

func TestLongestMatchWinsOverPriority(t *testing.T) {
	c, _ := loadTestClassifier(t)

	// chat.openai.com with the matching path hits the exact-domain rule.
	got := c.Classify(&models.Signature{
		Value:            "sig1",
		NormHost:         "chat.openai.com",
		NormPathTemplate: "/backend-api/conversation",
		SchemeVersion:    "1.0",
	})
	if got == nil || got.ServiceName != "ChatGPT" {
		t.Fatalf("classification = %+v, want ChatGPT", got)
	}
	if got.Source != models.SourceRule {
		t.Errorf("source = %q, want RULE", got.Source)
	}
	if got.RuleVersion != "3" {
		t.Errorf("rule version = %q, want 3", got.RuleVersion)
	}

	// A path the exact rule requires but does not match falls back to the
	// suffix rule.
	got = c.Classify(&models.Signature{
		Value:            "sig2",
		NormHost:         "chat.openai.com",
		NormPathTemplate: "/other",
	})
	if got == nil || got.ServiceName != "OpenAI" {
		t.Fatalf("classification = %+v, want OpenAI", got)
	}

	// Unrelated host matches nothing.
	if got := c.Classify(&models.Signature{Value: "sig3", NormHost: "example.com", NormPathTemplate: "/"}); got != nil {
		t.Fatalf("unexpected match: %+v", got)
	}
}

func TestSuffixMatchCoversSubdomains(t *testing.T) {
	c, _ := loadTestClassifier(t)
	got := c.Classify(&models.Signature{
		Value:            "sig4",
		NormHost:         "api.openai.com",
		NormPathTemplate: "/v1/chat",
	})
	if got == nil || got.ServiceName != "OpenAI" {
		t.Fatalf("classification = %+v, want OpenAI", got)
	}
	// Suffix must respect label boundaries.
	if got := c.Classify(&models.Signature{Value: "sig5", NormHost: "notopenai.com", NormPathTemplate: "/"}); got != nil {
		t.Fatalf("suffix crossed label boundary: %+v", got)
	}
}

func TestClassificationIsDeterministic(t *testing.T) {
	c, _ := loadTestClassifier(t)
	sig := &models.Signature{Value: "sig6", NormHost: "api.openai.com", NormPathTemplate: "/v1/files"}
	first := c.Classify(sig)
	for i := 0; i < 10; i++ {
		again := c.Classify(sig)
		if again == nil || again.ServiceName != first.ServiceName || again.RationaleShort != first.RationaleShort {
			t.Fatalf("classification varies across calls")
		}
	}
}

func TestTaxonomyArraysAlwaysPresent(t *testing.T) {
	c, _ := loadTestClassifier(t)
	got := c.Classify(&models.Signature{Value: "sig7", NormHost: "api.openai.com", NormPathTemplate: "/v1"})
	if got == nil {
		t.Fatal("no match")
	}
	if got.Taxonomy.OBCodes == nil {
		t.Error("ob_codes must be an empty array, not nil")
	}
	if len(got.Taxonomy.UCCodes) == 0 {
		t.Error("uc_codes empty")
	}
}
