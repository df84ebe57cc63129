package ingest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mapping is the per-vendor declarative field mapping: an ordered list of
// candidate source column names per canonical field, plus the vendor
// action-value translation. Consumed read-only.
type Mapping struct {
	Vendor    string         `yaml:"vendor"`
	Format    string         `yaml:"format"`
	Delimiter string         `yaml:"delimiter"`
	Timestamp TimestampMap   `yaml:"timestamp"`
	URL       URLMap         `yaml:"url"`
	Method    FieldMap       `yaml:"method"`
	Identity  IdentityMap    `yaml:"identity"`
	Bytes     BytesMap       `yaml:"bytes"`
	Action    ActionMap      `yaml:"action"`
	Category  FieldMap       `yaml:"category"`
}

// TimestampMap lists timestamp columns and their parse layouts.
type TimestampMap struct {
	Candidates []string `yaml:"candidates"`
	Formats    []string `yaml:"formats"`
}

// URLMap lists URL and host columns.
type URLMap struct {
	FullCandidates []string `yaml:"full_candidates"`
	HostCandidates []string `yaml:"host_candidates"`
}

// FieldMap is a plain candidate-column list.
type FieldMap struct {
	Candidates []string `yaml:"candidates"`
}

// IdentityMap lists the opaque identity columns.
type IdentityMap struct {
	UserCandidates   []string `yaml:"user_candidates"`
	SrcIPCandidates  []string `yaml:"src_ip_candidates"`
	DeviceCandidates []string `yaml:"device_candidates"`
}

// BytesMap lists the byte-count columns.
type BytesMap struct {
	SentCandidates []string `yaml:"sent_candidates"`
	RecvCandidates []string `yaml:"recv_candidates"`
}

// ActionMap lists the action column and the vendor-to-canonical value
// translation.
type ActionMap struct {
	FieldCandidates []string          `yaml:"field_candidates"`
	Map             map[string]string `yaml:"map"`
}

// LoadMapping reads a vendor mapping document.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vendor mapping: %w", err)
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse vendor mapping: %w", err)
	}
	if len(m.URL.FullCandidates) == 0 && len(m.URL.HostCandidates) == 0 {
		return nil, fmt.Errorf("vendor mapping %s has no url candidates", path)
	}
	return &m, nil
}

// pick returns the first candidate column present and non-empty in a row.
func pick(row map[string]string, candidates []string) string {
	for _, c := range candidates {
		if v, ok := row[c]; ok {
			v = strings.TrimSpace(v)
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// translateAction maps a vendor action value to the canonical tag. An
// unknown value maps to observe rather than being dropped.
func (m *Mapping) translateAction(raw string) string {
	if raw == "" {
		return "allow"
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := m.Action.Map[key]; ok {
		return mapped
	}
	switch key {
	case "allow", "allowed", "permit", "permitted", "accept":
		return "allow"
	case "block", "blocked", "deny", "denied", "drop":
		return "block"
	case "warn", "warned", "caution":
		return "warn"
	}
	return "observe"
}
