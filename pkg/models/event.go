package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CanonicalEvent is one normalized web-access request line.
// Events are created once per input row and never mutated afterwards.
type CanonicalEvent struct {
	EventTime     time.Time `json:"event_time"`
	Vendor        string    `json:"vendor"`
	UserID        string    `json:"user_id"`
	SrcIP         string    `json:"src_ip"`
	DeviceID      string    `json:"device_id,omitempty"`
	DestHost      string    `json:"dest_host"`
	DestDomain    string    `json:"dest_domain"`
	URL           string    `json:"url"`
	NormHost      string    `json:"norm_host"`
	NormPath      string    `json:"norm_path"`
	NormQuery     string    `json:"norm_query"`
	HTTPMethod    string    `json:"http_method"`
	Action        string    `json:"action"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	AppCategory   string    `json:"app_category,omitempty"`
	LineageHash   string    `json:"ingest_lineage_hash"`

	// URLSignature is filled by the signature stage.
	URLSignature string `json:"url_signature,omitempty"`
}

// Action tags in the canonical schema.
const (
	ActionAllow   = "allow"
	ActionBlock   = "block"
	ActionWarn    = "warn"
	ActionObserve = "observe"
)

// ComputeLineageHash computes the content hash of a raw source line.
func ComputeLineageHash(vendor, file string, line []byte) string {
	h := sha256.New()
	h.Write([]byte(vendor))
	h.Write([]byte{'|'})
	h.Write([]byte(file))
	h.Write([]byte{'|'})
	h.Write(line)
	return hex.EncodeToString(h.Sum(nil))
}
