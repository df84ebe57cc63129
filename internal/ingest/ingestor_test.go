package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"shadowscan/pkg/models"
)

const testMapping = `vendor: testvendor
timestamp:
  candidates: [datetime, ts]
  formats: ["2006-01-02 15:04:05"]
url:
  full_candidates: [url, cs-uri]
  host_candidates: [hostname]
method:
  candidates: [method]
identity:
  user_candidates: [login, user]
  src_ip_candidates: [clientip]
bytes:
  sent_candidates: [requestsize]
  recv_candidates: [responsesize]
action:
  field_candidates: [action]
  map:
    permitted: allow
    quarantined: block
category:
  candidates: [urlcategory]
`

func writeTestMapping(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping.yml")
	if err := os.WriteFile(path, []byte(testMapping), 0644); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	return path
}

func TestIngestCSVMapsCandidateColumns(t *testing.T) {
	ig, err := NewIngestor("testvendor", writeTestMapping(t))
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}

	csvData := "datetime,login,clientip,url,method,requestsize,responsesize,action,urlcategory\n" +
		"2026-03-01 10:00:00,u1,10.0.0.1,https://chat.openai.com/backend,POST,2048,512,permitted,AI\n" +
		"2026-03-01 10:01:00,u2,10.0.0.2,https://example.com/,GET,100,50,quarantined,News\n" +
		"not-a-timestamp,u3,10.0.0.3,https://x.com/,GET,1,1,permitted,Social\n"
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(csvData), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := ig.IngestFile(path, "run1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(res.Events))
	}
	if res.File.ParseErrorCount != 1 {
		t.Errorf("parse errors = %d, want 1", res.File.ParseErrorCount)
	}
	if res.File.RowCount != 2 {
		t.Errorf("row count = %d, want 2", res.File.RowCount)
	}

	first := res.Events[0]
	if first.UserID != "u1" || first.SrcIP != "10.0.0.1" {
		t.Errorf("identity mapping wrong: %+v", first)
	}
	if first.Action != models.ActionAllow {
		t.Errorf("action = %q, want allow", first.Action)
	}
	if first.BytesSent != 2048 {
		t.Errorf("bytes_sent = %d", first.BytesSent)
	}
	if first.HTTPMethod != "POST" {
		t.Errorf("method = %q", first.HTTPMethod)
	}
	if first.LineageHash == "" || first.LineageHash == res.Events[1].LineageHash {
		t.Error("lineage hash missing or not unique per row")
	}
	if res.Events[1].Action != models.ActionBlock {
		t.Errorf("mapped vendor action = %q, want block", res.Events[1].Action)
	}

	wantMin := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !res.File.MinTime.Equal(wantMin) {
		t.Errorf("min_time = %v", res.File.MinTime)
	}
	if res.File.FileHash == "" || len(res.File.FileHash) != 64 {
		t.Errorf("file hash = %q", res.File.FileHash)
	}
}

func TestIngestJSONL(t *testing.T) {
	ig, err := NewIngestor("testvendor", writeTestMapping(t))
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}

	data := `{"datetime":"2026-03-01 11:00:00","login":"u9","url":"https://drive.google.com/upload","method":"put","requestsize":900,"action":"unknownvalue"}
not json at all
{"datetime":"2026-03-01 11:05:00","login":"u9","url":"https://drive.google.com/upload","method":"PUT","requestsize":901}
`
	path := filepath.Join(t.TempDir(), "input.jsonl")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := ig.IngestFile(path, "run1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Events) != 2 || res.File.ParseErrorCount != 1 {
		t.Fatalf("events = %d, errors = %d", len(res.Events), res.File.ParseErrorCount)
	}
	if res.Events[0].HTTPMethod != "PUT" {
		t.Errorf("method = %q, want PUT (uppercased)", res.Events[0].HTTPMethod)
	}
	if res.Events[0].Action != models.ActionObserve {
		t.Errorf("unknown action = %q, want observe", res.Events[0].Action)
	}
}

func TestParseErrorRatio(t *testing.T) {
	f := &models.InputFile{RowCount: 90, ParseErrorCount: 10}
	if got := ParseErrorRatio(f); got != 0.1 {
		t.Errorf("ratio = %f, want 0.1", got)
	}
	if got := ParseErrorRatio(&models.InputFile{}); got != 0 {
		t.Errorf("empty ratio = %f", got)
	}
}

func TestPartitionRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	w, err := NewPartitionWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	want := []models.CanonicalEvent{
		{EventTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), Vendor: "v", URL: "https://a.example/1", LineageHash: "h1"},
		{EventTime: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC), Vendor: "v", URL: "https://a.example/2", LineageHash: "h2", BytesSent: 777},
	}
	for i := range want {
		if err := w.Write(&want[i]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadPartitions(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].LineageHash != want[i].LineageHash || got[i].BytesSent != want[i].BytesSent {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
		if !got[i].EventTime.Equal(want[i].EventTime) {
			t.Errorf("event %d time = %v, want %v", i, got[i].EventTime, want[i].EventTime)
		}
	}
}
