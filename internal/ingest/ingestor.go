package ingest

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shadowscan/internal/logger"
	"shadowscan/pkg/models"
)

// timestamp layouts tried after the mapping's own formats.
var defaultTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
}

// Ingestor turns one vendor-tagged input file into canonical event rows.
// Unparseable rows are counted per file and logged; they fail the run
// only when the rate exceeds the configured threshold (checked by the
// caller).
type Ingestor struct {
	vendor  string
	mapping *Mapping
}

// NewIngestor loads the vendor mapping for one vendor tag.
func NewIngestor(vendor, mappingPath string) (*Ingestor, error) {
	m, err := LoadMapping(mappingPath)
	if err != nil {
		return nil, err
	}
	if m.Vendor == "" {
		m.Vendor = vendor
	}
	return &Ingestor{vendor: vendor, mapping: m}, nil
}

// Result is the outcome of ingesting one file.
type Result struct {
	Events []models.CanonicalEvent
	File   models.InputFile
}

// IngestFile parses one file from the run working area. Events within the
// file come back in file order.
func (ig *Ingestor) IngestFile(path, runID string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])

	idSum := sha256.Sum256([]byte(runID + "|" + fileHash))
	res := &Result{
		File: models.InputFile{
			FileID:     hex.EncodeToString(idSum[:])[:16],
			RunID:      runID,
			FilePath:   filepath.Clean(path),
			FileSize:   int64(len(data)),
			FileHash:   fileHash,
			Vendor:     ig.vendor,
			IngestedAt: time.Now().UTC(),
		},
	}

	format := ig.mapping.Format
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jsonl", ".ndjson":
			format = "jsonl"
		case ".tsv":
			format = "tsv"
		default:
			format = "csv"
		}
	}

	switch format {
	case "jsonl":
		err = ig.parseJSONL(data, path, res)
	case "tsv":
		err = ig.parseCSV(data, path, '\t', res)
	default:
		delim := ','
		if ig.mapping.Delimiter == "\t" {
			delim = '\t'
		}
		err = ig.parseCSV(data, path, delim, res)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (ig *Ingestor) parseCSV(data []byte, path string, delim rune, res *Result) error {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.Comma = delim
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.ToLower(header[i]))
	}

	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			res.File.ParseErrorCount++
			logger.Debugf("Parse error in %s line %d: %v", path, line, err)
			continue
		}
		row := make(map[string]string, len(header))
		for i, v := range record {
			if i < len(header) {
				row[header[i]] = v
			}
		}
		ig.addRow(row, strings.Join(record, string(delim)), path, line, res)
	}
	return nil
}

func (ig *Ingestor) parseJSONL(data []byte, path string, res *Result) error {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			res.File.ParseErrorCount++
			logger.Debugf("Parse error in %s line %d: %v", path, line, err)
			continue
		}
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			row[strings.ToLower(k)] = fmt.Sprintf("%v", v)
		}
		ig.addRow(row, raw, path, line, res)
	}
	return scanner.Err()
}

// addRow maps one source row into a canonical event. Rows with no usable
// timestamp or URL are parse errors; everything else degrades gracefully.
func (ig *Ingestor) addRow(row map[string]string, rawLine, path string, line int, res *Result) {
	ts, ok := ig.extractTimestamp(row)
	if !ok {
		res.File.ParseErrorCount++
		logger.Debugf("No parseable timestamp in %s line %d", path, line)
		return
	}

	rawURL := pick(row, ig.mapping.URL.FullCandidates)
	host := pick(row, ig.mapping.URL.HostCandidates)
	if rawURL == "" && host == "" {
		res.File.ParseErrorCount++
		logger.Debugf("No url or host in %s line %d", path, line)
		return
	}
	if rawURL == "" {
		rawURL = host + "/"
	}

	ev := models.CanonicalEvent{
		EventTime:     ts,
		Vendor:        ig.vendor,
		UserID:        pick(row, ig.mapping.Identity.UserCandidates),
		SrcIP:         pick(row, ig.mapping.Identity.SrcIPCandidates),
		DeviceID:      pick(row, ig.mapping.Identity.DeviceCandidates),
		DestHost:      host,
		URL:           rawURL,
		HTTPMethod:    strings.ToUpper(pick(row, ig.mapping.Method.Candidates)),
		Action:        ig.mapping.translateAction(pick(row, ig.mapping.Action.FieldCandidates)),
		BytesSent:     parseBytes(pick(row, ig.mapping.Bytes.SentCandidates)),
		BytesReceived: parseBytes(pick(row, ig.mapping.Bytes.RecvCandidates)),
		AppCategory:   pick(row, ig.mapping.Category.Candidates),
		LineageHash:   models.ComputeLineageHash(ig.vendor, filepath.Base(path), []byte(rawLine)),
	}
	if ev.HTTPMethod == "" {
		ev.HTTPMethod = "GET"
	}

	res.Events = append(res.Events, ev)
	res.File.RowCount++
	t := ts.UTC()
	if res.File.MinTime.IsZero() || t.Before(res.File.MinTime) {
		res.File.MinTime = t
	}
	if t.After(res.File.MaxTime) {
		res.File.MaxTime = t
	}
}

func (ig *Ingestor) extractTimestamp(row map[string]string) (time.Time, bool) {
	raw := pick(row, ig.mapping.Timestamp.Candidates)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range ig.mapping.Timestamp.Formats {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range defaultTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 1_000_000_000 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func parseBytes(raw string) int64 {
	if raw == "" {
		return 0
	}
	if v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && v >= 0 {
		return v
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && f >= 0 {
		return int64(f)
	}
	return 0
}

// ParseErrorRatio returns the per-file error rate used against the
// configured tolerance threshold.
func ParseErrorRatio(f *models.InputFile) float64 {
	total := f.RowCount + f.ParseErrorCount
	if total == 0 {
		return 0
	}
	return float64(f.ParseErrorCount) / float64(total)
}
