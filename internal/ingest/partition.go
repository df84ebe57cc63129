package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"shadowscan/pkg/models"
)

const partitionMaxEvents = 50000

// PartitionWriter persists the run's canonical events as compressed
// JSONL partitions under the run working area, so later stages can
// resume without re-ingesting.
type PartitionWriter struct {
	dir     string
	seq     int
	count   int
	file    *os.File
	zw      *zstd.Encoder
	buf     *bufio.Writer
	enc     *json.Encoder
}

// NewPartitionWriter creates the events directory for a run generation.
func NewPartitionWriter(dir string) (*PartitionWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}
	return &PartitionWriter{dir: dir}, nil
}

// Write appends one event, rotating partitions at the size cap.
func (w *PartitionWriter) Write(ev *models.CanonicalEvent) error {
	if w.file == nil || w.count >= partitionMaxEvents {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	w.count++
	return nil
}

func (w *PartitionWriter) rotate() error {
	if err := w.closeCurrent(); err != nil {
		return err
	}
	name := filepath.Join(w.dir, fmt.Sprintf("events-%04d.jsonl.zst", w.seq))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create partition: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("open zstd writer: %w", err)
	}
	w.file = f
	w.zw = zw
	w.buf = bufio.NewWriter(zw)
	w.enc = json.NewEncoder(w.buf)
	w.seq++
	w.count = 0
	return nil
}

func (w *PartitionWriter) closeCurrent() error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.zw.Close(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil
	return nil
}

// Close flushes and seals the last partition.
func (w *PartitionWriter) Close() error {
	return w.closeCurrent()
}

// ReadPartitions loads every partition of a run generation in sequence
// order.
func ReadPartitions(dir string) ([]models.CanonicalEvent, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read partition directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl.zst") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []models.CanonicalEvent
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("open partition %s: %w", name, err)
		}
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd reader for %s: %w", name, err)
		}
		dec := json.NewDecoder(zr)
		for {
			var ev models.CanonicalEvent
			if err := dec.Decode(&ev); err != nil {
				break
			}
			out = append(out, ev)
		}
		zr.Close()
		f.Close()
	}
	return out, nil
}
