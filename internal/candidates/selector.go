package candidates

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"shadowscan/config"
	"shadowscan/pkg/models"
)

const defaultAMinBytes = 1 << 20
const defaultBurstWindow = 5 * time.Minute
const defaultBurstCount = 20
const defaultCumulativeBytes = 20 << 20
const defaultSampleRate = 0.02

var defaultHighRiskCats = []string{"GenAI", "AI", "Unknown", "Uncategorized"}
var defaultWriteMethods = []string{"POST", "PUT", "PATCH"}

// Metadata is the audit narration for one selection pass.
type Metadata struct {
	ACount          int64    `json:"a_count"`
	BCount          int64    `json:"b_count"`
	CCount          int64    `json:"c_count"`
	TotalEvents     int64    `json:"total_events"`
	SampleRate      float64  `json:"sample_rate"`
	SampleSeed      string   `json:"sample_seed"`
	SampleEligible  int64    `json:"sample_eligible"`
	SampleExcluded  int64    `json:"sample_excluded"`
	AMinBytes       int64    `json:"a_min_bytes"`
	BurstWindowSec  int64    `json:"b_burst_window_seconds"`
	BurstCount      int      `json:"b_burst_count"`
	CumulativeBytes int64    `json:"b_cumulative_bytes"`
	HighRiskCats    []string `json:"b_high_risk_categories"`
	SampleNarrative string   `json:"sample_narrative"`
}

// Outcome carries per-signature statistics and per-event flags.
type Outcome struct {
	Stats      map[string]*models.SignatureStats
	EventFlags map[string]string
	Metadata   Metadata
}

// Selector computes A/B/C risk-candidate flags. The selection is a pure
// aggregation: input ordering never changes the outcome.
type Selector struct {
	runID           string
	aMinBytes       int64
	burstWindow     time.Duration
	burstCount      int
	cumulativeBytes int64
	highRiskCats    map[string]struct{}
	writeMethods    map[string]struct{}
	sampleRate      float64
	actionFilter    string
}

// NewSelector builds a selector with run-scoped deterministic sampling.
func NewSelector(cfg config.ThresholdsConfig, runID string) *Selector {
	s := &Selector{
		runID:           runID,
		aMinBytes:       cfg.AMinBytesSent,
		burstWindow:     cfg.BBurstWindow,
		burstCount:      cfg.BBurstCount,
		cumulativeBytes: cfg.BCumulativeBytes,
		sampleRate:      cfg.CSampleRate,
		actionFilter:    cfg.ActionFilter,
		highRiskCats:    make(map[string]struct{}),
		writeMethods:    make(map[string]struct{}),
	}
	if s.aMinBytes <= 0 {
		s.aMinBytes = defaultAMinBytes
	}
	if s.burstWindow <= 0 {
		s.burstWindow = defaultBurstWindow
	}
	if s.burstCount <= 0 {
		s.burstCount = defaultBurstCount
	}
	if s.cumulativeBytes <= 0 {
		s.cumulativeBytes = defaultCumulativeBytes
	}
	if s.sampleRate < 0 {
		s.sampleRate = defaultSampleRate
	}
	if s.actionFilter == "" {
		s.actionFilter = models.ActionAllow
	}
	cats := cfg.BHighRiskCats
	if len(cats) == 0 {
		cats = defaultHighRiskCats
	}
	for _, c := range cats {
		s.highRiskCats[c] = struct{}{}
	}
	writes := cfg.WriteMethods
	if len(writes) == 0 {
		writes = defaultWriteMethods
	}
	for _, m := range writes {
		s.writeMethods[strings.ToUpper(m)] = struct{}{}
	}
	return s
}

type userDomainKey struct {
	user   string
	domain string
}

type userDomainDayKey struct {
	user   string
	domain string
	day    string
}

func (s *Selector) isWrite(method string) bool {
	_, ok := s.writeMethods[strings.ToUpper(method)]
	return ok
}

func (s *Selector) isHighRisk(category string) bool {
	if category == "" {
		return false
	}
	_, ok := s.highRiskCats[category]
	return ok
}

// Detect runs A/B/C selection over the run's canonical events.
func (s *Selector) Detect(events []models.CanonicalEvent) Outcome {
	// Sort a private copy so every downstream walk is deterministic
	// regardless of input ordering.
	sorted := make([]models.CanonicalEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if !a.EventTime.Equal(b.EventTime) {
			return a.EventTime.Before(b.EventTime)
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.DestDomain != b.DestDomain {
			return a.DestDomain < b.DestDomain
		}
		if a.URLSignature != b.URLSignature {
			return a.URLSignature < b.URLSignature
		}
		return a.LineageHash < b.LineageHash
	})

	cumulative := s.computeCumulative(sorted)
	writeTimes := s.collectWriteTimes(sorted)

	flagsA := make(map[string]struct{})
	flagsB := make(map[string]struct{})
	burstByEvent := make(map[string]int64)

	for i := range sorted {
		ev := &sorted[i]
		if ev.Action != s.actionFilter || ev.LineageHash == "" {
			continue
		}

		if ev.BytesSent >= s.aMinBytes {
			flagsA[ev.LineageHash] = struct{}{}
		}

		if !s.isWrite(ev.HTTPMethod) {
			continue
		}

		burst := s.burstCountAt(writeTimes[userDomainKey{ev.UserID, ev.DestDomain}], ev.EventTime)
		burstByEvent[ev.LineageHash] = burst

		dayKey := userDomainDayKey{ev.UserID, ev.DestDomain, ev.EventTime.UTC().Format("2006-01-02")}
		cumBytes := cumulative[dayKey]

		if s.isHighRisk(ev.AppCategory) || burst >= int64(s.burstCount) || cumBytes >= s.cumulativeBytes {
			flagsB[ev.LineageHash] = struct{}{}
		}
	}

	flagsC, eligible, excluded := s.sampleC(sorted, flagsA, flagsB)

	return s.buildOutcome(sorted, flagsA, flagsB, flagsC, burstByEvent, cumulative, eligible, excluded)
}

func (s *Selector) computeCumulative(events []models.CanonicalEvent) map[userDomainDayKey]int64 {
	out := make(map[userDomainDayKey]int64)
	for i := range events {
		ev := &events[i]
		if ev.Action != s.actionFilter {
			continue
		}
		key := userDomainDayKey{ev.UserID, ev.DestDomain, ev.EventTime.UTC().Format("2006-01-02")}
		out[key] += ev.BytesSent
	}
	return out
}

func (s *Selector) collectWriteTimes(events []models.CanonicalEvent) map[userDomainKey][]time.Time {
	out := make(map[userDomainKey][]time.Time)
	for i := range events {
		ev := &events[i]
		if ev.Action != s.actionFilter || !s.isWrite(ev.HTTPMethod) {
			continue
		}
		key := userDomainKey{ev.UserID, ev.DestDomain}
		out[key] = append(out[key], ev.EventTime.UTC())
	}
	for key := range out {
		times := out[key]
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	}
	return out
}

// burstCountAt counts write events in the left-open window (t-W, t].
func (s *Selector) burstCountAt(times []time.Time, t time.Time) int64 {
	t = t.UTC()
	open := t.Add(-s.burstWindow)
	var count int64
	for _, ts := range times {
		if ts.After(open) && !ts.After(t) {
			count++
		}
	}
	return count
}

// sampleC draws the deterministic coverage sample from events carrying
// neither A nor B with bytes_sent under the A threshold. A zero sample
// rate excludes nothing silently: the eligible population is counted.
func (s *Selector) sampleC(events []models.CanonicalEvent, flagsA, flagsB map[string]struct{}) (map[string]struct{}, int64, int64) {
	sampled := make(map[string]struct{})
	var eligible, excluded int64

	threshold := int64(math.Round(s.sampleRate * 10000))
	for i := range events {
		ev := &events[i]
		if ev.Action != s.actionFilter || ev.LineageHash == "" {
			continue
		}
		if _, isA := flagsA[ev.LineageHash]; isA {
			continue
		}
		if _, isB := flagsB[ev.LineageHash]; isB {
			continue
		}
		if ev.BytesSent >= s.aMinBytes {
			continue
		}
		eligible++

		sum := sha256.Sum256([]byte(s.runID + "|" + ev.LineageHash))
		draw := binary.BigEndian.Uint64(sum[:8]) % 10000
		if int64(draw) < threshold {
			sampled[ev.LineageHash] = struct{}{}
		} else {
			excluded++
		}
	}
	return sampled, eligible, excluded
}

func (s *Selector) buildOutcome(
	events []models.CanonicalEvent,
	flagsA, flagsB, flagsC map[string]struct{},
	burstByEvent map[string]int64,
	cumulative map[userDomainDayKey]int64,
	eligible, excluded int64,
) Outcome {
	stats := make(map[string]*models.SignatureStats)
	eventFlags := make(map[string]string)
	usersBySig := make(map[string]map[string]struct{})
	bytesBySig := make(map[string][]int64)

	for i := range events {
		ev := &events[i]
		if ev.URLSignature == "" {
			continue
		}

		st := stats[ev.URLSignature]
		if st == nil {
			st = &models.SignatureStats{
				URLSignature:     ev.URLSignature,
				NormHost:         ev.NormHost,
				DestDomain:       ev.DestDomain,
				FirstSeen:        ev.EventTime.UTC(),
				LastSeen:         ev.EventTime.UTC(),
			}
			stats[ev.URLSignature] = st
			usersBySig[ev.URLSignature] = make(map[string]struct{})
		}

		st.AccessCount++
		st.BytesSentSum += ev.BytesSent
		st.BytesReceivedSum += ev.BytesReceived
		if ev.BytesSent > st.BytesSentMax {
			st.BytesSentMax = ev.BytesSent
		}
		if ev.EventTime.UTC().Before(st.FirstSeen) {
			st.FirstSeen = ev.EventTime.UTC()
		}
		if ev.EventTime.UTC().After(st.LastSeen) {
			st.LastSeen = ev.EventTime.UTC()
		}
		if ev.UserID != "" {
			usersBySig[ev.URLSignature][ev.UserID] = struct{}{}
		}
		bytesBySig[ev.URLSignature] = append(bytesBySig[ev.URLSignature], ev.BytesSent)

		if burst := burstByEvent[ev.LineageHash]; burst > st.BurstMax5Min {
			st.BurstMax5Min = burst
		}
		dayKey := userDomainDayKey{ev.UserID, ev.DestDomain, ev.EventTime.UTC().Format("2006-01-02")}
		if cum := cumulative[dayKey]; cum > st.CumulativeMax {
			st.CumulativeMax = cum
		}

		flags := s.eventFlagList(ev.LineageHash, flagsA, flagsB, flagsC, burstByEvent, cumulative, dayKey)
		if len(flags) > 0 {
			eventFlags[ev.LineageHash] = strings.Join(flags, "|")
		}
		mergeSignatureFlags(st, flags)
	}

	for sig, st := range stats {
		st.UniqueUsers = int64(len(usersBySig[sig]))
		st.BytesSentP95 = percentile95(bytesBySig[sig])
	}

	meta := Metadata{
		ACount:          int64(len(flagsA)),
		BCount:          int64(len(flagsB)),
		CCount:          int64(len(flagsC)),
		TotalEvents:     int64(len(events)),
		SampleRate:      s.sampleRate,
		SampleSeed:      s.runID,
		SampleEligible:  eligible,
		SampleExcluded:  excluded,
		AMinBytes:       s.aMinBytes,
		BurstWindowSec:  int64(s.burstWindow / time.Second),
		BurstCount:      s.burstCount,
		CumulativeBytes: s.cumulativeBytes,
		HighRiskCats:    sortedKeys(s.highRiskCats),
	}
	meta.SampleNarrative = sampleNarrative(int64(len(flagsC)), eligible)

	return Outcome{Stats: stats, EventFlags: eventFlags, Metadata: meta}
}

func (s *Selector) eventFlagList(
	lineage string,
	flagsA, flagsB, flagsC map[string]struct{},
	burstByEvent map[string]int64,
	cumulative map[userDomainDayKey]int64,
	dayKey userDomainDayKey,
) []string {
	var flags []string
	if _, ok := flagsA[lineage]; ok {
		flags = append(flags, models.FlagA)
	}
	if _, ok := flagsB[lineage]; ok {
		flags = append(flags, models.FlagB)
	}
	if _, ok := flagsC[lineage]; ok {
		flags = append(flags, models.FlagC)
	}
	if burstByEvent[lineage] >= int64(s.burstCount) {
		flags = append(flags, models.FlagBurst)
	}
	if cumulative[dayKey] >= s.cumulativeBytes {
		flags = append(flags, models.FlagCumulative)
	}
	if _, ok := flagsC[lineage]; ok {
		flags = append(flags, models.FlagSampled)
	}
	return flags
}

func mergeSignatureFlags(st *models.SignatureStats, flags []string) {
	if len(flags) == 0 {
		return
	}
	existing := make(map[string]struct{})
	for _, f := range strings.Split(st.CandidateFlags, "|") {
		if f != "" {
			existing[f] = struct{}{}
		}
	}
	for _, f := range flags {
		existing[f] = struct{}{}
		if f == models.FlagSampled {
			st.Sampled = true
		}
	}
	// Canonical flag order keeps the column byte-stable.
	order := []string{models.FlagA, models.FlagB, models.FlagC, models.FlagBurst, models.FlagCumulative, models.FlagSampled}
	var out []string
	for _, f := range order {
		if _, ok := existing[f]; ok {
			out = append(out, f)
		}
	}
	st.CandidateFlags = strings.Join(out, "|")
}

func percentile95(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sampleNarrative(sampled, eligible int64) string {
	return fmt.Sprintf("coverage sample: %d of %d", sampled, eligible)
}
