package candidates

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"shadowscan/config"
	"shadowscan/pkg/models"
)

func event(ts time.Time, user, domain, sig, method string, bytesSent int64) models.CanonicalEvent {
	return models.CanonicalEvent{
		EventTime:    ts,
		UserID:       user,
		DestDomain:   domain,
		URLSignature: sig,
		HTTPMethod:   method,
		Action:       models.ActionAllow,
		BytesSent:    bytesSent,
		LineageHash:  fmt.Sprintf("%s|%s|%s|%d|%d", user, domain, sig, ts.UnixNano(), bytesSent),
	}
}

func TestHighVolumeFlagsA(t *testing.T) {
	s := NewSelector(config.ThresholdsConfig{}, "run_a")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []models.CanonicalEvent{
		event(base, "u1", "d1", "sig-big", "GET", 2<<20),
		event(base, "u1", "d1", "sig-small", "GET", 100),
	}
	out := s.Detect(events)

	if !strings.Contains(out.Stats["sig-big"].CandidateFlags, models.FlagA) {
		t.Errorf("sig-big flags = %q, want A", out.Stats["sig-big"].CandidateFlags)
	}
	if strings.Contains(out.Stats["sig-small"].CandidateFlags, models.FlagA) {
		t.Errorf("sig-small flags = %q, must not carry A", out.Stats["sig-small"].CandidateFlags)
	}
}

func TestBurstFlagsB(t *testing.T) {
	s := NewSelector(config.ThresholdsConfig{}, "run_b")
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Twenty-five POSTs at ten-second intervals for one (user, domain):
	// every window of five minutes around the tail holds all of them.
	var events []models.CanonicalEvent
	for i := 0; i < 25; i++ {
		events = append(events, event(base.Add(time.Duration(i)*10*time.Second), "u1", "d1", "sig-burst", "POST", 100))
	}
	out := s.Detect(events)

	st := out.Stats["sig-burst"]
	if !strings.Contains(st.CandidateFlags, models.FlagB) {
		t.Errorf("flags = %q, want B", st.CandidateFlags)
	}
	if !strings.Contains(st.CandidateFlags, models.FlagBurst) {
		t.Errorf("flags = %q, want burst branch recorded", st.CandidateFlags)
	}
	if st.BurstMax5Min != 25 {
		t.Errorf("burst_max_5min = %d, want 25", st.BurstMax5Min)
	}
}

func TestBurstWindowIsLeftOpenRightClosed(t *testing.T) {
	s := NewSelector(config.ThresholdsConfig{}, "run_w")
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Nineteen writes inside the window plus one exactly at t-300s, which
	// the left-open boundary excludes.
	var events []models.CanonicalEvent
	events = append(events, event(base.Add(-300*time.Second), "u1", "d1", "sig-w", "POST", 10))
	for i := 0; i < 19; i++ {
		events = append(events, event(base.Add(-time.Duration(i)*time.Second), "u1", "d1", "sig-w", "POST", 10))
	}
	out := s.Detect(events)
	if strings.Contains(out.Stats["sig-w"].CandidateFlags, models.FlagBurst) {
		t.Errorf("burst flagged with only 19 events inside (t-300s, t]")
	}
	if got := out.Stats["sig-w"].BurstMax5Min; got != 19 {
		t.Errorf("burst_max_5min = %d, want 19", got)
	}
}

func TestCumulativeDailyUploadFlagsB(t *testing.T) {
	s := NewSelector(config.ThresholdsConfig{}, "run_c")
	base := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)

	// Three uploads of 7 MiB each on one UTC day cross the 20 MiB line.
	var events []models.CanonicalEvent
	for i := 0; i < 3; i++ {
		events = append(events, event(base.Add(time.Duration(i)*6*time.Hour), "u1", "d1", "sig-cum", "PUT", 7<<20))
	}
	out := s.Detect(events)

	st := out.Stats["sig-cum"]
	if !strings.Contains(st.CandidateFlags, models.FlagCumulative) {
		t.Errorf("flags = %q, want cumulative", st.CandidateFlags)
	}
	if st.CumulativeMax != 21<<20 {
		t.Errorf("cumulative max = %d, want %d", st.CumulativeMax, 21<<20)
	}

	// The same three uploads across two UTC days stay under the line.
	s2 := NewSelector(config.ThresholdsConfig{}, "run_c2")
	events[2].EventTime = base.Add(26 * time.Hour)
	out2 := s2.Detect(events)
	if strings.Contains(out2.Stats["sig-cum"].CandidateFlags, models.FlagCumulative) {
		t.Error("cumulative crossed UTC day boundary")
	}
}

func TestHighRiskCategoryWriteFlagsB(t *testing.T) {
	s := NewSelector(config.ThresholdsConfig{}, "run_h")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := event(base, "u1", "d1", "sig-ai", "POST", 5000)
	ev.AppCategory = "GenAI"
	out := s.Detect([]models.CanonicalEvent{ev})
	if !strings.Contains(out.Stats["sig-ai"].CandidateFlags, models.FlagB) {
		t.Errorf("flags = %q, want B for GenAI write", out.Stats["sig-ai"].CandidateFlags)
	}

	// A GET to the same category is not a write and carries no B.
	ev2 := event(base, "u1", "d1", "sig-ai-get", "GET", 5000)
	ev2.AppCategory = "GenAI"
	out2 := s.Detect([]models.CanonicalEvent{ev2})
	if strings.Contains(out2.Stats["sig-ai-get"].CandidateFlags, models.FlagB) {
		t.Error("B flagged without a write method")
	}
}

func TestCoverageSampleIsReproducible(t *testing.T) {
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	makeEvents := func() []models.CanonicalEvent {
		var events []models.CanonicalEvent
		for i := 0; i < 1000; i++ {
			events = append(events, event(base.Add(time.Duration(i)*time.Second),
				fmt.Sprintf("u%d", i%50), "d1", fmt.Sprintf("sig-%d", i%200), "GET", 500))
		}
		return events
	}

	out1 := NewSelector(config.ThresholdsConfig{CSampleRate: 0.02}, "run_123").Detect(makeEvents())
	out2 := NewSelector(config.ThresholdsConfig{CSampleRate: 0.02}, "run_123").Detect(makeEvents())

	sampled := func(o Outcome) map[string]bool {
		out := map[string]bool{}
		for sig, st := range o.Stats {
			if st.Sampled {
				out[sig] = true
			}
		}
		return out
	}
	s1, s2 := sampled(out1), sampled(out2)
	if len(s1) == 0 {
		t.Fatal("nothing sampled at 2% of 1000 events")
	}
	if len(s1) != len(s2) {
		t.Fatalf("sample sizes differ: %d vs %d", len(s1), len(s2))
	}
	for sig := range s1 {
		if !s2[sig] {
			t.Fatalf("sampled sets differ on %s", sig)
		}
	}

	// A different run id draws a different sample (with high likelihood
	// over 1000 events).
	out3 := NewSelector(config.ThresholdsConfig{CSampleRate: 0.02}, "run_456").Detect(makeEvents())
	if out3.Metadata.CCount == out1.Metadata.CCount {
		same := true
		s3 := sampled(out3)
		for sig := range s1 {
			if !s3[sig] {
				same = false
				break
			}
		}
		if same && len(s1) == len(s3) {
			t.Error("different run ids produced identical samples")
		}
	}
}

func TestSelectionIsOrderIndependent(t *testing.T) {
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	var events []models.CanonicalEvent
	for i := 0; i < 300; i++ {
		method := "GET"
		if i%3 == 0 {
			method = "POST"
		}
		events = append(events, event(base.Add(time.Duration(i%60)*time.Second),
			fmt.Sprintf("u%d", i%7), fmt.Sprintf("d%d", i%5), fmt.Sprintf("sig-%d", i%40), method, int64(i*9000)))
	}

	reference := NewSelector(config.ThresholdsConfig{CSampleRate: 0.02}, "run_perm").Detect(events)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := make([]models.CanonicalEvent, len(events))
		copy(shuffled, events)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := NewSelector(config.ThresholdsConfig{CSampleRate: 0.02}, "run_perm").Detect(shuffled)
		if len(got.Stats) != len(reference.Stats) {
			t.Fatalf("trial %d: stats size differs", trial)
		}
		for sig, want := range reference.Stats {
			st, ok := got.Stats[sig]
			if !ok {
				t.Fatalf("trial %d: signature %s missing", trial, sig)
			}
			if st.CandidateFlags != want.CandidateFlags {
				t.Errorf("trial %d: flags for %s = %q, want %q", trial, sig, st.CandidateFlags, want.CandidateFlags)
			}
			if st.BurstMax5Min != want.BurstMax5Min || st.CumulativeMax != want.CumulativeMax {
				t.Errorf("trial %d: aggregates differ for %s", trial, sig)
			}
		}
	}
}

func TestSmallVolumeNeverSilentlyExcluded(t *testing.T) {
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	var events []models.CanonicalEvent
	for i := 0; i < 500; i++ {
		events = append(events, event(base.Add(time.Duration(i)*time.Second),
			fmt.Sprintf("u%d", i), "d1", fmt.Sprintf("sig-%d", i), "GET", 100))
	}

	out := NewSelector(config.ThresholdsConfig{CSampleRate: 0.02}, "run_acct").Detect(events)
	meta := out.Metadata
	if meta.SampleEligible != 500 {
		t.Fatalf("eligible = %d, want 500", meta.SampleEligible)
	}
	if meta.CCount+meta.SampleExcluded != meta.SampleEligible {
		t.Errorf("sampled(%d) + excluded(%d) != eligible(%d)",
			meta.CCount, meta.SampleExcluded, meta.SampleEligible)
	}
}

func TestZeroSampleRateIsAccountedExplicitly(t *testing.T) {
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	var events []models.CanonicalEvent
	for i := 0; i < 50; i++ {
		events = append(events, event(base.Add(time.Duration(i)*time.Second),
			"u1", "d1", fmt.Sprintf("sig-%d", i), "GET", 100))
	}

	// CSampleRate zero means the configured rate is genuinely zero only
	// when explicitly negative values fall back to the default; a zero
	// rate must record the full eligible population as excluded.
	out := NewSelector(config.ThresholdsConfig{CSampleRate: 0}, "run_zero").Detect(events)
	meta := out.Metadata
	if meta.CCount != 0 {
		t.Fatalf("c count = %d, want 0", meta.CCount)
	}
	if meta.SampleExcluded != meta.SampleEligible {
		t.Errorf("excluded = %d, want all %d eligible accounted", meta.SampleExcluded, meta.SampleEligible)
	}
	if meta.SampleNarrative != fmt.Sprintf("coverage sample: 0 of %d", meta.SampleEligible) {
		t.Errorf("narrative = %q", meta.SampleNarrative)
	}
}
