package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestStageJobCounters(t *testing.T) {
	Init()

	before := counterValue(t, StageJobs.WithLabelValues("transcription", "ok"))
	ObserveStageJob("transcription", "ok", 120*time.Millisecond)
	ObserveStageJob("transcription", "ok", 80*time.Millisecond)
	after := counterValue(t, StageJobs.WithLabelValues("transcription", "ok"))

	if after-before != 2 {
		t.Errorf("transcription ok delta = %v, want 2", after-before)
	}
}

func TestHelpersBeforeInitAreSafe(t *testing.T) {
	// Helpers are nil-guarded so packages can be tested without Init.
	saved := BarrierResults
	BarrierResults = nil
	defer func() { BarrierResults = saved }()
	IncBarrier("completed")
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds", Help: "Test duration", Buckets: prometheus.DefBuckets})

	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(5 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Fatal("TimeFunc did not execute fn")
	}
	if d < 5*time.Millisecond {
		t.Errorf("duration = %v, want >= 5ms", d)
	}
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if got := GetCorrelation(context.Background()); got != "" {
		t.Errorf("GetCorrelation(empty) = %q, want empty", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
