package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestSetCongestionWindow(t *testing.T) {
	r := New()
	r.SetCongestionWindow(11800)
	if got := gaugeValue(t, r.cwnd); got != 11800 {
		t.Errorf("cwnd gauge: got %v, want 11800", got)
	}
}

func TestSetRTTEstimates(t *testing.T) {
	r := New()
	r.SetRTTEstimates(0.05, 0.2)
	if got := gaugeValue(t, r.srtt); got != 0.05 {
		t.Errorf("srtt gauge: got %v, want 0.05", got)
	}
	if got := gaugeValue(t, r.rto); got != 0.2 {
		t.Errorf("rto gauge: got %v, want 0.2", got)
	}
}

func TestIncRetransmitPartitionsByReason(t *testing.T) {
	r := New()
	r.IncRetransmit("fast")
	r.IncRetransmit("fast")
	r.IncRetransmit("timeout")

	var m dto.Metric
	if err := r.retransmits.WithLabelValues("fast").Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 2 {
		t.Errorf("fast retransmits: got %v, want 2", m.GetCounter().GetValue())
	}
}

func TestIncFECCounters(t *testing.T) {
	r := New()
	r.IncFECRecovered(3)
	r.IncFECFailed()

	var m dto.Metric
	if err := r.fecRecovered.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.GetCounter().GetValue() != 3 {
		t.Errorf("fec recovered: got %v, want 3", m.GetCounter().GetValue())
	}
}
