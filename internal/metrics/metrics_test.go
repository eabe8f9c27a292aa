package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名のメトリクスファミリーからラベルが一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestNewCollector_DoubleRegistrationPanics は同一レジストリへの二重登録がpanicすることを検証する。
func TestNewCollector_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}

func TestRecordLedgerMutation_LabelsByKindAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLedgerMutation("debit", OutcomeApplied)
	c.RecordLedgerMutation("debit", OutcomeApplied)
	c.RecordLedgerMutation("debit", OutcomeReplayed)

	applied := findMetric(t, reg, "arete_ledger_mutations_total", map[string]string{"kind": "debit", "outcome": "applied"})
	if v := applied.GetCounter().GetValue(); v != 2 {
		t.Errorf("applied = %v, want 2", v)
	}
	replayed := findMetric(t, reg, "arete_ledger_mutations_total", map[string]string{"kind": "debit", "outcome": "replayed"})
	if v := replayed.GetCounter().GetValue(); v != 1 {
		t.Errorf("replayed = %v, want 1", v)
	}
}

func TestRecordDebitRejection_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDebitRejection()

	m := findMetric(t, reg, "arete_debit_rejections_total", nil)
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("debit_rejections_total = %v, want 1", v)
	}
}

func TestRecordReconcileEvent_LabelsBySource(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReconcileEvent("calendly_webhook", OutcomeIgnored)

	m := findMetric(t, reg, "arete_reconcile_events_total", map[string]string{"source": "calendly_webhook", "outcome": "ignored"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("reconcile_events_total = %v, want 1", v)
	}
}

func TestRecordRefundFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefundFailure()
	c.RecordRefundFailure()

	m := findMetric(t, reg, "arete_refund_failures_total", nil)
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("refund_failures_total = %v, want 2", v)
	}
}

func TestRecordProviderLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderLatency("webpay", 150*time.Millisecond)

	m := findMetric(t, reg, "arete_provider_latency_seconds", map[string]string{"provider": "webpay"})
	if n := m.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
	if s := m.GetHistogram().GetSampleSum(); s < 0.14 || s > 0.16 {
		t.Errorf("sample sum = %v, want ~0.15", s)
	}
}

func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(402)

	m := findMetric(t, reg, "arete_http_responses_total", map[string]string{"status_code": "402"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("http_responses_total = %v, want 1", v)
	}
}
