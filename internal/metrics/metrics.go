// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ワーカー・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordLedgerMutation(kind, outcome string)
	RecordDebitRejection()
	RecordReconcileEvent(source, outcome string)
	RecordRefundFailure()
	RecordProviderLatency(provider string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// 台帳変更の結果ラベル。
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeIgnored  = "ignored"
	OutcomeFailed   = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ledgerMutations *prometheus.CounterVec
	debitRejections prometheus.Counter
	reconcileEvents *prometheus.CounterVec
	refundFailures  prometheus.Counter
	providerLatency *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arete_ledger_mutations_total",
			Help: "台帳変更の種別・結果別の合計数",
		}, []string{"kind", "outcome"}),
		debitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arete_debit_rejections_total",
			Help: "残高不足で拒否された引き落としの合計数",
		}),
		reconcileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arete_reconcile_events_total",
			Help: "外部イベント照合のソース・結果別の合計数",
		}, []string{"source", "outcome"}),
		refundFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arete_refund_failures_total",
			Help: "補償返金に失敗した合計数",
		}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arete_provider_latency_seconds",
			Help:    "外部プロバイダ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arete_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.ledgerMutations,
		c.debitRejections,
		c.reconcileEvents,
		c.refundFailures,
		c.providerLatency,
		c.httpStatus,
	)

	return c
}

// RecordLedgerMutation は台帳変更の結果を記録する。
func (c *Collector) RecordLedgerMutation(kind, outcome string) {
	c.ledgerMutations.WithLabelValues(kind, outcome).Inc()
}

// RecordDebitRejection は残高不足による拒否を記録する。
func (c *Collector) RecordDebitRejection() {
	c.debitRejections.Inc()
}

// RecordReconcileEvent は外部イベント照合の結果を記録する。
func (c *Collector) RecordReconcileEvent(source, outcome string) {
	c.reconcileEvents.WithLabelValues(source, outcome).Inc()
}

// RecordRefundFailure は補償返金の失敗を記録する。
func (c *Collector) RecordRefundFailure() {
	c.refundFailures.Inc()
}

// RecordProviderLatency は外部プロバイダ呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(provider string, duration time.Duration) {
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLedgerMutation(string, string) {}
func (Nop) RecordDebitRejection() {}
func (Nop) RecordReconcileEvent(string, string) {}
func (Nop) RecordRefundFailure() {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
