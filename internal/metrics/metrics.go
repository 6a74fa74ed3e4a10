// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカーから利用する。
type MetricsCollector interface {
	RecordSignIn(outcome string)
	RecordQuotaDenial(reason string)
	RecordNotificationDecision(kind string)
	RecordDispatchLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordCounterResets(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIns              *prometheus.CounterVec
	quotaDenials         *prometheus.CounterVec
	notificationDecision *prometheus.CounterVec
	dispatchLatency      prometheus.Histogram
	httpStatus           *prometheus.CounterVec
	counterResets        prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_sign_in_total",
			Help: "サインイン試行の結果別合計数",
		}, []string{"outcome"}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_quota_denial_total",
			Help: "利用上限による拒否の理由別合計数",
		}, []string{"reason"}),
		notificationDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_notification_decision_total",
			Help: "通知スケジューリング判定の種別別合計数",
		}, []string{"kind"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcore_notification_dispatch_latency_seconds",
			Help:    "通知配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		counterResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_counter_reset_total",
			Help: "リセットされた利用カウンターの合計数",
		}),
	}

	reg.MustRegister(
		c.signIns,
		c.quotaDenials,
		c.notificationDecision,
		c.dispatchLatency,
		c.httpStatus,
		c.counterResets,
	)

	return c
}

// RecordSignIn はサインイン試行の結果を記録する。
// outcomeは "success"、"invalid_credential"、"error" 等。
func (c *Collector) RecordSignIn(outcome string) {
	c.signIns.WithLabelValues(outcome).Inc()
}

// RecordQuotaDenial は利用上限による拒否を記録する。
// reasonは "daily_limit"、"weekly_limit"、"char_limit"、"group_limit"。
func (c *Collector) RecordQuotaDenial(reason string) {
	c.quotaDenials.WithLabelValues(reason).Inc()
}

// RecordNotificationDecision は通知スケジューリング判定を記録する。
// kindは "immediate"、"deferred"、"suppressed"。
func (c *Collector) RecordNotificationDecision(kind string) {
	c.notificationDecision.WithLabelValues(kind).Inc()
}

// RecordDispatchLatency は通知配信のレイテンシを記録する。
func (c *Collector) RecordDispatchLatency(duration time.Duration) {
	c.dispatchLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCounterResets はリセットされた利用カウンター数を記録する。
func (c *Collector) RecordCounterResets(count int) {
	c.counterResets.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
